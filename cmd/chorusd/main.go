// chorusd is the Chorus ingestion node: it observes on-chain anchors,
// fetches the matching off-chain bodies, verifies integrity, signature
// and on-chain authorization, and dispatches verified events to the
// registered type handlers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Arpeggio-Labs/chorus/pkg/api"
	"github.com/Arpeggio-Labs/chorus/pkg/authz"
	"github.com/Arpeggio-Labs/chorus/pkg/chainsource"
	"github.com/Arpeggio-Labs/chorus/pkg/config"
	"github.com/Arpeggio-Labs/chorus/pkg/dispatch"
	"github.com/Arpeggio-Labs/chorus/pkg/eventstore"
	"github.com/Arpeggio-Labs/chorus/pkg/ingest"
	"github.com/Arpeggio-Labs/chorus/pkg/observability"
	"github.com/Arpeggio-Labs/chorus/pkg/signature"
)

var version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// runNode is a variable so tests can stub the long-running server path.
var runNode = runServer

// Run is the testable entrypoint. Exit codes: 0 clean, 1 startup or
// shutdown failure, 2 usage.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "help", "--help", "-h":
			printUsage(stdout)
			return 0
		case "version", "--version":
			_, _ = fmt.Fprintf(stdout, "chorusd %s\n", version)
			return 0
		case "check":
			return runCheck(stdout, stderr)
		default:
			_, _ = fmt.Fprintf(stderr, "chorusd: unknown command %q\n", args[1])
			printUsage(stderr)
			return 2
		}
	}
	return runNode(stderr)
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: chorusd [command]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  (none)     Run the ingestion node (default)")
	_, _ = fmt.Fprintln(w, "  check      Load and validate the configuration, then exit")
	_, _ = fmt.Fprintln(w, "  version    Print the version")
	_, _ = fmt.Fprintln(w, "  help       Print this help")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Configuration comes from CHORUS_* environment variables, with an")
	_, _ = fmt.Fprintln(w, "optional YAML file named by CHORUS_CONFIG applied first.")
}

// runCheck loads and validates the configuration without starting
// anything, so deploys can gate on a config change.
func runCheck(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "configuration ok: source=%s contract=%s objectStore=%s\n",
		cfg.ChainSource, cfg.ContractAccount, cfg.ObjectStore.Provider)
	return 0
}

// runServer wires the node and blocks until a shutdown signal or a fatal
// component failure. Wiring order follows the dependency chain: config,
// telemetry, store tiers, authorization, pipeline, HTTP surface, chain
// source.
func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("chorusd starting", "version", version, "chain_source", cfg.ChainSource,
		"contract", cfg.ContractAccount)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "chorus-core",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.OTLPInsecure,
		Prometheus:     cfg.Telemetry.Prometheus,
	})
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("event store init failed", "error", err)
		return 1
	}

	// One reachable tier is enough to serve; zero means the node would
	// return not_found for every anchor, so refuse to start.
	probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
	report := store.TestConnectivity(probeCtx)
	probeCancel()
	if report.Reachable() == 0 {
		logger.Error("no storage tier reachable", "report", report)
		return 1
	}
	logger.Info("storage connectivity checked", "reachable_tiers", report.Reachable())

	var chainClient authz.ChainClient
	if cfg.RPCURL != "" {
		chainClient = authz.NewHTTPClient(cfg.RPCURL)
	}
	authorizer, err := authz.NewVerifier(chainClient, authz.Options{
		CacheTTL:   cfg.AccountCacheTTL.Std(),
		Permissive: !cfg.RequireAccountAuth,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("authorization init failed", "error", err)
		return 1
	}

	var dedupIndex ingest.DedupIndex
	if cfg.Ingest.SQLitePath != "" {
		idx, err := ingest.OpenSQLiteDedupIndex(cfg.Ingest.SQLitePath)
		if err != nil {
			logger.Warn("durable dedup index unavailable, continuing with memory only",
				"path", cfg.Ingest.SQLitePath, "error", err)
		} else {
			dedupIndex = idx
			logger.Info("durable dedup index open", "path", cfg.Ingest.SQLitePath)
		}
	}
	deduper := ingest.NewDeduper(cfg.MaxProcessedHashes, dedupIndex, logger)

	var filter *ingest.AdmissionFilter
	if len(cfg.Ingest.Filter) > 0 {
		filter, err = ingest.NewAdmissionFilter(cfg.Ingest.Filter)
		if err != nil {
			logger.Error("admission rules do not compile", "error", err)
			return 1
		}
		logger.Info("admission filter active", "rules", len(cfg.Ingest.Filter))
	}

	registry := dispatch.NewRegistry(logger)
	if err := registerHandlers(registry, logger); err != nil {
		logger.Error("handler registration failed", "error", err)
		return 1
	}
	registry.Seal()

	processor, err := ingest.NewProcessor(ingest.Config{
		Store:       store,
		Registry:    registry,
		Authorizer:  authorizer,
		RequireAuth: true,
		Permission:  cfg.Permission,
		Signature: signature.Options{
			RequireSignature: true,
			AllowUnsigned:    cfg.AllowUnsignedEvents,
		},
		Filter: filter,
		Dedup:  deduper,
		Logger: logger,
	})
	if err != nil {
		logger.Error("processor init failed", "error", err)
		return 1
	}
	if cfg.AllowUnsignedEvents {
		logger.Warn("allowUnsignedEvents is enabled, unsigned events will be admitted")
	}
	if !cfg.RequireAccountAuth {
		logger.Warn("requireAccountAuth is disabled, authorization failures will be allowed")
	}

	slo := observability.NewSLOTracker()
	slo.SetTarget(observability.DefaultIngestTarget())
	journal := observability.NewJournal(1000)
	pipeline := observability.InstrumentPipeline(processor, obs, slo, journal)

	stats := observability.NewStats()
	stats.Track("ingest", observability.Counters(processor.Stats))
	stats.Track("store", observability.Counters(store.Stats))
	stats.Track("authz", observability.Counters(authorizer.Stats))
	stats.Track("dispatch", observability.Counters(registry.Stats))
	stats.Track("dedup", observability.Counters(deduper.Stats))
	stats.Track("slo", func() map[string]any {
		out := make(map[string]any)
		for _, op := range slo.Operations() {
			if st, err := slo.Status(op); err == nil {
				out[op] = st
			}
		}
		return out
	})

	manager := chainsource.NewManager(logger)
	stats.Track("sources", manager.Stats)
	if err := manager.Register(chainsource.NewPushSource(logger)); err != nil {
		logger.Error("source registration failed", "error", err)
		return 1
	}
	if cfg.ShipURL != "" {
		tlsCfg, err := cfg.TLSConfig()
		if err != nil {
			logger.Error("TLS configuration failed", "error", err)
			return 1
		}
		streaming, err := chainsource.NewStreamingSource(chainsource.StreamingConfig{
			URL:                  cfg.ShipURL,
			ContractAccount:      cfg.ContractAccount,
			StartBlock:           cfg.StartBlock,
			EndBlock:             cfg.EndBlock,
			MaxMessagesInFlight:  cfg.MaxMessagesInFlight,
			IrreversibleOnly:     cfg.IrreversibleOnly,
			ReconnectDelay:       cfg.ReconnectDelay.Std(),
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			TLSConfig:            tlsCfg,
			Logger:               logger,
		}, pipeline)
		if err != nil {
			logger.Error("streaming source init failed", "error", err)
			return 1
		}
		if err := manager.Register(streaming); err != nil {
			logger.Error("source registration failed", "error", err)
			return 1
		}
	}

	server, err := api.New(api.Config{
		Addr:      cfg.Webhook.Addr,
		AuthToken: cfg.Webhook.AuthToken,
		Logger:    logger,
	}, api.Dependencies{
		Pipeline: pipeline,
		Prober:   store,
		Stats:    stats,
		Journal:  journal,
		Metrics:  obs.MetricsHandler(),
	})
	if err != nil {
		logger.Error("http server init failed", "error", err)
		return 1
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go stats.LogEvery(ctx, logger, cfg.Telemetry.StatusInterval.Std())

	// A failed source start is a startup failure: an endpoint speaking a
	// framing we cannot parse must not present as an empty chain.
	if err := manager.Start(ctx, cfg.ChainSource); err != nil {
		logger.Error("chain source start failed", "error", err)
		shutdown(manager, server, store, dedupIndex, obs, logger)
		return 1
	}

	logger.Info("chorusd ready", "addr", cfg.Webhook.Addr, "source", manager.Active())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("http server failed", "error", err)
		exit = 1
	case <-manager.Failed():
		logger.Error("chain source failed", "error", manager.Err())
		exit = 1
	}

	if err := shutdown(manager, server, store, dedupIndex, obs, logger); err != nil {
		exit = 1
	}
	return exit
}

// shutdown drains the node in reverse wiring order: stop observing the
// chain, drain the HTTP surface, then release backend clients.
func shutdown(manager *chainsource.Manager, server *api.Server, store *eventstore.Store, dedupIndex ingest.DedupIndex, obs *observability.Provider, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var failed error
	if err := manager.Stop(ctx); err != nil {
		logger.Error("chain source stop failed", "error", err)
		failed = err
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
		failed = err
	}
	if dedupIndex != nil {
		if err := dedupIndex.Close(); err != nil {
			logger.Error("dedup index close failed", "error", err)
			failed = err
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("event store close failed", "error", err)
		failed = err
	}
	if err := obs.Shutdown(ctx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
		failed = err
	}
	logger.Info("shutdown complete")
	return failed
}

// buildStore assembles the configured storage tiers. A tier that fails to
// initialize is logged and skipped; the store itself requires at least one.
func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*eventstore.Store, error) {
	storeCfg := eventstore.Config{Logger: logger}

	if cfg.Cache.Host != "" {
		storeCfg.Cache = eventstore.NewRedisCache(eventstore.RedisConfig{
			Host:     cfg.Cache.Host,
			Port:     cfg.Cache.Port,
			Password: cfg.Cache.Password,
			TTL:      cfg.Cache.TTL.Std(),
		})
	}
	if cfg.IPFS.URL != "" {
		storeCfg.Blocks = eventstore.NewIPFSStore(eventstore.IPFSConfig{
			URL:     cfg.IPFS.URL,
			Gateway: cfg.IPFS.Gateway,
		})
	}

	switch cfg.ObjectStore.Provider {
	case config.ProviderGCS:
		objects, err := eventstore.NewGCSStore(ctx, eventstore.GCSConfig{Bucket: cfg.GCS.Bucket})
		if err != nil {
			logger.Warn("gcs tier unavailable", "bucket", cfg.GCS.Bucket, "error", err)
		} else {
			storeCfg.Objects = objects
		}
	case config.ProviderS3:
		if cfg.S3.Bucket == "" {
			logger.Info("s3 tier not configured, running without an object store")
			break
		}
		objects, err := eventstore.NewS3Store(ctx, eventstore.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		})
		if err != nil {
			logger.Warn("s3 tier unavailable", "bucket", cfg.S3.Bucket, "error", err)
		} else {
			storeCfg.Objects = objects
		}
	}

	return eventstore.New(storeCfg)
}
