package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
	"github.com/Arpeggio-Labs/chorus/pkg/eventstore"
	"github.com/Arpeggio-Labs/chorus/pkg/ingest"
	"github.com/Arpeggio-Labs/chorus/pkg/observability"
)

// Pipeline is the anchor-processing surface the push endpoint feeds.
// Both *ingest.Processor and its instrumented wrapper satisfy it.
type Pipeline interface {
	ProcessAnchor(ctx context.Context, in *event.AnchoredEvent) *ingest.Result
	ClearBlockWindow()
}

// ReadinessProber reports per-tier storage connectivity for /ready.
type ReadinessProber interface {
	TestConnectivity(ctx context.Context) *eventstore.ConnectivityReport
}

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8085".
	Addr string
	// AuthToken is the HS256 secret for push bearer tokens.
	// Empty leaves the push endpoint unauthenticated.
	AuthToken string
	// RateRPS and RateBurst bound per-IP request rates on the push endpoint.
	RateRPS   int
	RateBurst int
	// MaxBodyBytes caps the accepted request body size.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Dependencies carries the components the server exposes. Pipeline is
// required; the rest degrade to empty responses when absent.
type Dependencies struct {
	Pipeline Pipeline
	Prober   ReadinessProber
	Stats    *observability.Stats
	Journal  *observability.Journal
	Metrics  http.Handler
}

// Server is the node's HTTP surface.
type Server struct {
	cfg      Config
	pipeline Pipeline
	prober   ReadinessProber
	stats    *observability.Stats
	journal  *observability.Journal
	metrics  http.Handler
	limiter  *GlobalRateLimiter
	log      *slog.Logger
	httpSrv  *http.Server
}

// New creates a Server from the given configuration and dependencies.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("api: pipeline is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8085"
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		pipeline: deps.Pipeline,
		prober:   deps.Prober,
		stats:    deps.Stats,
		journal:  deps.Journal,
		metrics:  deps.Metrics,
		limiter:  NewGlobalRateLimiter(cfg.RateRPS, cfg.RateBurst),
		log:      cfg.Logger,
	}, nil
}

// Handler builds the route table. Rate limiting and bearer auth apply to
// the push endpoint only, so probes stay reachable under load.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var push http.Handler = http.HandlerFunc(s.handlePush)
	if s.cfg.AuthToken != "" {
		push = BearerAuth(s.cfg.AuthToken)(push)
	}
	mux.Handle("/ingest", s.limiter.Middleware(push))

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return mux
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("http server listening", "addr", s.cfg.Addr, "auth", s.cfg.AuthToken != "")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports 200 while at least one storage tier answers, 503
// when all are down. A degraded store still serves whatever tier is left.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	if s.prober == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := s.prober.TestConnectivity(ctx)
	ready := report.Reachable() > 0
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":    ready,
		"backends": report,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}

	body := map[string]any{}
	if s.stats != nil {
		body = s.stats.Snapshot()
	}
	if s.journal != nil {
		body["recent"] = s.journal.Recent(20)
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
