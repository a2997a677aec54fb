// Package config holds the node's configuration: defaults first, then an
// optional YAML file, then environment variables. Validation is a separate
// pass so startup can fail with every problem listed at once.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Chain source names accepted by chainSource.
const (
	SourceStreaming = "streaming"
	SourcePush      = "push"
)

// Object store providers accepted by objectStore.provider.
const (
	ProviderS3  = "s3"
	ProviderGCS = "gcs"
)

// Config holds node configuration.
type Config struct {
	// Anchor source
	ChainSource          string   `yaml:"chainSource"`
	ContractAccount      string   `yaml:"contractAccount"`
	StartBlock           uint32   `yaml:"startBlock"`
	EndBlock             uint32   `yaml:"endBlock"`
	ShipURL              string   `yaml:"shipUrl"`
	ReconnectDelay       Duration `yaml:"reconnectDelay"`
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts"`
	MaxMessagesInFlight  uint32   `yaml:"maxMessagesInFlight"`
	IrreversibleOnly     bool     `yaml:"irreversibleOnly"`
	TLSCAFile            string   `yaml:"tlsCaFile"`
	TLSSkipVerify        bool     `yaml:"tlsSkipVerify"`

	// Store tiers
	IPFS        IPFSConfig        `yaml:"ipfs"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	S3          S3Config          `yaml:"s3"`
	GCS         GCSConfig         `yaml:"gcs"`
	Cache       CacheConfig       `yaml:"cache"`

	// Verification
	RPCURL              string   `yaml:"rpcUrl"`
	RequireAccountAuth  bool     `yaml:"requireAccountAuth"`
	AllowUnsignedEvents bool     `yaml:"allowUnsignedEvents"`
	Permission          string   `yaml:"permission"`
	AccountCacheTTL     Duration `yaml:"accountCacheTtl"`

	// Pipeline
	MaxProcessedHashes int          `yaml:"maxProcessedHashes"`
	Ingest             IngestConfig `yaml:"ingest"`

	// Surfaces
	Webhook   WebhookConfig   `yaml:"webhook"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	LogLevel  string          `yaml:"logLevel"`
}

// IPFSConfig configures the content-addressed tier.
type IPFSConfig struct {
	URL     string `yaml:"url"`
	Gateway string `yaml:"gateway"`
}

// ObjectStoreConfig selects the durable object tier implementation.
type ObjectStoreConfig struct {
	Provider string `yaml:"provider"` // s3 | gcs
}

// S3Config configures the S3-compatible object tier.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

// GCSConfig configures the GCS object tier alternative.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`
}

// CacheConfig configures the cache tier.
type CacheConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Password string   `yaml:"password"`
	TTL      Duration `yaml:"ttl"`
}

// IngestConfig covers pipeline knobs beyond the dedup window.
type IngestConfig struct {
	// Filter holds CEL admission rules; any rule evaluating false drops
	// the anchor before retrieval.
	Filter []string `yaml:"filter"`
	// SQLitePath enables the durable dedup index when set.
	SQLitePath string `yaml:"sqlitePath"`
}

// WebhookConfig configures the HTTP surface, including the push source.
type WebhookConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"authToken"` // HS256 secret; empty disables bearer auth
}

// TelemetryConfig configures export targets and the status ticker.
type TelemetryConfig struct {
	Enabled        bool     `yaml:"enabled"`
	OTLPEndpoint   string   `yaml:"otlpEndpoint"`
	OTLPInsecure   bool     `yaml:"otlpInsecure"`
	Prometheus     bool     `yaml:"prometheus"`
	StatusInterval Duration `yaml:"statusInterval"`
}

// Default returns the strict-posture defaults. Dev escapes
// (allowUnsignedEvents, requireAccountAuth=false) are opt-in.
func Default() *Config {
	return &Config{
		ChainSource:          SourceStreaming,
		ReconnectDelay:       Duration(5 * time.Second),
		MaxReconnectAttempts: 10,
		MaxMessagesInFlight:  5,
		IrreversibleOnly:     true,
		IPFS: IPFSConfig{
			URL: "http://127.0.0.1:5001",
		},
		ObjectStore: ObjectStoreConfig{
			Provider: ProviderS3,
		},
		Cache: CacheConfig{
			Host: "127.0.0.1",
			Port: 6379,
			TTL:  Duration(time.Hour),
		},
		RequireAccountAuth:  true,
		AllowUnsignedEvents: false,
		Permission:          "active",
		AccountCacheTTL:     Duration(5 * time.Minute),
		MaxProcessedHashes:  10000,
		Webhook: WebhookConfig{
			Addr: ":8085",
		},
		Telemetry: TelemetryConfig{
			Enabled:        true,
			StatusInterval: Duration(time.Minute),
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// named by CHORUS_CONFIG (when set), then CHORUS_* environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CHORUS_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from CHORUS_* environment variables. Unset
// variables leave the current value alone.
func (c *Config) applyEnv() error {
	envString("CHORUS_CHAIN_SOURCE", &c.ChainSource)
	envString("CHORUS_CONTRACT_ACCOUNT", &c.ContractAccount)
	envString("CHORUS_SHIP_URL", &c.ShipURL)
	envString("CHORUS_TLS_CA_FILE", &c.TLSCAFile)
	envString("CHORUS_IPFS_URL", &c.IPFS.URL)
	envString("CHORUS_IPFS_GATEWAY", &c.IPFS.Gateway)
	envString("CHORUS_OBJECT_STORE", &c.ObjectStore.Provider)
	envString("CHORUS_S3_ENDPOINT", &c.S3.Endpoint)
	envString("CHORUS_S3_BUCKET", &c.S3.Bucket)
	envString("CHORUS_S3_REGION", &c.S3.Region)
	envString("CHORUS_S3_ACCESS_KEY", &c.S3.AccessKey)
	envString("CHORUS_S3_SECRET_KEY", &c.S3.SecretKey)
	envString("CHORUS_GCS_BUCKET", &c.GCS.Bucket)
	envString("CHORUS_CACHE_HOST", &c.Cache.Host)
	envString("CHORUS_CACHE_PASSWORD", &c.Cache.Password)
	envString("CHORUS_RPC_URL", &c.RPCURL)
	envString("CHORUS_PERMISSION", &c.Permission)
	envString("CHORUS_DEDUP_SQLITE_PATH", &c.Ingest.SQLitePath)
	envString("CHORUS_LISTEN_ADDR", &c.Webhook.Addr)
	envString("CHORUS_AUTH_TOKEN", &c.Webhook.AuthToken)
	envString("CHORUS_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	envString("CHORUS_LOG_LEVEL", &c.LogLevel)

	if v := os.Getenv("CHORUS_FILTER_RULES"); v != "" {
		// Semicolon separated, CEL expressions routinely contain commas.
		var rules []string
		for _, rule := range strings.Split(v, ";") {
			if rule = strings.TrimSpace(rule); rule != "" {
				rules = append(rules, rule)
			}
		}
		c.Ingest.Filter = rules
	}

	var errs []string
	envUint32("CHORUS_START_BLOCK", &c.StartBlock, &errs)
	envUint32("CHORUS_END_BLOCK", &c.EndBlock, &errs)
	envUint32("CHORUS_MAX_MESSAGES_IN_FLIGHT", &c.MaxMessagesInFlight, &errs)
	envInt("CHORUS_MAX_RECONNECT_ATTEMPTS", &c.MaxReconnectAttempts, &errs)
	envInt("CHORUS_CACHE_PORT", &c.Cache.Port, &errs)
	envInt("CHORUS_MAX_PROCESSED_HASHES", &c.MaxProcessedHashes, &errs)
	envBool("CHORUS_IRREVERSIBLE_ONLY", &c.IrreversibleOnly, &errs)
	envBool("CHORUS_TLS_SKIP_VERIFY", &c.TLSSkipVerify, &errs)
	envBool("CHORUS_REQUIRE_ACCOUNT_AUTH", &c.RequireAccountAuth, &errs)
	envBool("CHORUS_ALLOW_UNSIGNED_EVENTS", &c.AllowUnsignedEvents, &errs)
	envBool("CHORUS_TELEMETRY_ENABLED", &c.Telemetry.Enabled, &errs)
	envBool("CHORUS_OTLP_INSECURE", &c.Telemetry.OTLPInsecure, &errs)
	envBool("CHORUS_PROMETHEUS", &c.Telemetry.Prometheus, &errs)
	envDuration("CHORUS_RECONNECT_DELAY", &c.ReconnectDelay, &errs)
	envDuration("CHORUS_CACHE_TTL", &c.Cache.TTL, &errs)
	envDuration("CHORUS_ACCOUNT_CACHE_TTL", &c.AccountCacheTTL, &errs)
	envDuration("CHORUS_STATUS_INTERVAL", &c.Telemetry.StatusInterval, &errs)

	if len(errs) > 0 {
		return fmt.Errorf("config: bad environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the effective configuration and reports every problem.
func (c *Config) Validate() error {
	var errs []string

	if c.ContractAccount == "" {
		errs = append(errs, "contractAccount is required")
	}
	switch c.ChainSource {
	case SourceStreaming:
		if c.ShipURL == "" {
			errs = append(errs, "chainSource=streaming requires shipUrl")
		}
	case SourcePush:
	default:
		errs = append(errs, fmt.Sprintf("chainSource must be %q or %q, got %q", SourceStreaming, SourcePush, c.ChainSource))
	}
	if c.RequireAccountAuth && c.RPCURL == "" {
		errs = append(errs, "requireAccountAuth=true requires rpcUrl (set requireAccountAuth=false explicitly for dev)")
	}
	switch c.ObjectStore.Provider {
	case ProviderS3:
	case ProviderGCS:
		if c.GCS.Bucket == "" {
			errs = append(errs, "objectStore.provider=gcs requires gcs.bucket")
		}
	default:
		errs = append(errs, fmt.Sprintf("objectStore.provider must be %q or %q, got %q", ProviderS3, ProviderGCS, c.ObjectStore.Provider))
	}
	if c.MaxProcessedHashes <= 0 {
		errs = append(errs, "maxProcessedHashes must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TLSConfig builds the client TLS configuration for the streaming source.
// Returns nil when neither option is set, callers then get library
// defaults.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.TLSCAFile == "" && !c.TLSSkipVerify {
		return nil, nil
	}
	tc := &tls.Config{
		InsecureSkipVerify: c.TLSSkipVerify,
	}
	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("config: read TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: no certificates found in %s", c.TLSCAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// ParseLevel maps the logLevel option onto slog.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logLevel must be debug, info, warn, or error, got %q", level)
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a bool", key, v))
		return
	}
	*dst = parsed
}

func envInt(key string, dst *int, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return
	}
	*dst = parsed
}

func envUint32(key string, dst *uint32, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a block number", key, v))
		return
	}
	*dst = uint32(parsed)
}

func envDuration(key string, dst *Duration, errs *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s=%q is not a duration", key, v))
		return
	}
	*dst = Duration(parsed)
}
