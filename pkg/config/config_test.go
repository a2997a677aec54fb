package config_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arpeggio-Labs/chorus/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns the strict defaults
// when no environment variables are set.
// Invariant: dev escapes are opt-in; the default posture verifies.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("CHORUS_CONFIG", "")
	t.Setenv("CHORUS_CHAIN_SOURCE", "")
	t.Setenv("CHORUS_CONTRACT_ACCOUNT", "")
	t.Setenv("CHORUS_REQUIRE_ACCOUNT_AUTH", "")
	t.Setenv("CHORUS_ALLOW_UNSIGNED_EVENTS", "")
	t.Setenv("CHORUS_MAX_PROCESSED_HASHES", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.SourceStreaming, cfg.ChainSource)
	assert.True(t, cfg.RequireAccountAuth)
	assert.False(t, cfg.AllowUnsignedEvents)
	assert.True(t, cfg.IrreversibleOnly)
	assert.Equal(t, 10000, cfg.MaxProcessedHashes)
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay.Std())
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, uint32(5), cfg.MaxMessagesInFlight)
	assert.Equal(t, 5*time.Minute, cfg.AccountCacheTTL.Std())
	assert.Equal(t, "active", cfg.Permission)
	assert.Equal(t, "127.0.0.1", cfg.Cache.Host)
	assert.Equal(t, 6379, cfg.Cache.Port)
	assert.Equal(t, time.Hour, cfg.Cache.TTL.Std())
	assert.Equal(t, "http://127.0.0.1:5001", cfg.IPFS.URL)
	assert.Equal(t, config.ProviderS3, cfg.ObjectStore.Provider)
	assert.Equal(t, ":8085", cfg.Webhook.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, time.Minute, cfg.Telemetry.StatusInterval.Std())
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
// Invariant: ops can control config via standard 12-factor env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHORUS_CONFIG", "")
	t.Setenv("CHORUS_CHAIN_SOURCE", "push")
	t.Setenv("CHORUS_CONTRACT_ACCOUNT", "chorus.ev")
	t.Setenv("CHORUS_START_BLOCK", "4096")
	t.Setenv("CHORUS_END_BLOCK", "8192")
	t.Setenv("CHORUS_SHIP_URL", "ws://ship.example:8080")
	t.Setenv("CHORUS_RECONNECT_DELAY", "2s")
	t.Setenv("CHORUS_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("CHORUS_REQUIRE_ACCOUNT_AUTH", "false")
	t.Setenv("CHORUS_ALLOW_UNSIGNED_EVENTS", "true")
	t.Setenv("CHORUS_CACHE_PORT", "6380")
	t.Setenv("CHORUS_CACHE_TTL", "30m")
	t.Setenv("CHORUS_LOG_LEVEL", "debug")
	t.Setenv("CHORUS_S3_BUCKET", "chorus-events")
	t.Setenv("CHORUS_PROMETHEUS", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.SourcePush, cfg.ChainSource)
	assert.Equal(t, "chorus.ev", cfg.ContractAccount)
	assert.Equal(t, uint32(4096), cfg.StartBlock)
	assert.Equal(t, uint32(8192), cfg.EndBlock)
	assert.Equal(t, "ws://ship.example:8080", cfg.ShipURL)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay.Std())
	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.False(t, cfg.RequireAccountAuth)
	assert.True(t, cfg.AllowUnsignedEvents)
	assert.Equal(t, 6380, cfg.Cache.Port)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL.Std())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "chorus-events", cfg.S3.Bucket)
	assert.True(t, cfg.Telemetry.Prometheus)
}

// TestLoad_BadEnv verifies that unparseable values name the variable
// instead of silently keeping the default.
func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("CHORUS_CONFIG", "")
	t.Setenv("CHORUS_START_BLOCK", "not-a-number")
	t.Setenv("CHORUS_RECONNECT_DELAY", "soon")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHORUS_START_BLOCK")
	assert.Contains(t, err.Error(), "CHORUS_RECONNECT_DELAY")
}

// TestLoad_FilterRules verifies semicolon splitting, CEL expressions
// contain commas.
func TestLoad_FilterRules(t *testing.T) {
	t.Setenv("CHORUS_CONFIG", "")
	t.Setenv("CHORUS_FILTER_RULES", `anchor.type in [30, 31]; anchor.author != "spam.acct" `)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Len(t, cfg.Ingest.Filter, 2)
	assert.Equal(t, "anchor.type in [30, 31]", cfg.Ingest.Filter[0])
	assert.Equal(t, `anchor.author != "spam.acct"`, cfg.Ingest.Filter[1])
}

func validConfig() *config.Config {
	cfg := config.Default()
	cfg.ContractAccount = "chorus.ev"
	cfg.ShipURL = "ws://ship.example:8080"
	cfg.RPCURL = "http://rpc.example:8888"
	return cfg
}

func TestValidate_OK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_ContractAccountRequired(t *testing.T) {
	cfg := validConfig()
	cfg.ContractAccount = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contractAccount")
}

func TestValidate_StreamingNeedsShipURL(t *testing.T) {
	cfg := validConfig()
	cfg.ShipURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shipUrl")

	// The push source has no streaming endpoint to require.
	cfg.ChainSource = config.SourcePush
	assert.NoError(t, cfg.Validate())
}

// Invariant: starting in strict mode without RPC configured is a
// startup failure, not a silent allow-all.
func TestValidate_StrictAuthNeedsRPC(t *testing.T) {
	cfg := validConfig()
	cfg.RPCURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpcUrl")

	cfg.RequireAccountAuth = false
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ObjectStoreProvider(t *testing.T) {
	cfg := validConfig()
	cfg.ObjectStore.Provider = "azure"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "objectStore.provider")

	cfg.ObjectStore.Provider = config.ProviderGCS
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcs.bucket")

	cfg.GCS.Bucket = "chorus-events"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.ChainSource = "carrier-pigeon"
	cfg.LogLevel = "loud"
	cfg.MaxProcessedHashes = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contractAccount")
	assert.Contains(t, err.Error(), "chainSource")
	assert.Contains(t, err.Error(), "logLevel")
	assert.Contains(t, err.Error(), "maxProcessedHashes")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := config.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := config.ParseLevel("loud")
	assert.Error(t, err)
}

func TestTLSConfig_NoneConfigured(t *testing.T) {
	cfg := config.Default()
	tc, err := cfg.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tc)
}

func TestTLSConfig_SkipVerify(t *testing.T) {
	cfg := config.Default()
	cfg.TLSSkipVerify = true
	tc, err := cfg.TLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.True(t, tc.InsecureSkipVerify)
}

func TestTLSConfig_CAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, selfSignedPEM(t), 0o600))

	cfg := config.Default()
	cfg.TLSCAFile = path
	tc, err := cfg.TLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.NotNil(t, tc.RootCAs)
	assert.False(t, tc.InsecureSkipVerify)
}

func TestTLSConfig_BadCAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

	cfg := config.Default()
	cfg.TLSCAFile = path
	_, err := cfg.TLSConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certificates")

	cfg.TLSCAFile = filepath.Join(t.TempDir(), "absent.pem")
	_, err = cfg.TLSConfig()
	assert.Error(t, err)
}

func selfSignedPEM(t *testing.T) []byte {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "chorus test ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
