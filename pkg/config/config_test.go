package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
	"github.com/REVIVEINC6/nino360-sub015/pkg/storage"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_DURATION", "250ms")

	assert.Equal(t, "custom", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_STR_UNSET", "default"))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("TEST_BOOL_UNSET", true))
	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("TEST_BAD_INT", 7))
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DURATION", time.Second))
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]observability.LogLevel{
		"debug":   observability.DebugLevel,
		"INFO":    observability.InfoLevel,
		"warning": observability.WarnLevel,
		"error":   observability.ErrorLevel,
		"bogus":   observability.InfoLevel,
	}
	for input, want := range tests {
		assert.Equal(t, want, parseLogLevel(input), input)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TRUST_POSTGRES_URL", "postgres://localhost/trust?sslmode=disable")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "*=id", cfg.FLAC.IdentityFields)
	assert.Zero(t, cfg.FLAC.GrantCacheTTL)
	assert.Equal(t, "local", cfg.Ledger.LockBackend)
	assert.Equal(t, 3, cfg.Ledger.AppendAttempts)
	assert.False(t, cfg.Ledger.QueueEnabled)
	assert.Equal(t, time.Second, cfg.Ledger.QueueRetryBase)
	assert.Equal(t, 5*time.Minute, cfg.Ledger.QueueRetryMax)
	assert.False(t, cfg.Notary.Enabled)
	assert.Equal(t, "enforce", cfg.Authz.Mode)
	assert.Equal(t, 20, cfg.Storage.PostgresMaxConns)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TRUST_POSTGRES_URL", "postgres://db/trust")
	t.Setenv("TRUST_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("TRUST_LEDGER_LOCK_BACKEND", "REDIS")
	t.Setenv("TRUST_LEDGER_QUEUE_ENABLED", "true")
	t.Setenv("TRUST_FLAC_GRANT_CACHE_TTL", "30s")
	t.Setenv("TRUST_NOTARY_ENABLED", "true")
	t.Setenv("TRUST_S3_BUCKET", "anchors")
	t.Setenv("TRUST_AUTHZ_MODE", "shadow")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Ledger.LockBackend)
	assert.True(t, cfg.Ledger.QueueEnabled)
	assert.Equal(t, 30*time.Second, cfg.FLAC.GrantCacheTTL)
	assert.Equal(t, "anchors", cfg.Storage.S3Bucket)
	assert.Equal(t, "shadow", cfg.Authz.Mode)
}

func validConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", HealthPort: "9090"},
		Ledger:  LedgerConfig{LockBackend: "local", AppendAttempts: 3},
		Authz:   AuthzConfig{Mode: "enforce"},
		Notary:  NotaryConfig{BatchSize: 100},
		Storage: storage.Config{PostgresURL: "postgres://db"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = "8080" }, wantErr: "must be different"},
		{name: "missing postgres", mutate: func(c *Config) { c.Storage.PostgresURL = "" }, wantErr: "postgres URL"},
		{name: "redis lock without redis", mutate: func(c *Config) { c.Ledger.LockBackend = "redis" }, wantErr: "redis ledger lock"},
		{name: "unknown lock", mutate: func(c *Config) { c.Ledger.LockBackend = "etcd" }, wantErr: "invalid ledger lock backend"},
		{name: "queue without redis", mutate: func(c *Config) { c.Ledger.QueueEnabled = true }, wantErr: "audit queue"},
		{name: "zero attempts", mutate: func(c *Config) { c.Ledger.AppendAttempts = 0 }, wantErr: "append attempts"},
		{name: "notary without bucket", mutate: func(c *Config) { c.Notary.Enabled = true }, wantErr: "S3 bucket"},
		{name: "authz disabled without unsafe flag", mutate: func(c *Config) { c.Authz.Mode = "disabled" }, wantErr: "UNSAFE_ALLOW_DISABLED"},
		{name: "authz disabled with unsafe flag", mutate: func(c *Config) {
			c.Authz.Mode = "disabled"
			c.Authz.UnsafeAllowDisabled = true
		}},
		{name: "bad authz mode", mutate: func(c *Config) { c.Authz.Mode = "audit" }, wantErr: "invalid authz mode"},
		{name: "otel without endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "trustd"
		}, wantErr: "endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
