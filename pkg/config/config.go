package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
	"github.com/REVIVEINC6/nino360-sub015/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	FLAC          FLACConfig
	Ledger        LedgerConfig
	Notary        NotaryConfig
	Authz         AuthzConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// FLACConfig configures field-level access control
type FLACConfig struct {
	// IdentityFields is the raw exemption list, e.g. "*=id;hr_employees=id,employee_no"
	IdentityFields string
	// GrantCacheTTL enables the cross-request grant cache when positive
	GrantCacheTTL  time.Duration
	GrantCacheSize int
	// PolicyFile is an optional YAML file with identity fields and seed grants
	PolicyFile string
}

// LedgerConfig configures the audit ledger writer, queue and verifier
type LedgerConfig struct {
	LockBackend        string // local or redis
	LockTTL            time.Duration
	AppendAttempts     int
	AppendBackoff      time.Duration
	QueueEnabled       bool
	QueueMaxDeliveries int
	QueueWorkers       int
	// QueueRetryBase doubles per failed delivery up to QueueRetryMax
	QueueRetryBase     time.Duration
	QueueRetryMax      time.Duration
	VerifySchedule     string // cron spec, empty disables
	VerifyConcurrency  int
}

// NotaryConfig configures external anchoring
type NotaryConfig struct {
	Enabled     bool
	Schedule    string
	BatchSize   int
	MaxAttempts int
	Workers     int
}

// AuthzConfig configures the casbin guard on admin endpoints
type AuthzConfig struct {
	Mode                string
	UnsafeAllowDisabled bool
	ModelPath           string
	PolicyPath          string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		FLAC:          loadFLACConfig(),
		Ledger:        loadLedgerConfig(),
		Notary:        loadNotaryConfig(),
		Authz:         loadAuthzConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TRUST_HOST", "0.0.0.0"),
		Port:            getEnv("TRUST_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TRUST_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TRUST_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("TRUST_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TRUST_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TRUST_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	cfg.PostgresURL = getEnv("TRUST_POSTGRES_URL", cfg.PostgresURL)
	cfg.PostgresReplicaURLs = getEnv("TRUST_POSTGRES_REPLICA_URLS", cfg.PostgresReplicaURLs)
	if maxConns := getEnvInt("TRUST_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("TRUST_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("TRUST_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	cfg.RedisURL = getEnv("TRUST_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("TRUST_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("TRUST_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if poolSize := getEnvInt("TRUST_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}

	cfg.S3Endpoint = getEnv("TRUST_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("TRUST_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("TRUST_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("TRUST_S3_PREFIX", cfg.S3Prefix)
	cfg.S3AccessKey = getEnv("TRUST_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("TRUST_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("TRUST_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	return cfg
}

func loadFLACConfig() FLACConfig {
	return FLACConfig{
		IdentityFields: getEnv("TRUST_FLAC_IDENTITY_FIELDS", "*=id"),
		GrantCacheTTL:  getEnvDuration("TRUST_FLAC_GRANT_CACHE_TTL", 0),
		GrantCacheSize: getEnvInt("TRUST_FLAC_GRANT_CACHE_SIZE", 4096),
		PolicyFile:     getEnv("TRUST_POLICY_FILE", ""),
	}
}

func loadLedgerConfig() LedgerConfig {
	return LedgerConfig{
		LockBackend:        strings.ToLower(getEnv("TRUST_LEDGER_LOCK_BACKEND", "local")),
		LockTTL:            getEnvDuration("TRUST_LEDGER_LOCK_TTL", 10*time.Second),
		AppendAttempts:     getEnvInt("TRUST_LEDGER_APPEND_ATTEMPTS", 3),
		AppendBackoff:      getEnvDuration("TRUST_LEDGER_APPEND_BACKOFF", 25*time.Millisecond),
		QueueEnabled:       getEnvBool("TRUST_LEDGER_QUEUE_ENABLED", false),
		QueueMaxDeliveries: getEnvInt("TRUST_LEDGER_QUEUE_MAX_DELIVERIES", 10),
		QueueWorkers:       getEnvInt("TRUST_LEDGER_QUEUE_WORKERS", 4),
		QueueRetryBase:     getEnvDuration("TRUST_LEDGER_QUEUE_RETRY_BASE", time.Second),
		QueueRetryMax:      getEnvDuration("TRUST_LEDGER_QUEUE_RETRY_MAX", 5*time.Minute),
		VerifySchedule:     getEnv("TRUST_LEDGER_VERIFY_SCHEDULE", ""),
		VerifyConcurrency:  getEnvInt("TRUST_LEDGER_VERIFY_CONCURRENCY", 4),
	}
}

func loadNotaryConfig() NotaryConfig {
	return NotaryConfig{
		Enabled:     getEnvBool("TRUST_NOTARY_ENABLED", false),
		Schedule:    getEnv("TRUST_NOTARY_SCHEDULE", "@every 1m"),
		BatchSize:   getEnvInt("TRUST_NOTARY_BATCH_SIZE", 100),
		MaxAttempts: getEnvInt("TRUST_NOTARY_MAX_ATTEMPTS", 5),
		Workers:     getEnvInt("TRUST_NOTARY_WORKERS", 2),
	}
}

func loadAuthzConfig() AuthzConfig {
	return AuthzConfig{
		Mode:                strings.ToLower(strings.TrimSpace(getEnv("TRUST_AUTHZ_MODE", "enforce"))),
		UnsafeAllowDisabled: getEnv("TRUST_AUTHZ_UNSAFE_ALLOW_DISABLED", "") == "1",
		ModelPath:           getEnv("TRUST_AUTHZ_MODEL_PATH", "config/authz/model.conf"),
		PolicyPath:          getEnv("TRUST_AUTHZ_POLICY_PATH", "config/authz/policy.csv"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TRUST_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TRUST_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TRUST_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TRUST_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TRUST_OTEL_SERVICE_NAME", "trustd"),
		OTelServiceVersion: getEnv("TRUST_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TRUST_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Ledger.LockBackend {
	case "local":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis ledger lock")
		}
	default:
		return fmt.Errorf("invalid ledger lock backend: %s (must be local or redis)", c.Ledger.LockBackend)
	}
	if c.Ledger.QueueEnabled && c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required when the audit queue is enabled")
	}
	if c.Ledger.AppendAttempts < 1 {
		return fmt.Errorf("ledger append attempts must be at least 1")
	}

	if c.Notary.Enabled {
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required when the notary is enabled")
		}
		if c.Notary.BatchSize < 1 {
			return fmt.Errorf("notary batch size must be at least 1")
		}
	}

	switch c.Authz.Mode {
	case "enforce", "shadow":
	case "disabled":
		if !c.Authz.UnsafeAllowDisabled {
			return fmt.Errorf("TRUST_AUTHZ_MODE=disabled requires TRUST_AUTHZ_UNSAFE_ALLOW_DISABLED=1")
		}
	default:
		return fmt.Errorf("invalid authz mode: %s (must be enforce, shadow or disabled)", c.Authz.Mode)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
