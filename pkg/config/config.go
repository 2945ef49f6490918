package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/platinummonkey/creditd/pkg/middleware"
	"github.com/platinummonkey/creditd/pkg/observability"
	"github.com/platinummonkey/creditd/pkg/storage"
)

// EnvPrefix prefixes every environment variable read by this package
const EnvPrefix = "CREDITD_"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	Stripe   StripeConfig
	Billing  BillingConfig
	Metering MeteringConfig
	Notify   NotifyConfig
	API      APIConfig

	// Observability configuration
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
	RequestTimeout  time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StripeConfig holds payment provider settings
type StripeConfig struct {
	APIKey         string
	WebhookSecret  string
	OveragePriceID string
	Timeout        time.Duration
	// BaseURL points the client at stripe-mock or another test double
	BaseURL string
}

// BillingConfig holds subscription lifecycle settings
type BillingConfig struct {
	// CatalogPath is a YAML plan catalog; empty uses the built-in catalog
	CatalogPath  string
	WatchCatalog bool

	DedupeSize int
	DedupeTTL  time.Duration

	ArchiveStatements bool
}

// MeteringConfig holds overage reporting settings
type MeteringConfig struct {
	Workers           int
	QueueSize         int
	TaskTimeout       time.Duration
	ReconcileSchedule string
	ReconcileWorkers  int
}

// NotifyConfig holds outbound billing notification settings
type NotifyConfig struct {
	Endpoints     []string
	Secret        string
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	RetryInterval time.Duration
	Timeout       time.Duration
	RateLimit     int
	MaxLogs       int
}

// APIConfig holds read and internal API settings
type APIConfig struct {
	InternalEnabled bool
	ServiceTokens   []middleware.ServiceToken

	RateLimitEnabled   bool
	RateLimitPerMinute int
	RateLimitBurst     int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  observability.LogLevel
	LogFormat observability.LogFormat

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables. A .env file
// (or the file named by CREDITD_ENV_FILE) is loaded first when present;
// variables already set in the environment win.
func LoadConfig() (*Config, error) {
	if err := loadEnvFile(os.Getenv(EnvPrefix + "ENV_FILE")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Stripe:        loadStripeConfig(),
		Billing:       loadBillingConfig(),
		Metering:      loadMeteringConfig(),
		Notify:        loadNotifyConfig(),
		Observability: loadObservabilityConfig(),
	}
	api, err := loadAPIConfig()
	if err != nil {
		return nil, err
	}
	cfg.API = api

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("failed to load env file %s: %w", path, err)
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CREDITD_HOST", "0.0.0.0"),
		Port:            getEnv("CREDITD_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CREDITD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CREDITD_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CREDITD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CREDITD_SHUTDOWN_TIMEOUT", 30*time.Second),
		RequestTimeout:  getEnvDuration("CREDITD_REQUEST_TIMEOUT", 10*time.Second),
		HealthPort:      getEnv("CREDITD_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("CREDITD_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = strings.ToLower(storageType)
	}

	// PostgreSQL config
	cfg.PostgresURL = getEnv("CREDITD_POSTGRES_URL", cfg.PostgresURL)
	if maxConns := getEnvInt("CREDITD_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("CREDITD_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("CREDITD_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// S3 config
	cfg.S3Endpoint = getEnv("CREDITD_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("CREDITD_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("CREDITD_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("CREDITD_S3_PREFIX", cfg.S3Prefix)
	cfg.S3AccessKey = getEnv("CREDITD_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("CREDITD_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("CREDITD_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	// Redis config
	cfg.RedisURL = getEnv("CREDITD_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("CREDITD_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("CREDITD_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("CREDITD_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("CREDITD_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Balance cache
	cfg.CacheEnabled = getEnvBool("CREDITD_CACHE_ENABLED", cfg.CacheEnabled)
	cfg.BalanceCacheTTL = getEnvDuration("CREDITD_BALANCE_CACHE_TTL", cfg.BalanceCacheTTL)

	return cfg
}

func loadStripeConfig() StripeConfig {
	return StripeConfig{
		APIKey:         getEnv("CREDITD_STRIPE_API_KEY", ""),
		WebhookSecret:  getEnv("CREDITD_STRIPE_WEBHOOK_SECRET", ""),
		OveragePriceID: getEnv("CREDITD_STRIPE_OVERAGE_PRICE_ID", ""),
		Timeout:        getEnvDuration("CREDITD_STRIPE_TIMEOUT", 10*time.Second),
		BaseURL:        getEnv("CREDITD_STRIPE_BASE_URL", ""),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		CatalogPath:       getEnv("CREDITD_CATALOG_PATH", ""),
		WatchCatalog:      getEnvBool("CREDITD_CATALOG_WATCH", true),
		DedupeSize:        getEnvInt("CREDITD_EVENT_DEDUPE_SIZE", 10000),
		DedupeTTL:         getEnvDuration("CREDITD_EVENT_DEDUPE_TTL", 24*time.Hour),
		ArchiveStatements: getEnvBool("CREDITD_ARCHIVE_ENABLED", false),
	}
}

func loadMeteringConfig() MeteringConfig {
	return MeteringConfig{
		Workers:           getEnvInt("CREDITD_OVERAGE_WORKERS", 4),
		QueueSize:         getEnvInt("CREDITD_OVERAGE_QUEUE_SIZE", 1000),
		TaskTimeout:       getEnvDuration("CREDITD_OVERAGE_TASK_TIMEOUT", 30*time.Second),
		ReconcileSchedule: getEnv("CREDITD_OVERAGE_RECONCILE_SCHEDULE", "@every 15m"),
		ReconcileWorkers:  getEnvInt("CREDITD_OVERAGE_RECONCILE_WORKERS", 4),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Endpoints:     getEnvList("CREDITD_NOTIFY_ENDPOINTS"),
		Secret:        getEnv("CREDITD_NOTIFY_SECRET", ""),
		MaxAttempts:   getEnvInt("CREDITD_NOTIFY_MAX_ATTEMPTS", 5),
		InitialDelay:  getEnvDuration("CREDITD_NOTIFY_INITIAL_DELAY", time.Second),
		MaxDelay:      getEnvDuration("CREDITD_NOTIFY_MAX_DELAY", 5*time.Minute),
		RetryInterval: getEnvDuration("CREDITD_NOTIFY_RETRY_INTERVAL", 30*time.Second),
		Timeout:       getEnvDuration("CREDITD_NOTIFY_TIMEOUT", 10*time.Second),
		RateLimit:     getEnvInt("CREDITD_NOTIFY_RATE_LIMIT", 100),
		MaxLogs:       getEnvInt("CREDITD_NOTIFY_MAX_LOGS", 10000),
	}
}

func loadAPIConfig() (APIConfig, error) {
	tokens, err := parseServiceTokens(getEnv("CREDITD_INTERNAL_TOKENS", ""))
	if err != nil {
		return APIConfig{}, err
	}
	return APIConfig{
		InternalEnabled:    getEnvBool("CREDITD_INTERNAL_API_ENABLED", true),
		ServiceTokens:      tokens,
		RateLimitEnabled:   getEnvBool("CREDITD_RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: getEnvInt("CREDITD_RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     getEnvInt("CREDITD_RATE_LIMIT_BURST", 50),
	}, nil
}

// parseServiceTokens reads a comma-separated list of caller:token pairs. A
// bare token is attributed to the "service" caller.
func parseServiceTokens(raw string) ([]middleware.ServiceToken, error) {
	var out []middleware.ServiceToken
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		caller, token, found := strings.Cut(entry, ":")
		if !found {
			caller, token = "", entry
		}
		caller, token = strings.TrimSpace(caller), strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("empty service token for caller %q", caller)
		}
		out = append(out, middleware.ServiceToken{Caller: caller, Token: token})
	}
	return out, nil
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	format := observability.JSONFormat
	if strings.EqualFold(getEnv("CREDITD_LOG_FORMAT", "json"), "text") {
		format = observability.TextFormat
	}
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("CREDITD_LOG_LEVEL", "info")),
		LogFormat:          format,
		MetricsEnabled:     getEnvBool("CREDITD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CREDITD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CREDITD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CREDITD_OTEL_SERVICE_NAME", "creditd"),
		OTelServiceVersion: getEnv("CREDITD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CREDITD_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("CREDITD_OTEL_SAMPLE_RATIO", 0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if c.Billing.ArchiveStatements && !c.Storage.ArchiveEnabled() {
		return fmt.Errorf("S3 bucket is required when statement archiving is enabled")
	}
	if c.API.InternalEnabled && len(c.API.ServiceTokens) == 0 {
		return fmt.Errorf("at least one internal service token is required when the internal API is enabled")
	}
	if c.Metering.Workers <= 0 {
		return fmt.Errorf("overage workers must be positive")
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notification max attempts must be positive")
	}

	// Validate OpenTelemetry config
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

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
