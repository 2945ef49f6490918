package storage

import (
	"context"
	"time"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// TxRunner runs fn inside a storage transaction carried by the context.
// Calls made with a context that already carries a transaction join it,
// so several primitives compose into one atomic unit.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// HealthChecker reports backend availability
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Config for storage backend
type Config struct {
	Type string // "memory", "postgres"

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// S3 config (statement archive)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3Prefix       string

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Cache config
	CacheEnabled    bool
	BalanceCacheTTL time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             TypeMemory,
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		S3Region:         "us-east-1",
		S3Prefix:         "statements",
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		CacheEnabled:     true,
		BalanceCacheTTL:  30 * time.Second,
	}
}

// ArchiveEnabled reports whether closed-period statements should be exported
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// RedisEnabled reports whether a Redis URL is configured
func (c Config) RedisEnabled() bool {
	return c.RedisURL != ""
}
