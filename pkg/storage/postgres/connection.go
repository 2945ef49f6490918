package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/creditd/pkg/observability"
)

// ConnectionManager manages the primary connection and optional read replicas.
// Ledger writes and locking reads always use the primary; replicas serve
// history listings and usage aggregates.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = 25
	}
	if c.MinConns <= 0 {
		c.MinConns = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = time.Hour
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 10 * time.Minute
	}
	return c
}

// NewConnectionManager opens and pings the primary, then every replica.
// Replicas that cannot be reached are skipped.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	config = config.withDefaults()
	cm := &ConnectionManager{config: config, logger: logger}

	primary, err := cm.open(config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}
	cm.primary = primary

	for i, url := range config.ReplicaURLs {
		replica, err := cm.open(url, max(config.MaxConns/2, 2))
		if err != nil {
			logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable read replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("Database connections established")
	return cm, nil
}

// NewConnectionManagerFromDB wraps an already open primary. Tests use it with sqlmock.
func NewConnectionManagerFromDB(db *sql.DB) *ConnectionManager {
	return &ConnectionManager{primary: db, logger: observability.NopLogger()}
}

func (cm *ConnectionManager) open(url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return db, nil
}

// Primary returns the primary database connection
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if len(cm.replicas) == 0 {
		return cm.primary
	}
	i := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(i%uint32(len(cm.replicas)))]
}

// HealthCheck implements storage.HealthChecker. Only the primary is
// required; replicas that fail are dropped from rotation.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	if removed := cm.RemoveUnhealthyReplicas(ctx); removed > 0 {
		cm.logger.WithField("removed", removed).Warn("Removed unhealthy read replicas")
	}
	return nil
}

// RemoveUnhealthyReplicas closes replicas that fail a ping and returns how many were removed
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := cm.replicas[:0]
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
			continue
		}
		healthy = append(healthy, replica)
	}
	cm.replicas = healthy
	return removed
}

// Stats returns the primary's connection pool statistics
func (cm *ConnectionManager) Stats() sql.DBStats {
	return cm.primary.Stats()
}

// StartStatsReporter copies pool statistics into metrics until ctx is done
func (cm *ConnectionManager) StartStatsReporter(ctx context.Context, metrics *observability.Metrics, interval time.Duration) {
	if metrics == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		defer observability.RecoverPanic(cm.logger, "db stats reporter")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.UpdateDBStats(cm.Stats())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, url := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
