package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

type dependency struct {
	name     string
	critical bool
	check    CheckFunc
}

// HealthChecker aggregates dependency probes into liveness and readiness
// endpoints. A failing critical dependency makes the service unhealthy; any
// other failure only degrades it.
type HealthChecker struct {
	version string
	timeout time.Duration

	mu   sync.RWMutex
	deps []dependency
}

// NewHealthChecker creates a health checker reporting version
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version, timeout: 5 * time.Second}
}

// AddCheck registers a dependency probe
func (h *HealthChecker) AddCheck(name string, critical bool, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deps = append(h.deps, dependency{name: name, critical: critical, check: check})
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Check probes every dependency concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	deps := make([]dependency, len(h.deps))
	copy(deps, h.deps)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(deps)),
	}

	results := make([]DependencyStatus, len(deps))
	var wg sync.WaitGroup
	for i, d := range deps {
		wg.Add(1)
		go func(i int, d dependency) {
			defer wg.Done()
			start := time.Now()
			err := d.check(ctx)
			results[i] = DependencyStatus{
				Status:    StatusHealthy,
				LatencyMS: time.Since(start).Milliseconds(),
				Timestamp: time.Now().UTC(),
			}
			if err != nil {
				results[i].Status = StatusUnhealthy
				results[i].Message = err.Error()
			}
		}(i, d)
	}
	wg.Wait()

	for i, d := range deps {
		status.Dependencies[d.name] = results[i]
		if results[i].Status != StatusUnhealthy {
			continue
		}
		if d.critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	return status
}

// Names lists the registered dependencies
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.deps))
	for _, d := range h.deps {
		names = append(names, d.name)
	}
	sort.Strings(names)
	return names
}

// Liveness reports that the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness reports dependency health; 503 when unhealthy
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

func writeHealth(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// SQLCheck pings a database
func SQLCheck(db *sql.DB) CheckFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var one int
		return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	}
}

// RedisCheck pings a Redis server
func RedisCheck(client *redis.Client) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
