package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Checker is a pingable dependency. The metadata store and the session store
// both satisfy it.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Ping calls the function.
func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Status constants
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the body of the detailed health endpoint.
type HealthStatus struct {
	Status     string                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     string                      `json:"uptime,omitempty"`
	Components map[string]*ComponentStatus `json:"components"`
}

// ComponentStatus is the health of a single dependency.
type ComponentStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthChecker serves liveness, readiness and detailed health endpoints.
// The detailed check is cached briefly so probes cannot hammer dependencies.
type HealthChecker struct {
	components map[string]Checker
	logger     zerolog.Logger

	mu           sync.RWMutex
	cachedStatus *HealthStatus
	cacheExpiry  time.Time
	cacheTTL     time.Duration
}

var startTime = time.Now()

// NewHealthChecker creates a health checker over named dependencies.
func NewHealthChecker(components map[string]Checker, logger zerolog.Logger) *HealthChecker {
	return &HealthChecker{
		components: components,
		logger:     logger.With().Str("component", "health").Logger(),
		cacheTTL:   5 * time.Second,
	}
}

// HandleLiveness answers the liveness probe. Reaching the handler is proof
// enough.
func (h *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusHealthy})
}

// HandleReadiness answers the readiness probe: 200 while every dependency is
// at least degraded.
func (h *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.checkComponents(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// HandleHealth answers the detailed health endpoint with per-component
// status, cached for the cache TTL.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	if h.cachedStatus != nil && time.Now().Before(h.cacheExpiry) {
		status := h.cachedStatus
		h.mu.RUnlock()
		h.writeHealth(w, status)
		return
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := h.checkComponents(ctx)
	status.Uptime = time.Since(startTime).Round(time.Second).String()

	h.mu.Lock()
	h.cachedStatus = status
	h.cacheExpiry = time.Now().Add(h.cacheTTL)
	h.mu.Unlock()

	h.writeHealth(w, status)
}

func (h *HealthChecker) writeHealth(w http.ResponseWriter, status *HealthStatus) {
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *HealthChecker) checkComponents(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]*ComponentStatus, len(h.components)),
	}

	for name, checker := range h.components {
		comp := h.check(ctx, name, checker)
		status.Components[name] = comp
		if comp.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		} else if comp.Status == StatusDegraded && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (h *HealthChecker) check(ctx context.Context, name string, checker Checker) *ComponentStatus {
	start := time.Now()
	err := checker.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
		return &ComponentStatus{
			Status:  StatusUnhealthy,
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}

	status := StatusHealthy
	if latency > 100*time.Millisecond {
		status = StatusDegraded
	}
	return &ComponentStatus{
		Status:  status,
		Latency: latency.String(),
	}
}
