package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the outcome of checking one dependency
type HealthCheck struct {
	Name     string        `json:"name"`
	Status   HealthStatus  `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Service   string        `json:"service"`
	Checks    []HealthCheck `json:"checks"`
}

// CheckFunc checks a dependency and returns nil when it is usable
type CheckFunc func(ctx context.Context) error

// HealthManager runs registered dependency checks
type HealthManager struct {
	service string
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthManager creates a new health manager
func NewHealthManager(service string, timeout time.Duration) *HealthManager {
	return &HealthManager{
		service: service,
		timeout: timeout,
		checks:  make(map[string]CheckFunc),
	}
}

// Register adds a named check
func (hm *HealthManager) Register(name string, check CheckFunc) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[name] = check
}

// CheckHealth runs every check concurrently
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	checks := make(map[string]CheckFunc, len(hm.checks))
	for name, check := range hm.checks {
		checks[name] = check
	}
	hm.mu.RUnlock()

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Service:   hm.service,
		Checks:    make([]HealthCheck, 0, len(checks)),
	}

	results := make(chan HealthCheck, len(checks))
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, hm.timeout)
			defer cancel()

			start := time.Now()
			result := HealthCheck{Name: name, Status: HealthStatusHealthy}
			if err := check(checkCtx); err != nil {
				result.Status = HealthStatusUnhealthy
				result.Message = err.Error()
			}
			result.Duration = time.Since(start)
			results <- result
		}(name, check)
	}
	wg.Wait()
	close(results)

	for result := range results {
		report.Checks = append(report.Checks, result)
		if result.Status == HealthStatusUnhealthy {
			report.Status = HealthStatusUnhealthy
		}
	}

	return report
}

// HTTPHandler returns an HTTP handler for health checks
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == HealthStatusHealthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}
