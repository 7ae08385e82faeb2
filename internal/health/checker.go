// Package health provides health check functionality for liveness and readiness checks.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker is the interface for dependency readiness checks.
// Implemented by the analyzer backend and the registry API client.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc reports the state of one component.
type CheckFunc func(ctx context.Context) CheckResult

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp string                 `json:"timestamp,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker performs health checks on dependencies.
type Checker struct {
	timeout time.Duration
	checks  []namedCheck

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
	now          func() time.Time
}

// NewChecker creates a health checker with no readiness checks.
func NewChecker() *Checker {
	return &Checker{
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// AddCheck adds a named readiness check. Not safe to call once serving.
func (c *Checker) AddCheck(name string, fn CheckFunc) {
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// AddReadiness adds a dependency whose Ready error makes the service unhealthy.
func (c *Checker) AddReadiness(name string, rc ReadinessChecker) {
	c.AddCheck(name, func(ctx context.Context) CheckResult {
		if rc == nil {
			return CheckResult{Status: StatusUnhealthy, Message: name + " not configured"}
		}
		if err := rc.Ready(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	})
}

// Liveness returns healthy while the process is up.
// This should be a lightweight check that doesn't depend on external services.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status:    StatusHealthy,
		Timestamp: c.now().UTC().Format(time.RFC3339),
	}
}

// Readiness checks if the service is ready to accept traffic.
// A degraded check degrades the response without failing it.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status:    StatusUnhealthy,
			Timestamp: c.now().UTC().Format(time.RFC3339),
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}

	// Use cached result if recent (avoid hammering Docker and the registry)
	if c.cachedReady != nil && c.now().Sub(c.lastCheck) < time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	checks := make(map[string]CheckResult, len(c.checks))
	overallStatus := StatusHealthy
	for _, nc := range c.checks {
		result := nc.fn(ctx)
		checks[nc.name] = result
		switch {
		case result.Status == StatusUnhealthy:
			overallStatus = StatusUnhealthy
		case result.Status == StatusDegraded && overallStatus == StatusHealthy:
			overallStatus = StatusDegraded
		}
	}

	response := &Response{
		Status:    overallStatus,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = c.now()
	c.mu.Unlock()

	return response
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// IsReady returns true unless a check failed outright.
func (r *Response) IsReady() bool {
	return r.Status != StatusUnhealthy
}

// SetShuttingDown marks the service as shutting down.
// This causes readiness checks to return unhealthy, signaling
// load balancers to stop sending new traffic.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}
