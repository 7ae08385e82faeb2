// Package registration registers a process with a fleet registry, keeps it
// alive with heartbeats and re-registers after the registration is lost.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleet/internal/registry"
	"fleet/pkg/backoff"
	"fleet/pkg/circuitbreaker"
)

// ErrRegistrationExhausted is returned when every registration attempt failed.
var ErrRegistrationExhausted = errors.New("registration attempts exhausted")

var errNoParent = errors.New("orchestrator not registered yet")

// State is the client's registration state.
type State int32

const (
	StateUnregistered State = iota
	StateRegistering
	StateRegistered
	StateUnregistering
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateUnregistering:
		return "unregistering"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// MetricsRecorder is an optional interface for recording registration metrics.
type MetricsRecorder interface {
	RecordRegistrationAttempt(ctx context.Context, success bool)
	RecordHeartbeat(ctx context.Context, success bool)
	RecordReregistration(ctx context.Context)
}

// Client registers one process (selfURL) with a registry.
type Client struct {
	api      RegistryAPI
	cfg      Config
	policy   backoff.Policy
	selfURL  string
	parentID string
	kind     registry.Kind

	mu     sync.RWMutex
	id     string
	status registry.Status

	state   atomic.Int32
	breaker *circuitbreaker.Breaker

	// resolveParent is set for agents. It is consulted before every
	// registration attempt.
	resolveParent func(ctx context.Context) (string, error)

	sleep   func(ctx context.Context, d time.Duration) error
	metrics MetricsRecorder
	logger  *slog.Logger

	// guarded by mu
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New creates a client for the process reachable at selfURL. An empty
// parentID registers an orchestrator, otherwise an agent owned by parentID.
// metrics may be nil.
func New(api RegistryAPI, cfg Config, selfURL, parentID string, metrics MetricsRecorder) *Client {
	cfg = cfg.withDefaults()
	kind := registry.KindOrchestrator
	if parentID != "" {
		kind = registry.KindAgent
	}
	return &Client{
		api:      api,
		cfg:      cfg,
		policy:   backoff.Policy{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff, MaxAttempts: cfg.MaxAttempts},
		selfURL:  selfURL,
		parentID: parentID,
		kind:     kind,
		status:   registry.ReadyStatus(kind),
		breaker:  circuitbreaker.New(circuitbreaker.Config{Threshold: cfg.FailureThreshold}),
		sleep:    backoff.Sleep,
		metrics:  metrics,
		logger:   slog.With("component", "registration", "url", selfURL, "kind", kind),
	}
}

// NewAgent creates a client for an agent whose parent orchestrator id is
// looked up with resolve before each registration attempt. Until resolve
// succeeds once, registration fails and the client stays degraded, retrying
// on every heartbeat tick.
func NewAgent(api RegistryAPI, cfg Config, selfURL string, resolve func(ctx context.Context) (string, error), metrics MetricsRecorder) *Client {
	c := New(api, cfg, selfURL, "", metrics)
	c.kind = registry.KindAgent
	c.status = registry.ReadyStatus(registry.KindAgent)
	c.resolveParent = resolve
	c.logger = slog.With("component", "registration", "url", selfURL, "kind", registry.KindAgent)
	return c
}

// ID returns the id assigned by the registry, or "" when not registered.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Status returns the status the client announces.
func (c *Client) Status() registry.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// State returns the current registration state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("Registration state changed", "from", prev, "to", s)
	}
}

// RegisterWithRetry registers with the registry, retrying failed attempts
// with exponential backoff. When every attempt fails the client becomes
// degraded and ErrRegistrationExhausted is returned.
func (c *Client) RegisterWithRetry(ctx context.Context) (string, error) {
	c.setState(StateRegistering)

	for attempt := 1; ; attempt++ {
		id, err := c.registerOnce(ctx)
		if err == nil {
			c.mu.Lock()
			c.id = id
			c.mu.Unlock()
			c.setState(StateRegistered)
			c.logger.Info("Registered", "id", id, "attempt", attempt)
			return id, nil
		}

		if c.policy.Exhausted(attempt) {
			c.setState(StateDegraded)
			c.logger.Error("Registration failed, running degraded",
				"attempts", attempt,
				"error", err,
			)
			return "", ErrRegistrationExhausted
		}

		delay := c.policy.Delay(attempt)
		c.logger.Warn("Registration attempt failed",
			"attempt", attempt,
			"retryIn", delay,
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			c.setState(StateDegraded)
			return "", fmt.Errorf("registration interrupted: %w", err)
		}
	}
}

func (c *Client) registerOnce(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	parentID, err := c.parent(ctx)
	if err != nil {
		return "", err
	}

	id, err := c.api.Register(ctx, c.selfURL, parentID)
	if c.metrics != nil {
		c.metrics.RecordRegistrationAttempt(ctx, err == nil)
	}
	return id, err
}

// parent returns the parent id to register under. With a resolver the id is
// refreshed first, so an agent follows an orchestrator that came back under
// a new id; a failed lookup falls back to the last parent found.
func (c *Client) parent(ctx context.Context) (string, error) {
	c.mu.RLock()
	parentID := c.parentID
	c.mu.RUnlock()
	if c.resolveParent == nil {
		return parentID, nil
	}

	resolved, err := c.resolveParent(ctx)
	switch {
	case err == nil && resolved != "":
		if resolved != parentID {
			c.logger.Info("Resolved orchestrator", "parentId", resolved)
		}
		c.mu.Lock()
		c.parentID = resolved
		c.mu.Unlock()
		return resolved, nil
	case parentID != "":
		c.logger.Warn("Parent lookup failed, keeping previous parent", "parentId", parentID, "error", err)
		return parentID, nil
	case err == nil:
		return "", errNoParent
	default:
		return "", fmt.Errorf("resolve parent: %w", err)
	}
}

// SetStatus records the status to announce and pushes it to the registry
// when registered. Push failures are logged; the status is re-announced
// after the next re-registration.
func (c *Client) SetStatus(ctx context.Context, status registry.Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	if c.State() != StateRegistered {
		return
	}
	c.announce(ctx)
}

func (c *Client) announce(ctx context.Context) {
	id := c.ID()
	status := c.Status()
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.api.UpdateStatus(ctx, id, status); err != nil {
		c.logger.Warn("Status update failed", "id", id, "status", status, "error", err)
		return
	}
	c.logger.Debug("Status announced", "id", id, "status", status)
}

// heartbeatOnce sends one heartbeat. After FailureThreshold consecutive
// failures it runs a single RegisterWithRetry and, on success, resets the
// failure count and re-announces the current status.
func (c *Client) heartbeatOnce(ctx context.Context) {
	id := c.ID()
	if c.State() == StateDegraded || id == "" {
		c.reregister(ctx)
		return
	}

	hbCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err := c.api.Heartbeat(hbCtx, id)
	cancel()
	if c.metrics != nil {
		c.metrics.RecordHeartbeat(ctx, err == nil)
	}

	if err == nil {
		c.breaker.RecordSuccess()
		return
	}

	state := c.breaker.RecordFailure()
	c.logger.Warn("Heartbeat failed",
		"id", id,
		"consecutiveFailures", c.breaker.Failures(),
		"error", err,
	)
	if state != circuitbreaker.Open {
		return
	}

	c.logger.Warn("Heartbeat lost, re-registering", "id", id)
	c.reregister(ctx)
}

func (c *Client) reregister(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.RecordReregistration(ctx)
	}

	if _, err := c.RegisterWithRetry(ctx); err != nil {
		return
	}
	c.breaker.Reset()
	c.announce(ctx)
}

// Start registers in the background and then runs the heartbeat loop until
// Shutdown is called or ctx is done. It never blocks on the registry.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("registration client already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.doneCh = make(chan struct{})

	go c.run(ctx, c.doneCh)
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if _, err := c.RegisterWithRetry(ctx); err == nil {
		c.announce(ctx)
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.heartbeatOnce(ctx)
		}
	}
}

// Shutdown stops the heartbeat loop, then announces stopping and unregisters.
// Registry errors are logged and never returned.
func (c *Client) Shutdown(ctx context.Context) {
	c.mu.Lock()
	cancel, done := c.cancel, c.doneCh
	c.cancel, c.doneCh = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("Heartbeat loop did not stop before shutdown deadline")
		}
	}

	id := c.ID()
	if id == "" {
		c.setState(StateUnregistered)
		return
	}

	c.setState(StateUnregistering)

	c.mu.Lock()
	c.status = registry.StatusStopping
	c.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.api.UpdateStatus(callCtx, id, registry.StatusStopping); err != nil {
		c.logger.Warn("Shutdown status update failed", "id", id, "error", err)
	}
	if err := c.api.Unregister(callCtx, id); err != nil {
		c.logger.Warn("Unregister failed", "id", id, "error", err)
	} else {
		c.logger.Info("Unregistered", "id", id)
	}

	c.mu.Lock()
	c.id = ""
	c.mu.Unlock()
	c.setState(StateUnregistered)
}

// ResolveParent finds the id of the orchestrator registered at orchestratorURL.
func ResolveParent(ctx context.Context, api RegistryAPI, orchestratorURL string) (string, error) {
	all, err := api.List(ctx, "")
	if err != nil {
		return "", fmt.Errorf("list registrants: %w", err)
	}
	for _, r := range all {
		if r.Kind == registry.KindOrchestrator && r.URL == orchestratorURL {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("no orchestrator registered at %s", orchestratorURL)
}
