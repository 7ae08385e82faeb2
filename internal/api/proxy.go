package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fleet/internal/apperrors"
	"fleet/internal/job"
	"fleet/internal/registry"
	"fleet/internal/relay"
	"fleet/internal/session"
	"fleet/pkg/circuitbreaker"
)

// AgentLister lists registrants under a parent. registration.HTTPRegistryAPI
// and LocalRegistry implement it.
type AgentLister interface {
	List(ctx context.Context, parentID string) ([]registry.Registrant, error)
}

// LocalRegistry serves AgentLister from an in-process registry.
type LocalRegistry struct {
	Store *registry.Store
}

// List returns registrants with parentID, or all registrants when parentID is empty.
func (l LocalRegistry) List(_ context.Context, parentID string) ([]registry.Registrant, error) {
	if parentID == "" {
		return l.Store.GetAll(), nil
	}
	return l.Store.GetByParent(parentID), nil
}

// ProxyConfig holds orchestrator proxy dependencies.
type ProxyConfig struct {
	Agents   AgentLister
	SelfID   func() string // this orchestrator's registrant id, empty when unregistered
	Client   *AgentClient
	Sessions *session.Store
	Relay    *relay.Relay
	Breaker  circuitbreaker.Config
}

// Proxy routes orchestrator requests to agents.
type Proxy struct {
	agents   AgentLister
	selfID   func() string
	client   *AgentClient
	sessions *session.Store
	relay    *relay.Relay
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewProxy creates an orchestrator proxy.
func NewProxy(cfg ProxyConfig) *Proxy {
	selfID := cfg.SelfID
	if selfID == nil {
		selfID = func() string { return "" }
	}
	logger := slog.With("component", "proxy")
	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Info("Agent circuit changed", "from", from, "to", to)
	}
	return &Proxy{
		agents:   cfg.Agents,
		selfID:   selfID,
		client:   cfg.Client,
		sessions: cfg.Sessions,
		relay:    cfg.Relay,
		breakers: circuitbreaker.NewRegistry(breakerCfg),
		logger:   logger,
	}
}

// candidates returns agents under this orchestrator in registration order.
func (p *Proxy) candidates(ctx context.Context) ([]registry.Registrant, error) {
	all, err := p.agents.List(ctx, p.selfID())
	if err != nil {
		return nil, apperrors.Unavailable("registry", "agent list unavailable: "+err.Error())
	}
	agents := all[:0]
	for _, r := range all {
		if r.Kind == registry.KindAgent {
			agents = append(agents, r)
		}
	}
	return agents, nil
}

func selectable(status registry.Status) bool {
	return status == registry.StatusIdle || status == registry.StatusBusy
}

// Analyze starts targetKey on the first selectable agent whose breaker
// allows it and opens a session for the job.
func (p *Proxy) Analyze(ctx context.Context, targetKey string) (job.AnalyzeResponse, error) {
	agents, err := p.candidates(ctx)
	if err != nil {
		return job.AnalyzeResponse{}, err
	}

	for _, agent := range agents {
		if !selectable(agent.Status) || !p.breakers.Get(agent.ID).Allow() {
			continue
		}

		resp, err := p.client.Analyze(ctx, agent.URL, targetKey)
		if err != nil {
			if !isAgentFault(err) {
				return job.AnalyzeResponse{}, classify(err, "targetKey", targetKey)
			}
			state := p.breakers.Get(agent.ID).RecordFailure()
			p.logger.Warn("Agent rejected job, trying next", "agentId", agent.ID, "circuit", state, "error", err)
			continue
		}
		p.breakers.Get(agent.ID).RecordSuccess()

		sess := p.sessions.Create(agent.ID, agent.URL, resp.JobID)
		p.logger.Info("Job routed", "jobId", resp.JobID, "agentId", agent.ID, "sid", sess.ID)
		return job.AnalyzeResponse{JobID: resp.JobID, Sid: sess.ID, AgentID: agent.ID}, nil
	}

	return job.AnalyzeResponse{}, apperrors.Unavailable("agent", "no agent available")
}

// Job fetches a job from the agent that owns it.
func (p *Proxy) Job(ctx context.Context, jobID string) (job.Job, error) {
	sess, ok := p.sessions.ByJob(jobID)
	if !ok {
		return job.Job{}, apperrors.NotFound("job", jobID)
	}
	j, err := p.client.Job(ctx, sess.AgentURL, jobID)
	if err != nil && apperrors.HTTPStatus(err) >= 500 {
		return job.Job{}, apperrors.Unavailable("agent", "agent "+sess.AgentID+" unreachable: "+err.Error())
	}
	return j, err
}

// Artifact returns the content from the first agent that has key.
func (p *Proxy) Artifact(ctx context.Context, key string) (string, error) {
	agents, err := p.candidates(ctx)
	if err != nil {
		return "", err
	}
	for _, agent := range agents {
		content, err := p.client.Artifact(ctx, agent.URL, key)
		if err == nil {
			return content, nil
		}
		if errors.Is(err, apperrors.ErrInternal) {
			// The agent has the artifact but it cannot be served whole.
			return "", err
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			p.logger.Debug("Artifact lookup failed", "agentId", agent.ID, "error", err)
		}
	}
	return "", apperrors.NotFound("artifact", key)
}

// Upstream resolves sid and dials its agent's progress socket for the job.
func (p *Proxy) Upstream(ctx context.Context, sid string) (session.Session, relay.Conn, error) {
	sess, ok := p.sessions.Get(sid)
	if !ok {
		return session.Session{}, nil, apperrors.NotFound("session", sid)
	}
	conn, err := p.client.DialProgress(ctx, sess.AgentURL, sess.JobID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return session.Session{}, nil, err
		}
		return session.Session{}, nil, apperrors.Unavailable("agent", "agent "+sess.AgentID+" unreachable: "+err.Error())
	}
	return sess, conn, nil
}

// Bridge relays frames between ui and upstream until either side closes.
// Both sockets are closed when Bridge returns.
func (p *Proxy) Bridge(ctx context.Context, sess session.Session, ui relay.Conn, upstream relay.Conn) error {
	start := time.Now()
	err := p.relay.Bridge(ctx, ui, upstream)
	p.logger.Debug("Progress session ended", "sid", sess.ID, "jobId", sess.JobID, "duration", time.Since(start))
	return err
}

// Watch drops sessions and circuit state of agents that leave the registry.
func (p *Proxy) Watch(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != registry.EventUnregistered || ev.Registrant.Kind != registry.KindAgent {
				continue
			}
			dropped := p.sessions.DropAgent(ev.Registrant.ID)
			p.breakers.Remove(ev.Registrant.ID)
			p.logger.Info("Agent left, sessions dropped", "agentId", ev.Registrant.ID, "sessions", dropped)
		}
	}
}
