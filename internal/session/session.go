// Package session maps orchestrator session ids to the agent running the job.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a session keeps routing job lookups and progress
// sockets to its agent.
const DefaultTTL = 24 * time.Hour

// Session routes a UI to the agent that owns its job.
type Session struct {
	ID        string    `json:"sid"`
	AgentID   string    `json:"agentId"`
	AgentURL  string    `json:"agentUrl"`
	JobID     string    `json:"jobId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store keeps sessions in memory. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	bySID map[string]Session
	byJob map[string]string

	ttl    time.Duration
	newID  func() string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the session lifetime. Zero or less keeps sessions until
// their agent leaves.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// NewStore creates an empty session store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		bySID:  make(map[string]Session),
		byJob:  make(map[string]string),
		ttl:    DefaultTTL,
		newID:  uuid.NewString,
		now:    time.Now,
		logger: slog.With("component", "sessions"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create records a session for a job started on an agent and returns it.
func (s *Store) Create(agentID, agentURL, jobID string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := Session{
		ID:        s.newID(),
		AgentID:   agentID,
		AgentURL:  agentURL,
		JobID:     jobID,
		CreatedAt: s.now(),
	}
	s.bySID[sess.ID] = sess
	s.byJob[jobID] = sess.ID
	return sess
}

func (s *Store) expired(sess Session, now time.Time) bool {
	return s.ttl > 0 && now.Sub(sess.CreatedAt) > s.ttl
}

// Get returns the live session with the given sid.
func (s *Store) Get(sid string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.bySID[sid]
	if !ok || s.expired(sess, s.now()) {
		return Session{}, false
	}
	return sess, true
}

// ByJob returns the live session that started jobID.
func (s *Store) ByJob(jobID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sid, ok := s.byJob[jobID]
	if !ok {
		return Session{}, false
	}
	sess := s.bySID[sid]
	if s.expired(sess, s.now()) {
		return Session{}, false
	}
	return sess, true
}

// DropAgent removes every session routed to agentID and returns how many
// were removed. Called when the agent unregisters.
func (s *Store) DropAgent(agentID string) int {
	return s.removeIf(func(sess Session) bool { return sess.AgentID == agentID })
}

// Sweep removes expired sessions and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	return s.removeIf(func(sess Session) bool { return s.expired(sess, now) })
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("Expired sessions removed", "count", n, "remaining", s.Len())
			}
		}
	}
}

func (s *Store) removeIf(match func(Session) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for sid, sess := range s.bySID {
		if !match(sess) {
			continue
		}
		delete(s.bySID, sid)
		delete(s.byJob, sess.JobID)
		n++
	}
	return n
}

// Len returns the number of stored sessions, expired ones included until
// the next sweep.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySID)
}
