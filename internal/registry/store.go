package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// MetricsRecorder is an optional interface for recording registry metrics.
type MetricsRecorder interface {
	RecordRegistrants(ctx context.Context, kind string, delta int64)
	RecordRegistryEventDropped(ctx context.Context)
}

// entry holds one registrant behind its own lock so heartbeats for
// different registrants never contend on the map lock.
type entry struct {
	mu sync.Mutex
	r  Registrant
}

func (e *entry) snapshot() Registrant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r
}

// Store is the in-memory registry. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
	dropped atomic.Int64

	newID   func() string
	now     func() time.Time
	metrics MetricsRecorder
	logger  *slog.Logger
}

// New creates an empty registry. metrics may be nil.
func New(metrics MetricsRecorder) *Store {
	return &Store{
		entries: make(map[string]*entry),
		subs:    make(map[int]chan Event),
		newID:   uuid.NewString,
		now:     time.Now,
		metrics: metrics,
		logger:  slog.With("component", "registry"),
	}
}

// Register stores a new registrant with status starting and returns its id.
// An empty parentID registers an orchestrator, otherwise an agent.
func (s *Store) Register(parentID, url string) string {
	now := s.now()
	kind := KindOrchestrator
	if parentID != "" {
		kind = KindAgent
	}

	s.mu.Lock()
	id := s.newID()
	for _, taken := s.entries[id]; taken; _, taken = s.entries[id] {
		id = s.newID()
	}
	r := Registrant{
		ID:            id,
		URL:           url,
		ParentID:      parentID,
		Kind:          kind,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        StatusStarting,
	}
	s.entries[id] = &entry{r: r}
	s.mu.Unlock()

	s.logger.Info("Registrant registered", "id", id, "url", url, "parentId", parentID, "kind", kind)
	if s.metrics != nil {
		s.metrics.RecordRegistrants(context.Background(), string(kind), 1)
	}
	s.publish(Event{Type: EventRegistered, Registrant: r})
	return id
}

// Unregister removes a registrant. It returns false if id is unknown.
func (s *Store) Unregister(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	r := e.snapshot()
	s.logger.Info("Registrant unregistered", "id", id, "url", r.URL)
	if s.metrics != nil {
		s.metrics.RecordRegistrants(context.Background(), string(r.Kind), -1)
	}
	s.publish(Event{Type: EventUnregistered, Registrant: r})
	return true
}

// UpdateHeartbeat refreshes LastHeartbeat. Unknown ids are ignored.
func (s *Store) UpdateHeartbeat(id string) {
	e := s.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.r.LastHeartbeat = s.now()
	e.mu.Unlock()
}

// UpdateStatus sets the status and refreshes LastHeartbeat.
// Any status may follow any other. Unknown ids are ignored.
//
// The map read lock is held until the event is published, so a concurrent
// Unregister publishes its event after this one and subscribers never see a
// status change for a removed registrant.
func (s *Store) UpdateStatus(id string, status Status) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[id]
	if e == nil {
		return
	}
	e.mu.Lock()
	prev := e.r.Status
	e.r.Status = status
	e.r.LastHeartbeat = s.now()
	r := e.r
	e.mu.Unlock()

	s.logger.Debug("Registrant status changed", "id", id, "from", prev, "to", status)
	s.publish(Event{Type: EventStatusChanged, Registrant: r, Previous: prev})
}

// Get returns a copy of the registrant.
func (s *Store) Get(id string) (Registrant, bool) {
	e := s.lookup(id)
	if e == nil {
		return Registrant{}, false
	}
	return e.snapshot(), true
}

// GetAll returns every registrant ordered by registration time.
func (s *Store) GetAll() []Registrant {
	return s.filter(func(Registrant) bool { return true })
}

// GetByParent returns the registrants owned by parentID ordered by
// registration time.
func (s *Store) GetByParent(parentID string) []Registrant {
	return s.filter(func(r Registrant) bool { return r.ParentID == parentID })
}

// Len returns the number of registrants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe returns a channel of registry events and a cancel function.
// Events are dropped for a subscriber whose buffer is full.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns how many events were dropped for slow subscribers.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

func (s *Store) filter(keep func(Registrant) bool) []Registrant {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Registrant, 0, len(entries))
	for _, e := range entries {
		if r := e.snapshot(); keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped.Add(1)
			s.logger.Warn("Registry event dropped, subscriber full",
				"type", ev.Type,
				"id", ev.Registrant.ID,
			)
			if s.metrics != nil {
				s.metrics.RecordRegistryEventDropped(context.Background())
			}
		}
	}
}
