package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MetricsRecorder is an optional interface for recording relay metrics.
type MetricsRecorder interface {
	RecordRelayListeners(ctx context.Context, delta int64)
	RecordRelayBroadcast(ctx context.Context, delivered, failed int)
	RecordRelayBridges(ctx context.Context, delta int64)
}

// listener serializes writes to one socket.
type listener struct {
	mu      sync.Mutex
	conn    Conn
	timeout time.Duration
}

func (l *listener) write(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return writeFrame(l.conn, websocket.TextMessage, data, l.timeout)
}

// jobSet is the listener set of one job, guarded by its own lock.
type jobSet struct {
	mu        sync.RWMutex
	listeners map[Conn]*listener
}

func (s *jobSet) snapshot() []*listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// Relay keeps per-job listener sets and broadcasts progress to them.
type Relay struct {
	mu   sync.Mutex
	jobs map[string]*jobSet

	writeTimeout time.Duration
	metrics      MetricsRecorder
	logger       *slog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithWriteTimeout bounds each frame write (default DefaultWriteTimeout).
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Relay) { r.writeTimeout = d }
}

// New creates an empty relay. metrics may be nil.
func New(metrics MetricsRecorder, opts ...Option) *Relay {
	r := &Relay{
		jobs:         make(map[string]*jobSet),
		writeTimeout: DefaultWriteTimeout,
		metrics:      metrics,
		logger:       slog.With("component", "relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddListener attaches conn to jobID and sends the connected acknowledgement.
func (r *Relay) AddListener(jobID string, conn Conn) error {
	return r.AddListenerWithSnapshot(jobID, conn, nil)
}

// AddListenerWithSnapshot attaches conn to jobID, then sends the connected
// acknowledgement followed by the snapshot message, if any. Broadcasts to conn
// wait until both are written, so the listener never sees state go backwards.
func (r *Relay) AddListenerWithSnapshot(jobID string, conn Conn, snapshot func() (Message, bool)) error {
	l := &listener{conn: conn, timeout: r.writeTimeout}
	l.mu.Lock()
	defer l.mu.Unlock()

	r.mu.Lock()
	set, ok := r.jobs[jobID]
	if !ok {
		set = &jobSet{listeners: make(map[Conn]*listener)}
		r.jobs[jobID] = set
	}
	set.mu.Lock()
	set.listeners[conn] = l
	set.mu.Unlock()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordRelayListeners(context.Background(), 1)
	}
	r.logger.Debug("Listener added", "jobId", jobID)

	ack, err := json.Marshal(Message{Type: TypeConnected, JobID: jobID})
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}
	if err := writeFrame(l.conn, websocket.TextMessage, ack, l.timeout); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}

	if snapshot == nil {
		return nil
	}
	msg, ok := snapshot()
	if !ok {
		return nil
	}
	msg.JobID = jobID
	if msg.Type == "" {
		msg.Type = TypeProgress
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := writeFrame(l.conn, websocket.TextMessage, data, l.timeout); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}
	return nil
}

// RemoveListener detaches conn from jobID. Unknown pairs are ignored.
func (r *Relay) RemoveListener(jobID string, conn Conn) {
	r.mu.Lock()
	set, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	set.mu.Lock()
	_, present := set.listeners[conn]
	delete(set.listeners, conn)
	empty := len(set.listeners) == 0
	set.mu.Unlock()
	if empty {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()

	if !present {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordRelayListeners(context.Background(), -1)
	}
	r.logger.Debug("Listener removed", "jobId", jobID)
}

// ListenerCount returns the number of listeners attached to jobID.
func (r *Relay) ListenerCount(jobID string) int {
	set := r.set(jobID)
	if set == nil {
		return 0
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	return len(set.listeners)
}

// Broadcast sends msg to every listener of jobID. The message is encoded
// once, the listener set is copied before any socket I/O and listeners are
// written concurrently, so Broadcast takes at most one write timeout. A
// listener whose write fails or times out is closed and dropped; its reader
// then exits.
func (r *Relay) Broadcast(jobID string, msg Message) {
	set := r.set(jobID)
	if set == nil {
		return
	}
	targets := set.snapshot()
	if len(targets) == 0 {
		return
	}

	msg.JobID = jobID
	if msg.Type == "" {
		msg.Type = TypeProgress
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("Failed to encode progress message", "jobId", jobID, "error", err)
		return
	}

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, l := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = l.write(data)
		}()
	}
	wg.Wait()

	delivered, failed := 0, 0
	for i, err := range errs {
		if err == nil {
			delivered++
			continue
		}
		failed++
		r.logger.Debug("Progress send failed, dropping listener", "jobId", jobID, "error", err)
		r.RemoveListener(jobID, targets[i].conn)
		_ = targets[i].conn.Close()
	}
	if r.metrics != nil {
		r.metrics.RecordRelayBroadcast(context.Background(), delivered, failed)
	}
}

// CloseAll sends a close frame to every listener and closes the sockets.
// Their read loops then remove them.
func (r *Relay) CloseAll() {
	r.mu.Lock()
	var all []*listener
	for _, set := range r.jobs {
		all = append(all, set.snapshot()...)
	}
	r.mu.Unlock()

	for _, l := range all {
		l.mu.Lock()
		closeConn(l.conn)
		l.mu.Unlock()
	}
	if len(all) > 0 {
		r.logger.Info("Closed progress listeners", "count", len(all))
	}
}

func (r *Relay) set(jobID string) *jobSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobID]
}
