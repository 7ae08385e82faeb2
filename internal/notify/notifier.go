package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"fleet/internal/job"
	"fleet/internal/registry"
	"fleet/pkg/backoff"
	"fleet/pkg/circuitbreaker"
)

// ErrBufferFull is returned when an event is dropped because the queue is full.
var ErrBufferFull = errors.New("notify buffer full, event dropped")

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	RetriesTotal int64
	BreakerOpen  bool
}

// Notifier delivers events asynchronously with retry. Delivery is best
// effort: a full queue or an open circuit drops events.
type Notifier struct {
	cfg      Config
	queue    chan *CloudEvent
	sender   *Sender
	breakers *circuitbreaker.Registry
	host     string
	retry    backoff.Policy
	metrics  MetricsRecorder
	logger   *slog.Logger

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a notifier. metrics may be nil.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()

	n := &Notifier{
		cfg:    cfg,
		queue:  make(chan *CloudEvent, cfg.BufferSize),
		sender: NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		host:     extractHost(cfg.URL),
		retry:    backoff.Policy{Initial: defaultInitialBackoff, Max: defaultMaxBackoff},
		metrics:  metrics,
		logger:   slog.With("component", "notify"),
		shutdown: make(chan struct{}),
	}

	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}

	n.logger.Info("Notifier started", "destination", n.host, "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// Publish queues an event. It never blocks.
func (n *Notifier) Publish(event *CloudEvent) error {
	if n.closed.Load() {
		return fmt.Errorf("notifier is closed")
	}

	select {
	case n.queue <- event:
		n.queued.Add(1)
		return nil
	default:
		n.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// PublishJobOutcome queues a job completed/failed event.
func (n *Notifier) PublishJobOutcome(_ context.Context, j job.Job) {
	_ = n.Publish(JobEvent(n.cfg.Source, j))
}

// Watch forwards registry events until ctx is done or events is closed.
func (n *Notifier) Watch(ctx context.Context, events <-chan registry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = n.Publish(RegistrantEvent(n.cfg.Source, ev))
		}
	}
}

// Stats returns current notifier statistics.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		BreakerOpen:  n.breakers.Get(n.host).State() == circuitbreaker.Open,
	}
}

// Close stops accepting events and waits for queued events to be delivered.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}

	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drainQueue()
			return
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

func (n *Notifier) drainQueue() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(event *CloudEvent) {
	breaker := n.breakers.Get(n.host)
	if !breaker.Allow() {
		n.drop(event, "circuit open")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := n.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		if n.metrics != nil {
			n.metrics.RecordNotifyFailed(ctx)
		}
		n.logger.Warn("Delivery failed", "destination", n.host, "type", event.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

func (n *Notifier) sendWithRetry(ctx context.Context, event *CloudEvent) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			n.retriesTotal.Add(1)
			if err := backoff.Sleep(ctx, retryDelay(lastErr, n.retry.Delay(attempt))); err != nil {
				return err
			}
		}

		lastErr = n.sender.Send(ctx, n.cfg.URL, event, n.cfg.SigningKey)
		if lastErr == nil || !Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (n *Notifier) drop(event *CloudEvent, reason string) {
	n.dropped.Add(1)
	if n.metrics != nil {
		n.metrics.RecordNotifyDropped(context.Background())
	}
	n.logger.Warn("Event dropped", "reason", reason, "destination", n.host, "type", event.Type)
}

// extractHost returns the host of rawURL for breaker keying and logs.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
