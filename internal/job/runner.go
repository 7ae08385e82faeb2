package job

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"fleet/internal/apperrors"
	"fleet/internal/config"
	"fleet/internal/registry"
	"fleet/internal/relay"
)

const maxTargetKeyLength = 512

// Broadcaster delivers progress messages to a job's listeners.
type Broadcaster interface {
	Broadcast(jobID string, msg relay.Message)
}

// StatusAnnouncer publishes this process's busy/idle status.
type StatusAnnouncer interface {
	SetStatus(ctx context.Context, status registry.Status)
}

// OutcomePublisher receives the final state of every job.
type OutcomePublisher interface {
	PublishJobOutcome(ctx context.Context, j Job)
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context)
	RecordJobCompleted(ctx context.Context, success bool, durationSeconds float64)
}

// RunnerConfig holds job runner configuration.
type RunnerConfig struct {
	Timeout time.Duration // per-job limit (default: 30m)
}

// LoadRunnerConfigFromEnv loads runner configuration from environment variables.
func LoadRunnerConfigFromEnv() RunnerConfig {
	return RunnerConfig{
		Timeout: config.GetDurationEnv("JOB_TIMEOUT", 30*time.Minute),
	}.withDefaults()
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	return c
}

// RunnerOptions are the optional collaborators of a Runner.
type RunnerOptions struct {
	Announcer StatusAnnouncer
	Outcomes  OutcomePublisher
	Metrics   MetricsRecorder
}

// Runner starts analyses in the background and writes their progress
// through the Store and the Broadcaster.
type Runner struct {
	store    *Store
	analyzer Analyzer
	relay    Broadcaster
	opts     RunnerOptions
	cfg      RunnerConfig
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool

	statusMu sync.Mutex
	inFlight int

	// announceKick wakes announceLoop; announceDone closes when it exits.
	announceKick chan struct{}
	announceDone chan struct{}
}

// NewRunner creates a runner.
func NewRunner(store *Store, analyzer Analyzer, broadcaster Broadcaster, cfg RunnerConfig, opts RunnerOptions) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:        store,
		analyzer:     analyzer,
		relay:        broadcaster,
		opts:         opts,
		cfg:          cfg.withDefaults(),
		logger:       slog.With("component", "job-runner"),
		baseCtx:      ctx,
		cancel:       cancel,
		announceKick: make(chan struct{}, 1),
		announceDone: make(chan struct{}),
	}
	if opts.Announcer != nil {
		go r.announceLoop()
	} else {
		close(r.announceDone)
	}
	return r
}

// Start creates a job for targetKey and runs it in the background.
// It returns as soon as the job is recorded.
func (r *Runner) Start(targetKey string) (string, error) {
	targetKey = strings.TrimSpace(targetKey)
	if err := validateTargetKey(targetKey); err != nil {
		return "", err
	}
	if r.closed.Load() {
		return "", apperrors.Unavailable("job runner", "shutting down")
	}

	jobID := r.store.CreateJob(targetKey)
	r.wg.Add(1)
	go r.run(jobID, targetKey)

	r.logger.Info("Job started", "jobId", jobID, "targetKey", targetKey)
	return jobID, nil
}

// InFlight returns the number of running jobs.
func (r *Runner) InFlight() int {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.inFlight
}

// Close cancels running analyses and waits for their outcomes to be recorded.
func (r *Runner) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.logger.Info("Job runner shutting down", "inFlight", r.InFlight())
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		<-r.announceDone
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Job runner shutdown complete")
		return nil
	case <-ctx.Done():
		r.logger.Warn("Job runner shutdown timed out", "inFlight", r.InFlight())
		return ctx.Err()
	}
}

// run drives one job. It records exactly one outcome, including when the
// analyzer panics.
func (r *Runner) run(jobID, targetKey string) {
	defer r.wg.Done()

	r.track(1)
	defer r.track(-1)

	logger := r.logger.With("jobId", jobID, "targetKey", targetKey)
	start := time.Now()
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordJobStarted(r.baseCtx)
	}

	r.store.UpdateJob(jobID, StatusRunning, 0, "")

	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.Timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		done    bool
		current int
	)
	onProgress := func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			logger.Debug("Progress after completion ignored", "phase", p.Phase)
			return
		}
		if mapped, ok := MapProgress(p.Phase, p.Percent); ok && mapped > current {
			current = mapped
		}
		r.store.UpdateJob(jobID, StatusRunning, current, "")
		r.relay.Broadcast(jobID, relay.Message{
			Status:   string(StatusRunning),
			Progress: current,
			Message:  p.Message,
		})
	}

	content, err := r.analyze(ctx, targetKey, onProgress)

	mu.Lock()
	done = true
	final := current
	mu.Unlock()

	duration := time.Since(start).Seconds()
	if err != nil {
		errMsg := err.Error()
		if errMsg == "" {
			errMsg = "analysis failed"
		}
		r.store.UpdateJob(jobID, StatusFailed, final, errMsg)
		r.relay.Broadcast(jobID, relay.Message{
			Status:   string(StatusFailed),
			Progress: final,
			Message:  "Analysis failed",
			Error:    errMsg,
		})
		logger.Warn("Job failed", "progress", final, "error", errMsg, "duration", duration)
	} else {
		r.store.UpsertArtifact(targetKey, content)
		r.store.UpdateJob(jobID, StatusCompleted, 100, "")
		r.relay.Broadcast(jobID, relay.Message{
			Status:   string(StatusCompleted),
			Progress: 100,
			Message:  "Analysis complete",
		})
		logger.Info("Job completed", "duration", duration)
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordJobCompleted(context.Background(), err == nil, duration)
	}
	if r.opts.Outcomes != nil {
		if j, ok := r.store.Get(jobID); ok {
			r.opts.Outcomes.PublishJobOutcome(context.Background(), j)
		}
	}
}

// analyze calls the analyzer and turns a panic into an error.
func (r *Runner) analyze(ctx context.Context, targetKey string, progress ProgressFunc) (content string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Analyzer panic", "targetKey", targetKey, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("analyzer panic: %v", p)
		}
	}()
	return r.analyzer.Analyze(ctx, targetKey, progress)
}

// track counts in-flight jobs and wakes the announcer. It never waits on
// the registry.
func (r *Runner) track(delta int) {
	r.statusMu.Lock()
	r.inFlight += delta
	r.statusMu.Unlock()

	select {
	case r.announceKick <- struct{}{}:
	default:
	}
}

// announceLoop publishes busy while any job is in flight and idle
// otherwise. Changes that happen while an announcement is in progress
// collapse into one announcement of the latest status.
func (r *Runner) announceLoop() {
	defer close(r.announceDone)

	announced := registry.StatusIdle
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case <-r.announceKick:
		}

		status := registry.StatusIdle
		if r.InFlight() > 0 {
			status = registry.StatusBusy
		}
		if status == announced {
			continue
		}
		r.opts.Announcer.SetStatus(r.baseCtx, status)
		announced = status
	}
}

func validateTargetKey(key string) error {
	if key == "" {
		return apperrors.Validation("targetKey", "targetKey is required")
	}
	if len(key) > maxTargetKeyLength {
		return apperrors.Validation("targetKey", fmt.Sprintf("targetKey exceeds maximum length of %d", maxTargetKeyLength))
	}
	if strings.IndexFunc(key, unicode.IsControl) >= 0 {
		return apperrors.Validation("targetKey", "targetKey must not contain control characters")
	}
	return nil
}
