package job

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"fleet/internal/apperrors"
	"fleet/internal/registry"
	"fleet/internal/relay"
	"fleet/internal/testutil"
)

// scriptedAnalyzer emits a fixed list of progress events and then returns.
type scriptedAnalyzer struct {
	events  []Progress
	content string
	err     error
	panicV  any
	block   chan struct{} // when set, wait for close (or ctx) before returning
	leak    chan ProgressFunc
}

func (a *scriptedAnalyzer) Analyze(ctx context.Context, _ string, progress ProgressFunc) (string, error) {
	for _, e := range a.events {
		progress(e)
	}
	if a.leak != nil {
		a.leak <- progress
	}
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if a.panicV != nil {
		panic(a.panicV)
	}
	return a.content, a.err
}

// recordingRelay captures broadcasts per job.
type recordingRelay struct {
	mu   sync.Mutex
	msgs []relay.Message
}

func (r *recordingRelay) Broadcast(jobID string, msg relay.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.JobID = jobID
	r.msgs = append(r.msgs, msg)
}

func (r *recordingRelay) Messages() []relay.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.msgs)
}

type recordingAnnouncer struct {
	mu       sync.Mutex
	statuses []registry.Status
}

func (a *recordingAnnouncer) SetStatus(_ context.Context, s registry.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses = append(a.statuses, s)
}

func (a *recordingAnnouncer) Statuses() []registry.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.statuses)
}

type recordingOutcomes struct {
	mu   sync.Mutex
	jobs []Job
}

func (o *recordingOutcomes) PublishJobOutcome(_ context.Context, j Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, j)
}

func waitTerminal(t *testing.T, s *Store, id string) Job {
	t.Helper()
	var j Job
	testutil.MustWaitFor(t, func() bool {
		j, _ = s.Get(id)
		return j.Status.Terminal()
	}, testutil.WithTimeout(2*time.Second), testutil.WithInterval(5*time.Millisecond))
	return j
}

func progressValues(msgs []relay.Message) []int {
	out := make([]int, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Progress)
	}
	return out
}

func TestRunner_CompletesWithMappedProgress(t *testing.T) {
	t.Parallel()

	store := NewStore()
	rel := &recordingRelay{}
	outcomes := &recordingOutcomes{}
	analyzer := &scriptedAnalyzer{
		events: []Progress{
			{Phase: "init", Percent: 0, Message: "starting"},
			{Phase: "load", Percent: 100},
			{Phase: "analyze", Percent: 100},
			{Phase: "generate", Percent: 100},
			{Phase: "complete", Percent: 100},
		},
		content: "# Report",
	}
	r := NewRunner(store, analyzer, rel, RunnerConfig{}, RunnerOptions{Outcomes: outcomes})

	id, err := r.Start("X")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	j := waitTerminal(t, store, id)

	if j.Status != StatusCompleted || j.Progress != 100 || j.Error != "" {
		t.Errorf("job = %+v, want completed/100", j)
	}

	msgs := rel.Messages()
	want := []int{5, 30, 70, 95, 100, 100}
	if got := progressValues(msgs); !slices.Equal(got, want) {
		t.Errorf("broadcast progress = %v, want %v", got, want)
	}
	last := msgs[len(msgs)-1]
	if last.Status != string(StatusCompleted) || last.JobID != id {
		t.Errorf("final message = %+v", last)
	}
	if msgs[0].Message != "starting" {
		t.Errorf("first message text = %q", msgs[0].Message)
	}

	a, ok := store.Artifact("X")
	if !ok || a.Content != "# Report" {
		t.Errorf("artifact = %+v, %v", a, ok)
	}

	testutil.MustWaitFor(t, func() bool {
		outcomes.mu.Lock()
		defer outcomes.mu.Unlock()
		return len(outcomes.jobs) == 1
	}, testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))
}

func TestRunner_FailureFreezesProgress(t *testing.T) {
	t.Parallel()

	store := NewStore()
	rel := &recordingRelay{}
	analyzer := &scriptedAnalyzer{
		events: []Progress{
			{Phase: "init"},
			{Phase: "load", Percent: 50},
		},
		err: errors.New("target not found in archive"),
	}
	r := NewRunner(store, analyzer, rel, RunnerConfig{}, RunnerOptions{})

	id, _ := r.Start("X")
	j := waitTerminal(t, store, id)

	if j.Status != StatusFailed || j.Progress != 20 || j.Error != "target not found in archive" {
		t.Errorf("job = %+v, want failed/20 with error", j)
	}
	if j.CompletedAt == nil {
		t.Error("CompletedAt not set on failure")
	}
	if _, ok := store.Artifact("X"); ok {
		t.Error("failed job must not cache an artifact")
	}

	msgs := rel.Messages()
	last := msgs[len(msgs)-1]
	if last.Status != string(StatusFailed) || last.Error == "" || last.Progress != 20 {
		t.Errorf("final message = %+v", last)
	}
}

func TestRunner_NeverLowersProgress(t *testing.T) {
	t.Parallel()

	store := NewStore()
	rel := &recordingRelay{}
	analyzer := &scriptedAnalyzer{
		events: []Progress{
			{Phase: "analyze", Percent: 50},
			{Phase: "load", Percent: 10}, // out of order
			{Phase: "mystery", Percent: 80},
			{Phase: "generate", Percent: 0},
		},
	}
	r := NewRunner(store, analyzer, rel, RunnerConfig{}, RunnerOptions{})

	id, _ := r.Start("X")
	waitTerminal(t, store, id)

	got := progressValues(rel.Messages())
	want := []int{50, 50, 50, 70, 100}
	if !slices.Equal(got, want) {
		t.Errorf("progress = %v, want %v", got, want)
	}
}

func TestRunner_PanicBecomesFailure(t *testing.T) {
	t.Parallel()

	store := NewStore()
	analyzer := &scriptedAnalyzer{
		events: []Progress{{Phase: "init"}},
		panicV: "nil map write",
	}
	r := NewRunner(store, analyzer, &recordingRelay{}, RunnerConfig{}, RunnerOptions{})

	id, _ := r.Start("X")
	j := waitTerminal(t, store, id)
	if j.Status != StatusFailed || j.Progress != 5 || j.Error == "" {
		t.Errorf("job = %+v, want failed/5 with error", j)
	}
}

func TestRunner_LateProgressIgnored(t *testing.T) {
	t.Parallel()

	store := NewStore()
	rel := &recordingRelay{}
	leak := make(chan ProgressFunc, 1)
	analyzer := &scriptedAnalyzer{content: "ok", leak: leak}
	r := NewRunner(store, analyzer, rel, RunnerConfig{}, RunnerOptions{})

	id, _ := r.Start("X")
	waitTerminal(t, store, id)
	before := len(rel.Messages())

	late := <-leak
	late(Progress{Phase: "load", Percent: 10})

	j, _ := store.Get(id)
	if j.Status != StatusCompleted || j.Progress != 100 {
		t.Errorf("job changed after completion: %+v", j)
	}
	if len(rel.Messages()) != before {
		t.Error("late progress was broadcast")
	}
}

func TestRunner_AnnouncesBusyAndIdle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	announcer := &recordingAnnouncer{}
	release := make(chan struct{})
	analyzer := &scriptedAnalyzer{content: "ok", block: release}
	r := NewRunner(store, analyzer, &recordingRelay{}, RunnerConfig{}, RunnerOptions{Announcer: announcer})

	id1, _ := r.Start("A")
	id2, _ := r.Start("B")
	testutil.MustWaitFor(t, func() bool { return r.InFlight() == 2 },
		testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))
	testutil.MustWaitFor(t, func() bool { return len(announcer.Statuses()) == 1 },
		testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	close(release)
	waitTerminal(t, store, id1)
	waitTerminal(t, store, id2)
	testutil.MustWaitFor(t, func() bool { return len(announcer.Statuses()) == 2 },
		testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	want := []registry.Status{registry.StatusBusy, registry.StatusIdle}
	if got := announcer.Statuses(); !slices.Equal(got, want) {
		t.Errorf("announced %v, want %v", got, want)
	}
}

// stalledAnnouncer blocks every SetStatus until released.
type stalledAnnouncer struct {
	recordingAnnouncer
	release chan struct{}
}

func (a *stalledAnnouncer) SetStatus(ctx context.Context, s registry.Status) {
	a.recordingAnnouncer.SetStatus(ctx, s)
	select {
	case <-a.release:
	case <-ctx.Done():
	}
}

func TestRunner_SlowAnnouncerDoesNotStallJobs(t *testing.T) {
	t.Parallel()

	store := NewStore()
	announcer := &stalledAnnouncer{release: make(chan struct{})}
	gate := make(chan struct{})
	analyzer := &scriptedAnalyzer{content: "ok", events: []Progress{{Phase: "scan", Percent: 50}}, block: gate}
	r := NewRunner(store, analyzer, &recordingRelay{}, RunnerConfig{}, RunnerOptions{Announcer: announcer})

	first, _ := r.Start("A")
	testutil.MustWaitFor(t, func() bool { return len(announcer.Statuses()) == 1 },
		testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))
	close(gate)
	if j := waitTerminal(t, store, first); j.Status != StatusCompleted {
		t.Fatalf("first job = %+v, want completed", j)
	}

	// The busy announcement is still blocked; more jobs run and finish.
	for _, key := range []string{"B", "C"} {
		id, _ := r.Start(key)
		if j := waitTerminal(t, store, id); j.Status != StatusCompleted {
			t.Fatalf("job %s = %+v, want completed", key, j)
		}
	}
	if n := r.InFlight(); n != 0 {
		t.Errorf("InFlight() = %d, want 0", n)
	}

	close(announcer.release)
	testutil.MustWaitFor(t, func() bool { return len(announcer.Statuses()) == 2 },
		testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	want := []registry.Status{registry.StatusBusy, registry.StatusIdle}
	if got := announcer.Statuses(); !slices.Equal(got, want) {
		t.Errorf("announced %v, want latest status only: %v", got, want)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestRunner_CloseCancelsInFlight(t *testing.T) {
	t.Parallel()

	store := NewStore()
	analyzer := &scriptedAnalyzer{
		events: []Progress{{Phase: "load", Percent: 50}},
		block:  make(chan struct{}),
	}
	r := NewRunner(store, analyzer, &recordingRelay{}, RunnerConfig{}, RunnerOptions{})

	id, _ := r.Start("X")
	testutil.MustWaitFor(t, func() bool {
		j, _ := store.Get(id)
		return j.Progress == 20
	}, testutil.WithTimeout(time.Second), testutil.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j, _ := store.Get(id)
	if j.Status != StatusFailed || j.Progress != 20 {
		t.Errorf("job after close = %+v, want failed/20", j)
	}

	if _, err := r.Start("Y"); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Start() after Close error = %v, want ErrUnavailable", err)
	}
}

func TestRunner_Timeout(t *testing.T) {
	t.Parallel()

	store := NewStore()
	analyzer := &scriptedAnalyzer{block: make(chan struct{})}
	r := NewRunner(store, analyzer, &recordingRelay{}, RunnerConfig{Timeout: 20 * time.Millisecond}, RunnerOptions{})

	id, _ := r.Start("X")
	j := waitTerminal(t, store, id)
	if j.Status != StatusFailed || j.Error == "" {
		t.Errorf("job = %+v, want failed after timeout", j)
	}
}

func TestRunner_ValidatesTargetKey(t *testing.T) {
	t.Parallel()

	r := NewRunner(NewStore(), &scriptedAnalyzer{}, &recordingRelay{}, RunnerConfig{}, RunnerOptions{})

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"control", "abc\x00def"},
		{"too long", string(make([]byte, maxTargetKeyLength+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Start(tt.key); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Start(%q) error = %v, want validation error", tt.key, err)
			}
		})
	}
}
