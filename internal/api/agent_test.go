package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleet/internal/health"
	"fleet/internal/job"
	"fleet/internal/relay"
	"fleet/internal/testutil"
)

// gateAnalyzer reports its events, then waits for release before returning.
type gateAnalyzer struct {
	events  []job.Progress
	release chan struct{}
	content string
	err     error
}

func newGateAnalyzer(content string, events ...job.Progress) *gateAnalyzer {
	return &gateAnalyzer{events: events, release: make(chan struct{}), content: content}
}

func (a *gateAnalyzer) Analyze(ctx context.Context, _ string, progress job.ProgressFunc) (string, error) {
	for _, e := range a.events {
		progress(e)
	}
	select {
	case <-a.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return a.content, a.err
}

type agentFixture struct {
	server *httptest.Server
	jobs   *job.Store
	relay  *relay.Relay
}

func newAgent(t *testing.T, analyzer job.Analyzer) *agentFixture {
	t.Helper()

	jobs := job.NewStore()
	rl := relay.New(nil)
	runner := job.NewRunner(jobs, analyzer, rl, job.RunnerConfig{}, job.RunnerOptions{})

	server := httptest.NewServer(NewRouter(RouterConfig{
		HealthChecker: health.NewChecker(),
		Jobs:          jobs,
		Runner:        runner,
		Relay:         rl,
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Close(ctx)
		rl.CloseAll()
		server.Close()
	})
	return &agentFixture{server: server, jobs: jobs, relay: rl}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAgent_AnalyzeLifecycle(t *testing.T) {
	t.Parallel()

	analyzer := newGateAnalyzer("# report",
		job.Progress{Phase: job.PhaseInit},
		job.Progress{Phase: job.PhaseLoad, Percent: 100},
	)
	agent := newAgent(t, analyzer)

	resp := postJSON(t, agent.server.URL+"/analyze", `{"targetKey":"repo/main"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /analyze status = %d, want 202", resp.StatusCode)
	}
	var started job.AnalyzeResponse
	decodeBody(t, resp, &started)
	if started.JobID == "" || started.Sid != "" {
		t.Fatalf("response = %+v", started)
	}

	testutil.MustWaitFor(t, func() bool {
		j, _ := agent.jobs.Get(started.JobID)
		return j.Progress == 30
	}, testutil.Describe("load phase progress"))

	conn, _, err := websocket.DefaultDialer.Dial(testutil.WSURL(agent.server.URL, "/progress?jobId="+started.JobID), nil)
	if err != nil {
		t.Fatalf("dial progress: %v", err)
	}
	defer conn.Close()

	var ack, snapshot relay.Message
	testutil.ReadJSON(t, conn, &ack, 5*time.Second)
	if ack.Type != relay.TypeConnected || ack.JobID != started.JobID {
		t.Errorf("ack = %+v", ack)
	}
	testutil.ReadJSON(t, conn, &snapshot, 5*time.Second)
	if snapshot.Type != relay.TypeProgress || snapshot.Status != string(job.StatusRunning) || snapshot.Progress != 30 {
		t.Errorf("snapshot = %+v", snapshot)
	}

	close(analyzer.release)

	var final relay.Message
	for final.Status != string(job.StatusCompleted) && final.Status != string(job.StatusFailed) {
		testutil.ReadJSON(t, conn, &final, 5*time.Second)
	}
	if final.Status != string(job.StatusCompleted) || final.Progress != 100 {
		t.Errorf("final = %+v", final)
	}

	var j job.Job
	decodeBody(t, getURL(t, agent.server.URL+"/jobs/"+started.JobID), &j)
	if j.Status != job.StatusCompleted || j.Progress != 100 || j.CompletedAt == nil {
		t.Errorf("job = %+v", j)
	}

	artifact := getURL(t, agent.server.URL+"/artifacts?key=repo/main")
	body, _ := io.ReadAll(artifact.Body)
	if artifact.StatusCode != http.StatusOK || string(body) != "# report" {
		t.Errorf("artifact = %d %q", artifact.StatusCode, body)
	}

	var list job.ListResponse
	decodeBody(t, getURL(t, agent.server.URL+"/jobs"), &list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != started.JobID {
		t.Errorf("list = %+v", list)
	}
}

func TestAgent_FailedJobVisible(t *testing.T) {
	t.Parallel()

	analyzer := newGateAnalyzer("", job.Progress{Phase: job.PhaseLoad, Percent: 50})
	analyzer.err = errors.New("clone failed")
	close(analyzer.release)
	agent := newAgent(t, analyzer)

	var started job.AnalyzeResponse
	decodeBody(t, postJSON(t, agent.server.URL+"/analyze", `{"targetKey":"repo/broken"}`), &started)

	var j job.Job
	testutil.MustWaitFor(t, func() bool {
		resp := getURL(t, agent.server.URL+"/jobs/"+started.JobID)
		decodeBody(t, resp, &j)
		return j.Status.Terminal()
	}, testutil.Describe("job to fail"))

	if j.Status != job.StatusFailed || j.Error != "clone failed" || j.Progress != 20 {
		t.Errorf("job = %+v", j)
	}
}

func TestAgent_RequestErrors(t *testing.T) {
	t.Parallel()
	agent := newAgent(t, newGateAnalyzer(""))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid json", http.MethodPost, "/analyze", "not json", http.StatusBadRequest},
		{"empty target", http.MethodPost, "/analyze", `{"targetKey":"  "}`, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/jobs/missing", "", http.StatusNotFound},
		{"missing artifact", http.MethodGet, "/artifacts?key=nothing", "", http.StatusNotFound},
		{"artifact without key", http.MethodGet, "/artifacts", "", http.StatusBadRequest},
		{"progress without job", http.MethodGet, "/progress", "", http.StatusBadRequest},
		{"no registry on agents", http.MethodPost, "/register", `{"url":"http://x"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, _ := http.NewRequest(tt.method, agent.server.URL+tt.path, bytes.NewBufferString(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAgent_ProgressListenerRemovedOnClose(t *testing.T) {
	t.Parallel()
	agent := newAgent(t, newGateAnalyzer(""))

	conn, _, err := websocket.DefaultDialer.Dial(testutil.WSURL(agent.server.URL, "/progress?jobId=j1"), nil)
	if err != nil {
		t.Fatalf("dial progress: %v", err)
	}

	var ack relay.Message
	testutil.ReadJSON(t, conn, &ack, 5*time.Second)
	if agent.relay.ListenerCount("j1") != 1 {
		t.Fatalf("ListenerCount = %d, want 1", agent.relay.ListenerCount("j1"))
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	testutil.MustWaitFor(t, func() bool {
		return agent.relay.ListenerCount("j1") == 0
	}, testutil.Describe("listener removal"))
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	agent := newAgent(t, newGateAnalyzer(""))

	var h health.Response
	decodeBody(t, getURL(t, agent.server.URL+"/health"), &h)
	if h.Status != health.StatusHealthy || h.Timestamp == "" {
		t.Errorf("/health = %+v", h)
	}

	if resp := getURL(t, agent.server.URL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyz_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker()
	checker.SetShuttingDown()
	router := NewRouter(RouterConfig{HealthChecker: checker})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}
