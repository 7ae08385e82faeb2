package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"fleet/internal/apperrors"
	"fleet/internal/job"
)

const maxArtifactSize = 16 << 20

// AgentClient calls agent APIs on behalf of the orchestrator.
type AgentClient struct {
	client        *http.Client
	dialer        *websocket.Dialer
	apiKey        string
	artifactLimit int
}

// NewAgentClient creates a client with a per-request timeout.
func NewAgentClient(apiKey string, timeout time.Duration) *AgentClient {
	return &AgentClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		dialer:        &websocket.Dialer{HandshakeTimeout: timeout},
		apiKey:        apiKey,
		artifactLimit: maxArtifactSize,
	}
}

// agentError is a non-2xx agent response.
type agentError struct {
	statusCode int
	message    string
}

func (e *agentError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.statusCode, e.message)
}

// classify maps agent client errors onto the application taxonomy so the
// orchestrator answers with the agent's status.
func classify(err error, resource, id string) error {
	var ae *agentError
	if !errors.As(err, &ae) {
		return err
	}
	if ae.statusCode == http.StatusNotFound {
		return apperrors.NotFound(resource, id)
	}
	if classified := apperrors.FromStatus(ae.statusCode, resource, ae.message); classified != nil {
		return classified
	}
	return err
}

// isAgentFault reports errors that count against an agent's circuit breaker:
// transport failures and 5xx responses.
func isAgentFault(err error) bool {
	var ae *agentError
	if errors.As(err, &ae) {
		return ae.statusCode >= 500
	}
	return err != nil
}

// Analyze starts a job on the agent at baseURL.
func (c *AgentClient) Analyze(ctx context.Context, baseURL, targetKey string) (job.AnalyzeResponse, error) {
	var resp job.AnalyzeResponse
	err := c.do(ctx, http.MethodPost, baseURL+"/analyze", job.AnalyzeRequest{TargetKey: targetKey}, &resp)
	return resp, err
}

// Job fetches a job from the agent at baseURL.
func (c *AgentClient) Job(ctx context.Context, baseURL, jobID string) (job.Job, error) {
	var j job.Job
	err := c.do(ctx, http.MethodGet, baseURL+"/jobs/"+url.PathEscape(jobID), nil, &j)
	return j, classify(err, "job", jobID)
}

// Artifact fetches an artifact's text content from the agent at baseURL.
func (c *AgentClient) Artifact(ctx context.Context, baseURL, key string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, baseURL+"/artifacts?key="+url.QueryEscape(key), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET artifact: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return "", classify(err, "artifact", key)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.artifactLimit)+1))
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	if len(data) > c.artifactLimit {
		return "", apperrors.Internal("agent.artifact", fmt.Errorf("artifact %s exceeds %d bytes", key, c.artifactLimit))
	}
	return string(data), nil
}

// DialProgress opens the agent's progress socket for jobID.
func (c *AgentClient) DialProgress(ctx context.Context, baseURL, jobID string) (*websocket.Conn, error) {
	wsURL, err := progressURL(baseURL, jobID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, classify(&agentError{statusCode: resp.StatusCode, message: "progress upgrade refused"}, "job", jobID)
		}
		return nil, fmt.Errorf("dial agent progress: %w", err)
	}
	conn.SetReadLimit(maxProgressFrameSize)
	return conn, nil
}

// progressURL converts an agent's http(s) base URL into its ws(s) progress URL.
func progressURL(baseURL, jobID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse agent url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported agent url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/progress"
	u.RawQuery = url.Values{"jobId": {jobID}}.Encode()
	return u.String(), nil
}

func (c *AgentClient) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent response: %w", err)
	}
	return nil
}

func (c *AgentClient) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// checkResponse turns a non-2xx response into an agentError carrying the
// agent's {"error": ...} message when present.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &agentError{statusCode: resp.StatusCode, message: msg}
}
