package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleet/internal/registry"
)

// RegistryAPI is the remote registry surface a process registers against.
type RegistryAPI interface {
	Register(ctx context.Context, selfURL, parentID string) (string, error)
	Heartbeat(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status registry.Status) error
	Unregister(ctx context.Context, id string) error
	List(ctx context.Context, parentID string) ([]registry.Registrant, error)
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	URL      string `json:"url"`
	ParentID string `json:"parentId,omitempty"`
}

// RegisterResponse is the body returned by POST /register.
type RegisterResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StatusRequest is the body of POST /{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// HTTPRegistryAPI talks to a registry over HTTP.
type HTTPRegistryAPI struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRegistryAPI creates a client for the registry at baseURL.
func NewHTTPRegistryAPI(baseURL, apiKey string, timeout time.Duration) *HTTPRegistryAPI {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRegistryAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Register implements RegistryAPI.
func (a *HTTPRegistryAPI) Register(ctx context.Context, selfURL, parentID string) (string, error) {
	var resp RegisterResponse
	if err := a.do(ctx, http.MethodPost, "/register", RegisterRequest{URL: selfURL, ParentID: parentID}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("register: empty id in response")
	}
	return resp.ID, nil
}

// Heartbeat implements RegistryAPI.
func (a *HTTPRegistryAPI) Heartbeat(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/"+url.PathEscape(id)+"/heartbeat", nil, nil)
}

// UpdateStatus implements RegistryAPI.
func (a *HTTPRegistryAPI) UpdateStatus(ctx context.Context, id string, status registry.Status) error {
	return a.do(ctx, http.MethodPost, "/"+url.PathEscape(id)+"/status", StatusRequest{Status: string(status)}, nil)
}

// Unregister implements RegistryAPI.
func (a *HTTPRegistryAPI) Unregister(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodPost, "/"+url.PathEscape(id)+"/unregister", nil, nil)
}

// List implements RegistryAPI. An empty parentID lists every registrant.
func (a *HTTPRegistryAPI) List(ctx context.Context, parentID string) ([]registry.Registrant, error) {
	path := "/list"
	if parentID != "" {
		path += "?parentId=" + url.QueryEscape(parentID)
	}
	var out []registry.Registrant
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *HTTPRegistryAPI) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
