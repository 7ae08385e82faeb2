package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// userAgent identifies fleet deliveries to webhook receivers.
const userAgent = "fleet-notify/1"

// Sender posts job-outcome CloudEvents in structured mode.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender with the given per-request timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func ceHeaders(event *CloudEvent) map[string]string {
	return map[string]string{
		"Ce-Specversion": event.SpecVersion,
		"Ce-Type":        event.Type,
		"Ce-Source":      event.Source,
		"Ce-Subject":     event.Subject,
		"Ce-Id":          event.ID,
		"Ce-Time":        event.Time.UTC().Format(time.RFC3339),
	}
}

// Send delivers one event. A non-empty signingKey adds an X-Signature-256
// HMAC header over the body.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, signingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range ceHeaders(event) {
		req.Header.Set(k, v)
	}
	if signingKey != "" {
		req.Header.Set("X-Signature-256", Sign(body, signingKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", event.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Sign returns the "sha256=<hex>" HMAC of payload.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// parseRetryAfter accepts delta-seconds only; HTTP dates yield 0.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// HTTPError is a non-2xx webhook response.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration // from the Retry-After header, 0 if absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("webhook answered %d", e.StatusCode)
}

// Retryable reports whether a failed delivery may succeed if repeated.
// Transport errors and 5xx are retried, as are 408 and 429. Other 4xx mean
// the receiver rejected the event.
func Retryable(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return true
	}
	switch he.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return he.StatusCode >= 500
}

// retryDelay returns the receiver's Retry-After when it asks for longer than
// the local backoff.
func retryDelay(err error, backoffDelay time.Duration) time.Duration {
	var he *HTTPError
	if errors.As(err, &he) && he.RetryAfter > backoffDelay {
		return he.RetryAfter
	}
	return backoffDelay
}
