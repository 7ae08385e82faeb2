// Package testutil provides polling and progress-socket helpers for tests
// that drive in-process fleet servers.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	What     string // condition name used in failure messages
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

// Describe names the awaited condition in timeout failures.
func Describe(what string) WaitOption {
	return func(o *WaitOptions) { o.What = what }
}

func resolve(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  5 * time.Second,
		Interval: 10 * time.Millisecond,
		What:     "condition",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls condition until it holds or the timeout passes. The
// condition is checked once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(condition, resolve(opts))
}

func poll(condition func() bool, o WaitOptions) bool {
	if condition() {
		return true
	}

	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// Counter is satisfied by *atomic.Int64.
type Counter interface {
	Load() int64
}

// WaitForCount polls until counter reaches at least target.
func WaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	o := resolve(opts)
	if !poll(condition, o) {
		tb.Fatalf("timed out after %v waiting for %s", o.Timeout, o.What)
	}
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter Counter, target int64, opts ...WaitOption) {
	tb.Helper()
	o := resolve(opts)
	if !poll(func() bool { return counter.Load() >= target }, o) {
		tb.Fatalf("timed out after %v waiting for %s to reach %d (current: %d)", o.Timeout, o.What, target, counter.Load())
	}
}
