// Package backoff provides exponential retry policies.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy describes an exponential retry schedule. Zero values use defaults.
type Policy struct {
	Initial     time.Duration // delay after the first failure (default: 100ms)
	Max         time.Duration // delay cap (default: 5s)
	MaxAttempts int           // total attempts including the first (default: unlimited)
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	return p
}

// Delay returns the wait after the given failed attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*2, capped at Max.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		return p.Initial
	}
	d := float64(p.Initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempt may follow the given one.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
