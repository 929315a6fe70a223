// Package retry decides whether and when a failed dispatch is retried.
//
// Delay for attempt n (1-indexed) is
//
//	InitialDelay * BackoffMultiplier^(n-1)
//
// optionally perturbed by ±Jitter·delay and capped at MaxDelay. Attempt n is
// the attempt that just failed, so NextDelay(1) is the wait before the second
// attempt.
//
// Everything here is stateless and safe to call concurrently for independent
// mutations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is immutable retry configuration.
type Policy struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// Jitter is a fraction in [0, 1]. Zero disables jitter.
	Jitter float64 `yaml:"jitter" json:"jitter"`

	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		MaxDelay:          5 * time.Minute,
	}
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("initial_delay must be > 0, got %s", p.InitialDelay)
	}
	if p.BackoffMultiplier < 1.0 || math.IsNaN(p.BackoffMultiplier) || math.IsInf(p.BackoffMultiplier, 0) {
		return fmt.Errorf("backoff_multiplier must be >= 1.0, got %v", p.BackoffMultiplier)
	}
	if p.Jitter < 0 || p.Jitter > 1 || math.IsNaN(p.Jitter) {
		return fmt.Errorf("jitter must be in [0, 1], got %v", p.Jitter)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max_delay must be >= 0, got %s", p.MaxDelay)
	}
	return nil
}

// Retryable is implemented by errors that know whether a retry can help.
type Retryable interface {
	Retryable() bool
}

// Scheduler computes delays. The zero value uses the process-wide random
// source for jitter.
type Scheduler struct {
	// Float64 returns a value in [0, 1). Nil uses math/rand/v2.
	Float64 func() float64
}

// NextDelay returns the wait after failed attempt n under policy.
func (s Scheduler) NextDelay(attempt int, p Policy) time.Duration {
	base := baseDelay(attempt, p)
	if p.Jitter <= 0 {
		return base
	}

	r := s.float64()
	// Uniform in [-jitter, +jitter).
	factor := 1 + p.Jitter*(2*r-1)
	var d time.Duration
	switch f := float64(base) * factor; {
	case f >= math.MaxInt64:
		d = time.Duration(math.MaxInt64)
	case f > 0:
		d = time.Duration(f)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after attempt n
// failed with err.
func (s Scheduler) ShouldRetry(attempt int, p Policy, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// Schedule returns the delays preceding attempts 2..MaxAttempts without
// jitter.
func (s Scheduler) Schedule(p Policy) []time.Duration {
	if p.MaxAttempts <= 1 {
		return []time.Duration{}
	}
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for n := 1; n < p.MaxAttempts; n++ {
		out = append(out, baseDelay(n, p))
	}
	return out
}

func (s Scheduler) float64() float64 {
	if s.Float64 != nil {
		return s.Float64()
	}
	return rand.Float64()
}

func baseDelay(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Pow(p.BackoffMultiplier, float64(attempt-1))
	f := float64(p.InitialDelay) * mult
	if p.MaxDelay > 0 && f > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// NextDelay is Scheduler{}.NextDelay.
func NextDelay(attempt int, p Policy) time.Duration {
	return Scheduler{}.NextDelay(attempt, p)
}

// ShouldRetry is Scheduler{}.ShouldRetry.
func ShouldRetry(attempt int, p Policy, err error) bool {
	return Scheduler{}.ShouldRetry(attempt, p, err)
}

// IsRetryable classifies err. Errors that declare themselves via Retryable
// win; a per-attempt deadline is retryable; caller cancellation is not.
// Anything else is treated as a network-level failure and retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

// Sleep blocks for d, returning ctx.Err() if ctx ends first.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
