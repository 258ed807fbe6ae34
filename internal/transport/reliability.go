// Package transport provides the shared outbound plumbing: retry with
// exponential backoff, per-endpoint circuit breaking, the pooled HTTP
// clients keyed by connection fingerprint, and protocol inference for
// connect mode.
package transport

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy controls the exponential backoff applied to idempotent
// outbound requests. Notifications and inbound response delivery are never
// retried.
type RetryPolicy struct {
	MaxRetries uint32
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Backoff returns the delay before retry attempt k: min(base * 2^k, max).
// The shift saturates at 16 so the multiplication cannot overflow.
func (p RetryPolicy) Backoff(attempt uint32) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	shift := attempt
	if shift > 16 {
		shift = 16
	}
	delay := p.BaseDelay << shift
	if delay <= 0 || delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// CircuitBreakerPolicy configures a CircuitBreaker. A FailureThreshold of 0
// disables the breaker entirely.
type CircuitBreakerPolicy struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

// CircuitBreaker counts consecutive failures per outbound endpoint. On
// reaching the threshold it opens for the cooldown; callers await the
// remaining cooldown before the next attempt. One success closes it.
//
// The breaker is owned by a single request loop and is not safe for
// concurrent use.
type CircuitBreaker struct {
	policy              CircuitBreakerPolicy
	consecutiveFailures uint32
	openUntil           time.Time
}

// NewCircuitBreaker creates a closed breaker with the given policy.
func NewCircuitBreaker(policy CircuitBreakerPolicy) *CircuitBreaker {
	return &CircuitBreaker{policy: policy}
}

// WaitIfOpen sleeps until the cooldown expires when the breaker is open,
// then resets it. Returns early with the context error on cancellation.
func (b *CircuitBreaker) WaitIfOpen(ctx context.Context, label string) error {
	if b.openUntil.IsZero() {
		return nil
	}
	if remaining := time.Until(b.openUntil); remaining > 0 {
		slog.Warn("circuit breaker open, waiting",
			"label", label,
			"wait_ms", remaining.Milliseconds(),
		)
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	b.openUntil = time.Time{}
	b.consecutiveFailures = 0
	return nil
}

// RecordSuccess closes the breaker and resets the failure counter.
func (b *CircuitBreaker) RecordSuccess() {
	b.consecutiveFailures = 0
	b.openUntil = time.Time{}
}

// RecordFailure bumps the consecutive failure counter. When the threshold is
// reached the breaker opens and the cooldown is returned; otherwise zero.
func (b *CircuitBreaker) RecordFailure() time.Duration {
	b.consecutiveFailures++
	if b.policy.FailureThreshold == 0 || b.consecutiveFailures < b.policy.FailureThreshold {
		return 0
	}
	b.consecutiveFailures = 0
	b.openUntil = time.Now().Add(b.policy.Cooldown)
	return b.policy.Cooldown
}

// IsOpen reports whether the breaker is currently open.
func (b *CircuitBreaker) IsOpen() bool {
	return !b.openUntil.IsZero() && time.Now().Before(b.openUntil)
}

// RunWithRetry runs op under the retry policy and breaker. The breaker is
// awaited before every attempt; failed attempts sleep Backoff(attempt)
// before retrying. On exhaustion the last error is returned verbatim.
func RunWithRetry[T any](
	ctx context.Context,
	label string,
	policy RetryPolicy,
	breaker *CircuitBreaker,
	op func(context.Context) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := uint32(0); attempt <= policy.MaxRetries; attempt++ {
		if err := breaker.WaitIfOpen(ctx, label); err != nil {
			return zero, err
		}

		value, err := op(ctx)
		if err == nil {
			breaker.RecordSuccess()
			return value, nil
		}
		lastErr = err

		if cooldown := breaker.RecordFailure(); cooldown > 0 {
			slog.Warn("circuit opened after consecutive failures",
				"label", label,
				"cooldown_ms", cooldown.Milliseconds(),
			)
		}
		if attempt >= policy.MaxRetries {
			break
		}

		delay := policy.Backoff(attempt)
		slog.Warn("outbound attempt failed, retrying",
			"label", label,
			"attempt", attempt+1,
			"retry_in_ms", delay.Milliseconds(),
			"error", err,
		)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return zero, lastErr
}
