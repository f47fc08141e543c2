package fetch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/promodata/harvester/internal/clock"
)

// BackoffPolicy parameterizes the shared retry loop.
type BackoffPolicy struct {
	// MaxRetries bounds attempts per operation.
	MaxRetries int
	// RetryDelay is the base backoff; attempt n sleeps RetryDelay * 2^(n-1).
	RetryDelay time.Duration
	// RateLimitDelay is the base backoff after an explicit throttle signal.
	// It is typically longer than RetryDelay.
	RateLimitDelay time.Duration
}

// Delay returns the exponential backoff owed after failed attempt n (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.RetryDelay) * math.Pow(2, float64(attempt-1)))
}

// RateLimitBackoff returns the longer backoff owed after a throttle signal.
func (p BackoffPolicy) RateLimitBackoff(attempt int) time.Duration {
	base := p.RateLimitDelay
	if base <= 0 {
		base = p.RetryDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

// Hooks lets the caller observe attempt outcomes without owning the loop.
// Transient failures are the only ones that should feed a circuit breaker.
type Hooks struct {
	OnTransient   func(err error, attempt int)
	OnRateLimited func(err error, attempt int)
	// Refresh re-authenticates once per operation on an auth-expired
	// failure. Nil disables the re-auth path.
	Refresh func(ctx context.Context) error
}

// Do runs op with classified retries: transient failures back off
// exponentially, throttle signals back off longer without counting as
// transient, auth expiry triggers one refresh, and fatal failures return
// immediately. The terminal error of an exhausted operation is returned.
func Do(ctx context.Context, clk clock.Clock, policy BackoffPolicy, hooks Hooks, op func(ctx context.Context) error) error {
	if clk == nil {
		clk = clock.NewSystem()
	}
	maxRetries := policy.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		switch KindOf(lastErr) {
		case KindFatal:
			return lastErr
		case KindAuthExpired:
			if hooks.Refresh == nil || refreshed {
				return lastErr
			}
			refreshed = true
			if err := hooks.Refresh(ctx); err != nil {
				return NewError(KindFatal, "", fmt.Errorf("re-authentication failed: %w", err))
			}
			// Retry immediately with the fresh session.
			continue
		case KindRateLimited:
			if hooks.OnRateLimited != nil {
				hooks.OnRateLimited(lastErr, attempt)
			}
			if attempt < maxRetries {
				clk.Sleep(ctx, policy.RateLimitBackoff(attempt))
			}
		default:
			if hooks.OnTransient != nil {
				hooks.OnTransient(lastErr, attempt)
			}
			if attempt < maxRetries {
				clk.Sleep(ctx, policy.Delay(attempt))
			}
		}
	}
	return lastErr
}
