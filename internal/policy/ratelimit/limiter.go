// Package ratelimit bounds outbound fetch cadence with a sliding window and
// adapts the inter-attempt delay to observed failures.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/promodata/harvester/internal/clock"
)

const (
	window            = 60 * time.Second
	maxWindowWait     = 30 * time.Second
	adaptiveThreshold = 5
)

// Config holds rate limiter knobs.
type Config struct {
	// MaxPerMinute caps acquisitions inside any rolling 60s window.
	MaxPerMinute int
	// MinDelay is the minimum spacing between consecutive acquisitions.
	MinDelay time.Duration
}

// Limiter gates fetch attempts. Acquire blocks until an attempt is
// permitted; RecordFailure/RecordSuccess feed the adaptive slowdown. The
// limiter never classifies outcomes itself.
type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	clk         clock.Clock
	attempts    []time.Time
	failures    int
	lastFailure time.Time
}

// New creates a Limiter.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 25
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Limiter{cfg: cfg, clk: clk}
}

// Acquire blocks the caller until an attempt is permitted, then records the
// attempt timestamp. Returns early if the context finishes; the attempt is
// still recorded so a canceled caller does not gain budget.
func (l *Limiter) Acquire(ctx context.Context) {
	for _, d := range l.plan() {
		if ctx.Err() != nil {
			break
		}
		l.clk.Sleep(ctx, d)
	}
	l.mu.Lock()
	l.attempts = append(l.attempts, l.clk.Now())
	l.mu.Unlock()
}

// plan computes the sleeps owed before the next attempt under the lock, so
// no lock is held while suspended.
func (l *Limiter) plan() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	var sleeps []time.Duration

	// Adaptive slowdown: scale the base delay while failures stay hot.
	if l.failures > adaptiveThreshold && now.Sub(l.lastFailure) < window {
		scale := 1 + 0.5*float64(l.failures-adaptiveThreshold)
		sleeps = append(sleeps, time.Duration(float64(l.cfg.MinDelay)*scale))
	}

	l.evict(now)

	// Window budget: wait until the oldest attempt ages out, capped so a
	// clock anomaly cannot stall the pipeline.
	if len(l.attempts) >= l.cfg.MaxPerMinute {
		wait := window - now.Sub(l.attempts[0])
		if wait > maxWindowWait {
			wait = maxWindowWait
		}
		if wait > 0 {
			sleeps = append(sleeps, wait)
		}
	}

	// Minimum spacing from the previous attempt.
	if n := len(l.attempts); n > 0 && l.cfg.MinDelay > 0 {
		if since := now.Sub(l.attempts[n-1]); since < l.cfg.MinDelay {
			sleeps = append(sleeps, l.cfg.MinDelay-since)
		}
	}
	return sleeps
}

func (l *Limiter) evict(now time.Time) {
	cut := 0
	for cut < len(l.attempts) && now.Sub(l.attempts[cut]) > window {
		cut++
	}
	if cut > 0 {
		l.attempts = append(l.attempts[:0], l.attempts[cut:]...)
	}
}

// RecordFailure bumps the failure counter used for adaptive slowdown.
func (l *Limiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	l.lastFailure = l.clk.Now()
}

// RecordSuccess walks the failure counter back toward zero.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
	}
}

// Failures returns the current failure counter.
func (l *Limiter) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}
