// Package breaker implements a consecutive-failure circuit breaker for the
// fetch path. Batching and persistence never consult it.
package breaker

import (
	"sync"
	"time"

	"github.com/promodata/harvester/internal/clock"
)

// State labels the breaker position.
type State string

// Breaker states. HalfOpen is implicit: once the cool-down elapses the next
// Allow returns true and the following outcome decides the state.
const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Config holds breaker knobs.
type Config struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int
	// CoolDown is how long the breaker rejects attempts once open.
	CoolDown time.Duration
}

// Breaker gates fetch attempts after sustained failure.
type Breaker struct {
	mu          sync.Mutex
	cfg         Config
	clk         clock.Clock
	consecutive int
	openSince   time.Time
	open        bool
}

// New creates a Breaker.
func New(cfg Config, clk clock.Clock) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 60 * time.Second
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Breaker{cfg: cfg, clk: clk}
}

// Allow reports whether a fetch attempt may proceed. While open, it returns
// false until the cool-down elapses; the first call after that is let
// through as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.clk.Now().Sub(b.openSince) < b.cfg.CoolDown {
		return false
	}
	// Probe: close optimistically; the probe's outcome re-opens on failure.
	b.open = false
	return true
}

// OnSuccess closes the breaker and zeroes the consecutive-failure counter.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
}

// OnFailure counts a failure and opens the breaker at the threshold. An
// already-open breaker has its cool-down clock reset.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.cfg.Threshold {
		b.open = true
		b.openSince = b.clk.Now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return StateOpen
	}
	return StateClosed
}
