// Package resilience provides failover wrappers for the broker's external
// providers. A Breaker trips after consecutive failures so a dead ASR or TTS
// backend stops eating per-turn timeouts; a FallbackGroup chains alternates
// behind per-entry breakers. The pipeline itself never retries, these
// wrappers are composed around providers at construction time.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Breaker.Do while the breaker is open.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// BreakerState is the operating mode of a Breaker.
type BreakerState int

const (
	// BreakerClosed forwards all calls.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerProbing admits a limited number of trial calls after cooldown.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. Zero fields take defaults.
type BreakerConfig struct {
	Name string

	// TripAfter is the consecutive failure count that opens the breaker.
	// Default 5.
	TripAfter int

	// Cooldown is how long the breaker stays open before probing. Default 30s.
	Cooldown time.Duration

	// ProbeBudget is how many trial calls the probing state admits before the
	// breaker must decide. Default 3.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	tripAfter   int
	cooldown    time.Duration
	probeBudget int

	mu          sync.Mutex
	state       BreakerState
	failStreak  int
	trippedAt   time.Time
	probesUsed  int
	probesFails int
}

// NewBreaker creates a Breaker from cfg, applying defaults to zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		tripAfter:   cfg.TripAfter,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
	}
}

// Do runs fn unless the breaker refuses the call, in which case it returns
// ErrBreakerOpen without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.trippedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = BreakerProbing
		b.probesUsed = 0
		b.probesFails = 0
		slog.Info("breaker probing", "name", b.name)
	case BreakerProbing:
		if b.probesUsed >= b.probeBudget {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	probing := b.state == BreakerProbing
	if probing {
		b.probesUsed++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.trippedAt = time.Now()
	if probing {
		// One failed probe re-opens immediately.
		b.probesFails++
		b.state = BreakerOpen
		b.failStreak = b.tripAfter
		slog.Warn("breaker re-opened", "name", b.name)
		return
	}
	b.failStreak++
	if b.failStreak >= b.tripAfter {
		b.state = BreakerOpen
		slog.Warn("breaker opened", "name", b.name, "fail_streak", b.failStreak)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probesUsed-b.probesFails >= b.probeBudget {
			b.state = BreakerClosed
			b.failStreak = 0
			b.probesUsed = 0
			b.probesFails = 0
			slog.Info("breaker closed", "name", b.name)
		}
		return
	}
	b.failStreak = 0
}

// State reports the effective state. An open breaker whose cooldown has
// elapsed reports BreakerProbing; the transition itself happens on the next Do.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.trippedAt) >= b.cooldown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failStreak = 0
	b.probesUsed = 0
	b.probesFails = 0
}
