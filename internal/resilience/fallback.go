package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a FallbackGroup fails or is
// refused by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the per-entry breaker of a FallbackGroup.
type FallbackConfig struct {
	Breaker BreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup holds a primary provider and ordered alternates, each behind
// its own Breaker. Entries are tried in registration order; an open breaker
// skips straight to the next entry.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first entry.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.add(name, primary)
	return g
}

// AddFallback appends an alternate, tried after all earlier entries.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	g.add(name, value)
}

func (g *FallbackGroup[T]) add(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bc),
	})
}

// Do is a package-level function rather than a method because Go methods
// cannot introduce the result type parameter R.
func Do[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		entry := &g.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping provider, breaker open", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
