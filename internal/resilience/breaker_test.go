package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/resilience"
)

var errBackend = errors.New("backend down")

// TestBreaker_StaysClosedOnSuccess verifies that successful calls never
// accumulate towards the trip threshold.
func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "test", TripAfter: 2})
	for i := 0; i < 10; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if got := b.State(); got != resilience.BreakerClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

// TestBreaker_TripsAfterConsecutiveFailures verifies the breaker opens once
// the failure streak reaches TripAfter and then refuses calls without
// invoking the function.
func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "test",
		TripAfter: 3,
		Cooldown:  time.Hour,
	})

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: err = %v, want %v", i, err, errBackend)
		}
	}
	if got := b.State(); got != resilience.BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, resilience.ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
	if called {
		t.Fatal("function invoked while breaker open")
	}
}

// TestBreaker_SuccessResetsStreak verifies that an intermittent success
// clears the failure streak so non-consecutive failures never trip.
func TestBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "test", TripAfter: 2})
	_ = b.Do(func() error { return errBackend })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errBackend })
	if got := b.State(); got != resilience.BreakerClosed {
		t.Fatalf("state = %v, want closed", got)
	}
}

// TestBreaker_ProbesAfterCooldown verifies the open-to-probing transition
// and that a full budget of successful probes closes the breaker.
func TestBreaker_ProbesAfterCooldown(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "test",
		TripAfter:   1,
		Cooldown:    10 * time.Millisecond,
		ProbeBudget: 2,
	})

	_ = b.Do(func() error { return errBackend })
	if got := b.State(); got != resilience.BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != resilience.BreakerProbing {
		t.Fatalf("state after cooldown = %v, want probing", got)
	}

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}
	if got := b.State(); got != resilience.BreakerClosed {
		t.Fatalf("state after probes = %v, want closed", got)
	}
}

// TestBreaker_FailedProbeReopens verifies that a single failed probe puts
// the breaker straight back to open for another full cooldown.
func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:        "test",
		TripAfter:   1,
		Cooldown:    10 * time.Millisecond,
		ProbeBudget: 3,
	})

	_ = b.Do(func() error { return errBackend })
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(func() error { return errBackend }); !errors.Is(err, errBackend) {
		t.Fatalf("probe err = %v, want %v", err, errBackend)
	}
	if got := b.State(); got != resilience.BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, resilience.ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

// TestBreaker_Reset verifies Reset forces the breaker closed regardless of
// prior failures.
func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.BreakerConfig{
		Name:      "test",
		TripAfter: 1,
		Cooldown:  time.Hour,
	})
	_ = b.Do(func() error { return errBackend })
	if got := b.State(); got != resilience.BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}

	b.Reset()
	if got := b.State(); got != resilience.BreakerClosed {
		t.Fatalf("state after reset = %v, want closed", got)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}
