package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripAfterTwoConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := New(tripAfterTwoConfig("d"))
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_TripsOpenAfterReadyToTrip(t *testing.T) {
	cb := New(tripAfterTwoConfig("d"))

	_, err := cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, StateClosed, cb.State(), "one failure is not enough to trip")

	_, err = cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("boom again")
	})
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State(), "two consecutive failures trips the breaker")
}

func TestCircuitBreaker_OpenRejectsWithoutCallingRequest(t *testing.T) {
	cb := New(tripAfterTwoConfig("d"))
	for i := 0; i < 2; i++ {
		cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	}
	require.Equal(t, StateOpen, cb.State())

	called := false
	_, err := cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "the breaker must not invoke the request when open")
}

func TestCircuitBreaker_HalfOpensAfterTimeoutThenClosesOnSuccess(t *testing.T) {
	cfg := tripAfterTwoConfig("d")
	cb := New(cfg)
	for i := 0; i < 2; i++ {
		cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(cfg.Timeout + 5*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State(), "state advances to half-open once the open timeout elapses")

	_, err := cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State(), "a successful half-open trial closes the breaker")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := tripAfterTwoConfig("d")
	cb := New(cfg)
	for i := 0; i < 2; i++ {
		cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	}
	time.Sleep(cfg.Timeout + 5*time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("still broken")
	})
	assert.Error(t, err)
	assert.Equal(t, StateOpen, cb.State(), "a half-open failure reopens the breaker immediately")
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentTrialRequests(t *testing.T) {
	cfg := tripAfterTwoConfig("d")
	cfg.MaxRequests = 1
	cb := New(cfg)
	for i := 0; i < 2; i++ {
		cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	}
	time.Sleep(cfg.Timeout + 5*time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	block := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
			<-block
			return "ok", nil
		})
		done <- err
	}()

	// Give the first trial request a moment to be admitted before the second arrives.
	time.Sleep(5 * time.Millisecond)
	_, err := cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(block)
	require.NoError(t, <-done)
}

func TestCircuitBreaker_PanicInRequestStillRecordsFailureAndRepanics(t *testing.T) {
	cb := New(tripAfterTwoConfig("d"))

	assert.Panics(t, func() {
		cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
			panic("detector exploded")
		})
	})
	assert.Equal(t, uint32(1), cb.Counts().TotalFailures, "a panicking request counts as a failure")
}

func TestCircuitBreaker_OnStateChangeCallbackFires(t *testing.T) {
	var transitions []string
	cfg := tripAfterTwoConfig("d")
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb := New(cfg)
	for i := 0; i < 2; i++ {
		cb.ExecuteContext(context.Background(), func(context.Context) (any, error) {
			return nil, errors.New("boom")
		})
	}
	require.NotEmpty(t, transitions)
	assert.Equal(t, "CLOSED->OPEN", transitions[0])
}

func TestManager_GetCreatesBreakerLazilyPerName(t *testing.T) {
	mgr := NewManager(tripAfterTwoConfig(""))

	a := mgr.Get("detector-a")
	b := mgr.Get("detector-b")
	again := mgr.Get("detector-a")

	assert.Same(t, a, again, "the same name must return the same breaker instance")
	assert.NotSame(t, a, b)
	assert.Equal(t, "detector-a", a.Name())
}

func TestManager_StatsReflectsAllCreatedBreakers(t *testing.T) {
	mgr := NewManager(tripAfterTwoConfig(""))
	mgr.Get("detector-a")
	mgr.Get("detector-b")

	stats := mgr.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, StateClosed, stats["detector-a"].State)
	assert.Equal(t, StateClosed, stats["detector-b"].State)
}

func TestCounts_FailureRatioIsZeroWithNoRequests(t *testing.T) {
	var c Counts
	assert.Equal(t, 0.0, c.FailureRatio())
}

func TestDefaultConfig_TripsOnMajorityFailureWithMinimumVolume(t *testing.T) {
	cfg := DefaultConfig("d")
	assert.False(t, cfg.ReadyToTrip(Counts{Requests: 4, TotalFailures: 4}), "fewer than 5 calls never trips regardless of ratio")
	assert.False(t, cfg.ReadyToTrip(Counts{Requests: 10, TotalFailures: 5}), "exactly 50% failure does not exceed the threshold")
	assert.True(t, cfg.ReadyToTrip(Counts{Requests: 10, TotalFailures: 6}))
}
