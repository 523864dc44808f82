package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyCall fails transiently until the given attempt succeeds.
type flakyCall struct {
	succeedOn int
	calls     int
}

func (f *flakyCall) score(context.Context) (int, error) {
	f.calls++
	if f.calls < f.succeedOn {
		return 0, NewTransientError(eris.New("scoring service overloaded"), 503)
	}
	return 7, nil
}

func fastPolicy(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDoVal_SucceedsWithinBudget(t *testing.T) {
	call := &flakyCall{succeedOn: 3}

	score, err := DoVal(context.Background(), fastPolicy(3), call.score)
	require.NoError(t, err)
	assert.Equal(t, 7, score)
	assert.Equal(t, 3, call.calls)
}

func TestDoVal_ExhaustsBudget(t *testing.T) {
	call := &flakyCall{succeedOn: 10}

	score, err := DoVal(context.Background(), fastPolicy(3), call.score)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Zero(t, score, "zero value on exhaustion")
	assert.Equal(t, 3, call.calls)
}

func TestDoVal_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, eris.New("malformed scoring response")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors get no second attempt")
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Do(ctx, fastPolicy(5), func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(eris.New("scoring service unavailable"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryObservesEachFailure(t *testing.T) {
	var attempts []int
	cfg := fastPolicy(3)
	cfg.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
		assert.Error(t, err)
	}

	err := Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(eris.New("rate limited"), 429)
	})
	require.Error(t, err)
	// No callback after the final attempt.
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	calls := 0
	cfg := fastPolicy(3)
	cfg.ShouldRetry = func(error) bool { return true }

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return eris.New("not transient, retried anyway")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_SingleAttemptDisablesRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(1), func(context.Context) error {
		calls++
		return NewTransientError(eris.New("overloaded"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryForAttempts(t *testing.T) {
	cfg := RetryForAttempts(5)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)

	// Non-positive keeps the default budget.
	assert.Equal(t, 3, RetryForAttempts(0).MaxAttempts)
	assert.Equal(t, 3, RetryForAttempts(-1).MaxAttempts)
}

func TestDelayGrowthAndCap(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     300 * time.Millisecond,
		Multiplier:     2.0,
	}.withDefaults()
	cfg.JitterFraction = 0

	assert.Equal(t, 100*time.Millisecond, cfg.delay(0))
	assert.Equal(t, 200*time.Millisecond, cfg.delay(1))
	assert.Equal(t, 300*time.Millisecond, cfg.delay(2), "capped at MaxBackoff")
	assert.Equal(t, 300*time.Millisecond, cfg.delay(10))
}

func TestDelayJitterStaysInSpread(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.InitialBackoff = 100 * time.Millisecond
	cfg.JitterFraction = 0.25

	for range 50 {
		d := cfg.delay(0)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestWithDefaultsFillsUnsetFields(t *testing.T) {
	cfg := RetryConfig{}.withDefaults()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Multiplier)

	// Explicit values survive.
	cfg = RetryConfig{MaxAttempts: 7, JitterFraction: -1}.withDefaults()
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Zero(t, cfg.JitterFraction)
}
