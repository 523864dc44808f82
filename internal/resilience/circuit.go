package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is where the breaker currently sits in its trip cycle.
type CircuitState int

const (
	// CircuitClosed lets calls through; this is the healthy state.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls outright while the backend cools off.
	CircuitOpen
	// CircuitHalfOpen admits probe calls to see if the backend recovered.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling a backend the breaker has
// given up on for the moment.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig tunes when the breaker trips and how it recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many calls must fail in a row before the
	// breaker opens. Default 5.
	FailureThreshold int

	// ResetTimeout is the cool-off before an open breaker starts probing
	// again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is how many probes must succeed before the breaker
	// closes again. Default 1.
	HalfOpenMaxProbes int

	// ShouldTrip filters which errors count as failures. Nil counts every
	// non-nil error.
	ShouldTrip func(err error) bool

	// OnStateChange observes trip-cycle transitions.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig is the policy used for the scoring service
// unless configuration overrides it.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker shields one backend — in this pipeline, the scoring
// service — from being hammered while it is down. Consecutive failures trip
// it open; after a cool-off it probes, and enough successful probes close it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu             sync.Mutex
	state          CircuitState
	failStreak     int
	lastFailure    time.Time
	probeSuccesses int

	now func() time.Time // swapped in tests
}

// NewCircuitBreaker creates a breaker, filling unset config with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed, now: time.Now}
}

// Execute runs fn through the breaker, returning ErrCircuitOpen without
// calling it when the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is Execute for calls that produce a value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	cb.observe(err)
	return val, err
}

// State returns where the breaker sits right now, accounting for an elapsed
// cool-off that would admit the next probe.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.coolOffElapsed() {
		return CircuitHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed, for manual recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	prev := cb.state
	cb.state = CircuitClosed
	cb.failStreak = 0
	cb.probeSuccesses = 0
	if prev != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(prev, CircuitClosed)
	}
}

func (cb *CircuitBreaker) coolOffElapsed() bool {
	return cb.now().Sub(cb.lastFailure) >= cb.cfg.ResetTimeout
}

// admit decides whether the next call may proceed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if !cb.coolOffElapsed() {
			return ErrCircuitOpen
		}
		cb.shift(CircuitHalfOpen)
	}
	return nil
}

// observe folds a call outcome into the trip cycle.
func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	counts := err != nil
	if counts && cb.cfg.ShouldTrip != nil {
		counts = cb.cfg.ShouldTrip(err)
	}

	if !counts {
		switch cb.state {
		case CircuitHalfOpen:
			cb.probeSuccesses++
			if cb.probeSuccesses >= cb.cfg.HalfOpenMaxProbes {
				cb.shift(CircuitClosed)
				cb.failStreak = 0
				cb.probeSuccesses = 0
			}
		case CircuitClosed:
			cb.failStreak = 0
		}
		return
	}

	cb.failStreak++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failStreak >= cb.cfg.FailureThreshold {
			cb.shift(CircuitOpen)
		}
	case CircuitHalfOpen:
		// A failed probe sends the breaker straight back to open.
		cb.shift(CircuitOpen)
		cb.probeSuccesses = 0
	}
}

func (cb *CircuitBreaker) shift(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
