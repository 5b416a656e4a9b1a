package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed lets calls through and counts consecutive failures.
	StateClosed CircuitState = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single probe call.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Validate checks the breaker configuration.
func (c BreakerConfig) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %v", c.Cooldown)
	}
	return nil
}

// BreakerSnapshot is a point-in-time view of a breaker for health reporting.
type BreakerSnapshot struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// Breaker guards one type of external call.
//
// All state changes happen under mu, so a transition and the counter update that
// caused it are observed together.
type Breaker struct {
	name   string
	config BreakerConfig
	clock  Clock

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
}

// NewBreaker creates a circuit breaker in the closed state.
func NewBreaker(name string, config BreakerConfig, clock Clock) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", name, err)
	}
	if clock == nil {
		clock = RealClock{}
	}

	b := &Breaker{
		name:   name,
		config: config,
		clock:  clock,
		state:  StateClosed,
	}
	recordBreakerState(name, StateClosed)
	return b, nil
}

// Name returns the call type this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs call if the circuit admits it.
// A rejected call returns *OpenError and call is not invoked.
func (b *Breaker) Execute(ctx context.Context, call func(context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		recordBreakerRejection(b.name)
		return err
	}

	callErr := call(ctx)
	b.release(ctx, probe, callErr)
	return callErr
}

// State returns the current state of the breaker.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker state for health reporting.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if b.state != StateClosed {
		openedAt := b.openedAt
		snap.OpenedAt = &openedAt
	}
	return snap
}

// acquire decides whether a call may proceed and whether it is the half-open probe.
func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.config.Cooldown {
			return false, &OpenError{Breaker: b.name, OpenedAt: b.openedAt}
		}
		b.transitionTo(StateHalfOpen)
		b.probeInFlight = true
		return true, nil

	case StateHalfOpen:
		if b.probeInFlight {
			return false, &OpenError{Breaker: b.name, OpenedAt: b.openedAt}
		}
		b.probeInFlight = true
		return true, nil
	}

	return false, &OpenError{Breaker: b.name, OpenedAt: b.openedAt}
}

// release records the outcome of an admitted call.
func (b *Breaker) release(ctx context.Context, probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The caller gave up; the dependency's health is unknown.
	if callErr != nil && ctx.Err() != nil {
		if probe {
			b.probeInFlight = false
			b.transitionTo(StateOpen)
		}
		return
	}

	// Only the probe may close a circuit that is not closed.
	if !probe && b.state != StateClosed {
		return
	}

	if callErr == nil {
		if probe {
			slog.Info("circuit breaker closed", "breaker", b.name)
		}
		b.probeInFlight = false
		b.consecutiveFailures = 0
		b.transitionTo(StateClosed)
		return
	}

	if probe {
		b.probeInFlight = false
		b.open()
		return
	}

	if b.state != StateClosed {
		// A call admitted while closed finished after the circuit opened.
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.open()
	}
}

// open moves the breaker to the open state. Caller must hold the lock.
func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.transitionTo(StateOpen)
	recordBreakerOpening(b.name)
	slog.Warn("circuit breaker opened",
		"breaker", b.name,
		"consecutive_failures", b.consecutiveFailures,
		"cooldown", b.config.Cooldown,
	)
}

// transitionTo changes state. Caller must hold the lock.
func (b *Breaker) transitionTo(next CircuitState) {
	if b.state == next {
		return
	}
	b.state = next
	recordBreakerState(b.name, next)
}
