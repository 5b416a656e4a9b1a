package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
)

// RetryConfig holds the backoff settings of a retry policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds a random delay in [0, Jitter*delay) to each backoff.
	Jitter float64
	// CallTimeout bounds every single attempt. Zero means no per-attempt limit.
	CallTimeout time.Duration
}

// DefaultRetryConfig returns default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
		CallTimeout: 30 * time.Second,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay %v is less than base delay %v", c.MaxDelay, c.BaseDelay)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %v", c.Jitter)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout must not be negative")
	}
	return nil
}

// Policy is a bounded exponential backoff that sends every attempt through a breaker.
type Policy struct {
	name    string
	config  RetryConfig
	breaker *Breaker
	clock   Clock
	rand    func() float64
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithClock overrides the clock used for backoff waits.
func WithClock(c Clock) PolicyOption {
	return func(p *Policy) {
		p.clock = c
	}
}

// WithRand overrides the jitter source. It must return values in [0, 1).
func WithRand(fn func() float64) PolicyOption {
	return func(p *Policy) {
		p.rand = fn
	}
}

// NewPolicy creates a retry policy delegating to breaker.
func NewPolicy(name string, config RetryConfig, breaker *Breaker, opts ...PolicyOption) (*Policy, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy %s: %w", name, err)
	}
	if breaker == nil {
		return nil, fmt.Errorf("retry policy %s: breaker is required", name)
	}

	p := &Policy{
		name:    name,
		config:  config,
		breaker: breaker,
		clock:   RealClock{},
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name returns the policy name.
func (p *Policy) Name() string {
	return p.name
}

// Breaker returns the breaker the policy delegates to.
func (p *Policy) Breaker() *Breaker {
	return p.breaker
}

// Delay returns the backoff before the attempt following attempt n (1-based), without jitter.
func (p *Policy) Delay(n int) time.Duration {
	delay := p.config.BaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= p.config.MaxDelay {
			return p.config.MaxDelay
		}
	}
	if delay > p.config.MaxDelay {
		return p.config.MaxDelay
	}
	return delay
}

func (p *Policy) backoff(n int) time.Duration {
	delay := p.Delay(n)
	if p.config.Jitter > 0 && delay > 0 {
		delay += time.Duration(p.rand() * p.config.Jitter * float64(delay))
	}
	if delay > p.config.MaxDelay {
		delay = p.config.MaxDelay
	}
	return delay
}

// Do runs call under policy until it succeeds, the breaker rejects it, a permanent
// error is returned, attempts run out, or ctx ends.
func Do[T any](ctx context.Context, p *Policy, call func(context.Context) (T, error)) (T, error) {
	var zero T
	logger := ctxlog.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		var result T
		err := p.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = runAttempt(ctx, p.config.CallTimeout, call)
			return callErr
		})
		if err == nil {
			recordAttempt(p.name, "success")
			return result, nil
		}

		if errors.Is(err, ErrCircuitOpen) {
			recordAttempt(p.name, "rejected")
			return zero, err
		}
		if ctx.Err() != nil {
			recordAttempt(p.name, "cancelled")
			return zero, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}

		recordAttempt(p.name, "failure")
		lastErr = err

		if !isRetryable(err) {
			logger.Warn("permanent error, not retrying",
				"policy", p.name,
				"attempt", attempt,
				"error", err,
			)
			return zero, &ExhaustedError{Attempts: attempt, LastErr: err}
		}
		if attempt == p.config.MaxAttempts {
			break
		}

		delay := p.backoff(attempt)
		logger.Debug("attempt failed, retrying",
			"policy", p.name,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := p.clock.Sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}

	logger.Debug("retries exhausted", "policy", p.name, "attempts", p.config.MaxAttempts)
	return zero, &ExhaustedError{Attempts: p.config.MaxAttempts, LastErr: lastErr}
}

// runAttempt runs one call under the per-attempt timeout.
func runAttempt[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return call(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := call(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return result, &TimeoutError{Timeout: timeout, Err: err}
	}
	return result, err
}
