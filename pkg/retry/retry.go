package retry

import (
	"context"
	"time"

	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 1000 * time.Millisecond
	DefaultMultiplier   = 1.5
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64

	// RetryIf reports whether err is worth another attempt. Nil retries every error.
	RetryIf func(err error) bool

	// Operation labels log lines and metrics.
	Operation string

	sleep func(ctx context.Context, d time.Duration) error
}

// Option mutates a Policy.
type Option func(*Policy)

// DefaultPolicy returns 3 attempts starting at 1s and growing by 1.5x.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
	}
}

func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n }
}

func WithInitialDelay(d time.Duration) Option {
	return func(p *Policy) { p.InitialDelay = d }
}

func WithMultiplier(m float64) Option {
	return func(p *Policy) { p.Multiplier = m }
}

func WithRetryIf(fn func(err error) bool) Option {
	return func(p *Policy) { p.RetryIf = fn }
}

func WithOperation(name string) Option {
	return func(p *Policy) { p.Operation = name }
}

// WithPolicy replaces the whole policy, keeping options applied after it.
func WithPolicy(policy Policy) Option {
	return func(p *Policy) {
		sleep := p.sleep
		*p = policy
		if p.sleep == nil {
			p.sleep = sleep
		}
	}
}

// WithSleep swaps the delay function. Tests use it to avoid real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = fn }
}

// Delays returns the wait before each retry: InitialDelay * Multiplier^i.
func (p Policy) Delays() []time.Duration {
	p = p.normalized()
	if p.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	delay := float64(p.InitialDelay)
	for i := 0; i < p.MaxAttempts-1; i++ {
		delays = append(delays, time.Duration(delay))
		delay *= p.Multiplier
	}
	return delays
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Operation == "" {
		p.Operation = "operation"
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

// Do runs op until it succeeds or the attempt bound is reached. The error of
// the final attempt is returned unmodified.
func Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	policy := DefaultPolicy()
	for _, opt := range opts {
		opt(&policy)
	}
	policy = policy.normalized()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var zero T
	var lastErr error
	delays := policy.Delays()

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if policy.RetryIf != nil && !policy.RetryIf(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := delays[attempt]
		logger.Warn().
			Str("operation", policy.Operation).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after error")
		observability.RecordRetry(policy.Operation)

		if err := policy.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	logger.Error().
		Str("operation", policy.Operation).
		Int("attempts", policy.MaxAttempts).
		Err(lastErr).
		Msg("Retries exhausted")
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
