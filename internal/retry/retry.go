// Package retry implements an exponential backoff policy with jitter and a
// cancellable runner. It serves transient dispatcher-level operations such
// as connection tests; user-visible message retries are explicit actions
// and never go through this loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ErrCancelled reports that the surrounding context was cancelled while
// waiting between attempts. It is deliberately distinct from exhaustion.
var ErrCancelled = errors.New("retry cancelled")

// ErrExhausted reports that all attempts failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Config parameterizes the backoff policy.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig returns:
// - 3 attempts
// - 1s initial delay
// - 60s max delay
// - 2.0x multiplier
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Decision is the outcome of the policy for a single attempt: either retry
// after Delay, or give up.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy is a pure decision function of the attempt count. Jitter is drawn
// uniformly from [0.8, 1.2] independently per attempt.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPolicy creates a Policy, filling unset config fields with defaults.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &Policy{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Decide returns the decision for a 1-based attempt number. Attempts at or
// beyond MaxAttempts give up.
func (p *Policy) Decide(attempt int) Decision {
	if attempt < 1 || attempt >= p.cfg.MaxAttempts {
		return Decision{}
	}

	delay := float64(p.cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.cfg.Multiplier
	}
	delay *= p.jitter()

	d := time.Duration(delay)
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return Decision{Retry: true, Delay: d}
}

// jitter draws uniformly from [0.8, 1.2].
func (p *Policy) jitter() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return 0.8 + 0.4*p.rnd.Float64()
}

// Do runs operation until it succeeds, the policy gives up, or ctx is
// cancelled. Cancellation always surfaces as ErrCancelled, never as
// ErrExhausted.
func Do(ctx context.Context, policy *Policy, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
		}

		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
		}

		decision := policy.Decide(attempt)
		if !decision.Retry {
			return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt, lastErr)
		}

		timer := time.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
		case <-timer.C:
		}
	}
}
