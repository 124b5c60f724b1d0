package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps a circuit breaker around repeated probe-style operations so
// a dead endpoint stops being hammered.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	Name          string
	MaxFailures   int
	ResetInterval time.Duration
}

// NewBreaker creates a circuit breaker with defaults:
// - 5 consecutive failures before opening
// - 60s before a recovery attempt
func NewBreaker(cfg BreakerConfig, log *slog.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:     cfg.Name,
		Interval: cfg.ResetInterval,
		Timeout:  cfg.ResetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
	}
	if log != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker state changed",
				"name", name, "from", from.String(), "to", to.String())
		}
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs operation through the breaker. While the breaker is open the
// operation is rejected immediately with gobreaker.ErrOpenState.
func (b *Breaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}
