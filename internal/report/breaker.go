package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/mmsession/internal/metrics"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrUnavailable wraps submissions short-circuited by an open breaker.
var ErrUnavailable = errors.New("report: uploader unavailable")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial submission
	OpenTimeout time.Duration
}

// Breaker decorates an Uploader with a circuit breaker so a failing backend
// is not hit on every report cycle.
type Breaker struct {
	next Uploader
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next Uploader, cfg BreakerConfig, logger zerolog.Logger) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	logger = logger.With().Str("component", "report-breaker").Logger()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "uploader",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Uploader circuit breaker state changed")
			metrics.ReportBreakerState.Set(stateToFloat(to))
		},
	})

	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) Submit(ctx context.Context, sessions []storage.SessionRecord) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Submit(ctx, sessions)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
