package usersession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/mmsession/internal/metrics"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Pruner periodically deletes reported sessions older than the retention
// period.
type Pruner struct {
	store     *storage.Context
	clock     clockwork.Clock
	retention time.Duration
	interval  time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPruner creates a pruner
func NewPruner(store *storage.Context, clock clockwork.Clock, retention, interval time.Duration, logger zerolog.Logger) *Pruner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pruner{
		store:     store,
		clock:     clock,
		retention: retention,
		interval:  interval,
		logger:    logger.With().Str("component", "session-pruner").Logger(),
		done:      make(chan struct{}),
	}
}

// Start begins pruning every interval. A pruner runs at most once.
func (p *Pruner) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(ctx, p.clock.NewTicker(p.interval))

	p.logger.Info().
		Dur("retention", p.retention).
		Dur("interval", p.interval).
		Msg("Session pruner started")
}

// Stop stops the pruner and waits for a running prune to finish
func (p *Pruner) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-p.done
	p.logger.Info().Msg("Session pruner stopped")
}

// run is the main pruner loop
func (p *Pruner) run(ctx context.Context, ticker clockwork.Ticker) {
	defer close(p.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("Failed to prune reported sessions")
			}
		}
	}
}

// PruneOnce deletes reported sessions that ended before now minus the
// retention period and returns how many were deleted.
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	cutoff := storage.Truncate(p.clock.Now().Add(-p.retention))

	var deleted int
	err := p.store.Perform(ctx, func(tx storage.SessionTx) error {
		var err error
		deleted, err = tx.DeleteReportedBefore(cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune reported sessions: %w", err)
	}

	metrics.SessionsPruned.Add(float64(deleted))
	p.logger.Info().
		Int("sessions_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Reported sessions pruned")

	return deleted, nil
}
