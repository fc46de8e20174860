package usersession

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRetention     = 24 * time.Hour
	testPruneInterval = time.Hour
)

func TestPruneOnceDeletesOldReportedSessions(t *testing.T) {
	h := newHarness(t)

	old := closedSession("device-1", 48*time.Hour)
	old.Reported = true
	recent := closedSession("device-1", 2*time.Hour)
	recent.Reported = true
	oldUnreported := closedSession("device-2", 72*time.Hour)
	h.seed(t, old, recent, oldUnreported)

	p := NewPruner(h.store, h.clock, testRetention, testPruneInterval, zerolog.Nop())
	deleted, err := p.PruneOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	var ids []string
	for _, r := range h.records(t) {
		ids = append(ids, r.ID())
	}
	assert.ElementsMatch(t, []string{recent.ID(), oldUnreported.ID()}, ids)
}

func TestPruneOnceCutoffUsesMillisecondPrecision(t *testing.T) {
	h := newHarness(t)

	edge := storage.SessionRecord{
		InstallationID: "device-1",
		StartDate:      base.Add(-testRetention - time.Hour),
		EndDate:        base.Add(-testRetention),
		Reported:       true,
	}
	h.seed(t, edge)
	h.clock.Advance(500 * time.Microsecond)

	p := NewPruner(h.store, h.clock, testRetention, testPruneInterval, zerolog.Nop())
	deleted, err := p.PruneOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted, "a session ending at the millisecond cutoff is kept")
	assert.Len(t, h.records(t), 1)
}

func TestPrunerRunsOnInterval(t *testing.T) {
	h := newHarness(t)

	reported := storage.SessionRecord{
		InstallationID: "device-1",
		StartDate:      base.Add(-time.Hour),
		EndDate:        base,
		Reported:       true,
	}
	h.seed(t, reported)

	p := NewPruner(h.store, h.clock, testRetention, testPruneInterval, zerolog.Nop())
	p.Start()
	defer p.Stop()
	h.waitForTicker(t)

	// Not yet past retention.
	h.clock.Advance(testPruneInterval)
	h.waitForTicker(t)
	assert.Len(t, h.records(t), 1)

	h.clock.Advance(testRetention)
	require.Eventually(t, func() bool { return len(h.records(t)) == 0 }, waitFor, pollEvery)
}

func TestPrunerStopIsIdempotent(t *testing.T) {
	h := newHarness(t)

	p := NewPruner(h.store, h.clock, testRetention, testPruneInterval, zerolog.Nop())
	p.Stop()

	p.Start()
	p.Stop()
	p.Stop()
}
