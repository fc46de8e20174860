package usersession

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/mmsession/internal/dispatch"
	"github.com/goodtune/mmsession/internal/metrics"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ReportResult describes a finished report.
type ReportResult struct {
	Submitted int
	Marked    int
}

// ReportOperation uploads every closed, unreported session and marks the
// uploaded records as reported. A session is closed once its end date is
// older than the session timeout, so a reported record never changes again.
type ReportOperation struct {
	store    *storage.Context
	uploader Uploader
	timeout  time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewReportOperation creates a report operation.
func NewReportOperation(store *storage.Context, uploader Uploader, timeout time.Duration, clock clockwork.Clock, logger zerolog.Logger) *ReportOperation {
	return &ReportOperation{
		store:    store,
		uploader: uploader,
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
	}
}

// Execute submits one batch. Records are left untouched when the upload
// fails.
func (op *ReportOperation) Execute(ctx context.Context) (ReportResult, error) {
	closedBefore := storage.Truncate(op.clock.Now().Add(-op.timeout))

	var batch []storage.SessionRecord
	err := op.store.View(ctx, func(tx storage.SessionTx) error {
		var err error
		batch, err = tx.ListUnreported(closedBefore)
		return err
	})
	if err != nil {
		return ReportResult{}, fmt.Errorf("load unreported sessions: %w", err)
	}

	if len(batch) == 0 {
		op.logger.Debug().Msg("No closed sessions to report")
		return ReportResult{}, nil
	}

	if err := op.uploader.Submit(ctx, batch); err != nil {
		return ReportResult{}, fmt.Errorf("submit %d sessions: %w", len(batch), err)
	}

	metrics.ReportsSubmitted.Inc()
	metrics.ReportBatchSize.Observe(float64(len(batch)))

	marked, err := op.markReported(ctx, batch)
	if err != nil {
		return ReportResult{Submitted: len(batch)}, fmt.Errorf("mark sessions reported: %w", err)
	}
	metrics.SessionsReported.Add(float64(marked))

	op.logger.Info().
		Int("submitted", len(batch)).
		Int("marked", marked).
		Msg("Sessions reported")

	return ReportResult{Submitted: len(batch), Marked: marked}, nil
}

// markReported flags the stored copy of every submitted record. A record
// whose stored end date no longer matches the submitted one was extended
// after the batch was read; it stays unreported so the next batch carries
// the new end date.
func (op *ReportOperation) markReported(ctx context.Context, batch []storage.SessionRecord) (int, error) {
	submitted := make(map[string]time.Time, len(batch))
	installations := make(map[string]bool)
	for _, r := range batch {
		r = r.Normalize()
		submitted[r.ID()] = r.EndDate
		installations[r.InstallationID] = true
	}

	var marked int
	err := op.store.Perform(ctx, func(tx storage.SessionTx) error {
		marked = 0
		for installationID := range installations {
			stored, err := tx.List(installationID)
			if err != nil {
				return err
			}
			for _, r := range stored {
				end, ok := submitted[r.ID()]
				if !ok || r.Reported {
					continue
				}
				if !r.EndDate.Equal(end) {
					op.logger.Debug().
						Str("session_id", r.ID()).
						Msg("Session changed since it was read, leaving it for the next report")
					continue
				}
				r.Reported = true
				if err := tx.Put(r); err != nil {
					return err
				}
				marked++
			}
		}
		return nil
	})
	return marked, err
}

// Task wraps the operation for a dispatch queue. finish is called exactly
// once, after the queue's exclusive slot has been released.
func (op *ReportOperation) Task(ctx context.Context, finish func(ReportResult, error)) dispatch.Task {
	var (
		result ReportResult
		err    error
	)
	return dispatch.Task{
		Run:    func() { result, err = op.Execute(ctx) },
		Done:   func() { finish(result, err) },
		Cancel: func(cause error) { finish(ReportResult{}, cause) },
	}
}
