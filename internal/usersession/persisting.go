package usersession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/mmsession/internal/dispatch"
	"github.com/goodtune/mmsession/internal/metrics"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/rs/zerolog"
)

// PersistResult describes what a persist operation did to the store.
type PersistResult struct {
	Record   storage.SessionRecord
	Created  bool
	Extended bool
}

// PersistOperation records one activity timestamp for an installation:
// it extends the installation's current session or opens a new one.
type PersistOperation struct {
	store          *storage.Context
	installationID string
	timestamp      time.Time
	timeout        time.Duration
	logger         zerolog.Logger
}

// NewPersistOperation creates a persist operation for timestamp.
func NewPersistOperation(store *storage.Context, installationID string, timestamp time.Time, timeout time.Duration, logger zerolog.Logger) *PersistOperation {
	return &PersistOperation{
		store:          store,
		installationID: installationID,
		timestamp:      storage.Truncate(timestamp),
		timeout:        timeout,
		logger:         logger,
	}
}

// Execute runs the operation in one transaction and returns once it has
// committed.
func (op *PersistOperation) Execute(ctx context.Context) (PersistResult, error) {
	var result PersistResult

	err := op.store.Perform(ctx, func(tx storage.SessionTx) error {
		result = PersistResult{}

		current, err := tx.FindCurrent(op.installationID, op.timestamp.Add(-op.timeout))
		if errors.Is(err, storage.ErrNotFound) {
			result.Record = storage.SessionRecord{
				InstallationID: op.installationID,
				StartDate:      op.timestamp,
				EndDate:        op.timestamp,
			}
			result.Created = true
			return tx.Put(result.Record)
		}
		if err != nil {
			return err
		}

		result.Record = *current
		if !op.timestamp.After(current.EndDate) {
			// already applied
			return nil
		}

		result.Record.EndDate = op.timestamp
		result.Extended = true
		return tx.Put(result.Record)
	})
	if err != nil {
		return PersistResult{}, fmt.Errorf("persist session for %s: %w", op.installationID, err)
	}

	switch {
	case result.Created:
		metrics.SessionsCreated.Inc()
		op.logger.Debug().
			Str("session_id", result.Record.ID()).
			Time("start", result.Record.StartDate).
			Msg("Session created")
	case result.Extended:
		metrics.SessionsExtended.Inc()
		op.logger.Debug().
			Str("session_id", result.Record.ID()).
			Time("end", result.Record.EndDate).
			Msg("Session extended")
	}

	return result, nil
}

// Task wraps the operation for a dispatch queue. finish is called exactly
// once: after Execute, or with dispatch.ErrCancelled when the task is
// dropped before it starts.
func (op *PersistOperation) Task(ctx context.Context, finish func(PersistResult, error)) dispatch.Task {
	var (
		result PersistResult
		err    error
	)
	return dispatch.Task{
		Run:    func() { result, err = op.Execute(ctx) },
		Done:   func() { finish(result, err) },
		Cancel: func(cause error) { finish(PersistResult{}, cause) },
	}
}
