package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
)

const sessionColumns = "installation_id, start_ms, end_ms, reported"

type sessionStore struct {
	db *sql.DB
}

func (s *sessionStore) Update(ctx context.Context, fn func(tx storage.SessionTx) error) error {
	return s.run(ctx, true, fn)
}

// View always rolls back.
func (s *sessionStore) View(ctx context.Context, fn func(tx storage.SessionTx) error) error {
	return s.run(ctx, false, fn)
}

func (s *sessionStore) run(ctx context.Context, writable bool, fn func(tx storage.SessionTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&sessionTx{ctx: ctx, tx: tx, writable: writable}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if !writable {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type sessionTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (t *sessionTx) FindCurrent(installationID string, cutoff time.Time) (*storage.SessionRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `
		SELECT `+sessionColumns+` FROM user_sessions
		WHERE installation_id = ? AND reported = 0 AND end_ms >= ?
		ORDER BY start_ms DESC
		LIMIT 1
	`, installationID, cutoff.UnixMilli())

	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (t *sessionTx) Put(record storage.SessionRecord) error {
	if !t.writable {
		return storage.ErrReadOnly
	}

	record = record.Normalize()
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO user_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (installation_id, start_ms)
		DO UPDATE SET end_ms = excluded.end_ms, reported = excluded.reported
	`, record.InstallationID, record.StartDate.UnixMilli(), record.EndDate.UnixMilli(), boolToInt(record.Reported))
	if err != nil {
		return fmt.Errorf("put session %s: %w", record.ID(), err)
	}
	return nil
}

func (t *sessionTx) ListUnreported(closedBefore time.Time) ([]storage.SessionRecord, error) {
	return t.query(`
		SELECT `+sessionColumns+` FROM user_sessions
		WHERE reported = 0 AND end_ms < ?
		ORDER BY start_ms, installation_id
	`, closedBefore.UnixMilli())
}

func (t *sessionTx) List(installationID string) ([]storage.SessionRecord, error) {
	if installationID == "" {
		return t.query(`SELECT ` + sessionColumns + ` FROM user_sessions ORDER BY start_ms, installation_id`)
	}
	return t.query(`
		SELECT `+sessionColumns+` FROM user_sessions
		WHERE installation_id = ?
		ORDER BY start_ms
	`, installationID)
}

func (t *sessionTx) DeleteReportedBefore(cutoff time.Time) (int, error) {
	if !t.writable {
		return 0, storage.ErrReadOnly
	}

	result, err := t.tx.ExecContext(t.ctx, `DELETE FROM user_sessions WHERE reported = 1 AND end_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete reported sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (t *sessionTx) query(q string, args ...any) ([]storage.SessionRecord, error) {
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]storage.SessionRecord, 0)
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (storage.SessionRecord, error) {
	var (
		record   storage.SessionRecord
		startMs  int64
		endMs    int64
		reported int
	)
	if err := s.Scan(&record.InstallationID, &startMs, &endMs, &reported); err != nil {
		return storage.SessionRecord{}, err
	}
	record.StartDate = time.UnixMilli(startMs).UTC()
	record.EndDate = time.UnixMilli(endMs).UTC()
	record.Reported = reported != 0
	return record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
