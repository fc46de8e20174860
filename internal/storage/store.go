package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrReadOnly is returned when a read-only transaction attempts a write.
	ErrReadOnly = errors.New("storage: read-only transaction")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
}

// SessionStore runs transactions over user session records. Update commits
// when fn returns nil and rolls back otherwise; View never writes.
type SessionStore interface {
	Update(ctx context.Context, fn func(tx SessionTx) error) error
	View(ctx context.Context, fn func(tx SessionTx) error) error
}

// SessionTx is the set of operations available inside a transaction.
type SessionTx interface {
	// FindCurrent returns the unreported record of installationID with the
	// latest start whose EndDate is not before cutoff, or ErrNotFound.
	FindCurrent(installationID string, cutoff time.Time) (*SessionRecord, error)

	// Put inserts or replaces the record keyed by installation and start.
	Put(record SessionRecord) error

	// ListUnreported returns unreported records whose EndDate is before
	// closedBefore, across all installations, ordered by start.
	ListUnreported(closedBefore time.Time) ([]SessionRecord, error)

	// List returns the records of installationID ordered by start. An empty
	// installationID lists every record.
	List(installationID string) ([]SessionRecord, error)

	// DeleteReportedBefore removes reported records whose EndDate is before
	// cutoff and returns how many were removed.
	DeleteReportedBefore(cutoff time.Time) (int, error)
}
