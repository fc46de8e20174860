// Package storagetest holds the behaviour every session store backend must
// share. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
)

// Opener returns a fresh, empty store. Cleanup is the caller's job.
type Opener func(t *testing.T) storage.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a backend against the storage.SessionStore contract.
func Run(t *testing.T, open Opener) {
	t.Helper()

	t.Run("FindCurrentEmpty", func(t *testing.T) { testFindCurrentEmpty(t, open(t)) })
	t.Run("FindCurrentWindow", func(t *testing.T) { testFindCurrentWindow(t, open(t)) })
	t.Run("FindCurrentLatestUnreported", func(t *testing.T) { testFindCurrentLatestUnreported(t, open(t)) })
	t.Run("InstallationsIsolated", func(t *testing.T) { testInstallationsIsolated(t, open(t)) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, open(t)) })
	t.Run("ListUnreported", func(t *testing.T) { testListUnreported(t, open(t)) })
	t.Run("DeleteReportedBefore", func(t *testing.T) { testDeleteReportedBefore(t, open(t)) })
	t.Run("UpdateRollsBack", func(t *testing.T) { testUpdateRollsBack(t, open(t)) })
	t.Run("ViewIsReadOnly", func(t *testing.T) { testViewIsReadOnly(t, open(t)) })
}

func at(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

func put(t *testing.T, store storage.Store, records ...storage.SessionRecord) {
	t.Helper()

	err := store.Sessions().Update(context.Background(), func(tx storage.SessionTx) error {
		for _, r := range records {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("put records: %v", err)
	}
}

func findCurrent(t *testing.T, store storage.Store, installationID string, cutoff time.Time) (*storage.SessionRecord, error) {
	t.Helper()

	var found *storage.SessionRecord
	err := store.Sessions().View(context.Background(), func(tx storage.SessionTx) error {
		var err error
		found, err = tx.FindCurrent(installationID, cutoff)
		return err
	})
	return found, err
}

func list(t *testing.T, store storage.Store, installationID string) []storage.SessionRecord {
	t.Helper()

	var records []storage.SessionRecord
	err := store.Sessions().View(context.Background(), func(tx storage.SessionTx) error {
		var err error
		records, err = tx.List(installationID)
		return err
	})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return records
}

func testFindCurrentEmpty(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	if _, err := findCurrent(t, store, "inst-a", at(0)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testFindCurrentWindow(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	put(t, store, storage.SessionRecord{InstallationID: "inst-a", StartDate: at(0), EndDate: at(30)})

	found, err := findCurrent(t, store, "inst-a", at(30))
	if err != nil {
		t.Fatalf("find current at end date: %v", err)
	}
	if !found.StartDate.Equal(at(0)) || !found.EndDate.Equal(at(30)) {
		t.Fatalf("unexpected record %+v", found)
	}

	if _, err := findCurrent(t, store, "inst-a", at(31)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired session to be ignored, got %v", err)
	}
}

func testFindCurrentLatestUnreported(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	put(t, store,
		storage.SessionRecord{InstallationID: "inst-a", StartDate: at(0), EndDate: at(100)},
		storage.SessionRecord{InstallationID: "inst-a", StartDate: at(200), EndDate: at(300)},
		storage.SessionRecord{InstallationID: "inst-a", StartDate: at(400), EndDate: at(500), Reported: true},
	)

	found, err := findCurrent(t, store, "inst-a", at(0))
	if err != nil {
		t.Fatalf("find current: %v", err)
	}
	if !found.StartDate.Equal(at(200)) {
		t.Fatalf("expected latest unreported session starting at %v, got %v", at(200), found.StartDate)
	}
}

func testInstallationsIsolated(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	put(t, store,
		storage.SessionRecord{InstallationID: "inst", StartDate: at(0), EndDate: at(10)},
		storage.SessionRecord{InstallationID: "inst-2", StartDate: at(5), EndDate: at(50)},
	)

	found, err := findCurrent(t, store, "inst", at(0))
	if err != nil {
		t.Fatalf("find current: %v", err)
	}
	if found.InstallationID != "inst" {
		t.Fatalf("found session of %q", found.InstallationID)
	}

	if got := list(t, store, "inst"); len(got) != 1 {
		t.Fatalf("expected 1 record for inst, got %d", len(got))
	}
	all := list(t, store, "")
	if len(all) != 2 {
		t.Fatalf("expected 2 records overall, got %d", len(all))
	}
	if all[0].InstallationID != "inst" || all[1].InstallationID != "inst-2" {
		t.Fatalf("records not ordered by start: %+v", all)
	}
}

func testPutReplaces(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	start := at(0).Add(123456 * time.Microsecond)
	put(t, store, storage.SessionRecord{InstallationID: "inst-a", StartDate: start, EndDate: start})
	put(t, store, storage.SessionRecord{InstallationID: "inst-a", StartDate: start, EndDate: at(60)})

	records := list(t, store, "inst-a")
	if len(records) != 1 {
		t.Fatalf("expected replace, got %d records", len(records))
	}
	if !records[0].StartDate.Equal(storage.Truncate(start)) {
		t.Fatalf("expected millisecond start %v, got %v", storage.Truncate(start), records[0].StartDate)
	}
	if !records[0].EndDate.Equal(at(60)) {
		t.Fatalf("expected end %v, got %v", at(60), records[0].EndDate)
	}
	if records[0].ID() != storage.SessionID("inst-a", start) {
		t.Fatalf("unexpected session id %s", records[0].ID())
	}
}

func testListUnreported(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	put(t, store,
		storage.SessionRecord{InstallationID: "inst-a", StartDate: at(0), EndDate: at(10)},
		storage.SessionRecord{InstallationID: "inst-b", StartDate: at(20), EndDate: at(30), Reported: true},
		storage.SessionRecord{InstallationID: "inst-b", StartDate: at(40), EndDate: at(50)},
		storage.SessionRecord{InstallationID: "inst-a", StartDate: at(100), EndDate: at(200)},
	)

	var records []storage.SessionRecord
	err := store.Sessions().View(context.Background(), func(tx storage.SessionTx) error {
		var err error
		records, err = tx.ListUnreported(at(100))
		return err
	})
	if err != nil {
		t.Fatalf("list unreported: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 unreported closed sessions, got %d: %+v", len(records), records)
	}
	if !records[0].StartDate.Equal(at(0)) || !records[1].StartDate.Equal(at(40)) {
		t.Fatalf("unexpected records %+v", records)
	}
}

func testDeleteReportedBefore(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	put(t, store,
		storage.SessionRecord{InstallationID: "inst-a", StartDate: at(0), EndDate: at(10), Reported: true},
		storage.SessionRecord{InstallationID: "inst-a", StartDate: at(20), EndDate: at(30)},
		storage.SessionRecord{InstallationID: "inst-a", StartDate: at(40), EndDate: at(500), Reported: true},
	)

	var deleted int
	err := store.Sessions().Update(context.Background(), func(tx storage.SessionTx) error {
		var err error
		deleted, err = tx.DeleteReportedBefore(at(100))
		return err
	})
	if err != nil {
		t.Fatalf("delete reported: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted record, got %d", deleted)
	}
	if got := list(t, store, "inst-a"); len(got) != 2 {
		t.Fatalf("expected 2 remaining records, got %d", len(got))
	}
}

func testUpdateRollsBack(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	boom := errors.New("boom")
	err := store.Sessions().Update(context.Background(), func(tx storage.SessionTx) error {
		if err := tx.Put(storage.SessionRecord{InstallationID: "inst-a", StartDate: at(0), EndDate: at(0)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if got := list(t, store, ""); len(got) != 0 {
		t.Fatalf("expected rollback, found %d records", len(got))
	}
}

func testViewIsReadOnly(t *testing.T, store storage.Store) {
	defer func() { _ = store.Close() }()

	err := store.Sessions().View(context.Background(), func(tx storage.SessionTx) error {
		return tx.Put(storage.SessionRecord{InstallationID: "inst-a", StartDate: at(0), EndDate: at(0)})
	})
	if !errors.Is(err, storage.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}
