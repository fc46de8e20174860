package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/goodtune/mmsession/internal/storage/storagetest"
)

func TestSessionStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.bolt")
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	err = store.Sessions().Update(context.Background(), func(tx storage.SessionTx) error {
		return tx.Put(storage.SessionRecord{InstallationID: "device-a", StartDate: start, EndDate: start.Add(time.Minute)})
	})
	if err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer func() { _ = store.Close() }()

	var records []storage.SessionRecord
	err = store.Sessions().View(context.Background(), func(tx storage.SessionTx) error {
		records, err = tx.List("device-a")
		return err
	})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(records) != 1 || !records[0].EndDate.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected records after reopen: %+v", records)
	}
}

func TestUpdateHonoursCancelledContext(t *testing.T) {
	store := openTestStore(t)
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.Sessions().Update(ctx, func(storage.SessionTx) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if called {
		t.Fatal("transaction body ran with cancelled context")
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mmsession.bolt")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestOpenReportsLockedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.bolt")

	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = first.Close() }()

	second, err := Open(path)
	if err == nil {
		_ = second.Close()
		t.Fatal("second open of a held file succeeded")
	}
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}
