package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/mmsession/internal/config"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/goodtune/mmsession/internal/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() already includes the port
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestSessionStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, _ := setupTestStore(t)
		return store
	})
}

func TestOpenRejectsBadTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost:6379", DialTimeout: "soon", ReadTimeout: "1s", WriteTimeout: "1s"})
	if err == nil {
		t.Fatal("expected invalid dial_timeout error")
	}
}

func TestPutMaintainsIndexes(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	record := storage.SessionRecord{InstallationID: "device-1", StartDate: start, EndDate: start.Add(time.Minute)}

	if err := store.Sessions().Update(ctx, func(tx storage.SessionTx) error { return tx.Put(record) }); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	key := store.sessions.keys.session("device-1", start)
	if got := mr.HGet(key, "reported"); got != "0" {
		t.Errorf("Expected reported=0, got %q", got)
	}
	if ok, _ := mr.SortedSet(store.sessions.keys.unreported()); len(ok) != 1 {
		t.Errorf("Expected session in unreported index, got %v", ok)
	}

	record.Reported = true
	if err := store.Sessions().Update(ctx, func(tx storage.SessionTx) error { return tx.Put(record) }); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	unreported, _ := mr.SortedSet(store.sessions.keys.unreported())
	reported, _ := mr.SortedSet(store.sessions.keys.reported())
	if len(unreported) != 0 || len(reported) != 1 {
		t.Errorf("Expected session to move to reported index, unreported=%v reported=%v", unreported, reported)
	}

	if got, _ := mr.Get(store.sessions.keys.version()); got != "2" {
		t.Errorf("Expected version 2 after two commits, got %q", got)
	}
}

func TestUpdateRetriesOnConcurrentWrite(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	other := redis.NewClient(&redis.Options{Addr: store.client.Options().Addr})
	defer func() { _ = other.Close() }()

	attempts := 0
	err := store.Sessions().Update(ctx, func(tx storage.SessionTx) error {
		attempts++
		if attempts == 1 {
			// another writer commits between WATCH and EXEC
			if err := other.Incr(ctx, store.sessions.keys.version()).Err(); err != nil {
				return err
			}
		}
		return tx.Put(storage.SessionRecord{InstallationID: "device-1", StartDate: time.Unix(100, 0), EndDate: time.Unix(200, 0)})
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	other := redis.NewClient(&redis.Options{Addr: store.client.Options().Addr})
	defer func() { _ = other.Close() }()

	err := store.Sessions().Update(ctx, func(tx storage.SessionTx) error {
		if err := other.Incr(ctx, store.sessions.keys.version()).Err(); err != nil {
			return err
		}
		return tx.Put(storage.SessionRecord{InstallationID: "device-1", StartDate: time.Unix(100, 0), EndDate: time.Unix(200, 0)})
	})
	if !errors.Is(err, redis.TxFailedErr) {
		t.Fatalf("Expected TxFailedErr, got %v", err)
	}
}

func TestReadsSkipDanglingIndexEntries(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Unix(1000, 0)
	err := store.Sessions().Update(ctx, func(tx storage.SessionTx) error {
		return tx.Put(storage.SessionRecord{InstallationID: "device-1", StartDate: start, EndDate: start})
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	mr.Del(store.sessions.keys.session("device-1", start))

	var records []storage.SessionRecord
	err = store.Sessions().View(ctx, func(tx storage.SessionTx) error {
		records, err = tx.List("")
		return err
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected dangling entry to be skipped, got %+v", records)
	}
}
