package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"go.etcd.io/bbolt"
)

// Keys are "{installationID}\x00{startMillis:020d}" so that a cursor walks
// one installation's sessions in start order.
const keySeparator = "\x00"

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) Update(ctx context.Context, fn func(tx storage.SessionTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fn(&sessionTx{ctx: ctx, tx: tx})
	})
}

func (s *sessionStore) View(ctx context.Context, fn func(tx storage.SessionTx) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fn(&sessionTx{ctx: ctx, tx: tx})
	})
}

type sessionTx struct {
	ctx context.Context
	tx  *bbolt.Tx
}

func (t *sessionTx) bucket() (*bbolt.Bucket, error) {
	b := t.tx.Bucket([]byte(bucketSessions))
	if b == nil {
		return nil, fmt.Errorf("bucket missing: %s", bucketSessions)
	}
	return b, nil
}

func (t *sessionTx) FindCurrent(installationID string, cutoff time.Time) (*storage.SessionRecord, error) {
	b, err := t.bucket()
	if err != nil {
		return nil, err
	}

	cutoff = storage.Truncate(cutoff)
	prefix := installationPrefix(installationID)
	var current *storage.SessionRecord

	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if t.ctx.Err() != nil {
			return nil, t.ctx.Err()
		}
		var record storage.SessionRecord
		if err := unmarshal(v, &record); err != nil {
			return nil, err
		}
		if record.Reported || record.EndDate.Before(cutoff) {
			continue
		}
		// keys are in start order, so the last match has the latest start
		current = &record
	}

	if current == nil {
		return nil, storage.ErrNotFound
	}
	return current, nil
}

func (t *sessionTx) Put(record storage.SessionRecord) error {
	if !t.tx.Writable() {
		return storage.ErrReadOnly
	}
	b, err := t.bucket()
	if err != nil {
		return err
	}

	record = record.Normalize()
	data, err := marshal(record)
	if err != nil {
		return err
	}
	return b.Put(sessionKey(record.InstallationID, record.StartDate), data)
}

func (t *sessionTx) ListUnreported(closedBefore time.Time) ([]storage.SessionRecord, error) {
	return t.collect(nil, func(r storage.SessionRecord) bool {
		return !r.Reported && r.EndDate.Before(closedBefore)
	})
}

func (t *sessionTx) List(installationID string) ([]storage.SessionRecord, error) {
	var prefix []byte
	if installationID != "" {
		prefix = installationPrefix(installationID)
	}
	return t.collect(prefix, func(storage.SessionRecord) bool { return true })
}

func (t *sessionTx) DeleteReportedBefore(cutoff time.Time) (int, error) {
	if !t.tx.Writable() {
		return 0, storage.ErrReadOnly
	}
	b, err := t.bucket()
	if err != nil {
		return 0, err
	}

	var stale [][]byte
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if t.ctx.Err() != nil {
			return 0, t.ctx.Err()
		}
		var record storage.SessionRecord
		if err := unmarshal(v, &record); err != nil {
			return 0, err
		}
		if record.Reported && record.EndDate.Before(cutoff) {
			stale = append(stale, append([]byte(nil), k...))
		}
	}

	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func (t *sessionTx) collect(prefix []byte, keep func(storage.SessionRecord) bool) ([]storage.SessionRecord, error) {
	b, err := t.bucket()
	if err != nil {
		return nil, err
	}

	records := make([]storage.SessionRecord, 0)
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if t.ctx.Err() != nil {
			return nil, t.ctx.Err()
		}
		var record storage.SessionRecord
		if err := unmarshal(v, &record); err != nil {
			return nil, err
		}
		if keep(record) {
			records = append(records, record)
		}
	}

	storage.SortByStart(records)
	return records, nil
}

func installationPrefix(installationID string) []byte {
	return []byte(installationID + keySeparator)
}

func sessionKey(installationID string, start time.Time) []byte {
	return []byte(fmt.Sprintf("%s%s%020d", installationID, keySeparator, start.UnixMilli()))
}
