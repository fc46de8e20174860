package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/redis/go-redis/v9"
)

// maxTxAttempts bounds optimistic retries when another writer commits
// between WATCH and EXEC.
const maxTxAttempts = 8

// reader is the read surface shared by *redis.Client and *redis.Tx.
type reader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

type sessionStore struct {
	client *redis.Client
	keys   keyspace
}

// Update runs fn under WATCH of the version key. Writes are buffered and
// applied in one MULTI/EXEC together with a version bump, so reads inside fn
// see the last committed state.
func (s *sessionStore) Update(ctx context.Context, fn func(tx storage.SessionTx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			t := &sessionTx{ctx: ctx, r: rtx, keys: s.keys, writable: true}
			if err := fn(t); err != nil {
				return err
			}
			if len(t.writes) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, w := range t.writes {
					w(pipe)
				}
				pipe.Incr(ctx, s.keys.version())
				return nil
			})
			return err
		}, s.keys.version())

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session transaction: %w", redis.TxFailedErr)
}

func (s *sessionStore) View(ctx context.Context, fn func(tx storage.SessionTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&sessionTx{ctx: ctx, r: s.client, keys: s.keys})
}

type sessionTx struct {
	ctx      context.Context
	r        reader
	keys     keyspace
	writable bool
	writes   []func(pipe redis.Pipeliner)
}

func (t *sessionTx) FindCurrent(installationID string, cutoff time.Time) (*storage.SessionRecord, error) {
	members, err := t.r.ZRevRange(t.ctx, t.keys.byInstallation(installationID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	cutoff = storage.Truncate(cutoff)
	for _, key := range members {
		record, err := t.load(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if record.Reported || record.EndDate.Before(cutoff) {
			continue
		}
		return &record, nil
	}
	return nil, storage.ErrNotFound
}

func (t *sessionTx) Put(record storage.SessionRecord) error {
	if !t.writable {
		return storage.ErrReadOnly
	}

	record = record.Normalize()
	key := t.keys.session(record.InstallationID, record.StartDate)
	start := float64(record.StartDate.UnixMilli())
	end := float64(record.EndDate.UnixMilli())

	t.writes = append(t.writes, func(pipe redis.Pipeliner) {
		pipe.HSet(t.ctx, key, sessionFields(record))
		pipe.ZAdd(t.ctx, t.keys.byInstallation(record.InstallationID), redis.Z{Score: start, Member: key})
		pipe.ZAdd(t.ctx, t.keys.all(), redis.Z{Score: start, Member: key})
		if record.Reported {
			pipe.ZRem(t.ctx, t.keys.unreported(), key)
			pipe.ZAdd(t.ctx, t.keys.reported(), redis.Z{Score: end, Member: key})
		} else {
			pipe.ZRem(t.ctx, t.keys.reported(), key)
			pipe.ZAdd(t.ctx, t.keys.unreported(), redis.Z{Score: end, Member: key})
		}
	})
	return nil
}

func (t *sessionTx) ListUnreported(closedBefore time.Time) ([]storage.SessionRecord, error) {
	members, err := t.r.ZRangeByScore(t.ctx, t.keys.unreported(), &redis.ZRangeBy{
		Min: "-inf",
		Max: before(closedBefore),
	}).Result()
	if err != nil {
		return nil, err
	}
	return t.loadAll(members)
}

func (t *sessionTx) List(installationID string) ([]storage.SessionRecord, error) {
	index := t.keys.all()
	if installationID != "" {
		index = t.keys.byInstallation(installationID)
	}

	members, err := t.r.ZRange(t.ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return t.loadAll(members)
}

func (t *sessionTx) DeleteReportedBefore(cutoff time.Time) (int, error) {
	if !t.writable {
		return 0, storage.ErrReadOnly
	}

	members, err := t.r.ZRangeByScore(t.ctx, t.keys.reported(), &redis.ZRangeBy{
		Min: "-inf",
		Max: before(cutoff),
	}).Result()
	if err != nil {
		return 0, err
	}

	stale, err := t.loadAll(members)
	if err != nil {
		return 0, err
	}

	for _, record := range stale {
		key := t.keys.session(record.InstallationID, record.StartDate)
		installation := t.keys.byInstallation(record.InstallationID)
		t.writes = append(t.writes, func(pipe redis.Pipeliner) {
			pipe.Del(t.ctx, key)
			pipe.ZRem(t.ctx, installation, key)
			pipe.ZRem(t.ctx, t.keys.all(), key)
			pipe.ZRem(t.ctx, t.keys.reported(), key)
		})
	}
	return len(stale), nil
}

func (t *sessionTx) load(key string) (storage.SessionRecord, error) {
	if err := t.ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	data, err := t.r.HGetAll(t.ctx, key).Result()
	if err != nil {
		return storage.SessionRecord{}, err
	}
	return parseSession(data)
}

// loadAll skips index entries whose hash has gone missing.
func (t *sessionTx) loadAll(keys []string) ([]storage.SessionRecord, error) {
	records := make([]storage.SessionRecord, 0, len(keys))
	for _, key := range keys {
		record, err := t.load(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	storage.SortByStart(records)
	return records, nil
}
