package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
)

type keyspace struct {
	prefix string
}

// session hash: {prefix}:session:{installationID}:{startMillis}
func (k keyspace) session(installationID string, start time.Time) string {
	return fmt.Sprintf("%s:session:%s:%d", k.prefix, installationID, start.UnixMilli())
}

// sorted by start, one per installation
func (k keyspace) byInstallation(installationID string) string {
	return fmt.Sprintf("%s:sessions:installation:%s", k.prefix, installationID)
}

// sorted by start, every session
func (k keyspace) all() string {
	return k.prefix + ":sessions:all"
}

// sorted by end date
func (k keyspace) unreported() string {
	return k.prefix + ":sessions:unreported"
}

// sorted by end date
func (k keyspace) reported() string {
	return k.prefix + ":sessions:reported"
}

// bumped by every committed write transaction
func (k keyspace) version() string {
	return k.prefix + ":sessions:version"
}

func sessionFields(record storage.SessionRecord) map[string]interface{} {
	reported := "0"
	if record.Reported {
		reported = "1"
	}
	return map[string]interface{}{
		"installation_id": record.InstallationID,
		"start_ms":        record.StartDate.UnixMilli(),
		"end_ms":          record.EndDate.UnixMilli(),
		"reported":        reported,
	}
}

// parseSession converts a Redis hash to SessionRecord
func parseSession(data map[string]string) (storage.SessionRecord, error) {
	if len(data) == 0 {
		return storage.SessionRecord{}, storage.ErrNotFound
	}

	startMs, err := strconv.ParseInt(data["start_ms"], 10, 64)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("failed to parse start_ms: %w", err)
	}

	endMs, err := strconv.ParseInt(data["end_ms"], 10, 64)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("failed to parse end_ms: %w", err)
	}

	reported, err := strconv.ParseBool(data["reported"])
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("failed to parse reported: %w", err)
	}

	return storage.SessionRecord{
		InstallationID: data["installation_id"],
		StartDate:      time.UnixMilli(startMs).UTC(),
		EndDate:        time.UnixMilli(endMs).UTC(),
		Reported:       reported,
	}, nil
}

// exclusive upper bound for ZRANGEBYSCORE
func before(ts time.Time) string {
	return "(" + strconv.FormatInt(ts.UnixMilli(), 10)
}
