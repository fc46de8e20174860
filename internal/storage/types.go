package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SessionRecord is one window of foreground activity of an installation.
type SessionRecord struct {
	InstallationID string    `json:"installation_id"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	Reported       bool      `json:"reported"`
}

// ID returns the derived session identifier.
func (r SessionRecord) ID() string {
	return SessionID(r.InstallationID, r.StartDate)
}

// Duration returns how long the session lasted so far.
func (r SessionRecord) Duration() time.Duration {
	return r.EndDate.Sub(r.StartDate)
}

// IsCurrent reports whether the session is still open at now.
func (r SessionRecord) IsCurrent(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.EndDate) <= timeout
}

// SessionID derives the identifier of a session from its installation and
// start date: "{installationID}_{startMillis}".
func SessionID(installationID string, start time.Time) string {
	return fmt.Sprintf("%s_%d", installationID, start.UnixMilli())
}

// ParseSessionID splits a session identifier into its installation and start
// date.
func ParseSessionID(id string) (string, time.Time, error) {
	i := strings.LastIndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", time.Time{}, fmt.Errorf("malformed session id %q", id)
	}
	ms, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed session id %q: %w", id, err)
	}
	return id[:i], time.UnixMilli(ms).UTC(), nil
}

// Truncate rounds timestamps to the millisecond precision used by every
// backend.
func Truncate(ts time.Time) time.Time {
	return time.UnixMilli(ts.UnixMilli()).UTC()
}

// Normalize returns the record with both timestamps truncated.
func (r SessionRecord) Normalize() SessionRecord {
	r.StartDate = Truncate(r.StartDate)
	r.EndDate = Truncate(r.EndDate)
	return r
}

// SortByStart orders records by start date, then installation.
func SortByStart(records []SessionRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].StartDate.Equal(records[j].StartDate) {
			return records[i].StartDate.Before(records[j].StartDate)
		}
		return records[i].InstallationID < records[j].InstallationID
	})
}
