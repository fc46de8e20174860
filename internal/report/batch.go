// Package report turns session records into the reporting wire format and
// provides the uploaders the daemon ships with.
package report

import (
	"context"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
)

// Uploader delivers a batch of session records.
type Uploader interface {
	Submit(ctx context.Context, sessions []storage.SessionRecord) error
}

// Session is one reported session window.
type Session struct {
	ID              string    `json:"id"`
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
	DurationSeconds int64     `json:"durationSeconds"`
}

// Installation groups the sessions of one push registration.
type Installation struct {
	PushRegistrationID string    `json:"pushRegistrationId"`
	Sessions           []Session `json:"sessions"`
}

// Batch is the body of one report.
type Batch struct {
	Installations []Installation `json:"installations"`
	GeneratedAt   time.Time      `json:"generatedAt"`
}

// NewBatch groups records per installation. Installations keep the order in
// which they first appear; sessions are ordered by start.
func NewBatch(records []storage.SessionRecord, generatedAt time.Time) Batch {
	sorted := append([]storage.SessionRecord(nil), records...)
	storage.SortByStart(sorted)

	batch := Batch{
		Installations: make([]Installation, 0),
		GeneratedAt:   generatedAt.UTC(),
	}
	index := make(map[string]int)

	for _, r := range sorted {
		i, ok := index[r.InstallationID]
		if !ok {
			i = len(batch.Installations)
			index[r.InstallationID] = i
			batch.Installations = append(batch.Installations, Installation{PushRegistrationID: r.InstallationID})
		}
		batch.Installations[i].Sessions = append(batch.Installations[i].Sessions, Session{
			ID:              r.ID(),
			StartDate:       r.StartDate.UTC(),
			EndDate:         r.EndDate.UTC(),
			DurationSeconds: int64(r.Duration() / time.Second),
		})
	}

	return batch
}

// Len returns the number of sessions in the batch.
func (b Batch) Len() int {
	n := 0
	for _, inst := range b.Installations {
		n += len(inst.Sessions)
	}
	return n
}
