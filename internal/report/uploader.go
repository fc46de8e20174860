package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// LogUploader writes each batch to the log and always succeeds.
type LogUploader struct {
	clock  clockwork.Clock
	logger zerolog.Logger
}

// NewLogUploader creates a log uploader
func NewLogUploader(clock clockwork.Clock, logger zerolog.Logger) *LogUploader {
	return &LogUploader{
		clock:  clock,
		logger: logger.With().Str("component", "report-log").Logger(),
	}
}

func (u *LogUploader) Submit(ctx context.Context, sessions []storage.SessionRecord) error {
	batch := NewBatch(sessions, u.clock.Now())
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	u.logger.Info().
		Int("installations", len(batch.Installations)).
		Int("sessions", batch.Len()).
		RawJSON("batch", data).
		Msg("Session batch")
	return nil
}

// FileUploader appends each batch as one JSON line to a file.
type FileUploader struct {
	path  string
	clock clockwork.Clock
	mu    sync.Mutex
}

// NewFileUploader creates a file uploader writing to path
func NewFileUploader(path string, clock clockwork.Clock) (*FileUploader, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, err
	}
	return &FileUploader{path: path, clock: clock}, nil
}

func (u *FileUploader) Submit(ctx context.Context, sessions []storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(NewBatch(sessions, u.clock.Now()))
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	data = append(data, '\n')

	u.mu.Lock()
	defer u.mu.Unlock()

	f, err := os.OpenFile(u.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync report file: %w", err)
	}
	return f.Close()
}
