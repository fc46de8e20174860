package report

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogUploaderWritesBatch(t *testing.T) {
	var buf bytes.Buffer
	u := NewLogUploader(clockwork.NewFakeClockAt(base), zerolog.New(&buf))

	err := u.Submit(context.Background(), []storage.SessionRecord{record("inst", 0, time.Minute)})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "report-log", line["component"])
	assert.Equal(t, float64(1), line["sessions"])
	batch, ok := line["batch"].(map[string]any)
	require.True(t, ok, "batch should be embedded as JSON")
	assert.Len(t, batch["installations"], 1)
}

func TestFileUploaderAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "batches.jsonl")
	clock := clockwork.NewFakeClockAt(base)

	u, err := NewFileUploader(path, clock)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, u.Submit(ctx, []storage.SessionRecord{record("a", 0, time.Minute)}))
	clock.Advance(time.Hour)
	require.NoError(t, u.Submit(ctx, []storage.SessionRecord{record("b", 0, time.Minute), record("b", time.Hour, 2*time.Hour)}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var batches []Batch
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var b Batch
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &b))
		batches = append(batches, b)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, batches, 2)
	assert.Equal(t, 1, batches[0].Len())
	assert.Equal(t, 2, batches[1].Len())
	assert.True(t, batches[1].GeneratedAt.Equal(base.Add(time.Hour)))
}

func TestFileUploaderHonoursCancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batches.jsonl")
	u, err := NewFileUploader(path, clockwork.NewFakeClockAt(base))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = u.Submit(ctx, []storage.SessionRecord{record("a", 0, time.Minute)})
	require.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
