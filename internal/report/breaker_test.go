package report

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUploader struct {
	calls atomic.Int32
	fail  atomic.Bool
}

var errBackend = errors.New("backend down")

func (s *stubUploader) Submit(ctx context.Context, sessions []storage.SessionRecord) error {
	s.calls.Add(1)
	if s.fail.Load() {
		return errBackend
	}
	return nil
}

func TestBreakerPassesThrough(t *testing.T) {
	next := &stubUploader{}
	b := NewBreaker(next, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}, zerolog.Nop())

	require.NoError(t, b.Submit(context.Background(), nil))
	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	next := &stubUploader{}
	next.fail.Store(true)
	b := NewBreaker(next, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}, zerolog.Nop())
	ctx := context.Background()

	require.ErrorIs(t, b.Submit(ctx, nil), errBackend)
	assert.Equal(t, gobreaker.StateClosed, b.State())
	require.ErrorIs(t, b.Submit(ctx, nil), errBackend)
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Submit(ctx, nil)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), next.calls.Load(), "open breaker must not reach the backend")
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	next := &stubUploader{}
	next.fail.Store(true)
	b := NewBreaker(next, BreakerConfig{MaxFailures: 1, OpenTimeout: 20 * time.Millisecond}, zerolog.Nop())
	ctx := context.Background()

	require.Error(t, b.Submit(ctx, nil))
	require.Equal(t, gobreaker.StateOpen, b.State())

	next.fail.Store(false)
	require.Eventually(t, func() bool {
		return b.State() == gobreaker.StateHalfOpen
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Submit(ctx, nil))
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	next := &cancelUploader{}
	b := NewBreaker(next, BreakerConfig{MaxFailures: 1, OpenTimeout: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, b.Submit(ctx, nil), context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

type cancelUploader struct{}

func (cancelUploader) Submit(ctx context.Context, _ []storage.SessionRecord) error {
	return ctx.Err()
}
