package usersession

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/mmsession/internal/storage"
	"github.com/goodtune/mmsession/internal/storage/bolt"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout  = 30 * time.Minute
	testInterval = 5 * time.Second
	waitFor      = 5 * time.Second
	pollEvery    = 5 * time.Millisecond
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeUploader struct {
	mu      sync.Mutex
	calls   [][]storage.SessionRecord
	err     error
	started chan struct{}
	release chan struct{}
}

func (u *fakeUploader) Submit(ctx context.Context, sessions []storage.SessionRecord) error {
	if u.started != nil {
		u.started <- struct{}{}
	}
	if u.release != nil {
		<-u.release
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, append([]storage.SessionRecord(nil), sessions...))
	return u.err
}

func (u *fakeUploader) Calls() [][]storage.SessionRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]storage.SessionRecord(nil), u.calls...)
}

func (u *fakeUploader) SetErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.err = err
}

// blockOnSubmit makes every Submit signal started and wait for release.
func (u *fakeUploader) blockOnSubmit() {
	u.started = make(chan struct{}, 8)
	u.release = make(chan struct{})
}

type fakeAppState struct {
	active atomic.Bool
}

func (a *fakeAppState) IsForegroundActive() bool { return a.active.Load() }

type fakeInstallation struct {
	mu sync.Mutex
	id string
}

func (f *fakeInstallation) PushRegistrationID() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.id != ""
}

func (f *fakeInstallation) Set(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

// flakySessions fails every Update while failing is set.
type flakySessions struct {
	storage.SessionStore
	failing atomic.Bool
}

var errStoreUnavailable = errors.New("store unavailable")

func (f *flakySessions) Update(ctx context.Context, fn func(tx storage.SessionTx) error) error {
	if f.failing.Load() {
		return errStoreUnavailable
	}
	return f.SessionStore.Update(ctx, fn)
}

type harness struct {
	clock        *clockwork.FakeClock
	sessions     *flakySessions
	store        *storage.Context
	uploader     *fakeUploader
	app          *fakeAppState
	installation *fakeInstallation
	svc          *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "sessions.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sessions := &flakySessions{SessionStore: db.Sessions()}
	store := storage.NewContext(sessions, zerolog.Nop())
	t.Cleanup(store.Close)

	h := &harness{
		clock:        clockwork.NewFakeClockAt(base),
		sessions:     sessions,
		store:        store,
		uploader:     &fakeUploader{},
		app:          &fakeAppState{},
		installation: &fakeInstallation{id: "device-1"},
	}
	h.app.active.Store(true)

	h.svc, err = NewService(Options{
		Installation: h.installation,
		AppState:     h.app,
		Store:        store,
		Uploader:     h.uploader,
		Clock:        h.clock,
		Config:       Config{SessionTimeout: testTimeout, SaveInterval: testInterval},
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(h.svc.Close)

	return h
}

func wait(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	h.svc.Start(func() { close(done) })
	wait(t, done, "start")
}

func (h *harness) stop(t *testing.T) {
	t.Helper()

	done := make(chan struct{})
	h.svc.Stop(func() { close(done) })
	wait(t, done, "stop")
}

func (h *harness) track(t *testing.T, doReporting bool) {
	t.Helper()

	done := make(chan struct{})
	h.svc.PerformSessionTracking(doReporting, func() { close(done) })
	wait(t, done, "session tracking")
}

func (h *harness) waitForTicker(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
}

func (h *harness) records(t *testing.T) []storage.SessionRecord {
	t.Helper()
	return listRecords(t, h.store)
}

func (h *harness) seed(t *testing.T, records ...storage.SessionRecord) {
	t.Helper()
	seedRecords(t, h.store, records...)
}

func listRecords(t *testing.T, store *storage.Context) []storage.SessionRecord {
	t.Helper()

	var records []storage.SessionRecord
	err := store.View(context.Background(), func(tx storage.SessionTx) error {
		var err error
		records, err = tx.List("")
		return err
	})
	require.NoError(t, err)
	return records
}

func seedRecords(t *testing.T, store *storage.Context, records ...storage.SessionRecord) {
	t.Helper()

	err := store.Perform(context.Background(), func(tx storage.SessionTx) error {
		for _, r := range records {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// closedSession ended well before the session timeout relative to base.
func closedSession(installationID string, ago time.Duration) storage.SessionRecord {
	end := base.Add(-ago)
	return storage.SessionRecord{InstallationID: installationID, StartDate: end.Add(-10 * time.Minute), EndDate: end}
}

func sameTime(t *testing.T, want, got time.Time) {
	t.Helper()

	if !want.Equal(got) {
		t.Fatalf("expected %s, got %s", want.Format(time.RFC3339Nano), got.Format(time.RFC3339Nano))
	}
}
