package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/mmsession/internal/dispatch"
	"github.com/jonboulle/clockwork"
)

type state int

const (
	stateSuspended state = iota
	stateResumed
	stateCancelled
)

// RepeatingTimer fires a handler on a serial queue at a fixed interval while
// resumed. A new timer starts suspended.
type RepeatingTimer struct {
	clock    clockwork.Clock
	interval time.Duration
	queue    *dispatch.Queue
	handler  func()

	mu    sync.Mutex
	state state
	gen   uint64
	stop  chan struct{}

	// set while a tick is waiting on the queue so that ticks coalesce
	pending atomic.Bool
}

// New creates a suspended timer bound to queue.
func New(clock clockwork.Clock, interval time.Duration, queue *dispatch.Queue, handler func()) *RepeatingTimer {
	return &RepeatingTimer{
		clock:    clock,
		interval: interval,
		queue:    queue,
		handler:  handler,
	}
}

// Interval returns the firing interval.
func (t *RepeatingTimer) Interval() time.Duration {
	return t.interval
}

// Resume starts ticking. It is a no-op when already resumed or cancelled.
func (t *RepeatingTimer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateSuspended {
		return
	}

	t.state = stateResumed
	t.gen++
	t.stop = make(chan struct{})

	ticker := t.clock.NewTicker(t.interval)
	go t.loop(ticker, t.stop, t.gen)
}

// Suspend stops ticking until the next Resume. It is a no-op when already
// suspended or cancelled.
func (t *RepeatingTimer) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateResumed {
		return
	}

	t.state = stateSuspended
	t.halt()
}

// Cancel stops the timer permanently. Ticks already queued are discarded.
func (t *RepeatingTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == stateResumed {
		t.halt()
	}
	t.state = stateCancelled
}

// Resumed reports whether the timer is currently ticking.
func (t *RepeatingTimer) Resumed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateResumed
}

// halt must be called with mu held.
func (t *RepeatingTimer) halt() {
	close(t.stop)
	t.stop = nil
	t.gen++
}

func (t *RepeatingTimer) loop(ticker clockwork.Ticker, stop <-chan struct{}, gen uint64) {
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !t.pending.CompareAndSwap(false, true) {
				continue
			}
			if !t.queue.Async(func() { t.fire(gen) }) {
				t.pending.Store(false)
				return
			}
		}
	}
}

func (t *RepeatingTimer) fire(gen uint64) {
	t.pending.Store(false)

	t.mu.Lock()
	live := t.state == stateResumed && t.gen == gen
	t.mu.Unlock()

	if live && t.handler != nil {
		t.handler()
	}
}
