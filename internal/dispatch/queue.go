package dispatch

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrCancelled is reported to a task's cancel hook when it is removed
	// from the queue before it started.
	ErrCancelled = errors.New("dispatch: task cancelled")

	// ErrClosed is returned when work is submitted to a closed queue.
	ErrClosed = errors.New("dispatch: queue closed")
)

// Task is a unit of work executed on a Queue.
type Task struct {
	// Run executes the task on the queue goroutine.
	Run func()
	// Done runs after Run returns and after the exclusive slot, if any, has
	// been released. Optional.
	Done func()
	// Cancel is called instead of Run when the task is dropped by CancelAll.
	// Optional.
	Cancel func(err error)
}

type entry struct {
	task      Task
	exclusive bool
}

// Queue is a named serial FIFO execution queue backed by a single goroutine.
// Tasks run one at a time in submission order.
type Queue struct {
	name   string
	logger zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []entry
	closed  bool

	exclusive *semaphore.Weighted
	done      chan struct{}
}

// NewQueue creates a queue and starts its worker goroutine.
func NewQueue(name string, logger zerolog.Logger) *Queue {
	q := &Queue{
		name:      name,
		logger:    logger.With().Str("component", "dispatch").Str("queue", name).Logger(),
		exclusive: semaphore.NewWeighted(1),
		done:      make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.run()

	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Async enqueues fn. It returns false if the queue is closed.
func (q *Queue) Async(fn func()) bool {
	return q.AsyncTask(Task{Run: fn})
}

// AsyncTask enqueues a task with an optional cancel hook.
func (q *Queue) AsyncTask(task Task) bool {
	return q.enqueue(entry{task: task})
}

// AsyncExclusive enqueues task only if no other exclusive task is pending or
// running on this queue. The slot is released when the task finishes or is
// cancelled. It returns false when the slot is taken or the queue is closed.
func (q *Queue) AsyncExclusive(task Task) bool {
	if !q.exclusive.TryAcquire(1) {
		return false
	}
	if !q.enqueue(entry{task: task, exclusive: true}) {
		q.exclusive.Release(1)
		return false
	}
	return true
}

// ExclusiveBusy reports whether an exclusive task currently holds the slot.
func (q *Queue) ExclusiveBusy() bool {
	if q.exclusive.TryAcquire(1) {
		q.exclusive.Release(1)
		return false
	}
	return true
}

// Sync runs fn on the queue and waits for it to return. It must not be
// called from a task running on the same queue.
func (q *Queue) Sync(fn func()) error {
	finished := make(chan struct{})
	var cancelErr error
	ok := q.AsyncTask(Task{
		Run: func() {
			defer close(finished)
			fn()
		},
		Cancel: func(err error) {
			cancelErr = err
			close(finished)
		},
	})
	if !ok {
		return ErrClosed
	}
	<-finished
	return cancelErr
}

// CancelAll drops every task that has not started yet and returns how many
// were dropped. A running task is not interrupted.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, e := range dropped {
		q.cancel(e, ErrCancelled)
	}

	if len(dropped) > 0 {
		q.logger.Debug().Int("cancelled", len(dropped)).Msg("Cancelled pending tasks")
	}

	return len(dropped)
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, runs the tasks already queued and waits for
// the worker to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) enqueue(e entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.pending = append(q.pending, e)
	q.cond.Signal()
	return true
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.execute(e)
	}
}

func (q *Queue) execute(e entry) {
	q.invoke(e.task.Run)
	if e.exclusive {
		q.exclusive.Release(1)
	}
	q.invoke(e.task.Done)
}

func (q *Queue) invoke(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Interface("panic", r).Msg("Task panicked")
		}
	}()
	fn()
}

func (q *Queue) cancel(e entry, err error) {
	if e.exclusive {
		defer q.exclusive.Release(1)
	}
	if e.task.Cancel != nil {
		e.task.Cancel(err)
	}
}
