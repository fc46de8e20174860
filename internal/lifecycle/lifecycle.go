// Package lifecycle models the host application's lifecycle as a small closed
// set of events and tracks whether the application is in the foreground and
// active.
package lifecycle

import (
	"fmt"
	"sync"
)

// Event is an application lifecycle transition.
type Event int

const (
	EnterForeground Event = iota + 1
	BecomeActive
	ResignActive
	Terminate
)

func (e Event) String() string {
	switch e {
	case EnterForeground:
		return "enter_foreground"
	case BecomeActive:
		return "become_active"
	case ResignActive:
		return "resign_active"
	case Terminate:
		return "terminate"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ParseEvent maps the String form back to an Event.
func ParseEvent(s string) (Event, error) {
	for _, e := range []Event{EnterForeground, BecomeActive, ResignActive, Terminate} {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown lifecycle event: %s", s)
}

// Source delivers lifecycle events to subscribers. The returned function
// removes the subscription.
type Source interface {
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Tracker is a Source fed by Publish that also remembers whether the
// application is foreground-active.
type Tracker struct {
	mu          sync.Mutex
	foreground  bool
	active      bool
	nextID      int
	subscribers map[int]func(Event)
	order       []int
}

// NewTracker returns a tracker for an application that is in the background.
func NewTracker() *Tracker {
	return &Tracker{subscribers: make(map[int]func(Event))}
}

// Subscribe registers fn for every subsequent event.
func (t *Tracker) Subscribe(fn func(Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.subscribers[id] = fn
	t.order = append(t.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.subscribers, id)
			for i, v := range t.order {
				if v == id {
					t.order = append(t.order[:i], t.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish records the transition and then notifies subscribers in
// subscription order on the caller's goroutine.
func (t *Tracker) Publish(e Event) {
	t.mu.Lock()
	switch e {
	case EnterForeground:
		t.foreground = true
	case BecomeActive:
		t.foreground = true
		t.active = true
	case ResignActive:
		t.active = false
	case Terminate:
		t.foreground = false
		t.active = false
	}
	fns := make([]func(Event), 0, len(t.order))
	for _, id := range t.order {
		fns = append(fns, t.subscribers[id])
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// IsForegroundActive reports whether the application is in the foreground
// and active.
func (t *Tracker) IsForegroundActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.foreground && t.active
}
