// Package timer implements the reusable deadline-driven one-shot timer of
// spec §4.3, in the idiom of the teacher's scheduler.PriorityScheduler
// (katzenpost-client/scheduler/scheduler.go): a time.AfterFunc-backed
// deadline with reset/early-expire/cancel and a persistent subscriber
// list, built on a mockable clockwork.Clock so tests never sleep for real.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Listener is notified when a Timer fires. expiredEarly is true when the
// firing was caused by Expire rather than the deadline elapsing.
type Listener func(expiredEarly bool)

// Timer is a reusable one-shot deadline. Reset replaces any pending
// deadline; subscribed listeners persist across resets. The zero value is
// not usable; construct with New.
type Timer struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	pending   clockwork.Timer
	listeners []Listener
	stopCh    chan struct{}
	stopped   bool
}

// New creates a Timer with no pending deadline, using clock as its time
// source (clockwork.NewRealClock() in production, a FakeClock in tests).
func New(clock clockwork.Clock) *Timer {
	return &Timer{clock: clock, stopCh: make(chan struct{})}
}

// Subscribe registers a listener that will be invoked (from the Timer's
// own goroutine) every time the timer fires, until the Timer is cleared
// for shutdown by Release.
func (t *Timer) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Reset replaces any pending deadline with one that fires after d.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.pending != nil {
		t.pending.Stop()
	}
	t.pending = t.clock.AfterFunc(d, func() { t.fire(false) })
}

// Expire fires the timer immediately, as if its deadline had just elapsed.
func (t *Timer) Expire() {
	t.mu.Lock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.mu.Unlock()
	t.fire(true)
}

// Clear cancels any pending deadline without firing. Listeners are kept.
func (t *Timer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Release cancels any pending deadline and drops all listeners. The Timer
// must not be used afterwards. Mandatory on flow shutdown (§4.3).
func (t *Timer) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.listeners = nil
	t.stopped = true
}

func (t *Timer) fire(expiredEarly bool) {
	t.mu.Lock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()
	for _, l := range listeners {
		l(expiredEarly)
	}
}
