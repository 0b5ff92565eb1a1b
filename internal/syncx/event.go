package syncx

import (
	"context"
	"sync"
	"time"
)

// Event is a one-shot latch. Once Set, every current and future Wait returns
// immediately until Reset is called.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

// NewEvent returns an event in the given initial state.
func NewEvent(set bool) *Event {
	e := &Event{ch: make(chan struct{})}
	if set {
		e.set = true
		close(e.ch)
	}
	return e
}

// Set latches the event and releases all waiters. Calling Set on an event that
// is already set does nothing.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set {
		return
	}
	e.set = true
	close(e.ch)
}

// Reset returns the event to the unset state.
func (e *Event) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.set {
		return
	}
	e.set = false
	e.ch = make(chan struct{})
}

// IsSet reports whether the event is currently set.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// Done returns a channel that is closed once the event is set. A Reset after
// the channel was obtained does not reopen it.
func (e *Event) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or timeout elapses. A negative timeout
// waits forever. Returns nil or ErrTimedOut.
func (e *Event) Wait(timeout time.Duration) error {
	done := e.Done()
	if timeout < 0 {
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrTimedOut
	}
}

// WaitContext blocks until the event is set or ctx ends.
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
