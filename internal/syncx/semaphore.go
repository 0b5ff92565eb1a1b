// Package syncx holds the blocking primitives the stage engine is built on:
// a counting Semaphore whose waits do not consume, and a one-shot Event latch.
package syncx

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimedOut is returned when a wait deadline passes before the awaited
// condition holds.
var ErrTimedOut = errors.New("syncx: wait timed out")

// Semaphore is a counter with blocking waits.
//
// Unlike a classic semaphore, Wait never decrements the count. Consumers
// first Wait for enough units, inspect whatever the units stand for, and then
// commit the consumption with Unsignal. This lets a caller take fewer units
// than it waited for without the count drifting.
type Semaphore struct {
	mu      sync.Mutex
	count   int
	blocked int
	wake    chan struct{} // closed and replaced on every Signal that has waiters
}

// NewSemaphore returns a semaphore holding initial units (negative values are
// treated as zero).
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{
		count: max(initial, 0),
		wake:  make(chan struct{}),
	}
}

// Signal adds n units and wakes blocked waiters so they can re-check their
// condition. n < 1 is a no-op.
func (s *Semaphore) Signal(n int) {
	if n < 1 {
		return
	}

	s.mu.Lock()
	s.count += n
	if s.blocked > 0 {
		close(s.wake)
		s.wake = make(chan struct{})
	}
	s.mu.Unlock()
}

// Unsignal removes n units, clamping the count at zero.
func (s *Semaphore) Unsignal(n int) {
	if n < 1 {
		return
	}

	s.mu.Lock()
	s.count = max(s.count-n, 0)
	s.mu.Unlock()
}

// Count returns the number of units currently available.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Wait blocks until at least need units are available or timeout elapses.
// A negative timeout waits forever. need < 1 is treated as 1.
//
// Returns nil on success and ErrTimedOut otherwise. The count is not changed.
func (s *Semaphore) Wait(timeout time.Duration, need int) error {
	if timeout < 0 {
		return s.wait(context.Background(), nil, need)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return s.wait(context.Background(), timer.C, need)
}

// WaitContext is Wait bounded by ctx instead of a timeout. It returns ctx.Err()
// when the context ends first.
func (s *Semaphore) WaitContext(ctx context.Context, need int) error {
	return s.wait(ctx, nil, need)
}

// WaitTimeoutContext waits until need units are available, timeout elapses
// (ErrTimedOut) or ctx ends (ctx.Err()), whichever happens first.
func (s *Semaphore) WaitTimeoutContext(ctx context.Context, timeout time.Duration, need int) error {
	if timeout < 0 {
		return s.wait(ctx, nil, need)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return s.wait(ctx, timer.C, need)
}

func (s *Semaphore) wait(ctx context.Context, expired <-chan time.Time, need int) error {
	need = max(need, 1)

	s.mu.Lock()
	if s.count >= need {
		s.mu.Unlock()
		return nil
	}
	s.blocked++

	for {
		wake := s.wake
		s.mu.Unlock()

		var failure error
		select {
		case <-wake:
		case <-expired:
			failure = ErrTimedOut
		case <-ctx.Done():
			failure = ctx.Err()
		}

		s.mu.Lock()
		if s.count >= need {
			s.blocked--
			s.mu.Unlock()
			return nil
		}
		if failure != nil {
			s.blocked--
			s.mu.Unlock()
			return failure
		}
	}
}
