package syncx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSemaphore_WaitDoesNotConsume(t *testing.T) {
	s := NewSemaphore(3)

	for range 5 {
		if err := s.Wait(0, 3); err != nil {
			t.Fatalf("Wait() = %v, want nil", err)
		}
	}

	if got := s.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestSemaphore_Unsignal(t *testing.T) {
	tests := []struct {
		name    string
		initial int
		take    int
		want    int
	}{
		{name: "partial", initial: 5, take: 2, want: 3},
		{name: "exact", initial: 4, take: 4, want: 0},
		{name: "clamps at zero", initial: 2, take: 10, want: 0},
		{name: "non-positive is a no-op", initial: 2, take: 0, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSemaphore(tt.initial)
			s.Unsignal(tt.take)
			if got := s.Count(); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSemaphore_WaitTimesOut(t *testing.T) {
	s := NewSemaphore(0)

	start := time.Now()
	err := s.Wait(50*time.Millisecond, 1)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Wait() = %v, want ErrTimedOut", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Wait() returned after %v, expected ~50ms", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("Wait() took %v, expected ~50ms", elapsed)
	}
}

func TestSemaphore_SignalWakesWaiter(t *testing.T) {
	s := NewSemaphore(0)
	done := make(chan error, 1)

	go func() {
		done <- s.Wait(-1, 2)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Signal(1)

	select {
	case err := <-done:
		t.Fatalf("Wait() returned early with %v while count < need", err)
	case <-time.After(20 * time.Millisecond):
	}

	s.Signal(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Signal")
	}
}

func TestSemaphore_SignalWakesAllEligibleWaiters(t *testing.T) {
	s := NewSemaphore(0)

	const waiters = 8
	var wg sync.WaitGroup
	errs := make(chan error, waiters)

	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Wait(time.Second, 1)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	s.Signal(waiters)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Wait() = %v, want nil", err)
		}
	}
}

func TestSemaphore_WaitContextCancelled(t *testing.T) {
	s := NewSemaphore(0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- s.WaitContext(ctx, 1)
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("WaitContext() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitContext did not observe cancellation")
	}
}

func TestSemaphore_WaitTimeoutContext(t *testing.T) {
	s := NewSemaphore(0)

	err := s.WaitTimeoutContext(context.Background(), 10*time.Millisecond, 1)
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("WaitTimeoutContext() = %v, want ErrTimedOut", err)
	}

	s.Signal(1)
	if err := s.WaitTimeoutContext(context.Background(), 10*time.Millisecond, 1); err != nil {
		t.Errorf("WaitTimeoutContext() = %v, want nil", err)
	}
}

func TestSemaphore_ConcurrentSignalUnsignal(t *testing.T) {
	s := NewSemaphore(0)

	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				s.Signal(1)
			}
		}()
	}
	wg.Wait()

	if got := s.Count(); got != producers*perProducer {
		t.Fatalf("Count() = %d, want %d", got, producers*perProducer)
	}

	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				s.Unsignal(1)
			}
		}()
	}
	wg.Wait()

	if got := s.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}
