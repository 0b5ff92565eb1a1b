package stage

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/utkarsh5026/stageflow/internal/cpu"
	"github.com/utkarsh5026/stageflow/internal/syncx"
)

// WorkerState is the lifecycle position of a worker.
type WorkerState int32

const (
	WorkerCreated WorkerState = iota
	WorkerRunning
	WorkerQuitting
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerRunning:
		return "running"
	case WorkerQuitting:
		return "quitting"
	case WorkerTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WorkerHandle identifies one worker goroutine of a stage and carries its
// quit flag. Handles are created by BeginWorkers and passed to EndWorker.
type WorkerHandle struct {
	id   int64
	slot int

	started *syncx.Event // set by the spawner once the handle is registered
	quit    atomic.Bool
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{} // closed when the goroutine has returned
}

// ID returns the worker's identifier, unique within its stage.
func (h *WorkerHandle) ID() int64 { return h.id }

// State returns the current lifecycle state.
func (h *WorkerHandle) State() WorkerState { return WorkerState(h.state.Load()) }

// QuitRequested reports whether the worker has been asked to stop.
func (h *WorkerHandle) QuitRequested() bool { return h.quit.Load() }

// Done returns a channel closed once the worker goroutine has exited.
func (h *WorkerHandle) Done() <-chan struct{} { return h.done }

func (h *WorkerHandle) requestQuit() {
	if h.quit.CompareAndSwap(false, true) {
		h.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerQuitting))
	}
	h.cancel()
}

// spawn starts a worker goroutine and waits until it has run its
// initialization. The goroutine does not enter its loop before the caller
// sets h.started, so the handle is always registered before any task runs.
func (s *Stage[T]) spawn() (*WorkerHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	id := s.workerSeq.Add(1)

	h := &WorkerHandle{
		id:      id,
		slot:    int(id - 1),
		started: syncx.NewEvent(false),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	ready := make(chan error, 1)
	go s.runWorker(ctx, h, ready)

	if err := <-ready; err != nil {
		cancel()
		<-h.done
		return nil, err
	}
	return h, nil
}

func (s *Stage[T]) runWorker(ctx context.Context, h *WorkerHandle, ready chan<- error) {
	defer close(h.done)

	release, err := s.initWorker(h.slot)
	if err != nil {
		h.state.Store(int32(WorkerTerminated))
		ready <- err
		return
	}
	defer release()
	ready <- nil

	if err := h.started.WaitContext(ctx); err != nil {
		h.state.Store(int32(WorkerTerminated))
		return
	}
	h.state.CompareAndSwap(int32(WorkerCreated), int32(WorkerRunning))
	s.conf.logger.Debug("worker started", F("stage", s.name), F("worker", h.id))

	defer func() {
		h.state.Store(int32(WorkerTerminated))
		n := s.removeWorker(h)
		s.conf.metrics.RecordWorkers(s.name, n)
		s.conf.logger.Debug("worker exited", F("stage", s.name), F("worker", h.id))
	}()

	for {
		batch, err := s.popBatch(ctx, s.conf.pollTimeout, true)

		if h.quit.Load() {
			// Tasks already dequeued are handled so none are lost on shutdown.
			if len(batch) > 0 {
				s.process(context.WithoutCancel(ctx), batch)
			}
			return
		}

		switch {
		case err == nil:
			s.process(ctx, batch)
		case errors.Is(err, ErrTimedOut):
			s.handleTimeout()
		}
	}
}

func (s *Stage[T]) initWorker(slot int) (release func(), err error) {
	release = func() {}

	if s.conf.pinWorkers {
		if release, err = cpu.Pin(slot); err != nil {
			return nil, err
		}
	}

	if s.conf.workerInit != nil {
		if err := s.conf.workerInit(slot); err != nil {
			release()
			return nil, err
		}
	}

	return release, nil
}

// removeWorker drops h from the worker list if it is still there and returns
// the remaining count.
func (s *Stage[T]) removeWorker(h *WorkerHandle) int {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	for i, w := range s.workers {
		if w == h {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			break
		}
	}
	return len(s.workers)
}

// BeginWorkers starts up to n workers without exceeding the configured
// maximum. It returns how many were started; fewer than n means the cap was
// reached or a worker failed to initialize. Workers that failed are never
// registered and workers already started are kept.
func (s *Stage[T]) BeginWorkers(n int) int {
	if n <= 0 {
		return 0
	}

	s.workerMu.Lock()
	defer s.workerMu.Unlock()

	created := 0
	for created < n && len(s.workers) < s.conf.maxWorkers {
		h, err := s.spawn()
		if err != nil {
			s.conf.logger.Warn("worker init failed, stopping spawn",
				F("stage", s.name), F("requested", n), F("created", created), F("error", err))
			break
		}

		s.workers = append(s.workers, h)
		h.started.Set()
		created++
	}

	s.conf.metrics.RecordWorkers(s.name, len(s.workers))
	return created
}

// EndWorker asks h to stop. With sync it blocks until the worker goroutine
// has exited and is no longer listed; otherwise it returns immediately and
// the worker removes itself when it finishes.
//
// A worker blocked in a poll is woken right away. Calling EndWorker with sync
// from the worker's own hook deadlocks.
func (s *Stage[T]) EndWorker(h *WorkerHandle, sync bool) {
	if h == nil {
		return
	}

	h.requestQuit()
	if sync {
		<-h.done
		s.removeWorker(h)
	}
}

// EndAllWorkers stops every worker. The list is detached under the lock and
// the workers are ended outside it, so exiting workers can still take the
// lock to remove themselves.
func (s *Stage[T]) EndAllWorkers(sync bool) {
	s.workerMu.Lock()
	if len(s.workers) == 0 {
		s.workerMu.Unlock()
		return
	}
	workers := s.workers
	s.workers = nil
	s.workerMu.Unlock()

	for _, h := range workers {
		h.requestQuit()
	}
	if sync {
		for _, h := range workers {
			<-h.done
		}
	}

	s.conf.metrics.RecordWorkers(s.name, s.WorkerCount())
	s.conf.logger.Debug("workers ended", F("stage", s.name), F("count", len(workers)), F("sync", sync))
}

// WorkerCount returns the number of registered workers.
func (s *Stage[T]) WorkerCount() int {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return len(s.workers)
}

// Workers returns a snapshot of the registered worker handles.
func (s *Stage[T]) Workers() []*WorkerHandle {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return append([]*WorkerHandle(nil), s.workers...)
}
