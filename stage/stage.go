package stage

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/utkarsh5026/stageflow/internal/backoff"
	"github.com/utkarsh5026/stageflow/internal/syncx"
)

var stageSeq atomic.Int64

// Stage is a bounded task queue drained in batches by a pool of workers.
// Every batch a worker pops is passed to the stage's Handler and the result
// is pushed into each downstream stage.
//
// The queue-full and queue-not-full hooks of one stage run one at a time, in
// the order the queue changed state. They must not push to or pop from their
// own stage. A popped slot keeps its task until the slot is reused or the
// queue drains and shrinks its ring; a drained queue holds at most 64 stale
// references.
//
// Type parameters:
//   - T: The task type. Use a pointer type to share tasks between stages
//     without copying.
type Stage[T any] struct {
	conf *config
	id   int64
	name string

	handler       Handler[T]
	onFull        func()
	onNotFull     func()
	onPollTimeout func()

	queue *taskQueue[T]

	workerMu  sync.Mutex
	workers   []*WorkerHandle
	workerSeq atomic.Int64

	linkMu sync.RWMutex
	next   []*Stage[T]

	stats counters
}

type counters struct {
	pushed          atomic.Int64
	popped          atomic.Int64
	rejected        atomic.Int64
	fullEpisodes    atomic.Int64
	forwarded       atomic.Int64
	forwardRejected atomic.Int64
	timeouts        atomic.Int64
	batches         atomic.Int64
	handled         atomic.Int64
	hookPanics      atomic.Int64
}

// Stats is a point-in-time view of a stage.
type Stats struct {
	ID              int64
	Name            string
	Queued          int
	Capacity        int
	Workers         int
	Downstream      int
	Pushed          int64 // tasks admitted by Push
	Popped          int64 // tasks removed by PopBatch
	Rejected        int64 // tasks refused with ErrQueueFull
	FullEpisodes    int64
	Forwarded       int64 // tasks accepted by downstream stages
	ForwardRejected int64 // downstream pushes that were refused
	Timeouts        int64
	Batches         int64
	Handled         int64 // tasks whose batch finished handling and forwarding
	HookPanics      int64
}

// New creates a stage that processes batches with handler. A nil handler
// forwards every batch unchanged. No workers run until BeginWorkers.
//
// Default configuration:
//   - batch size 1
//   - queue capacity 1024
//   - at most 1024 workers
//   - poll timeout 10ms
//
// Example:
//
//	s := stage.New[*Order](stage.HandlerFunc[*Order](validate),
//	    stage.WithName("validate"),
//	    stage.WithBatchSize(32),
//	    stage.WithMaxQueueCapacity(4096),
//	)
//	s.BeginWorkers(4)
//	defer s.Close()
func New[T any](handler Handler[T], opts ...Option) *Stage[T] {
	cfg := newConfig(opts...)

	id := cfg.id
	if id == 0 {
		id = stageSeq.Add(1)
	}
	name := cfg.name
	if name == "" {
		name = fmt.Sprintf("stage-%d", id)
	}

	if handler == nil {
		handler = passthrough[T]{}
	}

	s := &Stage[T]{
		conf:    cfg,
		id:      id,
		name:    name,
		handler: handler,
		queue:   newTaskQueue[T](cfg.maxQueueCapacity),
	}

	if h, ok := handler.(QueueFullHandler); ok {
		s.onFull = h.OnQueueFull
	}
	if h, ok := handler.(QueueNotFullHandler); ok {
		s.onNotFull = h.OnQueueNotFull
	}
	if h, ok := handler.(TimeoutHandler); ok {
		s.onPollTimeout = h.HandleTimeout
	}

	return s
}

// ID returns the stage identifier.
func (s *Stage[T]) ID() int64 { return s.id }

// Name returns the stage name.
func (s *Stage[T]) Name() string { return s.name }

// String implements fmt.Stringer.
func (s *Stage[T]) String() string { return s.name }

// Len returns the number of queued tasks.
func (s *Stage[T]) Len() int { return s.queue.len() }

// Cap returns the queue capacity.
func (s *Stage[T]) Cap() int { return s.queue.capacity }

// BatchSize returns the maximum number of tasks per pop.
func (s *Stage[T]) BatchSize() int { return s.conf.batchSize }

// Push queues a single task. It returns ErrQueueFull when the queue is at
// capacity.
func (s *Stage[T]) Push(task T) error {
	return s.PushBatch([]T{task})
}

// PushBatch queues all tasks of batch or none of them.
//
// Returns:
//   - ErrInvalidArgument for an empty batch
//   - ErrQueueFull when the batch does not fit; the queue is unchanged and the
//     queue-full hook runs if this rejection starts a full episode
//   - nil otherwise
func (s *Stage[T]) PushBatch(batch []T) error {
	if len(batch) == 0 {
		s.conf.metrics.RecordRejected(s.name, reasonInvalid, 0)
		return fmt.Errorf("%w: empty batch", ErrInvalidArgument)
	}

	size, edge, err := s.queue.push(batch)
	if err != nil {
		s.stats.rejected.Add(int64(len(batch)))
		s.conf.metrics.RecordRejected(s.name, reasonQueueFull, len(batch))
		if edge != 0 {
			s.stats.fullEpisodes.Add(1)
			s.conf.metrics.RecordQueueFull(s.name)
			s.queue.runEdge(edge, func() {
				s.conf.logger.Warn("queue full", F("stage", s.name), F("size", size), F("capacity", s.queue.capacity))
				s.callHook("queue_full", s.onFull)
			})
		}
		return err
	}

	s.stats.pushed.Add(int64(len(batch)))
	s.conf.metrics.RecordQueueDepth(s.name, size)
	return nil
}

// PushWait is PushBatch that keeps retrying while the queue is full, sleeping
// between attempts according to the configured push backoff. It gives up
// when ctx ends. A batch larger than the capacity can never be admitted and
// is rejected with ErrInvalidArgument.
func (s *Stage[T]) PushWait(ctx context.Context, batch []T) error {
	if len(batch) > s.queue.capacity {
		return fmt.Errorf("%w: batch of %d exceeds capacity %d", ErrInvalidArgument, len(batch), s.queue.capacity)
	}

	bo := backoff.New(s.conf.backoffKind, s.conf.backoffInitial, s.conf.backoffMax, s.conf.backoffJitter)
	for attempt := 0; ; attempt++ {
		err := s.PushBatch(batch)
		if !errors.Is(err, ErrQueueFull) {
			return err
		}

		timer := time.NewTimer(bo.NextDelay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
		}
	}
}

// PopBatch removes up to BatchSize tasks, waiting up to timeout for the first
// one. A negative timeout waits forever.
//
// Returns ErrTimedOut when nothing arrived in time and ErrQueueEmpty when
// tasks were signalled but another consumer took them first. Fewer than
// BatchSize tasks are returned when fewer were queued.
func (s *Stage[T]) PopBatch(timeout time.Duration) ([]T, error) {
	return s.popBatch(context.Background(), timeout, false)
}

// popBatch is PopBatch bounded by ctx. Workers pass claim so the batch counts
// as in flight until process releases it.
func (s *Stage[T]) popBatch(ctx context.Context, timeout time.Duration, claim bool) ([]T, error) {
	waitErr := s.queue.sem.WaitTimeoutContext(ctx, timeout, 1)
	if waitErr != nil && !errors.Is(waitErr, syncx.ErrTimedOut) {
		return nil, waitErr
	}

	// Drain even after a timed-out wait: a push may have landed in between.
	batch, size, edge := s.queue.pop(s.conf.batchSize, claim)
	if edge != 0 {
		s.queue.runEdge(edge, func() {
			s.conf.logger.Info("queue no longer full", F("stage", s.name), F("size", size))
			s.callHook("queue_not_full", s.onNotFull)
		})
	}

	if len(batch) == 0 {
		if waitErr != nil {
			return nil, ErrTimedOut
		}
		return nil, ErrQueueEmpty
	}

	s.stats.popped.Add(int64(len(batch)))
	s.conf.metrics.RecordQueueDepth(s.name, size)
	return batch, nil
}

// process runs the handler on a popped batch and forwards its output.
func (s *Stage[T]) process(ctx context.Context, batch []T) {
	if lim := s.conf.rateLimiter; lim != nil {
		// An error only means ctx ended; the batch is still handled so no
		// dequeued task is dropped.
		for left := len(batch); left > 0; {
			n := min(left, lim.Burst())
			if lim.WaitN(ctx, n) != nil {
				break
			}
			left -= n
		}
	}

	start := time.Now()
	out, ok := s.handle(ctx, batch)
	s.stats.batches.Add(1)
	s.conf.metrics.RecordBatch(s.name, len(batch), time.Since(start))

	if ok {
		s.Forward(out)
	}
	s.stats.handled.Add(int64(len(batch)))
	s.queue.release(len(batch))
}

func (s *Stage[T]) handle(ctx context.Context, batch []T) (out []T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.recordPanic("handle_task", r)
			out, ok = nil, false
		}
	}()

	return s.handler.HandleTask(ctx, batch), true
}

func (s *Stage[T]) handleTimeout() {
	s.stats.timeouts.Add(1)
	s.conf.metrics.RecordTimeout(s.name)
	s.callHook("handle_timeout", s.onPollTimeout)
}

// callHook runs an optional hook, converting a panic into a logged event.
func (s *Stage[T]) callHook(name string, fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.recordPanic(name, r)
		}
	}()
	fn()
}

func (s *Stage[T]) recordPanic(hook string, r any) {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	s.stats.hookPanics.Add(1)
	s.conf.metrics.RecordHookPanic(s.name, hook)
	s.conf.logger.Error("hook panic recovered",
		F("stage", s.name), F("hook", hook), F("panic", r), F("stack", string(buf[:n])))
}

// Forward pushes batch into every downstream stage. Each push is
// independent: a downstream that is full rejects the batch without affecting
// the others, and nothing is reported back upstream. Returns the number of
// downstream stages that accepted the batch.
func (s *Stage[T]) Forward(batch []T) int {
	if len(batch) == 0 {
		return 0
	}

	accepted := 0
	for _, d := range s.Downstream() {
		if err := d.PushBatch(batch); err != nil {
			s.stats.forwardRejected.Add(1)
			s.conf.logger.Debug("forward rejected",
				F("stage", s.name), F("downstream", d.name), F("tasks", len(batch)), F("error", err))
			continue
		}
		s.stats.forwarded.Add(int64(len(batch)))
		accepted++
	}
	return accepted
}

// Stats returns a snapshot of the stage counters.
func (s *Stage[T]) Stats() Stats {
	s.linkMu.RLock()
	downstream := len(s.next)
	s.linkMu.RUnlock()

	return Stats{
		ID:              s.id,
		Name:            s.name,
		Queued:          s.queue.len(),
		Capacity:        s.queue.capacity,
		Workers:         s.WorkerCount(),
		Downstream:      downstream,
		Pushed:          s.stats.pushed.Load(),
		Popped:          s.stats.popped.Load(),
		Rejected:        s.stats.rejected.Load(),
		FullEpisodes:    s.stats.fullEpisodes.Load(),
		Forwarded:       s.stats.forwarded.Load(),
		ForwardRejected: s.stats.forwardRejected.Load(),
		Timeouts:        s.stats.timeouts.Load(),
		Batches:         s.stats.batches.Load(),
		Handled:         s.stats.handled.Load(),
		HookPanics:      s.stats.hookPanics.Load(),
	}
}

// Idle reports whether the queue is empty and no worker is still handling or
// forwarding a batch. Batches taken with PopBatch are not tracked.
func (s *Stage[T]) Idle() bool {
	return s.queue.idle()
}

// Close stops all workers and waits for them to exit. Queued tasks stay in
// the queue.
func (s *Stage[T]) Close() {
	s.EndAllWorkers(true)
}
