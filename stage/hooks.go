package stage

import "context"

// Handler is the processing hook of a stage. HandleTask receives a batch
// popped by a worker and returns the batch to forward downstream: the same
// slice (possibly mutated in place), a filtered or transformed slice, or nil
// to forward nothing.
//
// ctx is cancelled when the worker is asked to quit.
type Handler[T any] interface {
	HandleTask(ctx context.Context, batch []T) []T
}

// QueueFullHandler is implemented by handlers that want to know when the
// queue starts rejecting pushes. It fires once per full episode.
type QueueFullHandler interface {
	OnQueueFull()
}

// QueueNotFullHandler is implemented by handlers that want to know when a
// pop ends a full episode.
type QueueNotFullHandler interface {
	OnQueueNotFull()
}

// TimeoutHandler is implemented by handlers that want to run when a worker
// polled an empty queue for the whole poll timeout.
type TimeoutHandler interface {
	HandleTimeout()
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc[T any] func(ctx context.Context, batch []T) []T

// HandleTask calls f.
func (f HandlerFunc[T]) HandleTask(ctx context.Context, batch []T) []T {
	return f(ctx, batch)
}

// Hooks bundles optional functions for every hook. Nil fields are no-ops;
// a nil Task forwards batches unchanged.
type Hooks[T any] struct {
	Task         func(ctx context.Context, batch []T) []T
	QueueFull    func()
	QueueNotFull func()
	Timeout      func()
}

// HandleTask calls h.Task.
func (h Hooks[T]) HandleTask(ctx context.Context, batch []T) []T {
	if h.Task == nil {
		return batch
	}
	return h.Task(ctx, batch)
}

// OnQueueFull calls h.QueueFull.
func (h Hooks[T]) OnQueueFull() {
	if h.QueueFull != nil {
		h.QueueFull()
	}
}

// OnQueueNotFull calls h.QueueNotFull.
func (h Hooks[T]) OnQueueNotFull() {
	if h.QueueNotFull != nil {
		h.QueueNotFull()
	}
}

// HandleTimeout calls h.Timeout.
func (h Hooks[T]) HandleTimeout() {
	if h.Timeout != nil {
		h.Timeout()
	}
}

type passthrough[T any] struct{}

func (passthrough[T]) HandleTask(_ context.Context, batch []T) []T { return batch }
