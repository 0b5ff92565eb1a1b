package stage

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Push when admitting the tasks would exceed
	// the queue capacity. Nothing from the rejected batch is queued.
	ErrQueueFull = errors.New("stage: queue is full")

	// ErrTimedOut is returned by PopBatch when no task arrived before the
	// timeout.
	ErrTimedOut = errors.New("stage: timed out waiting for tasks")

	// ErrQueueEmpty is returned by PopBatch when tasks were signalled but a
	// concurrent consumer drained them first.
	ErrQueueEmpty = errors.New("stage: queue is empty")

	// ErrInvalidArgument reports caller misuse: empty batches, nil or
	// duplicate downstream stages.
	ErrInvalidArgument = errors.New("stage: invalid argument")

	// ErrCycle is returned by AddDownstream when the new link would make the
	// stage graph cyclic. It matches ErrInvalidArgument with errors.Is.
	ErrCycle = fmt.Errorf("%w: downstream link would create a cycle", ErrInvalidArgument)
)
