package stage

import "time"

// Metrics receives stage events. Implementations must be safe for concurrent
// use; the stage calls them from producers and workers alike.
type Metrics interface {
	// RecordQueueDepth reports the queue length after a push or pop.
	RecordQueueDepth(stage string, depth int)

	// RecordRejected reports tasks refused by Push. reason is "queue_full"
	// or "invalid".
	RecordRejected(stage string, reason string, tasks int)

	// RecordQueueFull reports the start of a full episode.
	RecordQueueFull(stage string)

	// RecordBatch reports a batch handled by a worker and how long the
	// handler took.
	RecordBatch(stage string, size int, duration time.Duration)

	// RecordTimeout reports an idle poll that ended without tasks.
	RecordTimeout(stage string)

	// RecordWorkers reports the current number of registered workers.
	RecordWorkers(stage string, count int)

	// RecordHookPanic reports a recovered panic inside a hook.
	RecordHookPanic(stage string, hook string)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) RecordQueueDepth(string, int) {}
func (NopMetrics) RecordRejected(string, string, int) {}
func (NopMetrics) RecordQueueFull(string) {}
func (NopMetrics) RecordBatch(string, int, time.Duration) {}
func (NopMetrics) RecordTimeout(string) {}
func (NopMetrics) RecordWorkers(string, int) {}
func (NopMetrics) RecordHookPanic(string, string) {}

const (
	reasonQueueFull = "queue_full"
	reasonInvalid   = "invalid"
)
