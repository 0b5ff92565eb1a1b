// Package stage provides a generic, bounded task queue drained in batches by
// a pool of workers, and a way to chain such queues into a pipeline.
//
// The primary type is Stage[T]. Producers push tasks into its queue; workers
// pop up to BatchSize tasks at a time, hand them to the stage's Handler and
// push whatever the handler returns into every downstream stage.
//
// # Basic Usage
//
//	parse := stage.New[*Record](stage.HandlerFunc[*Record](parseRecords),
//	    stage.WithName("parse"),
//	    stage.WithBatchSize(16),
//	)
//	store := stage.New[*Record](storeHandler{db}, stage.WithName("store"))
//
//	if err := parse.AddDownstream(store); err != nil {
//	    return err
//	}
//	parse.BeginWorkers(4)
//	store.BeginWorkers(2)
//	defer parse.Close()
//	defer store.Close()
//
//	err := parse.Push(rec) // ErrQueueFull when the queue is at capacity
//
// # Backpressure
//
// The queue never grows past its capacity. Push and PushBatch reject with
// ErrQueueFull instead of blocking, and a rejected batch leaves the queue
// untouched. PushWait retries with backoff until the batch fits. Handlers
// implementing QueueFullHandler and QueueNotFullHandler are told when a full
// episode starts and ends; each fires once per episode, not once per push.
//
// Forwarding is best effort: a full downstream stage drops the batch for
// itself only, and the upstream stage does not slow down.
//
// # Workers
//
// BeginWorkers starts workers up to WithMaxWorkers. Each idle worker polls
// for tasks for WithPollTimeout and then runs the TimeoutHandler hook.
// EndWorker and EndAllWorkers stop workers synchronously (wait for exit) or
// asynchronously. A worker that is stopped while holding a batch still
// handles it before exiting.
//
// # Pipelines
//
// AddDownstream refuses links that would make the graph cyclic. For an owner
// that manages the lifetime of many stages see package pipeline.
//
// # Configuration Options
//
//   - WithBatchSize(n): tasks per pop (default 1)
//   - WithMaxQueueCapacity(n): queue bound (default 1024)
//   - WithMaxWorkers(n): worker cap (default 1024)
//   - WithPollTimeout(d): idle poll duration, negative for infinite (default 10ms)
//   - WithRateLimit(tasksPerSecond, burst): throttle handling
//   - WithPushBackoff(kind, initial, max, jitter): PushWait retry delays
//   - WithWorkerInit(fn): per-worker setup that may fail
//   - WithCPUAffinity(): lock each worker to a pinned OS thread
//   - WithLogger(l), WithMetrics(m): observability sinks
package stage
