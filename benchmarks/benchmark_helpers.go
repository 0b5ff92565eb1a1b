// Package benchmarks measures stage and pipeline throughput under different
// batch sizes, worker counts and topologies.
package benchmarks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/utkarsh5026/stageflow/stage"
)

// cpuBoundWork simulates a CPU-intensive handler.
func cpuBoundWork(iterations int) stage.HandlerFunc[int] {
	return func(_ context.Context, batch []int) []int {
		for i, task := range batch {
			result := 0
			for j := 0; j < iterations; j++ {
				result += j * task
			}
			batch[i] = result
		}
		return batch
	}
}

// ioBoundWork simulates one blocking call per batch.
func ioBoundWork(delay time.Duration) stage.HandlerFunc[int] {
	return func(ctx context.Context, batch []int) []int {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		return batch
	}
}

// counter is a sink handler that counts the tasks it receives.
type counter struct {
	n atomic.Int64
}

func (c *counter) HandleTask(_ context.Context, batch []int) []int {
	c.n.Add(int64(len(batch)))
	return nil
}

// pushAll pushes tasks into s in chunks of chunk, waiting while the queue is
// full.
func pushAll(b *testing.B, s *stage.Stage[int], tasks, chunk int) {
	b.Helper()

	buf := make([]int, 0, chunk)
	for i := 0; i < tasks; i++ {
		buf = append(buf, i)
		if len(buf) < chunk && i < tasks-1 {
			continue
		}
		if err := s.PushWait(context.Background(), buf); err != nil {
			b.Fatalf("push failed: %v", err)
		}
		buf = make([]int, 0, chunk)
	}
}

// waitCount spins until c has seen want tasks.
func waitCount(b *testing.B, c *counter, want int64) {
	b.Helper()

	deadline := time.Now().Add(30 * time.Second)
	for c.n.Load() < want {
		if time.Now().After(deadline) {
			b.Fatalf("sink saw %d of %d tasks", c.n.Load(), want)
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// stageOpts returns the common options for a benchmark stage.
func stageOpts(batch, capacity int) []stage.Option {
	return []stage.Option{
		stage.WithBatchSize(batch),
		stage.WithMaxQueueCapacity(capacity),
		stage.WithPollTimeout(time.Millisecond),
	}
}
