package stage

import (
	"math/bits"
	"sync"

	"github.com/aradilov/ringbuffer"
	"github.com/utkarsh5026/stageflow/internal/syncx"
)

// MaxQueueCapacity is the largest capacity WithMaxQueueCapacity accepts.
const MaxQueueCapacity = 1 << 40

// minRingSize is the ring a queue starts with and shrinks back to once empty.
const minRingSize = 64

// taskQueue is the bounded FIFO of a stage. The ring starts small and doubles
// as tasks arrive; size enforces the logical capacity. size and the ring only
// change together under mu, and every change is mirrored on sem before mu is
// released, so sem.Count() == size at each commit.
//
// Full and not-full transitions are numbered under mu. Their hooks run one
// at a time in that order, outside mu, through runEdge.
type taskQueue[T any] struct {
	mu       sync.Mutex
	ring     *ringbuffer.MPMC[T]
	baseRing uint64
	size     int
	capacity int
	full     bool // a push was rejected and no pop has happened since
	inflight int  // tasks claimed by workers and not yet released
	edges    uint64

	hookMu   sync.Mutex
	hookCond *sync.Cond
	turn     uint64 // next edge whose hook may run

	sem *syncx.Semaphore
}

func newTaskQueue[T any](capacity int) *taskQueue[T] {
	base := uint64(max(min(nextPowerOfTwo(capacity), minRingSize), 2))
	q := &taskQueue[T]{
		ring:     ringbuffer.NewMPMC[T](base),
		baseRing: base,
		capacity: capacity,
		turn:     1,
		sem:      syncx.NewSemaphore(0),
	}
	q.hookCond = sync.NewCond(&q.hookMu)
	return q
}

// push admits the whole batch or nothing. A non-zero edge marks the
// rejection that starts a full episode; the caller must pass it to runEdge.
func (q *taskQueue[T]) push(batch []T) (size int, edge uint64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size+len(batch) > q.capacity {
		if !q.full {
			q.full = true
			q.edges++
			edge = q.edges
		}
		debugLog("push rejected: size=%d incoming=%d capacity=%d edge=%d", q.size, len(batch), q.capacity, edge)
		return q.size, edge, ErrQueueFull
	}

	q.reserve(q.size + len(batch))
	for _, t := range batch {
		if !q.ring.Enqueue(t) {
			panic("BUG: stage ring overflow below logical capacity")
		}
	}
	q.size += len(batch)
	q.sem.Signal(len(batch))

	return q.size, 0, nil
}

// reserve grows the ring to hold need tasks. Called with mu held.
func (q *taskQueue[T]) reserve(need int) {
	if uint64(need) <= q.ring.Capacity() {
		return
	}
	q.resize(uint64(nextPowerOfTwo(need)))
}

// resize moves the queued tasks into a fresh ring of n slots. The old ring
// and the references left in its slots are dropped. Called with mu held.
func (q *taskQueue[T]) resize(n uint64) {
	ring := ringbuffer.NewMPMC[T](n)
	for {
		t, ok := q.ring.Dequeue()
		if !ok {
			break
		}
		ring.Enqueue(t)
	}
	debugLog("ring resized: %d -> %d slots, size=%d", q.ring.Capacity(), n, q.size)
	q.ring = ring
}

// pop removes up to n tasks. A non-zero edge marks the pop that ends a full
// episode; the caller must pass it to runEdge. With claim the tasks count as
// in flight until release.
func (q *taskQueue[T]) pop(n int, claim bool) (batch []T, size int, edge uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.full {
		q.full = false
		q.edges++
		edge = q.edges
	}

	take := min(n, q.size)
	if take > 0 {
		batch = make([]T, 0, take)
	}
	for range take {
		t, ok := q.ring.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, t)
	}

	q.size -= len(batch)
	if claim {
		q.inflight += len(batch)
	}
	q.sem.Unsignal(len(batch))
	if q.size == 0 && q.ring.Capacity() > q.baseRing {
		q.resize(q.baseRing)
	}
	debugLog("pop: took=%d requested=%d size=%d", len(batch), n, q.size)

	return batch, q.size, edge
}

// runEdge runs fn for the given full or not-full edge once every earlier
// edge has run its hook. fn must not cause another edge on the same queue.
func (q *taskQueue[T]) runEdge(edge uint64, fn func()) {
	q.hookMu.Lock()
	for q.turn != edge {
		q.hookCond.Wait()
	}
	q.hookMu.Unlock()

	defer func() {
		q.hookMu.Lock()
		q.turn++
		q.hookCond.Broadcast()
		q.hookMu.Unlock()
	}()
	fn()
}

// release ends the in-flight period of n claimed tasks.
func (q *taskQueue[T]) release(n int) {
	q.mu.Lock()
	q.inflight -= n
	q.mu.Unlock()
}

// idle reports whether nothing is queued or in flight.
func (q *taskQueue[T]) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == 0 && q.inflight == 0
}

func (q *taskQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// ringSlots returns the current ring size.
func (q *taskQueue[T]) ringSlots() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Capacity()
}

// nextPowerOfTwo returns the next power of 2 >= n. n must not exceed
// MaxQueueCapacity.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
