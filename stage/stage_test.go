package stage

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/utkarsh5026/stageflow/internal/backoff"
)

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func seq(from, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = from + i
	}
	return out
}

func TestPush_WithinCapacity(t *testing.T) {
	s := New[int](nil, WithMaxQueueCapacity(100))

	total := 0
	for _, n := range []int{1, 7, 30, 2, 60} {
		if err := s.PushBatch(seq(total, n)); err != nil {
			t.Fatalf("PushBatch(%d) = %v, want nil", n, err)
		}
		total += n

		if got := s.Len(); got != total {
			t.Fatalf("Len() = %d, want %d", got, total)
		}
		if got := s.queue.sem.Count(); got != total {
			t.Fatalf("semaphore count = %d, want %d", got, total)
		}
	}
}

func TestPush_EmptyBatchIsInvalid(t *testing.T) {
	s := New[int](nil)

	for _, batch := range [][]int{nil, {}} {
		if err := s.PushBatch(batch); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("PushBatch(%v) = %v, want ErrInvalidArgument", batch, err)
		}
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestPush_OverCapacityLeavesQueueUnchanged(t *testing.T) {
	s := New[int](nil, WithMaxQueueCapacity(5), WithBatchSize(10))

	if err := s.PushBatch([]int{1, 2, 3}); err != nil {
		t.Fatalf("PushBatch() = %v", err)
	}
	if err := s.PushBatch([]int{4, 5, 6}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("PushBatch() = %v, want ErrQueueFull", err)
	}
	if got := s.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	batch, err := s.PopBatch(0)
	if err != nil {
		t.Fatalf("PopBatch() = %v", err)
	}
	if !slices.Equal(batch, []int{1, 2, 3}) {
		t.Errorf("PopBatch() = %v, want [1 2 3]", batch)
	}
}

func TestPush_QueueFullHookIsEdgeTriggered(t *testing.T) {
	var full, notFull atomic.Int32
	s := New[int](Hooks[int]{
		QueueFull:    func() { full.Add(1) },
		QueueNotFull: func() { notFull.Add(1) },
	}, WithMaxQueueCapacity(2))

	_ = s.PushBatch([]int{1, 2})
	for range 5 {
		if err := s.Push(3); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("Push() = %v, want ErrQueueFull", err)
		}
	}
	if got := full.Load(); got != 1 {
		t.Fatalf("queue-full hook ran %d times during one episode, want 1", got)
	}

	if _, err := s.PopBatch(0); err != nil {
		t.Fatalf("PopBatch() = %v", err)
	}
	if got := notFull.Load(); got != 1 {
		t.Fatalf("queue-not-full hook ran %d times, want 1", got)
	}

	_ = s.Push(4)
	for range 3 {
		_ = s.Push(5)
	}
	if got := full.Load(); got != 2 {
		t.Errorf("queue-full hook ran %d times over two episodes, want 2", got)
	}
	if got := s.Stats().FullEpisodes; got != 2 {
		t.Errorf("FullEpisodes = %d, want 2", got)
	}
}

// slowWarnLogger stalls inside Warn so a pop can race the queue-full hook.
type slowWarnLogger struct {
	NopLogger
	entered chan struct{}
}

func (l *slowWarnLogger) Warn(string, ...Field) {
	select {
	case l.entered <- struct{}{}:
	default:
	}
	time.Sleep(50 * time.Millisecond)
}

func TestQueueHooks_RunInTransitionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(ev string) func() {
		return func() {
			mu.Lock()
			order = append(order, ev)
			mu.Unlock()
		}
	}

	logger := &slowWarnLogger{entered: make(chan struct{}, 1)}
	s := New[int](Hooks[int]{
		QueueFull:    record("full"),
		QueueNotFull: record("not_full"),
	}, WithMaxQueueCapacity(1), WithLogger(logger))

	if err := s.Push(1); err != nil {
		t.Fatalf("Push(1) = %v", err)
	}

	rejected := make(chan error, 1)
	go func() { rejected <- s.Push(2) }()

	<-logger.entered
	if _, err := s.PopBatch(0); err != nil {
		t.Fatalf("PopBatch() = %v", err)
	}
	if err := <-rejected; !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Push(2) = %v, want ErrQueueFull", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"full", "not_full"}; !slices.Equal(order, want) {
		t.Errorf("hook order = %v, want %v (queue len %d)", order, want, s.Len())
	}
}

func TestQueue_RingGrowsAndShrinks(t *testing.T) {
	s := New[int](nil, WithMaxQueueCapacity(1<<62), WithBatchSize(1000))

	if got := s.Cap(); got != MaxQueueCapacity {
		t.Fatalf("Cap() = %d, want %d", got, MaxQueueCapacity)
	}
	if got := s.queue.ringSlots(); got != minRingSize {
		t.Fatalf("empty ring has %d slots, want %d", got, minRingSize)
	}

	// Wrap the small ring before it has to grow.
	_ = s.PushBatch(seq(0, 50))
	if batch, _ := s.PopBatch(0); len(batch) != 50 {
		t.Fatalf("popped %d tasks, want 50", len(batch))
	}
	_ = s.PushBatch(seq(50, 40))
	if err := s.PushBatch(seq(90, 900)); err != nil {
		t.Fatalf("PushBatch() = %v", err)
	}
	if got := s.queue.ringSlots(); got != 1024 {
		t.Errorf("ring has %d slots for 940 tasks, want 1024", got)
	}

	batch, err := s.PopBatch(0)
	if err != nil {
		t.Fatalf("PopBatch() = %v", err)
	}
	if !slices.Equal(batch, seq(50, 940)) {
		t.Errorf("tasks out of order after growth: first=%v len=%d", batch[:3], len(batch))
	}
	if got := s.queue.ringSlots(); got != minRingSize {
		t.Errorf("drained ring has %d slots, want %d", got, minRingSize)
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {64, 64}, {65, 128}, {MaxQueueCapacity, MaxQueueCapacity},
	}
	for _, tt := range tests {
		if got := nextPowerOfTwo(tt.in); got != tt.want {
			t.Errorf("nextPowerOfTwo(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQueueFullScenario(t *testing.T) {
	var full, notFull atomic.Int32
	s := New[int](Hooks[int]{
		QueueFull:    func() { full.Add(1) },
		QueueNotFull: func() { notFull.Add(1) },
	}, WithMaxQueueCapacity(10), WithBatchSize(4))

	if err := s.PushBatch(seq(0, 3)); err != nil {
		t.Fatalf("push 3: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}

	if err := s.PushBatch(seq(3, 8)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("push 8: %v, want ErrQueueFull", err)
	}
	if s.Len() != 3 || full.Load() != 1 {
		t.Fatalf("after rejected push: Len()=%d full=%d, want 3 and 1", s.Len(), full.Load())
	}

	batch, err := s.PopBatch(0)
	if err != nil {
		t.Fatalf("PopBatch() = %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("PopBatch() returned %d tasks, want 3", len(batch))
	}
	if s.Len() != 0 || notFull.Load() != 1 {
		t.Fatalf("after pop: Len()=%d notFull=%d, want 0 and 1", s.Len(), notFull.Load())
	}

	if err := s.PushBatch(seq(3, 8)); err != nil {
		t.Fatalf("push 8 after drain: %v", err)
	}
	if s.Len() != 8 {
		t.Errorf("Len() = %d, want 8", s.Len())
	}
}

func TestPopBatch_ShortBatchUnsignalsExactCount(t *testing.T) {
	s := New[int](nil, WithBatchSize(8))
	_ = s.PushBatch(seq(0, 5))

	batch, err := s.PopBatch(0)
	if err != nil {
		t.Fatalf("PopBatch() = %v", err)
	}
	if len(batch) != 5 {
		t.Fatalf("PopBatch() returned %d tasks, want 5", len(batch))
	}
	if got := s.queue.sem.Count(); got != 0 {
		t.Errorf("semaphore count = %d, want 0", got)
	}

	_ = s.PushBatch(seq(5, 12))
	batch, _ = s.PopBatch(0)
	if len(batch) != 8 {
		t.Fatalf("PopBatch() returned %d tasks, want 8", len(batch))
	}
	if got, want := s.queue.sem.Count(), s.Len(); got != want || got != 4 {
		t.Errorf("semaphore count = %d, Len() = %d, want both 4", got, want)
	}
}

func TestPopBatch_FIFO(t *testing.T) {
	s := New[int](nil, WithBatchSize(3))
	_ = s.PushBatch(seq(0, 7))

	var got []int
	for {
		batch, err := s.PopBatch(0)
		if err != nil {
			break
		}
		got = append(got, batch...)
	}

	if !slices.Equal(got, seq(0, 7)) {
		t.Errorf("popped %v, want %v", got, seq(0, 7))
	}
}

func TestPopBatch_TimesOutOnEmptyQueue(t *testing.T) {
	s := New[int](nil)

	start := time.Now()
	batch, err := s.PopBatch(50 * time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("PopBatch() = %v, want ErrTimedOut", err)
	}
	if len(batch) != 0 {
		t.Errorf("PopBatch() returned %v, want empty", batch)
	}
	if elapsed < 40*time.Millisecond || elapsed > time.Second {
		t.Errorf("PopBatch() returned after %v, want ~50ms", elapsed)
	}
}

func TestWorkers_ConserveTasks(t *testing.T) {
	const producers = 8
	const perProducer = 500

	var mu sync.Mutex
	seen := make(map[int]int)

	s := New[int](HandlerFunc[int](func(_ context.Context, batch []int) []int {
		mu.Lock()
		for _, v := range batch {
			seen[v]++
		}
		mu.Unlock()
		return batch
	}), WithBatchSize(16), WithMaxQueueCapacity(256), WithPollTimeout(5*time.Millisecond))

	if got := s.BeginWorkers(4); got != 4 {
		t.Fatalf("BeginWorkers(4) = %d", got)
	}
	defer s.Close()

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				task := p*perProducer + i
				for s.Push(task) != nil {
					time.Sleep(100 * time.Microsecond)
				}
			}
		}()
	}
	wg.Wait()

	total := producers * perProducer
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	})

	mu.Lock()
	defer mu.Unlock()
	for task, n := range seen {
		if n != 1 {
			t.Fatalf("task %d handled %d times", task, n)
		}
	}

	st := s.Stats()
	if st.Pushed != int64(total) || st.Popped != int64(total) {
		t.Errorf("Pushed=%d Popped=%d, want both %d", st.Pushed, st.Popped, total)
	}
}

func TestForward_FanOutIsIndependent(t *testing.T) {
	up := New[int](nil, WithName("up"), WithBatchSize(5))
	a := New[int](nil, WithName("a"))
	b := New[int](nil, WithName("b"), WithMaxQueueCapacity(2))

	if err := up.AddDownstream(a); err != nil {
		t.Fatal(err)
	}
	if err := up.AddDownstream(b); err != nil {
		t.Fatal(err)
	}

	_ = b.PushBatch([]int{-1, -2}) // b is full before anything is forwarded

	up.BeginWorkers(1)
	defer up.Close()

	if err := up.PushBatch(seq(0, 5)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool { return a.Len() == 5 })

	got, err := a.PopBatch(0)
	if err != nil {
		t.Fatal(err)
	}
	for len(got) < 5 {
		more, err := a.PopBatch(0)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, more...)
	}
	if !slices.Equal(got, seq(0, 5)) {
		t.Errorf("downstream a received %v, want %v", got, seq(0, 5))
	}

	if b.Len() != 2 {
		t.Errorf("full downstream b Len() = %d, want 2", b.Len())
	}
	st := up.Stats()
	if st.Forwarded != 5 || st.ForwardRejected != 1 {
		t.Errorf("Forwarded=%d ForwardRejected=%d, want 5 and 1", st.Forwarded, st.ForwardRejected)
	}
}

func TestForward_BothDownstreamsReceive(t *testing.T) {
	up := New[int](nil, WithBatchSize(5))
	a := New[int](nil, WithBatchSize(5))
	b := New[int](nil, WithBatchSize(5))
	_ = up.AddDownstream(a)
	_ = up.AddDownstream(b)

	_ = up.PushBatch(seq(0, 5))
	batch, err := up.PopBatch(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := up.Forward(batch); got != 2 {
		t.Fatalf("Forward() = %d, want 2", got)
	}

	for _, d := range []*Stage[int]{a, b} {
		got, err := d.PopBatch(0)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(got, seq(0, 5)) {
			t.Errorf("%s received %v, want %v", d, got, seq(0, 5))
		}
	}
}

func TestHandleTask_TransformsForwardedBatch(t *testing.T) {
	double := HandlerFunc[int](func(_ context.Context, batch []int) []int {
		for i := range batch {
			batch[i] *= 2
		}
		return batch
	})
	evens := HandlerFunc[int](func(_ context.Context, batch []int) []int {
		return slices.DeleteFunc(batch, func(v int) bool { return v%4 != 0 })
	})

	first := New[int](double, WithBatchSize(10))
	second := New[int](evens, WithBatchSize(10))
	sink := New[int](nil, WithBatchSize(10))
	_ = first.AddDownstream(second)
	_ = second.AddDownstream(sink)

	first.BeginWorkers(1)
	second.BeginWorkers(1)
	defer first.Close()
	defer second.Close()

	_ = first.PushBatch([]int{1, 2, 3, 4})

	waitFor(t, 2*time.Second, func() bool { return sink.Len() == 2 })
	got, _ := sink.PopBatch(0)
	if !slices.Equal(got, []int{4, 8}) {
		t.Errorf("sink received %v, want [4 8]", got)
	}
}

func TestAddDownstream_Validation(t *testing.T) {
	a := New[int](nil, WithName("a"))
	b := New[int](nil, WithName("b"))
	c := New[int](nil, WithName("c"))

	if err := a.AddDownstream(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("AddDownstream(nil) = %v, want ErrInvalidArgument", err)
	}
	if err := a.AddDownstream(a); !errors.Is(err, ErrCycle) {
		t.Errorf("AddDownstream(self) = %v, want ErrCycle", err)
	}
	if err := a.AddDownstream(b); err != nil {
		t.Fatalf("AddDownstream(b) = %v", err)
	}
	if err := a.AddDownstream(b); !errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrCycle) {
		t.Errorf("duplicate AddDownstream(b) = %v, want ErrInvalidArgument", err)
	}
	if err := b.AddDownstream(c); err != nil {
		t.Fatalf("AddDownstream(c) = %v", err)
	}
	if err := c.AddDownstream(a); !errors.Is(err, ErrCycle) {
		t.Errorf("c -> a = %v, want ErrCycle", err)
	}
	if !errors.Is(ErrCycle, ErrInvalidArgument) {
		t.Error("ErrCycle should match ErrInvalidArgument")
	}

	if got := a.Downstream(); len(got) != 1 || got[0] != b {
		t.Errorf("a.Downstream() = %v, want [b]", got)
	}
}

func TestRemoveDownstream(t *testing.T) {
	a := New[int](nil)
	b := New[int](nil)
	_ = a.AddDownstream(b)

	if !a.RemoveDownstream(b) {
		t.Fatal("RemoveDownstream(b) = false, want true")
	}
	if a.RemoveDownstream(b) {
		t.Error("second RemoveDownstream(b) = true, want false")
	}
	if got := a.Forward([]int{1}); got != 0 {
		t.Errorf("Forward() after removal = %d, want 0", got)
	}
	if err := b.AddDownstream(a); err != nil {
		t.Errorf("b -> a after unlinking = %v, want nil", err)
	}
}

func TestPushWait_AdmitsAfterDrain(t *testing.T) {
	s := New[int](nil, WithMaxQueueCapacity(4), WithBatchSize(4), WithPushBackoff(backoff.Exponential, time.Millisecond, 5*time.Millisecond, 0))
	_ = s.PushBatch(seq(0, 4))

	done := make(chan error, 1)
	go func() {
		done <- s.PushWait(context.Background(), seq(4, 3))
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.PopBatch(0); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PushWait() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PushWait did not complete after the queue drained")
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestPushWait_ContextAndOversize(t *testing.T) {
	s := New[int](nil, WithMaxQueueCapacity(2))
	_ = s.PushBatch([]int{1, 2})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.PushWait(ctx, []int{3})
	if !errors.Is(err, ErrQueueFull) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("PushWait() = %v, want ErrQueueFull and DeadlineExceeded", err)
	}

	if err := s.PushWait(context.Background(), seq(0, 3)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("PushWait(oversize) = %v, want ErrInvalidArgument", err)
	}
}
