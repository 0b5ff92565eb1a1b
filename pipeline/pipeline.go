// Package pipeline keeps a set of stages under stable identifiers and manages
// their links and workers as one unit.
//
// Stages link to each other directly (see stage.Stage.AddDownstream). A
// Pipeline adds ownership on top: removing a stage first unlinks it from every
// upstream so no producer can forward into it afterwards, and Start and Stop
// drive the workers of all registered stages.
//
// Example:
//
//	p := pipeline.New[*Order]()
//	parse, _ := p.Add(stage.New[*Order](parser), 4)
//	store, _ := p.Add(stage.New[*Order](writer), 2)
//	_ = p.Link(parse, store)
//
//	if err := p.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Stop(true)
//
//	_ = p.Push(parse, order)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/utkarsh5026/stageflow/stage"
)

// ErrStageNotFound is returned for identifiers that are not registered.
var ErrStageNotFound = errors.New("pipeline: stage not found")

// ErrPartialStart is returned by Start when a stage got fewer workers than it
// was registered with.
var ErrPartialStart = errors.New("pipeline: not all workers started")

// StageID identifies a stage within a Pipeline.
type StageID uuid.UUID

// String returns the canonical UUID form.
func (id StageID) String() string { return uuid.UUID(id).String() }

// ParseStageID parses the canonical UUID form produced by String.
func ParseStageID(s string) (StageID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return StageID{}, fmt.Errorf("%w: %w", stage.ErrInvalidArgument, err)
	}
	return StageID(u), nil
}

type entry[T any] struct {
	id       StageID
	stage    *stage.Stage[T]
	workers  int
	upstream map[StageID]struct{}
	down     map[StageID]struct{}
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	logger       stage.Logger
	idlePollRate time.Duration
}

// WithLogger sets the logger for registry events.
func WithLogger(l stage.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithIdlePollInterval sets how often WaitIdle checks the stages.
func WithIdlePollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idlePollRate = d
		}
	}
}

// Pipeline owns a graph of stages that process tasks of type T.
type Pipeline[T any] struct {
	opts options

	mu      sync.RWMutex
	entries map[StageID]*entry[T]
	order   []StageID
	running bool
	stopped chan struct{} // closed by Stop; ends the Start context watcher
}

// New creates an empty pipeline.
func New[T any](opts ...Option) *Pipeline[T] {
	o := options{
		logger:       stage.NopLogger{},
		idlePollRate: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Pipeline[T]{
		opts:    o,
		entries: make(map[StageID]*entry[T]),
	}
}

// Add registers s and the number of workers it should run. If the pipeline
// is already running the workers are started right away.
func (p *Pipeline[T]) Add(s *stage.Stage[T], workers int) (StageID, error) {
	if s == nil {
		return StageID{}, fmt.Errorf("%w: nil stage", stage.ErrInvalidArgument)
	}
	if workers < 0 {
		return StageID{}, fmt.Errorf("%w: negative worker count %d", stage.ErrInvalidArgument, workers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.stage == s {
			return StageID{}, fmt.Errorf("%w: stage %q already registered as %s", stage.ErrInvalidArgument, s.Name(), e.id)
		}
	}

	id := StageID(uuid.New())
	p.entries[id] = &entry[T]{
		id:       id,
		stage:    s,
		workers:  workers,
		upstream: make(map[StageID]struct{}),
		down:     make(map[StageID]struct{}),
	}
	p.order = append(p.order, id)

	if p.running {
		if got := s.BeginWorkers(workers); got < workers {
			p.opts.logger.Warn("stage started short of workers",
				stage.F("stage", s.Name()), stage.F("want", workers), stage.F("got", got))
		}
	}

	p.opts.logger.Debug("stage added", stage.F("stage", s.Name()), stage.F("id", id))
	return id, nil
}

// Link makes to a downstream of from. Links that would close a cycle are
// rejected with stage.ErrCycle.
func (p *Pipeline[T]) Link(from, to StageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, dst, err := p.pair(from, to)
	if err != nil {
		return err
	}
	if err := src.stage.AddDownstream(dst.stage); err != nil {
		return err
	}

	src.down[to] = struct{}{}
	dst.upstream[from] = struct{}{}
	return nil
}

// Unlink removes the link from -> to. It reports whether the link existed.
func (p *Pipeline[T]) Unlink(from, to StageID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, dst, err := p.pair(from, to)
	if err != nil {
		return false, err
	}
	return p.unlink(src, dst), nil
}

func (p *Pipeline[T]) unlink(src, dst *entry[T]) bool {
	delete(src.down, dst.id)
	delete(dst.upstream, src.id)
	return src.stage.RemoveDownstream(dst.stage)
}

func (p *Pipeline[T]) pair(from, to StageID) (*entry[T], *entry[T], error) {
	src, ok := p.entries[from]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrStageNotFound, from)
	}
	dst, ok := p.entries[to]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrStageNotFound, to)
	}
	return src, dst, nil
}

// Remove unregisters a stage and hands it back to the caller. The stage is
// unlinked from all of its upstreams before its workers are ended, so once
// Remove returns nothing forwards into it and no worker of it is running.
// Its own downstream links are dropped as well. Queued tasks stay in the
// returned stage.
func (p *Pipeline[T]) Remove(id StageID) (*stage.Stage[T], error) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, id)
	}

	for upID := range e.upstream {
		if up, ok := p.entries[upID]; ok {
			p.unlink(up, e)
		}
	}
	for downID := range e.down {
		if down, ok := p.entries[downID]; ok {
			p.unlink(e, down)
		}
	}

	delete(p.entries, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	e.stage.EndAllWorkers(true)
	p.opts.logger.Debug("stage removed", stage.F("stage", e.stage.Name()), stage.F("id", id))
	return e.stage, nil
}

// Start begins the registered number of workers on every stage. Stages are
// started in reverse registration order so consumers run before their
// producers. When ctx ends the pipeline is stopped asynchronously.
//
// A stage that got fewer workers than requested keeps the ones it got; the
// shortfall is reported through an error wrapping ErrPartialStart.
func (p *Pipeline[T]) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	stopped := make(chan struct{})
	p.stopped = stopped
	entries := p.snapshot()
	p.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if got := e.stage.BeginWorkers(e.workers); got < e.workers {
			errs = append(errs, fmt.Errorf("%w: stage %q started %d of %d workers",
				ErrPartialStart, e.stage.Name(), got, e.workers))
		}
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.Stop(false)
			case <-stopped:
			}
		}()
	}

	p.opts.logger.Info("pipeline started", stage.F("stages", len(entries)))
	return errors.Join(errs...)
}

// Stop ends the workers of every stage concurrently. With sync it returns
// once all workers have exited.
func (p *Pipeline[T]) Stop(sync bool) {
	p.mu.Lock()
	p.running = false
	if p.stopped != nil {
		close(p.stopped)
		p.stopped = nil
	}
	entries := p.snapshot()
	p.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			e.stage.EndAllWorkers(sync)
			return nil
		})
	}
	_ = g.Wait()

	p.opts.logger.Info("pipeline stopped", stage.F("stages", len(entries)), stage.F("sync", sync))
}

// Running reports whether Start has been called without a later Stop.
func (p *Pipeline[T]) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Push queues tasks on the stage registered as id.
func (p *Pipeline[T]) Push(id StageID, tasks ...T) error {
	s, ok := p.Stage(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStageNotFound, id)
	}
	return s.PushBatch(tasks)
}

// PushWait queues tasks on the stage registered as id, retrying while its
// queue is full until ctx ends.
func (p *Pipeline[T]) PushWait(ctx context.Context, id StageID, tasks ...T) error {
	s, ok := p.Stage(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStageNotFound, id)
	}
	return s.PushWait(ctx, tasks)
}

// Stage returns the stage registered as id.
func (p *Pipeline[T]) Stage(id StageID) (*stage.Stage[T], bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return e.stage, true
}

// IDs returns the registered identifiers in registration order.
func (p *Pipeline[T]) IDs() []StageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]StageID(nil), p.order...)
}

// Roots returns the stages nothing forwards into, in registration order.
func (p *Pipeline[T]) Roots() []StageID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var roots []StageID
	for _, id := range p.order {
		if len(p.entries[id].upstream) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// StageStats pairs a stage snapshot with its pipeline identifier.
type StageStats struct {
	ID StageID
	stage.Stats
}

// Stats returns a snapshot of every stage keyed by identifier.
func (p *Pipeline[T]) Stats() map[StageID]stage.Stats {
	p.mu.RLock()
	entries := p.snapshot()
	p.mu.RUnlock()

	out := make(map[StageID]stage.Stats, len(entries))
	for _, e := range entries {
		out[e.id] = e.stage.Stats()
	}
	return out
}

// OrderedStats returns the stage snapshots in registration order.
func (p *Pipeline[T]) OrderedStats() []StageStats {
	p.mu.RLock()
	entries := p.snapshot()
	p.mu.RUnlock()

	out := make([]StageStats, 0, len(entries))
	for _, e := range entries {
		out = append(out, StageStats{ID: e.id, Stats: e.stage.Stats()})
	}
	return out
}

// WaitIdle blocks until every stage has an empty queue and no task in
// flight, or ctx ends. Stages are checked in topological order, so a pass
// that finds all of them idle means no task remains anywhere as long as
// nothing is pushed from outside meanwhile.
func (p *Pipeline[T]) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.idlePollRate)
	defer ticker.Stop()

	for {
		if p.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pipeline[T]) idle() bool {
	p.mu.RLock()
	order := p.topoOrder()
	p.mu.RUnlock()

	for _, e := range order {
		if !e.stage.Idle() {
			return false
		}
	}
	return true
}

// topoOrder sorts the entries so every stage comes after its upstreams.
// Callers hold p.mu.
func (p *Pipeline[T]) topoOrder() []*entry[T] {
	indegree := make(map[StageID]int, len(p.entries))
	for _, id := range p.order {
		indegree[id] = len(p.entries[id].upstream)
	}

	var queue, sorted []StageID
	for _, id := range p.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for down := range p.entries[id].down {
			indegree[down]--
			if indegree[down] == 0 {
				queue = append(queue, down)
			}
		}
	}

	out := make([]*entry[T], 0, len(sorted))
	for _, id := range sorted {
		out = append(out, p.entries[id])
	}
	return out
}

// snapshot returns the entries in registration order. Callers hold p.mu.
func (p *Pipeline[T]) snapshot() []*entry[T] {
	out := make([]*entry[T], 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id])
	}
	return out
}
