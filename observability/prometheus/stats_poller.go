package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/utkarsh5026/stageflow/stage"
)

// StatsProvider provides current stage snapshots.
type StatsProvider interface {
	Stats() stage.Stats
}

// StatsPoller periodically exports stage Stats() snapshots into Prometheus
// gauges. It covers the counters the event interface has no hook for, such
// as forwarded and handled tasks.
type StatsPoller struct {
	interval time.Duration

	stagesMu sync.RWMutex
	stages   map[string]StatsProvider

	pushed          *prom.GaugeVec
	popped          *prom.GaugeVec
	handled         *prom.GaugeVec
	forwarded       *prom.GaugeVec
	forwardRejected *prom.GaugeVec
	downstream      *prom.GaugeVec
	capacity        *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStatsPoller creates a stats poller and registers its collectors.
func NewStatsPoller(namespace string, reg prom.Registerer, interval time.Duration) (*StatsPoller, error) {
	if namespace == "" {
		namespace = "stageflow"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, []string{"stage"})
	}

	p := &StatsPoller{
		interval:        interval,
		stages:          make(map[string]StatsProvider),
		pushed:          gauge("stage_pushed", "Tasks admitted by push, snapshot."),
		popped:          gauge("stage_popped", "Tasks removed by workers, snapshot."),
		handled:         gauge("stage_handled", "Tasks whose batch finished handling, snapshot."),
		forwarded:       gauge("stage_forwarded", "Tasks accepted by downstream stages, snapshot."),
		forwardRejected: gauge("stage_forward_rejected", "Downstream pushes that were refused, snapshot."),
		downstream:      gauge("stage_downstream", "Number of linked downstream stages."),
		capacity:        gauge("stage_capacity", "Queue capacity."),
	}

	var err error
	for _, g := range []**prom.GaugeVec{
		&p.pushed, &p.popped, &p.handled, &p.forwarded, &p.forwardRejected, &p.downstream, &p.capacity,
	} {
		if *g, err = registerCollector(reg, *g); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// AddStage adds or replaces a stage snapshot provider by name.
func (p *StatsPoller) AddStage(name string, provider StatsProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "stage")
	p.stagesMu.Lock()
	p.stages[name] = provider
	p.stagesMu.Unlock()
}

// RemoveStage stops exporting the named stage and deletes its series.
func (p *StatsPoller) RemoveStage(name string) {
	if p == nil {
		return
	}
	p.stagesMu.Lock()
	delete(p.stages, name)
	p.stagesMu.Unlock()

	for _, g := range []*prom.GaugeVec{
		p.pushed, p.popped, p.handled, p.forwarded, p.forwardRejected, p.downstream, p.capacity,
	} {
		g.DeleteLabelValues(name)
	}
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *StatsPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *StatsPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	cancel()
	<-done

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *StatsPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

// CollectOnce exports one snapshot of every registered stage.
func (p *StatsPoller) CollectOnce() {
	if p == nil {
		return
	}

	p.stagesMu.RLock()
	defer p.stagesMu.RUnlock()

	for name, provider := range p.stages {
		st := provider.Stats()
		p.pushed.WithLabelValues(name).Set(float64(st.Pushed))
		p.popped.WithLabelValues(name).Set(float64(st.Popped))
		p.handled.WithLabelValues(name).Set(float64(st.Handled))
		p.forwarded.WithLabelValues(name).Set(float64(st.Forwarded))
		p.forwardRejected.WithLabelValues(name).Set(float64(st.ForwardRejected))
		p.downstream.WithLabelValues(name).Set(float64(st.Downstream))
		p.capacity.WithLabelValues(name).Set(float64(st.Capacity))
	}
}
