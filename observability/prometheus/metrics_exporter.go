// Package prometheus exports stage events and snapshots as Prometheus
// collectors.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/utkarsh5026/stageflow/stage"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
	BatchBuckets    []float64
}

// MetricsExporter adapts stage.Metrics to Prometheus collectors.
type MetricsExporter struct {
	queueDepth      *prom.GaugeVec
	rejectedTotal   *prom.CounterVec
	queueFullTotal  *prom.CounterVec
	batchDuration   *prom.HistogramVec
	batchSize       *prom.HistogramVec
	pollTimeouts    *prom.CounterVec
	workers         *prom.GaugeVec
	hookPanicsTotal *prom.CounterVec
}

var _ stage.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for
// stage.Metrics. Collectors already registered under the same names are
// reused, so several exporters on one registry share their series.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "stageflow"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	durationBuckets := opts.DurationBuckets
	if len(durationBuckets) == 0 {
		durationBuckets = prom.DefBuckets
	}
	batchBuckets := opts.BatchBuckets
	if len(batchBuckets) == 0 {
		batchBuckets = prom.ExponentialBuckets(1, 2, 11)
	}

	queueDepth := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current number of queued tasks.",
	}, []string{"stage"})
	rejected := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_rejected_total",
		Help:      "Total number of tasks refused by push.",
	}, []string{"stage", "reason"})
	queueFull := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "queue_full_total",
		Help:      "Total number of queue-full episodes.",
	}, []string{"stage"})
	batchDuration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Handler duration per batch in seconds.",
		Buckets:   durationBuckets,
	}, []string{"stage"})
	batchSize := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_size",
		Help:      "Number of tasks per handled batch.",
		Buckets:   batchBuckets,
	}, []string{"stage"})
	pollTimeouts := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "poll_timeouts_total",
		Help:      "Total number of idle polls that ended without tasks.",
	}, []string{"stage"})
	workers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "workers",
		Help:      "Current number of registered workers.",
	}, []string{"stage"})
	hookPanics := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "hook_panics_total",
		Help:      "Total number of recovered hook panics.",
	}, []string{"stage", "hook"})

	var err error
	if queueDepth, err = registerCollector(reg, queueDepth); err != nil {
		return nil, err
	}
	if rejected, err = registerCollector(reg, rejected); err != nil {
		return nil, err
	}
	if queueFull, err = registerCollector(reg, queueFull); err != nil {
		return nil, err
	}
	if batchDuration, err = registerCollector(reg, batchDuration); err != nil {
		return nil, err
	}
	if batchSize, err = registerCollector(reg, batchSize); err != nil {
		return nil, err
	}
	if pollTimeouts, err = registerCollector(reg, pollTimeouts); err != nil {
		return nil, err
	}
	if workers, err = registerCollector(reg, workers); err != nil {
		return nil, err
	}
	if hookPanics, err = registerCollector(reg, hookPanics); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		queueDepth:      queueDepth,
		rejectedTotal:   rejected,
		queueFullTotal:  queueFull,
		batchDuration:   batchDuration,
		batchSize:       batchSize,
		pollTimeouts:    pollTimeouts,
		workers:         workers,
		hookPanicsTotal: hookPanics,
	}, nil
}

// RecordQueueDepth records the queue length.
func (m *MetricsExporter) RecordQueueDepth(stageName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(stageName, "unknown")).Set(float64(depth))
}

// RecordRejected records refused tasks.
func (m *MetricsExporter) RecordRejected(stageName string, reason string, tasks int) {
	if m == nil || tasks <= 0 {
		return
	}
	m.rejectedTotal.WithLabelValues(normalizeLabel(stageName, "unknown"), normalizeLabel(reason, "unknown")).Add(float64(tasks))
}

// RecordQueueFull records the start of a full episode.
func (m *MetricsExporter) RecordQueueFull(stageName string) {
	if m == nil {
		return
	}
	m.queueFullTotal.WithLabelValues(normalizeLabel(stageName, "unknown")).Inc()
}

// RecordBatch records a handled batch.
func (m *MetricsExporter) RecordBatch(stageName string, size int, duration time.Duration) {
	if m == nil {
		return
	}
	name := normalizeLabel(stageName, "unknown")
	m.batchDuration.WithLabelValues(name).Observe(duration.Seconds())
	m.batchSize.WithLabelValues(name).Observe(float64(size))
}

// RecordTimeout records an idle poll.
func (m *MetricsExporter) RecordTimeout(stageName string) {
	if m == nil {
		return
	}
	m.pollTimeouts.WithLabelValues(normalizeLabel(stageName, "unknown")).Inc()
}

// RecordWorkers records the registered worker count.
func (m *MetricsExporter) RecordWorkers(stageName string, count int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues(normalizeLabel(stageName, "unknown")).Set(float64(count))
}

// RecordHookPanic records a recovered hook panic.
func (m *MetricsExporter) RecordHookPanic(stageName string, hook string) {
	if m == nil {
		return
	}
	m.hookPanicsTotal.WithLabelValues(normalizeLabel(stageName, "unknown"), normalizeLabel(hook, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
