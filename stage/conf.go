package stage

import (
	"time"

	"github.com/utkarsh5026/stageflow/internal/backoff"
	"golang.org/x/time/rate"
)

const (
	defaultBatchSize        = 1
	defaultMaxQueueCapacity = 1024
	defaultMaxWorkers       = 1024
	defaultPollTimeout      = 10 * time.Millisecond

	defaultBackoffInitial = time.Millisecond
	defaultBackoffMax     = 100 * time.Millisecond
)

// Option is a functional option for configuring a Stage.
type Option func(*config)

type config struct {
	name string
	id   int64

	batchSize        int
	maxQueueCapacity int
	maxWorkers       int
	pollTimeout      time.Duration

	logger      Logger
	metrics     Metrics
	rateLimiter *rate.Limiter

	backoffKind    backoff.Kind
	backoffInitial time.Duration
	backoffMax     time.Duration
	backoffJitter  float64

	workerInit func(slot int) error
	pinWorkers bool
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		batchSize:        defaultBatchSize,
		maxQueueCapacity: defaultMaxQueueCapacity,
		maxWorkers:       defaultMaxWorkers,
		pollTimeout:      defaultPollTimeout,
		logger:           NopLogger{},
		metrics:          NopMetrics{},
		backoffKind:      backoff.Exponential,
		backoffInitial:   defaultBackoffInitial,
		backoffMax:       defaultBackoffMax,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// WithName sets the stage name used in logs and metric labels.
// If not specified, the name is derived from the stage ID.
func WithName(name string) Option {
	return func(cfg *config) {
		cfg.name = name
	}
}

// WithID sets a caller-chosen numeric identifier.
// If not specified, stages are numbered in creation order.
func WithID(id int64) Option {
	return func(cfg *config) {
		cfg.id = id
	}
}

// WithBatchSize sets the maximum number of tasks a worker takes per pop.
// Defaults to 1.
func WithBatchSize(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.batchSize = n
		}
	}
}

// WithMaxQueueCapacity bounds the number of queued tasks. Pushes that would
// exceed it are rejected with ErrQueueFull. Defaults to 1024; values above
// MaxQueueCapacity are clamped to it. Storage grows with the queued tasks, so
// a large capacity costs nothing until it is used.
func WithMaxQueueCapacity(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxQueueCapacity = min(n, MaxQueueCapacity)
		}
	}
}

// WithMaxWorkers caps the number of workers BeginWorkers may run at once.
// Defaults to 1024.
func WithMaxWorkers(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxWorkers = n
		}
	}
}

// WithPollTimeout sets how long an idle worker waits for tasks before the
// timeout hook runs. A negative duration waits forever. Defaults to 10ms.
func WithPollTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.pollTimeout = d
	}
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l Logger) Option {
	return func(cfg *config) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to a no-op sink.
func WithMetrics(m Metrics) Option {
	return func(cfg *config) {
		if m != nil {
			cfg.metrics = m
		}
	}
}

// WithRateLimit throttles task handling to tasksPerSecond across all workers
// of the stage, allowing bursts of up to burst tasks. A batch larger than
// burst waits for its tokens in chunks of burst.
//
// Example:
//
//	WithRateLimit(500, 50) // 500 tasks/sec, batches of up to 50 pass at once
func WithRateLimit(tasksPerSecond float64, burst int) Option {
	return func(cfg *config) {
		if tasksPerSecond > 0 && burst > 0 {
			cfg.rateLimiter = rate.NewLimiter(rate.Limit(tasksPerSecond), burst)
		}
	}
}

// WithPushBackoff configures the delays PushWait sleeps between attempts
// while the queue is full. jitter only applies to backoff.Jittered.
func WithPushBackoff(kind backoff.Kind, initial, maxDelay time.Duration, jitter float64) Option {
	return func(cfg *config) {
		cfg.backoffKind = kind
		if initial > 0 {
			cfg.backoffInitial = initial
		}
		if maxDelay > 0 {
			cfg.backoffMax = maxDelay
		}
		cfg.backoffJitter = jitter
	}
}

// WithWorkerInit registers a function every new worker runs before it is
// registered. If it returns an error the worker is discarded and BeginWorkers
// stops early, returning the number of workers created so far.
func WithWorkerInit(fn func(slot int) error) Option {
	return func(cfg *config) {
		cfg.workerInit = fn
	}
}

// WithCPUAffinity runs every worker on its own locked OS thread pinned to
// core slot%NumCPU where the platform supports it.
func WithCPUAffinity() Option {
	return func(cfg *config) {
		cfg.pinWorkers = true
	}
}
