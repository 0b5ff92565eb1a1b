// Package backoff computes the delays a producer sleeps between attempts to
// push into a full stage queue.
package backoff

import (
	"cmp"
	"math/rand"
	"sync"
	"time"
)

// maxShift prevents overflow of 1<<attempt.
const maxShift = 62

// Kind selects the delay algorithm.
type Kind int

const (
	// Exponential doubles the delay each attempt (default).
	Exponential Kind = iota
	// Jittered is Exponential with a random ±jitter factor applied.
	Jittered
	// Decorrelated picks each delay in [initial, 3*previous], capped at max.
	Decorrelated
)

// String returns the flag spelling of the kind.
func (k Kind) String() string {
	switch k {
	case Jittered:
		return "jittered"
	case Decorrelated:
		return "decorrelated"
	default:
		return "exponential"
	}
}

// ParseKind maps a flag value back to a Kind. Unknown names fall back to
// Exponential.
func ParseKind(s string) Kind {
	switch s {
	case "jittered":
		return Jittered
	case "decorrelated":
		return Decorrelated
	default:
		return Exponential
	}
}

// Strategy yields the delay before retry number attempt (0-indexed).
type Strategy interface {
	NextDelay(attempt int) time.Duration
	// Reset clears any state carried between attempts.
	Reset()
}

// New builds a Strategy. maxDelay below initial is raised to initial, and the
// jitter factor is clamped to [0, 1].
func New(kind Kind, initial, maxDelay time.Duration, jitter float64) Strategy {
	initial = max(initial, 0)
	maxDelay = max(maxDelay, initial)

	switch kind {
	case Jittered:
		return &jittered{
			initial: initial,
			max:     maxDelay,
			factor:  clamp(jitter, 0, 1),
			rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
		}
	case Decorrelated:
		return &decorrelated{
			initial: initial,
			max:     maxDelay,
			prev:    initial,
			rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
		}
	default:
		return &exponential{initial: initial, max: maxDelay}
	}
}

type exponential struct {
	initial, max time.Duration
}

func (e *exponential) NextDelay(attempt int) time.Duration {
	return exponentialDelay(attempt, e.initial, e.max)
}

func (e *exponential) Reset() {}

type jittered struct {
	initial, max time.Duration
	factor       float64

	mu  sync.Mutex
	rng *rand.Rand
}

func (j *jittered) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}

	base := exponentialDelay(attempt, j.initial, j.max)

	j.mu.Lock()
	mult := 1.0 + (j.rng.Float64()*2-1)*j.factor
	j.mu.Unlock()

	return clamp(time.Duration(float64(base)*mult), 0, j.max)
}

func (j *jittered) Reset() {}

type decorrelated struct {
	initial, max time.Duration

	mu   sync.Mutex
	prev time.Duration
	rng  *rand.Rand
}

func (d *decorrelated) NextDelay(attempt int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	if attempt <= 0 {
		d.prev = d.initial
		return d.initial
	}

	upper := min(d.prev*3, d.max)
	span := upper - d.initial
	if span <= 0 {
		d.prev = d.initial
		return d.initial
	}

	d.prev = d.initial + time.Duration(d.rng.Int63n(int64(span)))
	return d.prev
}

func (d *decorrelated) Reset() {
	d.mu.Lock()
	d.prev = d.initial
	d.mu.Unlock()
}

func exponentialDelay(attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		return 0
	}
	if attempt >= maxShift {
		return maxDelay
	}

	delay := time.Duration(int64(1)<<uint(attempt)) * initial
	if delay > maxDelay || delay < 0 {
		return maxDelay
	}
	return delay
}

func clamp[T cmp.Ordered](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
