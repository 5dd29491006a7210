// Package throughput records observed request rates in a fixed-size ring buffer.
// Each sample is the reciprocal of one request's latency; the newest sample
// overwrites the oldest once the ring is full.
package throughput

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 10

// Prometheus metrics for throughput tracking.
var (
	throughputRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_throughput_rps",
		Help: "Mean of the sampled request rates (1/latency) currently in the ring",
	})

	throughputSamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_throughput_samples_total",
		Help: "Total number of throughput samples recorded",
	})
)

// Tracker is a mutex-protected ring of throughput samples. It is safe for
// concurrent use by request executors.
type Tracker struct {
	mu      sync.Mutex
	samples []float64
	pos     int
	filled  int
	logger  zerolog.Logger
}

// NewTracker creates a tracker with the given ring capacity.
func NewTracker(capacity int, logger zerolog.Logger) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		samples: make([]float64, capacity),
		logger:  logger,
	}
}

// Record stores 1/elapsed at the current ring position and advances it.
// Non-positive durations are ignored.
func (t *Tracker) Record(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	rate := 1 / elapsed.Seconds()

	t.mu.Lock()
	t.samples[t.pos] = rate
	t.pos = (t.pos + 1) % len(t.samples)
	if t.filled < len(t.samples) {
		t.filled++
	}
	mean := t.meanLocked()
	t.mu.Unlock()

	throughputSamplesTotal.Inc()
	throughputRate.Set(mean)

	t.logger.Debug().
		Float64("rate", rate).
		Float64("mean_rate", mean).
		Msg("Throughput sample recorded")
}

// Samples returns a copy of the ring contents in slot order. Before the ring
// has wrapped, only the filled slots are returned.
func (t *Tracker) Samples() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]float64, t.filled)
	copy(out, t.samples[:t.filled])
	return out
}

// Mean returns the mean rate over the filled slots, or 0 with no samples.
func (t *Tracker) Mean() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meanLocked()
}

// Len returns the number of filled slots.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filled
}

// Capacity returns the ring size.
func (t *Tracker) Capacity() int {
	return len(t.samples)
}

func (t *Tracker) meanLocked() float64 {
	if t.filled == 0 {
		return 0
	}
	var sum float64
	for _, s := range t.samples[:t.filled] {
		sum += s
	}
	return sum / float64(t.filled)
}
