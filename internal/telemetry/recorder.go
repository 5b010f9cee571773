// Package telemetry aggregates routing decisions for audit and SLA checks.
// See doc.go for complete package documentation.
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/router"
)

// Sink receives decisions after they are counted. Offer must not block;
// a sink that cannot keep up drops and reports false.
type Sink interface {
	Offer(d router.Decision) bool
}

// Stats is a point-in-time view of the aggregate counters.
type Stats struct {
	Total           uint64                  `json:"total"`
	Selected        map[cluster.Tier]uint64 `json:"selected"`
	Unavailable     uint64                  `json:"unavailable"`
	Fallbacks       uint64                  `json:"fallbacks"`
	Reroutes        uint64                  `json:"reroutes"`
	SinkDropped     uint64                  `json:"sink_dropped"`
	FallbackRate    float64                 `json:"fallback_rate"`
	UnavailableRate float64                 `json:"unavailable_rate"`
}

// Recorder implements router.Recorder. Record is lock-free except for a
// short critical section on the recent-decision ring.
type Recorder struct {
	total       atomic.Uint64
	unavailable atomic.Uint64
	fallbacks   atomic.Uint64
	reroutes    atomic.Uint64
	sinkDropped atomic.Uint64
	selected    map[cluster.Tier]*atomic.Uint64 // keys fixed at construction

	mu     sync.Mutex
	recent []router.Decision
	next   int
	filled bool

	metrics *Metrics
	sinks   []Sink
}

// NewRecorder keeps the last capacity decisions. metrics may be nil.
func NewRecorder(capacity int, metrics *Metrics, sinks ...Sink) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	r := &Recorder{
		selected: make(map[cluster.Tier]*atomic.Uint64, len(cluster.Tiers)),
		recent:   make([]router.Decision, capacity),
		metrics:  metrics,
		sinks:    sinks,
	}
	for _, t := range cluster.Tiers {
		r.selected[t] = new(atomic.Uint64)
	}
	return r
}

// Record counts d and forwards it to the metrics and sinks.
func (r *Recorder) Record(d router.Decision) {
	r.total.Add(1)
	if d.Selected() {
		if c, ok := r.selected[d.Tier()]; ok {
			c.Add(1)
		}
	} else {
		r.unavailable.Add(1)
	}
	if d.Fallback() {
		r.fallbacks.Add(1)
	}
	if d.Attempt > 0 {
		r.reroutes.Add(1)
	}

	r.mu.Lock()
	r.recent[r.next] = d
	r.next = (r.next + 1) % len(r.recent)
	if r.next == 0 {
		r.filled = true
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Observe(d)
	}
	for _, s := range r.sinks {
		if !s.Offer(d) {
			r.sinkDropped.Add(1)
			if r.metrics != nil {
				r.metrics.sinkDropped.Inc()
			}
		}
	}
}

// Stats returns the current counters. Rates are fractions of Total.
func (r *Recorder) Stats() Stats {
	s := Stats{
		Total:       r.total.Load(),
		Selected:    make(map[cluster.Tier]uint64, len(r.selected)),
		Unavailable: r.unavailable.Load(),
		Fallbacks:   r.fallbacks.Load(),
		Reroutes:    r.reroutes.Load(),
		SinkDropped: r.sinkDropped.Load(),
	}
	for t, c := range r.selected {
		s.Selected[t] = c.Load()
	}
	if s.Total > 0 {
		s.FallbackRate = float64(s.Fallbacks) / float64(s.Total)
		s.UnavailableRate = float64(s.Unavailable) / float64(s.Total)
	}
	return s
}

// Recent returns up to n decisions, newest first. n <= 0 returns all retained.
func (r *Recorder) Recent(n int) []router.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.filled {
		size = len(r.recent)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]router.Decision, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.recent)) % len(r.recent)
		out = append(out, r.recent[idx])
	}
	return out
}
