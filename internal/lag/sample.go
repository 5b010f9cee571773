package lag

import (
	"fmt"
	"time"

	"github.com/dreamware/freshroute/internal/cluster"
)

// Sample is one replication delay measurement. Samples are values and are
// never modified after the probe produces them.
type Sample struct {
	Backend   cluster.BackendID `json:"backend"`
	Lag       time.Duration     `json:"lag"`
	SampledAt time.Time         `json:"sampled_at"`
}

// Estimate is a lag value that may be unknown. The zero Estimate is unknown.
type Estimate struct {
	Lag       time.Duration `json:"lag"`
	Known     bool          `json:"known"`
	SampledAt time.Time     `json:"sampled_at,omitempty"`
}

// Unknown is the estimate reported when no trustworthy sample exists.
func Unknown() Estimate { return Estimate{} }

// Known builds an estimate from a sample.
func Known(s Sample) Estimate {
	return Estimate{Lag: s.Lag, Known: true, SampledAt: s.SampledAt}
}

// Within reports whether the estimate is known and no greater than bound.
func (e Estimate) Within(bound time.Duration) bool {
	return e.Known && e.Lag <= bound
}

func (e Estimate) String() string {
	if !e.Known {
		return "unknown"
	}
	return e.Lag.String()
}

// Window is a fixed-capacity FIFO of samples for one backend. When full,
// Push evicts the oldest sample. Window is not safe for concurrent use;
// the health tracker guards it with the owning backend's lock.
type Window struct {
	buf   []Sample
	start int
	n     int
}

// NewWindow creates a window holding at most capacity samples.
// A capacity below one is treated as one.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample if the window is full.
// It reports whether an eviction happened.
func (w *Window) Push(s Sample) bool {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = s
		w.n++
		return false
	}
	w.buf[w.start] = s
	w.start = (w.start + 1) % len(w.buf)
	return true
}

func (w *Window) Len() int { return w.n }
func (w *Window) Cap() int { return len(w.buf) }

// Latest returns the most recently pushed sample.
func (w *Window) Latest() (Sample, bool) {
	if w.n == 0 {
		return Sample{}, false
	}
	return w.buf[(w.start+w.n-1)%len(w.buf)], true
}

// Samples returns a copy of the window, oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.start+i)%len(w.buf)]
	}
	return out
}

// Max returns the largest lag currently in the window.
func (w *Window) Max() (time.Duration, bool) {
	if w.n == 0 {
		return 0, false
	}
	var m time.Duration
	for i := 0; i < w.n; i++ {
		if l := w.buf[(w.start+i)%len(w.buf)].Lag; l > m {
			m = l
		}
	}
	return m, true
}

func (s Sample) String() string {
	return fmt.Sprintf("%s lag=%s at=%s", s.Backend, s.Lag, s.SampledAt.Format(time.RFC3339Nano))
}
