package lag

import (
	"sort"
	"sync"
	"time"
)

// Observation is the primary's write position seen at a point in time.
type Observation struct {
	Position uint64
	At       time.Time
}

// PositionHistory keeps a bounded, time-ordered record of the primary's
// write position so that a replica's applied position can be turned into
// a duration. Safe for concurrent use: the primary's probe writes while
// replica probes read.
type PositionHistory struct {
	mu     sync.RWMutex
	obs    []Observation
	size   int
	maxAge time.Duration
}

// NewPositionHistory keeps at most size observations.
func NewPositionHistory(size int) *PositionHistory {
	if size < 2 {
		size = 2
	}
	return &PositionHistory{obs: make([]Observation, 0, size), size: size}
}

// Observe records the primary position at time at. Positions that move
// backwards (failover to a new timeline) reset the history.
func (h *PositionHistory) Observe(position uint64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.obs); n > 0 {
		last := h.obs[n-1]
		if position < last.Position {
			h.obs = h.obs[:0]
		} else if position == last.Position {
			// An idle primary: the newest time at this position is the useful one.
			h.obs[n-1].At = at
			return
		}
	}
	if len(h.obs) == h.size {
		copy(h.obs, h.obs[1:])
		h.obs = h.obs[:h.size-1]
	}
	h.obs = append(h.obs, Observation{Position: position, At: at})
}

// SetMaxAge makes LagAt report unknown once the newest observation is older
// than d. Zero disables the check.
func (h *PositionHistory) SetMaxAge(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxAge = d
}

// Latest returns the newest observation.
func (h *PositionHistory) Latest() (Observation, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.obs) == 0 {
		return Observation{}, false
	}
	return h.obs[len(h.obs)-1], true
}

// LagAt converts an applied position into a lag as of now.
//
// The result is now minus the time of the newest observation whose position
// the replica has already applied, which bounds the real lag from above. A
// replica at or past the newest observation is measured against that
// observation, so its lag grows while the primary goes unobserved. A replica
// behind the whole history gets the age of the oldest observation. The second
// return value is false when nothing has been observed yet, or when the
// newest observation is older than the max age.
func (h *PositionHistory) LagAt(applied uint64, now time.Time) (time.Duration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.obs)
	if n == 0 {
		return 0, false
	}
	newest := h.obs[n-1]
	if h.maxAge > 0 && now.Sub(newest.At) > h.maxAge {
		return 0, false
	}

	ref := newest
	if applied < newest.Position {
		// first index whose position exceeds applied
		i := sort.Search(n, func(i int) bool { return h.obs[i].Position > applied })
		ref = h.obs[0]
		if i > 0 {
			ref = h.obs[i-1]
		}
	}
	d := now.Sub(ref.At)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (h *PositionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.obs)
}
