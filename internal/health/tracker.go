// Package health tracks per-backend circuit state and replication lag.
// See doc.go for complete package documentation.
package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/freshroute/internal/circuit"
	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/lag"
)

// ErrUnknownBackend is returned when an operation names an unregistered backend.
var ErrUnknownBackend = errors.New("unknown backend")

// Settings configures the tracking of one backend.
type Settings struct {
	Circuit          circuit.Settings
	SampleCapacity   int           // lag samples retained per backend
	StalenessCeiling time.Duration // newest sample older than this makes lag unknown
}

// DefaultSettings returns the settings used when a backend omits its own.
func DefaultSettings() Settings {
	return Settings{
		Circuit:          circuit.DefaultSettings(),
		SampleCapacity:   32,
		StalenessCeiling: 5 * time.Second,
	}
}

// Snapshot is a consistent copy of one backend's tracked state. All fields
// come from a single critical section.
type Snapshot struct {
	Backend        cluster.Backend     `json:"backend"`
	Health         cluster.HealthState `json:"health"`
	Circuit        circuit.Breaker     `json:"circuit"`
	Lag            lag.Estimate        `json:"lag"`
	Eligible       bool                `json:"eligible"`
	Samples        int                 `json:"samples"`
	LastProbeAt    time.Time           `json:"last_probe_at,omitempty"`
	LastProbeError string              `json:"last_probe_error,omitempty"`
	LastUsed       time.Time           `json:"last_used,omitempty"`
}

// TransitionFunc is called after a backend's circuit changes state.
type TransitionFunc func(id cluster.BackendID, from, to circuit.State)

// cell holds everything known about one backend. Each cell has its own
// lock so unrelated backends never contend.
type cell struct {
	mu            sync.Mutex
	backend       cluster.Backend
	settings      Settings
	breaker       circuit.Breaker
	window        *lag.Window
	lastProbeAt   time.Time
	lastProbeErr  string
	lagInvalid    bool // set by a failed probe, cleared by the next sample
	lastUsed      time.Time
}

// Tracker converts probe results and query outcomes into circuit state and
// lag estimates. Thread-safe: all methods may be called concurrently.
type Tracker struct {
	mu           sync.RWMutex // guards cells/byTier membership only
	cells        map[cluster.BackendID]*cell
	byTier       map[cluster.Tier][]*cell
	now          func() time.Time
	logger       zerolog.Logger
	onTransition TransitionFunc
}

// NewTracker creates an empty tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		cells:  make(map[cluster.BackendID]*cell),
		byTier: make(map[cluster.Tier][]*cell),
		now:    time.Now,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// SetClock overrides the time source. Intended for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// SetOnTransition registers a callback for circuit state changes.
// The callback runs outside any tracker lock.
func (t *Tracker) SetOnTransition(fn TransitionFunc) {
	t.onTransition = fn
}

// Register adds a backend. Registering an existing id fails.
func (t *Tracker) Register(b cluster.Backend, s Settings) error {
	if b.ID == "" {
		return errors.New("backend id cannot be empty")
	}
	if !b.Tier.Valid() {
		return fmt.Errorf("backend %s: invalid tier %q", b.ID, b.Tier)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.cells[b.ID]; exists {
		return fmt.Errorf("backend %s already registered", b.ID)
	}
	c := &cell{
		backend:  b,
		settings: s,
		breaker:  circuit.New(s.Circuit),
		window:   lag.NewWindow(s.SampleCapacity),
	}
	t.cells[b.ID] = c
	t.byTier[b.Tier] = append(t.byTier[b.Tier], c)
	return nil
}

// Backends returns every registered backend, grouped by tier in registration order.
func (t *Tracker) Backends() []cluster.Backend {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]cluster.Backend, 0, len(t.cells))
	for _, tier := range cluster.Tiers {
		for _, c := range t.byTier[tier] {
			out = append(out, c.backend)
		}
	}
	return out
}

func (t *Tracker) lookup(id cluster.BackendID) (*cell, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.cells[id]
	return c, ok
}

// RecordSample stores a successful lag measurement. A sample also counts as
// a liveness success for the circuit.
func (t *Tracker) RecordSample(s lag.Sample) error {
	c, ok := t.lookup(s.Backend)
	if !ok {
		return ErrUnknownBackend
	}
	now := t.now()

	c.mu.Lock()
	from := c.breaker.At(now).State
	c.window.Push(s)
	c.lastProbeAt = now
	c.lastProbeErr = ""
	c.lagInvalid = false
	c.breaker = c.breaker.OnSuccess(c.settings.Circuit, now)
	to := c.breaker.State
	c.mu.Unlock()

	t.transitioned(s.Backend, from, to)
	return nil
}

// RecordProbeFailure records a failed probe. Lag becomes unknown until the
// next successful sample.
func (t *Tracker) RecordProbeFailure(id cluster.BackendID, probeErr error) error {
	c, ok := t.lookup(id)
	if !ok {
		return ErrUnknownBackend
	}
	now := t.now()

	c.mu.Lock()
	from := c.breaker.At(now).State
	c.lastProbeAt = now
	c.lagInvalid = true
	if probeErr != nil {
		c.lastProbeErr = probeErr.Error()
	}
	c.breaker = c.breaker.OnFailure(c.settings.Circuit, now)
	to := c.breaker.State
	fails := c.breaker.ConsecutiveFailures
	c.mu.Unlock()

	t.logger.Warn().
		Str("backend", string(id)).
		Int("consecutive_failures", fails).
		Err(probeErr).
		Msg("probe failed")
	t.transitioned(id, from, to)
	return nil
}

// RecordAlive records a probe that reached the backend but could not
// produce a lag value. Liveness succeeds; lag becomes unknown.
func (t *Tracker) RecordAlive(id cluster.BackendID) error {
	c, ok := t.lookup(id)
	if !ok {
		return ErrUnknownBackend
	}
	now := t.now()

	c.mu.Lock()
	from := c.breaker.At(now).State
	c.lastProbeAt = now
	c.lastProbeErr = ""
	c.lagInvalid = true
	c.breaker = c.breaker.OnSuccess(c.settings.Circuit, now)
	to := c.breaker.State
	c.mu.Unlock()

	t.transitioned(id, from, to)
	return nil
}

// RecordQueryFailure records a query that failed on the backend mid-flight.
func (t *Tracker) RecordQueryFailure(id cluster.BackendID) error {
	return t.recordOutcome(id, false)
}

// RecordQuerySuccess records a query that completed on the backend.
func (t *Tracker) RecordQuerySuccess(id cluster.BackendID) error {
	return t.recordOutcome(id, true)
}

func (t *Tracker) recordOutcome(id cluster.BackendID, success bool) error {
	c, ok := t.lookup(id)
	if !ok {
		return ErrUnknownBackend
	}
	now := t.now()

	c.mu.Lock()
	from := c.breaker.At(now).State
	if success {
		c.breaker = c.breaker.OnSuccess(c.settings.Circuit, now)
	} else {
		c.breaker = c.breaker.OnFailure(c.settings.Circuit, now)
	}
	to := c.breaker.State
	c.mu.Unlock()

	t.transitioned(id, from, to)
	return nil
}

// CurrentLagEstimate returns the newest valid lag for a backend.
// The primary is the authoritative source and always has zero lag.
func (t *Tracker) CurrentLagEstimate(id cluster.BackendID) lag.Estimate {
	c, ok := t.lookup(id)
	if !ok {
		return lag.Unknown()
	}
	now := t.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimate(now)
}

// IsEligible reports whether traffic may currently be sent to the backend.
func (t *Tracker) IsEligible(id cluster.BackendID) bool {
	c, ok := t.lookup(id)
	if !ok {
		return false
	}
	now := t.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker.Allows(c.settings.Circuit, now)
}

// AdmitProbe reports whether the probe should run now. Probes are held back
// while the circuit is open; in half-open the probe consumes the single trial.
func (t *Tracker) AdmitProbe(id cluster.BackendID) bool {
	return t.ClaimTrial(id)
}

// ClaimTrial admits one unit of traffic. For closed circuits it always
// succeeds; for half-open circuits only the first claimant wins.
func (t *Tracker) ClaimTrial(id cluster.BackendID) bool {
	c, ok := t.lookup(id)
	if !ok {
		return false
	}
	now := t.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var admitted bool
	c.breaker, admitted = c.breaker.Admit(c.settings.Circuit, now)
	return admitted
}

// MarkUsed records that the backend was just selected, for LRU tie-breaks.
func (t *Tracker) MarkUsed(id cluster.BackendID, at time.Time) {
	if c, ok := t.lookup(id); ok {
		c.mu.Lock()
		if at.After(c.lastUsed) {
			c.lastUsed = at
		}
		c.mu.Unlock()
	}
}

// Snapshot returns a consistent copy of one backend's state.
func (t *Tracker) Snapshot(id cluster.BackendID) (Snapshot, error) {
	c, ok := t.lookup(id)
	if !ok {
		return Snapshot{}, ErrUnknownBackend
	}
	return c.snapshot(t.now()), nil
}

// Tier returns snapshots of every backend in a tier, in registration order.
func (t *Tracker) Tier(tier cluster.Tier) []Snapshot {
	t.mu.RLock()
	cells := slices.Clone(t.byTier[tier])
	t.mu.RUnlock()

	now := t.now()
	out := make([]Snapshot, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.snapshot(now))
	}
	return out
}

// Snapshots returns all backends keyed by id.
func (t *Tracker) Snapshots() map[cluster.BackendID]Snapshot {
	t.mu.RLock()
	cells := make([]*cell, 0, len(t.cells))
	for _, c := range t.cells {
		cells = append(cells, c)
	}
	t.mu.RUnlock()

	now := t.now()
	out := make(map[cluster.BackendID]Snapshot, len(cells))
	for _, c := range cells {
		out[c.backend.ID] = c.snapshot(now)
	}
	return out
}

// Samples returns the lag window of a backend, oldest first.
func (t *Tracker) Samples(id cluster.BackendID) ([]lag.Sample, error) {
	c, ok := t.lookup(id)
	if !ok {
		return nil, ErrUnknownBackend
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window.Samples(), nil
}

func (c *cell) snapshot(now time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Backend:        c.backend,
		Health:         c.breaker.Health(now),
		Circuit:        c.breaker.At(now),
		Lag:            c.estimate(now),
		Eligible:       c.breaker.Allows(c.settings.Circuit, now),
		Samples:        c.window.Len(),
		LastProbeAt:    c.lastProbeAt,
		LastProbeError: c.lastProbeErr,
		LastUsed:       c.lastUsed,
	}
}

// estimate must be called with c.mu held.
func (c *cell) estimate(now time.Time) lag.Estimate {
	if c.backend.Tier == cluster.TierPrimary {
		return lag.Estimate{Known: true, SampledAt: now}
	}
	latest, ok := c.window.Latest()
	if !ok {
		return lag.Unknown()
	}
	if c.lagInvalid {
		return lag.Unknown()
	}
	if c.settings.StalenessCeiling > 0 && now.Sub(latest.SampledAt) > c.settings.StalenessCeiling {
		return lag.Unknown()
	}
	return lag.Known(latest)
}

func (t *Tracker) transitioned(id cluster.BackendID, from, to circuit.State) {
	if from == to {
		return
	}
	t.logger.Info().
		Str("backend", string(id)).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit transition")
	if t.onTransition != nil {
		t.onTransition(id, from, to)
	}
}
