// Package router selects a backend for each read request.
// See doc.go for complete package documentation.
package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/policy"
)

var (
	// ErrUnknownClass is returned for a request naming a class not in the table.
	ErrUnknownClass = errors.New("unknown freshness class")
	// ErrNotRoutable is returned when rerouting a decision that selected nothing.
	ErrNotRoutable = errors.New("decision has no backend to reroute from")
)

// Tracker is the part of the health tracker the router drives.
type Tracker interface {
	View
	ClaimTrial(id cluster.BackendID) bool
	MarkUsed(id cluster.BackendID, at time.Time)
	RecordQueryFailure(id cluster.BackendID) error
	RecordQuerySuccess(id cluster.BackendID) error
}

// Recorder receives every committed decision. Record must not block.
type Recorder interface {
	Record(d Decision)
}

// Router routes requests against a policy table and a health tracker.
// Route, Reroute and ReportSuccess are safe for concurrent use; the Set
// methods must be called before the router is shared.
type Router struct {
	table       *policy.Table
	tracker     Tracker
	recorder    Recorder
	maxReroutes int
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates a router allowing one reroute per request.
func New(table *policy.Table, tracker Tracker, logger zerolog.Logger) *Router {
	return &Router{
		table:       table,
		tracker:     tracker,
		maxReroutes: 1,
		now:         time.Now,
		logger:      logger.With().Str("component", "router").Logger(),
	}
}

// SetRecorder sets the decision sink.
func (r *Router) SetRecorder(rec Recorder) { r.recorder = rec }

// SetMaxReroutes sets how many times one request may be rerouted.
// The effective budget never exceeds the number of tiers of the class.
func (r *Router) SetMaxReroutes(n int) {
	if n < 0 {
		n = 0
	}
	r.maxReroutes = n
}

// SetClock overrides the time source. Intended for tests.
func (r *Router) SetClock(now func() time.Time) { r.now = now }

// Table returns the policy table in use.
func (r *Router) Table() *policy.Table { return r.table }

// Decide computes a decision against view without claiming trials,
// marking use or recording anything. An empty request id stays empty.
func (r *Router) Decide(view View, req Request) (Decision, error) {
	class, ok := r.table.Lookup(req.Class)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownClass, req.Class)
	}
	return decide(class, view, req, r.now(), nil), nil
}

// Route selects a backend for req. An unavailable outcome is a normal
// decision, not an error; only an unknown class fails.
func (r *Router) Route(req Request) (Decision, error) {
	class, ok := r.table.Lookup(req.Class)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownClass, req.Class)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	d := r.commit(class, req)
	r.record(d)
	return d, nil
}

// Reroute is called when the backend chosen by prev failed during query
// execution. The failure is charged to that backend's circuit and the same
// request is routed again with the backend excluded. Once the reroute
// budget is spent the result is unavailable.
func (r *Router) Reroute(prev Decision, cause error) (Decision, error) {
	if !prev.Selected() {
		return Decision{}, ErrNotRoutable
	}
	class, ok := r.table.Lookup(prev.Class)
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownClass, prev.Class)
	}
	if err := r.tracker.RecordQueryFailure(prev.Backend.ID); err != nil {
		return Decision{}, fmt.Errorf("reroute %s: %w", prev.RequestID, err)
	}

	req := Request{
		ID:      prev.RequestID,
		Class:   prev.Class,
		Exclude: append(append([]cluster.BackendID(nil), prev.Exclude...), prev.Backend.ID),
	}
	attempt := prev.Attempt + 1

	r.logger.Warn().
		Err(cause).
		Str("request_id", prev.RequestID).
		Str("backend", string(prev.Backend.ID)).
		Int("attempt", attempt).
		Msg("query failed, rerouting")

	var d Decision
	if attempt > r.budget(class) {
		d = Decision{
			RequestID:     req.ID,
			Class:         class.Name,
			Outcome:       OutcomeUnavailable,
			FallbackChain: []Step{},
			Exclude:       req.Exclude,
			Reason:        "reroute budget exhausted",
			DecidedAt:     r.now(),
		}
	} else {
		d = r.commit(class, req)
	}
	d.Attempt = attempt
	r.record(d)
	return d, nil
}

// ReportSuccess tells the tracker the chosen backend served the query.
// A half-open backend closes on its first successful trial.
func (r *Router) ReportSuccess(d Decision) error {
	if !d.Selected() {
		return ErrNotRoutable
	}
	return r.tracker.RecordQuerySuccess(d.Backend.ID)
}

func (r *Router) budget(class *policy.Class) int {
	if n := len(class.Tiers); r.maxReroutes > n {
		return n
	}
	return r.maxReroutes
}

// commit decides and claims the chosen backend. A half-open backend admits
// one trial; a request that loses the race for it decides again with that
// backend treated as unhealthy.
func (r *Router) commit(class *policy.Class, req Request) Decision {
	var busy []cluster.BackendID
	for {
		now := r.now()
		d := decide(class, r.tracker, req, now, busy)
		if !d.Selected() {
			return d
		}
		if r.tracker.ClaimTrial(d.Backend.ID) {
			r.tracker.MarkUsed(d.Backend.ID, now)
			return d
		}
		busy = append(busy, d.Backend.ID)
	}
}

func (r *Router) record(d Decision) {
	if r.recorder != nil {
		r.recorder.Record(d)
	}
}
