package router

import (
	"sort"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/health"
	"github.com/dreamware/freshroute/internal/policy"
)

// View is the read side of the health tracker that a decision needs.
type View interface {
	Tier(tier cluster.Tier) []health.Snapshot
}

// decide walks the class tiers in order and selects the first backend that
// is eligible and fresh enough. It reads only the view and never mutates
// anything, so identical views and requests yield identical decisions.
// Backends in busy are treated as unhealthy for this pass.
func decide(class *policy.Class, view View, req Request, now time.Time, busy []cluster.BackendID) Decision {
	d := Decision{
		RequestID:     req.ID,
		Class:         class.Name,
		Outcome:       OutcomeUnavailable,
		FallbackChain: make([]Step, 0, len(class.Tiers)),
		Exclude:       slices.Clone(req.Exclude),
		DecidedAt:     now,
	}

	for _, rule := range class.Tiers {
		snap, outcome := pickInTier(class, rule.Tier, view.Tier(rule.Tier), req.Exclude, busy)
		step := Step{Tier: rule.Tier, Outcome: outcome}
		if outcome == StepSelected {
			step.Backend = snap.Backend.ID
			d.FallbackChain = append(d.FallbackChain, step)
			d.Outcome = OutcomeSelected
			d.Backend = snap.Backend
			d.ObservedLag = snap.Lag
			return d
		}
		d.FallbackChain = append(d.FallbackChain, step)
	}
	d.Reason = "no eligible backend"
	return d
}

// pickInTier applies the eligibility and freshness checks to one tier.
// When several backends qualify the one with the lowest lag wins, then
// the least recently used, then the lowest id.
func pickInTier(class *policy.Class, tier cluster.Tier, snaps []health.Snapshot, exclude, busy []cluster.BackendID) (health.Snapshot, StepOutcome) {
	if len(snaps) == 0 {
		return health.Snapshot{}, StepEmpty
	}

	bound, bounded := class.BoundFor(tier)
	var (
		candidates []health.Snapshot
		considered bool
		eligible   bool
	)
	for _, s := range snaps {
		if slices.Contains(exclude, s.Backend.ID) {
			continue
		}
		considered = true
		if !s.Eligible || slices.Contains(busy, s.Backend.ID) {
			continue
		}
		eligible = true
		if bounded && !s.Lag.Within(bound) {
			continue
		}
		candidates = append(candidates, s)
	}

	switch {
	case !considered:
		return health.Snapshot{}, StepExcluded
	case !eligible:
		return health.Snapshot{}, StepUnhealthy
	case len(candidates) == 0:
		return health.Snapshot{}, StepStale
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Lag.Known != b.Lag.Known {
			return a.Lag.Known
		}
		if a.Lag.Lag != b.Lag.Lag {
			return a.Lag.Lag < b.Lag.Lag
		}
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.Before(b.LastUsed)
		}
		return a.Backend.ID < b.Backend.ID
	})
	return candidates[0], StepSelected
}
