package router

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/lag"
)

// Outcome is the result of one routing decision.
type Outcome string

const (
	OutcomeSelected    Outcome = "selected"
	OutcomeUnavailable Outcome = "unavailable"
)

// StepOutcome records what happened to one tier during a decision.
type StepOutcome string

const (
	StepSelected  StepOutcome = "selected"
	StepUnhealthy StepOutcome = "skipped: unhealthy"
	StepStale     StepOutcome = "skipped: stale"
	StepExcluded  StepOutcome = "skipped: excluded"
	StepEmpty     StepOutcome = "skipped: no backends"
)

// Step is one entry of a fallback chain.
type Step struct {
	Tier    cluster.Tier      `json:"tier"`
	Outcome StepOutcome       `json:"outcome"`
	Backend cluster.BackendID `json:"backend,omitempty"`
}

// String renders the step as "tier: outcome", e.g. "primary: skipped: unhealthy".
func (s Step) String() string {
	return string(s.Tier) + ": " + string(s.Outcome)
}

// Request is one read request to be routed.
type Request struct {
	ID      string              `json:"request_id,omitempty"`
	Class   string              `json:"class"`
	Exclude []cluster.BackendID `json:"exclude,omitempty"`
}

// Decision is the record of one routing decision. A selected decision
// carries the chosen backend, whose Handle belongs to the caller.
type Decision struct {
	RequestID     string              `json:"request_id"`
	Class         string              `json:"class"`
	Outcome       Outcome             `json:"outcome"`
	Backend       cluster.Backend     `json:"backend"`
	ObservedLag   lag.Estimate        `json:"observed_lag"`
	FallbackChain []Step              `json:"fallback_chain"`
	Exclude       []cluster.BackendID `json:"exclude,omitempty"`
	Attempt       int                 `json:"attempt"`
	Reason        string              `json:"reason,omitempty"`
	DecidedAt     time.Time           `json:"decided_at"`
}

// MarshalJSON leaves the backend out of an unavailable decision.
func (d Decision) MarshalJSON() ([]byte, error) {
	type plain Decision
	out := struct {
		plain
		Backend *cluster.Backend `json:"backend,omitempty"`
	}{plain: plain(d)}
	if d.Selected() {
		b := d.Backend
		out.Backend = &b
	}
	return json.Marshal(out)
}

// Selected reports whether a backend was chosen.
func (d Decision) Selected() bool { return d.Outcome == OutcomeSelected }

// Tier returns the chosen tier, or "" when unavailable.
func (d Decision) Tier() cluster.Tier {
	if !d.Selected() {
		return ""
	}
	return d.Backend.Tier
}

// Fallback reports whether the decision went past the first acceptable
// tier or is the result of a reroute.
func (d Decision) Fallback() bool {
	return d.Attempt > 0 || len(d.FallbackChain) > 1
}

// Chain renders the fallback chain as strings.
func (d Decision) Chain() []string {
	out := make([]string, len(d.FallbackChain))
	for i, s := range d.FallbackChain {
		out[i] = s.String()
	}
	return out
}

func (d Decision) String() string {
	var b strings.Builder
	b.WriteString(d.RequestID)
	b.WriteString(" ")
	b.WriteString(d.Class)
	b.WriteString(" -> ")
	if d.Selected() {
		b.WriteString(string(d.Backend.ID))
		b.WriteString(" (")
		b.WriteString(string(d.Backend.Tier))
		b.WriteString(", lag ")
		b.WriteString(d.ObservedLag.String())
		b.WriteString(")")
	} else {
		b.WriteString(string(OutcomeUnavailable))
	}
	if len(d.FallbackChain) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(d.Chain(), ", "))
		b.WriteString("]")
	}
	return b.String()
}
