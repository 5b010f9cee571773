package circuit

import (
	"fmt"
	"time"

	"github.com/dreamware/freshroute/internal/cluster"
)

// State is the tagged state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = Closed
	case "open":
		*s = Open
	case "half-open":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", text)
	}
	return nil
}

// Settings are the per-backend thresholds driving transitions.
type Settings struct {
	FailureThreshold int           // K consecutive failures that open a closed breaker
	CoolDown         time.Duration // initial open interval
	MaxCoolDown      time.Duration // cap for the exponential backoff
	TrialTimeout     time.Duration // a claimed half-open trial is released after this
}

// DefaultSettings mirrors the defaults used by the configuration loader.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		CoolDown:         2 * time.Second,
		MaxCoolDown:      30 * time.Second,
		TrialTimeout:     5 * time.Second,
	}
}

// Breaker is an immutable value; every transition returns a new Breaker.
// Callers store it whole, so a reader never sees a state from one
// transition paired with a failure count from another.
type Breaker struct {
	State               State         `json:"state"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CoolDown            time.Duration `json:"cool_down"`
	TrialStartedAt      time.Time     `json:"trial_started_at,omitempty"`
}

// New returns a closed breaker.
func New(s Settings) Breaker {
	return Breaker{State: Closed, CoolDown: s.CoolDown}
}

// At returns the breaker as observed at now. An open breaker whose
// cool-down has elapsed is reported as half-open with no trial in flight.
func (b Breaker) At(now time.Time) Breaker {
	if b.State == Open && !now.Before(b.OpenedAt.Add(b.CoolDown)) {
		b.State = HalfOpen
		b.TrialStartedAt = time.Time{}
	}
	return b
}

// OnSuccess applies a successful probe or query.
func (b Breaker) OnSuccess(s Settings, now time.Time) Breaker {
	b = b.At(now)
	switch b.State {
	case Closed:
		b.ConsecutiveFailures = 0
	case HalfOpen:
		b = Breaker{State: Closed, CoolDown: s.CoolDown}
	case Open:
		// a late success from before the breaker opened proves nothing
	}
	return b
}

// OnFailure applies a failed probe or query.
func (b Breaker) OnFailure(s Settings, now time.Time) Breaker {
	b = b.At(now)
	b.ConsecutiveFailures++
	switch b.State {
	case Closed:
		if b.ConsecutiveFailures >= s.FailureThreshold {
			b.State = Open
			b.OpenedAt = now
		}
	case HalfOpen:
		b.State = Open
		b.OpenedAt = now
		b.TrialStartedAt = time.Time{}
		b.CoolDown = nextCoolDown(b.CoolDown, s)
	case Open:
	}
	return b
}

// Allows reports whether traffic may be sent at now without changing state.
// A half-open breaker allows traffic only while its single trial is unclaimed.
func (b Breaker) Allows(s Settings, now time.Time) bool {
	b = b.At(now)
	switch b.State {
	case Closed:
		return true
	case HalfOpen:
		return b.trialFree(s, now)
	default:
		return false
	}
}

// Admit is Allows plus the side effect of claiming the half-open trial.
func (b Breaker) Admit(s Settings, now time.Time) (Breaker, bool) {
	b = b.At(now)
	switch b.State {
	case Closed:
		return b, true
	case HalfOpen:
		if !b.trialFree(s, now) {
			return b, false
		}
		b.TrialStartedAt = now
		return b, true
	default:
		return b, false
	}
}

// Health maps the breaker onto the externally visible health state.
// HealthDown is reported exactly when the breaker is open.
func (b Breaker) Health(now time.Time) cluster.HealthState {
	b = b.At(now)
	switch {
	case b.State == Open:
		return cluster.HealthDown
	case b.State == HalfOpen, b.ConsecutiveFailures > 0:
		return cluster.HealthDegraded
	default:
		return cluster.HealthUp
	}
}

func (b Breaker) trialFree(s Settings, now time.Time) bool {
	if b.TrialStartedAt.IsZero() {
		return true
	}
	return s.TrialTimeout > 0 && !now.Before(b.TrialStartedAt.Add(s.TrialTimeout))
}

func nextCoolDown(cur time.Duration, s Settings) time.Duration {
	if cur <= 0 {
		cur = s.CoolDown
	}
	next := cur * 2
	if s.MaxCoolDown > 0 && next > s.MaxCoolDown {
		next = s.MaxCoolDown
	}
	return next
}
