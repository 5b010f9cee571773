// Package health implements the backend health tracker: the single owner
// of circuit state and lag samples for every backend.
//
// # Overview
//
// Probes and query outcomes flow in; the router reads out. The tracker
// turns successful probes into lag samples, failed probes and failed
// queries into circuit failures, and exposes two questions the router
// asks on every request:
//
//	CurrentLagEstimate(id)  the newest trustworthy lag, or unknown
//	IsEligible(id)          whether traffic may be sent right now
//
// # Storage Layout
//
// State lives in an arena of cells, one per backend:
//
//	┌──────────────────────── Tracker ────────────────────────┐
//	│  RWMutex (membership only)                              │
//	│                                                         │
//	│  ┌──── cell ────┐  ┌──── cell ────┐  ┌──── cell ────┐   │
//	│  │ mutex        │  │ mutex        │  │ mutex        │   │
//	│  │ breaker      │  │ breaker      │  │ breaker      │   │
//	│  │ lag window   │  │ lag window   │  │ lag window   │   │
//	│  │ last used    │  │ last used    │  │ last used    │   │
//	│  └──────────────┘  └──────────────┘  └──────────────┘   │
//	└─────────────────────────────────────────────────────────┘
//
// The tracker-wide lock is only taken to find a cell; all reads and
// writes of backend state happen under that cell's own mutex. A probe
// writing one replica never contends with a router reading another.
//
// # Snapshots
//
// Snapshot copies every field of a cell inside one critical section, so
// readers see either the state before an update or the state after it,
// never a failure count from one and a circuit state from the other.
// Tier returns snapshots for a whole tier, which is what the router
// decides over.
//
// # Lag Estimates
//
// A lag estimate is unknown when:
//   - no sample has been recorded
//   - the newest sample is older than the staleness ceiling
//   - a probe failed, or reached the backend without a lag value, after
//     the newest sample
//
// The primary is the authoritative source; its estimate is always zero.
//
// # Health State
//
// HealthState is derived from the breaker: down exactly when the circuit
// is open, degraded while half-open or after a failure that has not yet
// tripped the breaker, up otherwise.
//
// # Trials
//
// ClaimTrial is the committing form of IsEligible. For a closed circuit it
// always succeeds; for a half-open circuit only the first caller wins, and
// the probe loop and the router compete for the same single trial.
// AdmitProbe is the probe loop's name for the same claim, so probes are
// held back while the circuit is open.
//
// # Transitions
//
// Every circuit transition is logged at info level and passed to the
// callback registered with SetOnTransition, outside any lock.
package health
