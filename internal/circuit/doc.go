// Package circuit implements the per-backend circuit breaker as a pure
// finite-state machine.
//
// A Breaker is a plain value. Every transition function takes the
// current time and returns the next Breaker, so transition logic can be
// exercised with scripted failure and success sequences and no timers:
//
//	          K consecutive failures
//	closed ───────────────────────────▶ open
//	  ▲                                   │
//	  │ trial succeeds       cool-down    │
//	  │                      elapses      ▼
//	  └──────────────────────────── half-open
//	                                      │
//	      trial fails: reopen with the    │
//	      cool-down doubled, up to max ◀──┘
//
// Open becomes half-open lazily: At reports the promoted state once the
// cool-down has passed, and every transition applies At first. A
// half-open breaker admits exactly one trial through Admit. If the trial
// outcome is never reported the claim expires after TrialTimeout so a
// lost request cannot wedge the backend in half-open forever.
//
// The health tracker owns breakers and guards each one with the owning
// backend's lock; Breaker itself does no synchronization.
package circuit
