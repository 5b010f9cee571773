// Package router selects, for each read request, one backend that can
// honor the request's freshness class, or reports that none can.
//
// # Overview
//
// The router sits on the caller's request path. It does no network I/O
// and never waits on a probe: a decision is a bounded walk over in-memory
// snapshots taken from the health tracker.
//
//	         Request{Class, Exclude}
//	                   │
//	                   ▼
//	   ┌──────── policy.Table.Lookup ────────┐
//	   │  ordered tiers + staleness bounds   │
//	   └─────────────────┬───────────────────┘
//	                     ▼
//	   for each tier in order:
//	     every backend excluded?      → "skipped: excluded"
//	     none eligible (circuit)?     → "skipped: unhealthy"
//	     none within the bound?       → "skipped: stale"
//	     otherwise                    → "selected", stop
//	                     │
//	                     ▼
//	   Decision{Outcome, Backend, ObservedLag, FallbackChain}
//
// # Guarantees
//
// The router never downgrades a guarantee. A strong class only ever gets
// the primary. A bounded class only gets a backend whose lag estimate is
// known and within the bound for that tier; unknown lag counts as stale.
// When no tier qualifies the outcome is OutcomeUnavailable, which is a
// normal result and not an error; the caller decides whether to retry,
// queue or fail.
//
// Every tier considered is appended to the fallback chain in order, so
// the chain never has more entries than the class has tiers.
//
// # Tie-breaking
//
// Within a tier the backend with the lowest lag estimate wins. Equal lag
// falls back to the least recently used backend, and then to the lowest
// id so the choice is fully determined by the snapshot.
//
// # Decide and Route
//
// Decide is pure: given the same view, request and clock it returns the
// same Decision, and it changes nothing. The admin API uses it for
// diagnostics.
//
// Route commits. It claims the chosen backend's circuit trial (a
// half-open backend admits one request; a caller that loses the race
// decides again with that backend treated as unhealthy), marks the
// backend used for tie-breaking and hands the decision to the Recorder.
//
// # Mid-flight Failure
//
// When a query fails on the selected backend the caller passes the
// decision to Reroute. The failure is charged to the backend's circuit,
// the backend joins the exclusion set, and the same request is routed
// again. The number of reroutes per request is capped by SetMaxReroutes
// (one by default) and by the number of tiers in the class; past the cap
// the result is unavailable. ReportSuccess closes the loop for queries
// that completed, which is how a half-open backend returns to closed.
//
// # Usage
//
//	d, err := r.Route(router.Request{Class: "bounded:5s"})
//	if err != nil {
//	    return err // unknown class
//	}
//	for d.Selected() {
//	    pool := d.Backend.Handle.(*pgxpool.Pool)
//	    if qerr := runQuery(ctx, pool); qerr == nil {
//	        _ = r.ReportSuccess(d)
//	        return nil
//	    } else if d, err = r.Reroute(d, qerr); err != nil {
//	        return err
//	    }
//	}
//	return errUnavailable
package router
