// Package probe measures replication lag for every backend on its own
// schedule.
//
// # Scheduling
//
// Prober runs one goroutine per Target. Each attempt gets its own timeout;
// the Source runs in a separate goroutine so a driver that ignores context
// cancellation is abandoned rather than allowed to stall the loop. Probes
// publish to the health tracker and never call into the router.
//
// # Results
//
// Each attempt ends in one of five outcomes:
//
//	OutcomeSample   a lag value was recorded
//	OutcomeFailed   the backend was unreachable or timed out; liveness failure
//	OutcomeAlive    the backend answered but could not supply a lag value
//	OutcomeSkipped  the circuit is open or its trial is already taken
//	OutcomeCanceled the caller's context ended mid-probe; nothing recorded
//
// A failed probe never records a lag of zero or infinity. Lag simply
// becomes unknown until the next sample.
//
// # Sources
//
//	PrimarySource         reads pg_current_wal_lsn() and feeds the shared
//	                      position history; reports zero lag
//	ReplicaSource         reads pg_last_wal_replay_lsn() and converts it to a
//	                      duration through the position history; lag
//	                      unknown once the history has gone stale
//	HTTPWarehouse         GETs {"ready": bool, "last_applied_at": time}
//	RedisCheckpointSource reads the CDC pipeline's checkpoint key, optionally
//	                      gated on a readiness check
//	StaticSource          a fixed lag, for tiers without a position marker
//
// Postgres sources accept anything with pgx's QueryRow, so a *pgxpool.Pool
// or a *pgx.Conn works and tests substitute a fake row.
package probe
