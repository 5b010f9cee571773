// Package cluster defines the vocabulary shared by every freshroute
// component: backend tiers, backend identities, and the externally
// visible health state.
//
// # Tiers
//
// Backends fall into three tiers, ordered from most to least
// authoritative:
//
//	primary    the transactional store; lag is zero by definition
//	replica    a streaming read replica of the primary
//	warehouse  an analytical store fed by change-data-capture
//
// Tier names come from configuration, so ParseTier normalizes case and
// whitespace and rejects anything else.
//
// # Backends
//
// A Backend pairs an id and a tier with an opaque Handle. The handle is
// whatever the caller uses to reach the store (a pool, a DSN, a client).
// The router hands it back on selection and never opens or closes it,
// which is why it is excluded from JSON output.
//
// # Health
//
// HealthState is derived, never set directly: the health package maps
// circuit breaker state onto up, degraded and down.
//
// # HTTP helpers
//
// GetJSON is the small JSON-over-HTTP client used by the warehouse
// readiness probe. It honors context cancellation and treats any status
// of 300 or above as an error.
package cluster
