// Package lag holds replication lag samples and the machinery that turns
// log positions into durations.
//
// Window is the bounded FIFO of samples kept per backend. PositionHistory
// records the primary's write position over time; a replica's lag is the
// age of the newest primary observation its applied position has reached,
// which over-estimates true lag by at most one probe interval and never
// under-estimates it. A history whose newest observation is older than its
// max age yields no lag at all, since the primary has gone unobserved.
package lag
