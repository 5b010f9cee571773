// Package policy is the freshness policy table.
//
// A class is named after its guarantee ("strong", "bounded:5s",
// "best-effort") or given any name plus an explicit consistency. Each
// class lists the tiers it accepts in the order the router should try
// them. Bounded classes carry a staleness bound which any tier may
// tighten or relax for itself:
//
//	- name: reports
//	  consistency: bounded
//	  max_staleness: 30s
//	  tiers:
//	    - tier: replica
//	    - tier: warehouse
//	      max_staleness: 15m
//
// Strong classes may only list the primary. The Table is built once at
// startup and shared read-only by every routing call.
package policy
