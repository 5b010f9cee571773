package main

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/freshroute/internal/router"
)

// pendingDecisions holds committed decisions whose query outcome has not
// been reported yet, keyed by request id. Once full, the oldest entry is
// evicted so callers that never report cannot grow it without bound.
type pendingDecisions struct {
	mu    sync.Mutex
	byID  map[string]router.Decision
	order []string
	limit int
}

func newPendingDecisions(limit int) *pendingDecisions {
	if limit < 1 {
		limit = 1
	}
	return &pendingDecisions{byID: make(map[string]router.Decision), limit: limit}
}

// put stores d if it selected a backend. A later decision for the same
// request replaces the earlier one.
func (p *pendingDecisions) put(d router.Decision) {
	if !d.Selected() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byID[d.RequestID]; !ok {
		p.order = append(p.order, d.RequestID)
	}
	p.byID[d.RequestID] = d

	for len(p.byID) > p.limit && len(p.order) > 0 {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.byID, oldest)
	}
}

// take removes and returns the decision for id. Only one caller can take
// a given decision.
func (p *pendingDecisions) take(id string) (router.Decision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.byID[id]
	if !ok {
		return router.Decision{}, false
	}
	delete(p.byID, id)
	if i := slices.Index(p.order, id); i >= 0 {
		p.order = slices.Delete(p.order, i, i+1)
	}
	return d, true
}

func (p *pendingDecisions) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}
