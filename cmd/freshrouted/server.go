package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/health"
	"github.com/dreamware/freshroute/internal/lag"
	"github.com/dreamware/freshroute/internal/router"
)

func (d *daemon) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(d.logRequests)

	r.HandleFunc("/health", d.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/backends", d.handleBackends).Methods(http.MethodGet)
	r.HandleFunc("/backends/{id}", d.handleBackend).Methods(http.MethodGet)
	r.HandleFunc("/classes", d.handleClasses).Methods(http.MethodGet)
	r.HandleFunc("/route", d.handleRoute).Methods(http.MethodPost)
	r.HandleFunc("/decisions", d.handleDecisions).Methods(http.MethodGet)
	r.HandleFunc("/decisions/{request_id}/failed", d.handleFailed).Methods(http.MethodPost)
	r.HandleFunc("/decisions/{request_id}/succeeded", d.handleSucceeded).Methods(http.MethodPost)
	r.HandleFunc("/stats", d.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// handleHealth reports the daemon itself as up and counts backends by state.
func (d *daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := map[cluster.HealthState]int{}
	for _, s := range d.tracker.Snapshots() {
		counts[s.Health]++
	}
	respondJSON(w, http.StatusOK, struct {
		Status   string                      `json:"status"`
		Backends map[cluster.HealthState]int `json:"backends"`
	}{Status: "ok", Backends: counts})
}

func (d *daemon) handleBackends(w http.ResponseWriter, _ *http.Request) {
	out := make([]health.Snapshot, 0)
	for _, b := range d.tracker.Backends() {
		if s, err := d.tracker.Snapshot(b.ID); err == nil {
			out = append(out, s)
		}
	}
	respondJSON(w, http.StatusOK, struct {
		Backends []health.Snapshot `json:"backends"`
	}{Backends: out})
}

func (d *daemon) handleBackend(w http.ResponseWriter, r *http.Request) {
	id := cluster.BackendID(mux.Vars(r)["id"])
	snap, err := d.tracker.Snapshot(id)
	if errors.Is(err, health.ErrUnknownBackend) {
		respondError(w, http.StatusNotFound, "backend not found")
		return
	}
	samples, _ := d.tracker.Samples(id)
	respondJSON(w, http.StatusOK, struct {
		health.Snapshot
		Window []lag.Sample `json:"window"`
	}{Snapshot: snap, Window: samples})
}

func (d *daemon) handleClasses(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, struct {
		Classes any `json:"classes"`
	}{Classes: d.table.Classes()})
}

// handleRoute evaluates a request against the current state. Without
// ?commit=true it is a dry run: no trial is claimed, no use is marked and
// nothing is recorded. A committed decision that selected a backend stays
// pending until its outcome is reported under /decisions/{request_id}.
func (d *daemon) handleRoute(w http.ResponseWriter, r *http.Request) {
	commit := false
	if v := r.URL.Query().Get("commit"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "commit must be a boolean")
			return
		}
		commit = b
	}

	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad json")
		return
	}
	if req.Class == "" {
		respondError(w, http.StatusBadRequest, "class required")
		return
	}

	var (
		decision router.Decision
		err      error
	)
	if commit {
		decision, err = d.router.Route(req)
	} else {
		decision, err = d.router.Decide(d.tracker, req)
	}
	if errors.Is(err, router.ErrUnknownClass) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if commit {
		d.pending.put(decision)
	}
	respondJSON(w, http.StatusOK, decision)
}

// handleFailed charges a query failure to the pending decision's backend
// and returns the rerouted decision, which becomes the pending one.
func (d *daemon) handleFailed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error string `json:"error"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "bad json")
			return
		}
	}
	if body.Error == "" {
		body.Error = "query failed"
	}

	prev, ok := d.pending.take(mux.Vars(r)["request_id"])
	if !ok {
		respondError(w, http.StatusNotFound, "no pending decision for request")
		return
	}
	next, err := d.router.Reroute(prev, errors.New(body.Error))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	d.pending.put(next)
	respondJSON(w, http.StatusOK, next)
}

// handleSucceeded reports that the pending decision's backend served the query.
func (d *daemon) handleSucceeded(w http.ResponseWriter, r *http.Request) {
	prev, ok := d.pending.take(mux.Vars(r)["request_id"])
	if !ok {
		respondError(w, http.StatusNotFound, "no pending decision for request")
		return
	}
	if err := d.router.ReportSuccess(prev); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *daemon) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, struct {
		Decisions []router.Decision `json:"decisions"`
	}{Decisions: d.recorder.Recent(limit)})
}

func (d *daemon) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, d.recorder.Stats())
}

func (d *daemon) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		d.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("admin request")
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
