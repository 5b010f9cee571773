package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/freshroute/internal/circuit"
	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/health"
	"github.com/dreamware/freshroute/internal/lag"
	"github.com/dreamware/freshroute/internal/policy"
	"github.com/dreamware/freshroute/internal/probe"
	"github.com/dreamware/freshroute/internal/router"
	"github.com/dreamware/freshroute/internal/telemetry"
)

// positionFunc adapts a function to probe.PositionReader.
type positionFunc func(ctx context.Context) (uint64, error)

func (f positionFunc) ReadPosition(ctx context.Context) (uint64, error) { return f(ctx) }

// TestSystem is the full probe → tracker → router → telemetry pipeline with
// in-memory stand-ins for the primary, one replica and the warehouse.
type TestSystem struct {
	t         *testing.T
	tracker   *health.Tracker
	prober    *probe.Prober
	router    *router.Router
	recorder  *telemetry.Recorder
	warehouse *httptest.Server

	primaryPos     atomic.Uint64
	replicaPos     atomic.Uint64
	replicaDown    atomic.Bool
	primaryDown    atomic.Bool
	warehouseReady atomic.Bool
}

func NewTestSystem(t *testing.T) *TestSystem {
	ts := &TestSystem{t: t}
	ts.primaryPos.Store(100)
	ts.replicaPos.Store(100)
	ts.warehouseReady.Store(true)

	ts.warehouse = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":           ts.warehouseReady.Load(),
			"last_applied_at": time.Now().Add(-50 * time.Millisecond),
		})
	}))
	t.Cleanup(ts.warehouse.Close)

	settings := health.Settings{
		Circuit: circuit.Settings{
			FailureThreshold: 3,
			CoolDown:         300 * time.Millisecond,
			MaxCoolDown:      time.Second,
			TrialTimeout:     time.Second,
		},
		SampleCapacity:   16,
		StalenessCeiling: time.Second,
	}
	ts.tracker = health.NewTracker(zerolog.Nop())
	backends := []cluster.Backend{
		{ID: "pg-primary", Tier: cluster.TierPrimary},
		{ID: "pg-replica", Tier: cluster.TierReplica},
		{ID: "warehouse", Tier: cluster.TierWarehouse},
	}
	for _, b := range backends {
		require.NoError(t, ts.tracker.Register(b, settings))
	}

	history := lag.NewPositionHistory(256)
	history.SetMaxAge(250 * time.Millisecond)
	sources := map[cluster.BackendID]probe.Source{
		"pg-primary": &probe.PrimarySource{
			Reader: positionFunc(func(context.Context) (uint64, error) {
				if ts.primaryDown.Load() {
					return 0, errors.New("connection refused")
				}
				return ts.primaryPos.Load(), nil
			}),
			History: history,
		},
		"pg-replica": &probe.ReplicaSource{
			Reader: positionFunc(func(context.Context) (uint64, error) {
				if ts.replicaDown.Load() {
					return 0, errors.New("connection refused")
				}
				return ts.replicaPos.Load(), nil
			}),
			History: history,
		},
		"warehouse": &probe.HTTPWarehouse{URL: ts.warehouse.URL},
	}

	ts.prober = probe.New(ts.tracker, zerolog.Nop())
	for _, b := range backends {
		require.NoError(t, ts.prober.Add(probe.Target{
			Backend:  b,
			Source:   sources[b.ID],
			Interval: 20 * time.Millisecond,
			Timeout:  200 * time.Millisecond,
		}))
	}

	table, err := policy.NewTable([]policy.Spec{
		{Name: "strong", Tiers: []policy.TierRule{{Tier: cluster.TierPrimary}}},
		{Name: "bounded:300ms", Tiers: []policy.TierRule{{Tier: cluster.TierReplica}, {Tier: cluster.TierWarehouse}}},
	})
	require.NoError(t, err)

	ts.recorder = telemetry.NewRecorder(64, nil)
	ts.router = router.New(table, ts.tracker, zerolog.Nop())
	ts.router.SetRecorder(ts.recorder)
	return ts
}

func (ts *TestSystem) Start() {
	ts.prober.Start(context.Background())
	ts.t.Cleanup(ts.prober.Stop)
}

func (ts *TestSystem) route(class string) router.Decision {
	d, err := ts.router.Route(router.Request{Class: class})
	require.NoError(ts.t, err)
	return d
}

// eventuallyRoutes waits until class is routed to backend id.
func (ts *TestSystem) eventuallyRoutes(class string, id cluster.BackendID) router.Decision {
	ts.t.Helper()
	var last router.Decision
	require.Eventually(ts.t, func() bool {
		last = ts.route(class)
		return last.Selected() && last.Backend.ID == id
	}, 3*time.Second, 10*time.Millisecond, "expected %s for %s", id, class)
	return last
}

func TestFreshnessAwareRouting(t *testing.T) {
	ts := NewTestSystem(t)
	ts.Start()

	// replica caught up with the primary
	d := ts.eventuallyRoutes("bounded:300ms", "pg-replica")
	assert.Equal(t, []string{"replica: selected"}, d.Chain())
	assert.LessOrEqual(t, d.ObservedLag.Lag, 300*time.Millisecond)

	// primary moves on, replica stalls: lag grows past the bound
	ts.primaryPos.Store(200)
	d = ts.eventuallyRoutes("bounded:300ms", "warehouse")
	assert.Equal(t, []string{"replica: skipped: stale", "warehouse: selected"}, d.Chain())

	// replica catches up again
	ts.replicaPos.Store(200)
	ts.eventuallyRoutes("bounded:300ms", "pg-replica")

	// strong reads never leave the primary
	for i := 0; i < 10; i++ {
		d = ts.route("strong")
		require.True(t, d.Selected())
		assert.Equal(t, cluster.TierPrimary, d.Tier())
	}

	stats := ts.recorder.Stats()
	assert.Positive(t, stats.Selected[cluster.TierWarehouse])
	assert.Positive(t, stats.Fallbacks)
}

func TestReplicaOutageAndRecovery(t *testing.T) {
	ts := NewTestSystem(t)
	ts.Start()
	ts.eventuallyRoutes("bounded:300ms", "pg-replica")

	ts.replicaDown.Store(true)
	require.Eventually(t, func() bool {
		snap, err := ts.tracker.Snapshot("pg-replica")
		return err == nil && snap.Health == cluster.HealthDown
	}, 3*time.Second, 10*time.Millisecond)

	d := ts.route("bounded:300ms")
	assert.Equal(t, []string{"replica: skipped: unhealthy", "warehouse: selected"}, d.Chain())

	// the half-open probe trial closes the circuit once the replica answers
	ts.replicaDown.Store(false)
	require.Eventually(t, func() bool {
		snap, err := ts.tracker.Snapshot("pg-replica")
		return err == nil && snap.Circuit.State == circuit.Closed
	}, 3*time.Second, 10*time.Millisecond)
	ts.eventuallyRoutes("bounded:300ms", "pg-replica")
}

func TestPrimaryUnreachable(t *testing.T) {
	ts := NewTestSystem(t)
	ts.Start()
	ts.eventuallyRoutes("bounded:300ms", "pg-replica")

	// replica stays caught up with the last position seen, but that
	// position stops advancing
	ts.primaryDown.Store(true)
	d := ts.eventuallyRoutes("bounded:300ms", "warehouse")
	assert.Equal(t, []string{"replica: skipped: stale", "warehouse: selected"}, d.Chain())

	ts.primaryDown.Store(false)
	ts.eventuallyRoutes("bounded:300ms", "pg-replica")
}

func TestWarehouseNotReady(t *testing.T) {
	ts := NewTestSystem(t)
	ts.warehouseReady.Store(false)
	ts.replicaDown.Store(true)
	ts.Start()

	require.Eventually(t, func() bool {
		d := ts.route("bounded:300ms")
		return d.Outcome == router.OutcomeUnavailable &&
			len(d.FallbackChain) == 2 &&
			d.FallbackChain[1].Outcome == router.StepUnhealthy
	}, 3*time.Second, 10*time.Millisecond)
	assert.Positive(t, ts.recorder.Stats().Unavailable)
}

func TestMidFlightFailover(t *testing.T) {
	ts := NewTestSystem(t)
	ts.Start()
	first := ts.eventuallyRoutes("bounded:300ms", "pg-replica")
	require.Eventually(t, func() bool {
		return ts.tracker.CurrentLagEstimate("warehouse").Known
	}, 3*time.Second, 10*time.Millisecond)

	second, err := ts.router.Reroute(first, errors.New("query canceled: conflict with recovery"))
	require.NoError(t, err)
	assert.Equal(t, cluster.BackendID("warehouse"), second.Backend.ID)
	assert.Equal(t, 1, second.Attempt)

	third, err := ts.router.Reroute(second, errors.New("warehouse timeout"))
	require.NoError(t, err)
	assert.Equal(t, router.OutcomeUnavailable, third.Outcome)
}
