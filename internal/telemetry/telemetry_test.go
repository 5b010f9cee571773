package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/freshroute/internal/circuit"
	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/health"
	"github.com/dreamware/freshroute/internal/lag"
	"github.com/dreamware/freshroute/internal/router"
)

var decidedAt = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func selected(id string, tier cluster.Tier, l time.Duration, chain ...router.Step) router.Decision {
	if len(chain) == 0 {
		chain = []router.Step{{Tier: tier, Outcome: router.StepSelected, Backend: cluster.BackendID(id)}}
	}
	return router.Decision{
		RequestID:     "req-" + id,
		Class:         "bounded:5s",
		Outcome:       router.OutcomeSelected,
		Backend:       cluster.Backend{ID: cluster.BackendID(id), Tier: tier},
		ObservedLag:   lag.Estimate{Lag: l, Known: true, SampledAt: decidedAt},
		FallbackChain: chain,
		DecidedAt:     decidedAt,
	}
}

func unavailable() router.Decision {
	return router.Decision{
		RequestID: "req-none",
		Class:     "strong",
		Outcome:   router.OutcomeUnavailable,
		FallbackChain: []router.Step{
			{Tier: cluster.TierPrimary, Outcome: router.StepUnhealthy},
		},
		Reason:    "no eligible backend",
		DecidedAt: decidedAt,
	}
}

func TestRecorderStats(t *testing.T) {
	r := NewRecorder(10, nil)
	assert.Zero(t, r.Stats().FallbackRate)

	r.Record(selected("replica-1", cluster.TierReplica, time.Second))
	r.Record(selected("warehouse", cluster.TierWarehouse, 2*time.Second,
		router.Step{Tier: cluster.TierReplica, Outcome: router.StepStale},
		router.Step{Tier: cluster.TierWarehouse, Outcome: router.StepSelected, Backend: "warehouse"},
	))
	r.Record(unavailable())
	rerouted := selected("replica-2", cluster.TierReplica, 0)
	rerouted.Attempt = 1
	r.Record(rerouted)

	s := r.Stats()
	assert.Equal(t, uint64(4), s.Total)
	assert.Equal(t, uint64(2), s.Selected[cluster.TierReplica])
	assert.Equal(t, uint64(1), s.Selected[cluster.TierWarehouse])
	assert.Equal(t, uint64(0), s.Selected[cluster.TierPrimary])
	assert.Equal(t, uint64(1), s.Unavailable)
	assert.Equal(t, uint64(2), s.Fallbacks)
	assert.Equal(t, uint64(1), s.Reroutes)
	assert.InDelta(t, 0.5, s.FallbackRate, 1e-9)
	assert.InDelta(t, 0.25, s.UnavailableRate, 1e-9)
}

func TestRecentIsBoundedNewestFirst(t *testing.T) {
	r := NewRecorder(3, nil)
	assert.Empty(t, r.Recent(0))

	for i := 0; i < 5; i++ {
		r.Record(selected(fmt.Sprintf("b%d", i), cluster.TierReplica, 0))
	}
	ids := func(ds []router.Decision) []cluster.BackendID {
		out := make([]cluster.BackendID, len(ds))
		for i, d := range ds {
			out[i] = d.Backend.ID
		}
		return out
	}
	assert.Equal(t, []cluster.BackendID{"b4", "b3", "b2"}, ids(r.Recent(0)))
	assert.Equal(t, []cluster.BackendID{"b4", "b3"}, ids(r.Recent(2)))
	assert.Len(t, r.Recent(100), 3)
	assert.Equal(t, uint64(5), r.Stats().Total)
}

func TestRecentBeforeWrap(t *testing.T) {
	r := NewRecorder(4, nil)
	r.Record(selected("a", cluster.TierReplica, 0))
	r.Record(selected("b", cluster.TierReplica, 0))
	recent := r.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, cluster.BackendID("b"), recent[0].Backend.ID)
	assert.Equal(t, cluster.BackendID("a"), recent[1].Backend.ID)
}

type blockedSink struct{}

func (blockedSink) Offer(router.Decision) bool { return false }

func TestRecorderMetricsAndDrops(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRecorder(4, m, blockedSink{})

	r.Record(selected("replica-1", cluster.TierReplica, time.Second))
	r.Record(unavailable())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("bounded:5s", "selected", "replica")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("strong", "unavailable", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sinkDropped))
	assert.Equal(t, uint64(2), r.Stats().SinkDropped)
	assert.Equal(t, 1, testutil.CollectAndCount(m.observedLag))

	m.ObserveTransition("replica-1", circuit.Closed, circuit.Open)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("replica-1", "open")))
}

func TestRecorderConcurrent(t *testing.T) {
	r := NewRecorder(16, NewMetrics(prometheus.NewRegistry()))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				r.Record(selected("replica-1", cluster.TierReplica, time.Second))
				_ = r.Recent(4)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(2000), r.Stats().Total)
	assert.Len(t, r.Recent(0), 16)
}

type staticSnapshots map[cluster.BackendID]health.Snapshot

func (s staticSnapshots) Snapshots() map[cluster.BackendID]health.Snapshot { return s }

func TestBackendCollector(t *testing.T) {
	src := staticSnapshots{
		"pg-primary": {
			Backend: cluster.Backend{ID: "pg-primary", Tier: cluster.TierPrimary},
			Circuit: circuit.Breaker{State: circuit.Closed},
			Lag:     lag.Estimate{Known: true},
		},
		"pg-replica-1": {
			Backend: cluster.Backend{ID: "pg-replica-1", Tier: cluster.TierReplica},
			Circuit: circuit.Breaker{State: circuit.Open, ConsecutiveFailures: 5},
			Samples: 3,
		},
	}
	c := NewBackendCollector(src)

	assert.Equal(t, 1, testutil.CollectAndCount(c, "freshroute_backend_lag_seconds"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "freshroute_backend_lag_known"))
	assert.Equal(t, 6, testutil.CollectAndCount(c, "freshroute_backend_circuit_state"))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "freshroute_backend_consecutive_failures" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "backend" && l.GetValue() == "pg-replica-1" {
					assert.Equal(t, 5.0, metric.GetGauge().GetValue())
				}
			}
		}
	}
}

// fakeStream records XADD calls.
type fakeStream struct {
	mu   sync.Mutex
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	f.args = append(f.args, a)
	return redis.NewStringResult(fmt.Sprintf("%d-0", len(f.args)), nil)
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.args)
}

func TestRedisStreamSink(t *testing.T) {
	stream := &fakeStream{}
	sink := NewRedisStreamSink(stream, "freshroute:decisions", 8, 1000, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(done)
	}()

	require.True(t, sink.Offer(selected("replica-1", cluster.TierReplica, 1500*time.Millisecond)))
	require.True(t, sink.Offer(unavailable()))
	require.Eventually(t, func() bool { return stream.count() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	stream.mu.Lock()
	first, second := stream.args[0], stream.args[1]
	stream.mu.Unlock()

	assert.Equal(t, "freshroute:decisions", first.Stream)
	assert.Equal(t, int64(1000), first.MaxLen)
	assert.True(t, first.Approx)
	values := first.Values.(map[string]interface{})
	assert.Equal(t, "req-replica-1", values["request_id"])
	assert.Equal(t, "replica", values["tier"])
	assert.Equal(t, "1500", values["observed_lag_ms"])
	assert.Equal(t, `["replica: selected"]`, values["chain"])
	assert.Equal(t, "2026-05-04T12:00:00Z", values["decided_at"])

	values = second.Values.(map[string]interface{})
	assert.Equal(t, "unavailable", values["outcome"])
	assert.NotContains(t, values, "backend")
	assert.Equal(t, "no eligible backend", values["reason"])
	assert.Equal(t, uint64(2), sink.Written())
}

func TestRedisStreamSinkDropsWhenFull(t *testing.T) {
	sink := NewRedisStreamSink(&fakeStream{}, "s", 1, 0, zerolog.Nop())
	assert.True(t, sink.Offer(unavailable()))
	assert.False(t, sink.Offer(unavailable()))

	r := NewRecorder(2, nil, sink)
	r.Record(unavailable())
	assert.Equal(t, uint64(1), r.Stats().SinkDropped)
}

func TestRedisStreamSinkWriteFailure(t *testing.T) {
	stream := &fakeStream{err: errors.New("READONLY")}
	sink := NewRedisStreamSink(stream, "s", 4, 0, zerolog.Nop())
	require.True(t, sink.Offer(unavailable()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Run(ctx)

	assert.Equal(t, uint64(1), sink.Failed())
	assert.Zero(t, sink.Written())
}
