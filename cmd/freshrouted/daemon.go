package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/config"
	"github.com/dreamware/freshroute/internal/health"
	"github.com/dreamware/freshroute/internal/lag"
	"github.com/dreamware/freshroute/internal/policy"
	"github.com/dreamware/freshroute/internal/probe"
	"github.com/dreamware/freshroute/internal/router"
	"github.com/dreamware/freshroute/internal/telemetry"
)

// daemon owns every long-lived component and the connections opened for
// probing. Connections are used only to read position markers and
// checkpoints; query traffic never goes through the daemon. Callers ask
// it for a backend, run the query themselves and report the outcome.
type daemon struct {
	cfg      *config.Config
	logger   zerolog.Logger
	table    *policy.Table
	tracker  *health.Tracker
	prober   *probe.Prober
	router   *router.Router
	recorder *telemetry.Recorder
	pending  *pendingDecisions
	registry *prometheus.Registry
	sink     *telemetry.RedisStreamSink
	closers  []func()
}

func newDaemon(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*daemon, error) {
	table, err := cfg.Table()
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		table:    table,
		tracker:  health.NewTracker(logger),
		registry: prometheus.NewRegistry(),
		pending:  newPendingDecisions(cfg.PendingLimit),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		telemetry.NewBackendCollector(d.tracker),
	)
	metrics := telemetry.NewMetrics(d.registry)
	d.tracker.SetOnTransition(metrics.ObserveTransition)

	var sinks []telemetry.Sink
	if cfg.Audit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Audit.RedisAddr, Password: cfg.Audit.Password})
		d.closers = append(d.closers, func() { _ = client.Close() })
		d.sink = telemetry.NewRedisStreamSink(client, cfg.Audit.Stream, cfg.Audit.Buffer, cfg.Audit.MaxLen, logger)
		sinks = append(sinks, d.sink)
	}
	d.recorder = telemetry.NewRecorder(cfg.RecentDecisions, metrics, sinks...)

	d.router = router.New(table, d.tracker, logger)
	d.router.SetRecorder(d.recorder)
	d.router.SetMaxReroutes(cfg.MaxReroutes)

	d.prober = probe.New(d.tracker, logger)
	history := lag.NewPositionHistory(cfg.PositionHistory)
	history.SetMaxAge(cfg.PositionMaxAge)
	for _, bc := range cfg.Backends {
		if err := d.addBackend(ctx, bc, history); err != nil {
			d.close()
			return nil, err
		}
	}
	return d, nil
}

func (d *daemon) addBackend(ctx context.Context, bc config.BackendConfig, history *lag.PositionHistory) error {
	b := bc.Backend()
	if err := d.tracker.Register(b, d.cfg.HealthSettings(bc)); err != nil {
		return err
	}
	src, err := d.source(ctx, bc, history)
	if err != nil {
		return fmt.Errorf("backend %s: %w", bc.ID, err)
	}
	eff := d.cfg.Effective(bc)
	return d.prober.Add(probe.Target{
		Backend:  b,
		Source:   src,
		Interval: eff.ProbeInterval,
		Timeout:  eff.ProbeTimeout,
	})
}

// source builds the lag source for one backend. Pools and clients are
// created lazily connected and closed by d.close.
func (d *daemon) source(ctx context.Context, bc config.BackendConfig, history *lag.PositionHistory) (probe.Source, error) {
	sc := bc.Source
	switch sc.Kind {
	case config.SourcePostgres:
		pool, err := pgxpool.New(ctx, sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		if bc.Backend().Tier == cluster.TierPrimary {
			return &probe.PrimarySource{Reader: probe.NewPrimaryWALReader(pool), History: history}, nil
		}
		return &probe.ReplicaSource{Reader: probe.NewReplicaWALReader(pool), History: history}, nil

	case config.SourceHTTP:
		return &probe.HTTPWarehouse{URL: sc.URL}, nil

	case config.SourceRedis:
		client := redis.NewClient(&redis.Options{Addr: sc.Addr, Password: sc.Password, DB: sc.DB})
		d.closers = append(d.closers, func() { _ = client.Close() })
		src := &probe.RedisCheckpointSource{Client: client, Key: sc.Key}
		if sc.ReadyURL != "" {
			src.Ready = &probe.HTTPWarehouse{URL: sc.ReadyURL}
		}
		return src, nil

	case config.SourceStatic:
		return probe.StaticSource{Lag: sc.Lag}, nil
	}
	return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
}

// run starts probing and serves the admin API until ctx is done.
func (d *daemon) run(ctx context.Context) error {
	d.prober.Start(ctx)
	defer d.prober.Stop()

	if d.sink != nil {
		sinkCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			d.sink.Run(sinkCtx)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	httpSrv := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info().
			Str("addr", d.cfg.ListenAddr).
			Int("backends", len(d.cfg.Backends)).
			Strs("classes", d.table.Names()).
			Msg("freshrouted listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	d.logger.Info().Msg("freshrouted stopped")
	return nil
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
