// Package probe measures replication lag of every backend on its own
// schedule and publishes the results to the health tracker.
// See doc.go for complete package documentation.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/freshroute/internal/cluster"
	"github.com/dreamware/freshroute/internal/lag"
)

// Recorder receives probe outcomes. Implemented by *health.Tracker.
type Recorder interface {
	AdmitProbe(id cluster.BackendID) bool
	RecordSample(s lag.Sample) error
	RecordProbeFailure(id cluster.BackendID, err error) error
	RecordAlive(id cluster.BackendID) error
}

// Target is one backend to probe.
type Target struct {
	Backend  cluster.Backend
	Source   Source
	Interval time.Duration
	Timeout  time.Duration
}

// Outcome of a single probe attempt.
type Outcome int

const (
	OutcomeSample  Outcome = iota // lag sample recorded
	OutcomeFailed                 // liveness failure recorded
	OutcomeAlive                  // reachable, lag unknown
	OutcomeSkipped                // circuit open or trial already taken
	OutcomeCanceled               // caller's context ended mid-probe, nothing recorded
)

// Prober runs one periodic task per target. Tasks never share state with
// each other and never block routing; they only publish to the Recorder.
type Prober struct {
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	targets []Target
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a prober publishing to recorder.
func New(recorder Recorder, logger zerolog.Logger) *Prober {
	ctx, cancel := context.WithCancel(context.Background())
	return &Prober{
		recorder: recorder,
		logger:   logger.With().Str("component", "probe").Logger(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetClock overrides the timestamp source for samples. Intended for tests.
func (p *Prober) SetClock(now func() time.Time) {
	p.now = now
}

// Add registers a target. Targets must be added before Start.
func (p *Prober) Add(t Target) error {
	if t.Source == nil {
		return fmt.Errorf("backend %s: no lag source", t.Backend.ID)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("backend %s: probe interval must be positive", t.Backend.ID)
	}
	if t.Timeout <= 0 || t.Timeout > t.Interval {
		t.Timeout = t.Interval
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("prober already started")
	}
	p.targets = append(p.targets, t)
	return nil
}

// Start launches one goroutine per target and returns immediately.
// Probing stops when ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	if ctx == nil {
		ctx = p.ctx
	}
	runCtx, cancel := context.WithCancel(ctx)
	context.AfterFunc(p.ctx, cancel)

	for _, t := range p.targets {
		p.wg.Add(1)
		go p.run(runCtx, t)
	}
	p.logger.Info().Int("targets", len(p.targets)).Msg("probes started")
}

// Stop cancels every probe task and waits for them to exit.
func (p *Prober) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("probes stopped")
}

func (p *Prober) run(ctx context.Context, t Target) {
	defer p.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	// Probe immediately so routing has data before the first tick.
	p.ProbeOnce(ctx, t)

	for {
		select {
		case <-ticker.C:
			p.ProbeOnce(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeOnce performs a single bounded attempt against t and records the result.
func (p *Prober) ProbeOnce(ctx context.Context, t Target) Outcome {
	id := t.Backend.ID
	if !p.recorder.AdmitProbe(id) {
		return OutcomeSkipped
	}

	d, err := measure(ctx, t.Source, t.Timeout)
	if err != nil && ctx.Err() != nil {
		// shutting down; the backend did nothing wrong
		p.logger.Debug().Err(err).Str("backend", string(id)).Msg("probe canceled")
		return OutcomeCanceled
	}
	switch {
	case err == nil:
		if d < 0 {
			d = 0
		}
		if rerr := p.recorder.RecordSample(lag.Sample{Backend: id, Lag: d, SampledAt: p.now()}); rerr != nil {
			p.logger.Error().Err(rerr).Str("backend", string(id)).Msg("record sample")
		}
		return OutcomeSample
	case errors.Is(err, ErrLagUnknown):
		p.logger.Debug().Err(err).Str("backend", string(id)).Msg("lag unknown")
		if rerr := p.recorder.RecordAlive(id); rerr != nil {
			p.logger.Error().Err(rerr).Str("backend", string(id)).Msg("record alive")
		}
		return OutcomeAlive
	default:
		if rerr := p.recorder.RecordProbeFailure(id, err); rerr != nil {
			p.logger.Error().Err(rerr).Str("backend", string(id)).Msg("record failure")
		}
		return OutcomeFailed
	}
}

// measure runs src with a deadline. A source that ignores its context is
// abandoned at the deadline rather than waited for.
func measure(parent context.Context, src Source, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		d   time.Duration
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := src.Measure(ctx)
		done <- result{d, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, r.err)
		}
		return r.d, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return 0, ctx.Err()
	}
}
