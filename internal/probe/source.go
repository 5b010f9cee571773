package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/freshroute/internal/lag"
)

var (
	// ErrTimeout is reported when a probe attempt exceeds its deadline.
	ErrTimeout = errors.New("probe timed out")
	// ErrNotReady is reported when a backend answers but declares itself not ready.
	ErrNotReady = errors.New("backend not ready")
	// ErrLagUnknown means the backend is reachable but no lag can be computed yet.
	ErrLagUnknown = errors.New("lag unknown")
)

// Source measures the replication delay of one backend.
type Source interface {
	Measure(ctx context.Context) (time.Duration, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (time.Duration, error)

func (f SourceFunc) Measure(ctx context.Context) (time.Duration, error) { return f(ctx) }

// PositionReader reads a monotonically increasing log position marker.
type PositionReader interface {
	ReadPosition(ctx context.Context) (uint64, error)
}

// PrimarySource reads the primary's current write position and publishes it
// to the shared history. Its own lag is always zero.
type PrimarySource struct {
	Reader  PositionReader
	History *lag.PositionHistory
	Now     func() time.Time
}

func (s *PrimarySource) Measure(ctx context.Context) (time.Duration, error) {
	pos, err := s.Reader.ReadPosition(ctx)
	if err != nil {
		return 0, fmt.Errorf("read primary position: %w", err)
	}
	s.History.Observe(pos, nowOr(s.Now))
	return 0, nil
}

// ReplicaSource reads a replica's last applied position and converts it to a
// duration using the primary's position history.
type ReplicaSource struct {
	Reader  PositionReader
	History *lag.PositionHistory
	Now     func() time.Time
}

func (s *ReplicaSource) Measure(ctx context.Context) (time.Duration, error) {
	applied, err := s.Reader.ReadPosition(ctx)
	if err != nil {
		return 0, fmt.Errorf("read applied position: %w", err)
	}
	d, ok := s.History.LagAt(applied, nowOr(s.Now))
	if !ok {
		return 0, fmt.Errorf("no recent primary position: %w", ErrLagUnknown)
	}
	return d, nil
}

// StaticSource always reports the same lag. Useful for fixed-lag tiers and tests.
type StaticSource struct {
	Lag time.Duration
}

func (s StaticSource) Measure(context.Context) (time.Duration, error) { return s.Lag, nil }

func nowOr(now func() time.Time) time.Time {
	if now == nil {
		return time.Now()
	}
	return now()
}
