package probe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/freshroute/internal/cluster"
)

// ReadyChecker reports whether the warehouse is accepting queries.
type ReadyChecker interface {
	Ready(ctx context.Context) error
}

// readyResponse is the body served by the warehouse readiness endpoint.
type readyResponse struct {
	Ready         bool      `json:"ready"`
	LastAppliedAt time.Time `json:"last_applied_at"`
}

// HTTPWarehouse polls a readiness endpoint returning
// {"ready": true, "last_applied_at": "<RFC3339>"}.
// It is both a ReadyChecker and, when last_applied_at is served, a Source.
type HTTPWarehouse struct {
	URL string
	Now func() time.Time
}

func (w *HTTPWarehouse) fetch(ctx context.Context) (readyResponse, error) {
	var body readyResponse
	if err := cluster.GetJSON(ctx, w.URL, &body); err != nil {
		return body, fmt.Errorf("warehouse readiness: %w", err)
	}
	if !body.Ready {
		return body, ErrNotReady
	}
	return body, nil
}

func (w *HTTPWarehouse) Ready(ctx context.Context) error {
	_, err := w.fetch(ctx)
	return err
}

func (w *HTTPWarehouse) Measure(ctx context.Context) (time.Duration, error) {
	body, err := w.fetch(ctx)
	if err != nil {
		return 0, err
	}
	if body.LastAppliedAt.IsZero() {
		return 0, fmt.Errorf("warehouse reported no last_applied_at: %w", ErrLagUnknown)
	}
	return sinceClamped(nowOr(w.Now), body.LastAppliedAt), nil
}

// StringGetter is the subset of redis.Cmdable used to read the checkpoint.
type StringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisCheckpointSource reads the change-data-capture checkpoint that the
// ingestion pipeline writes after each applied batch. The value is either an
// RFC3339 timestamp or unix milliseconds.
type RedisCheckpointSource struct {
	Client StringGetter
	Key    string
	Ready  ReadyChecker // optional
	Now    func() time.Time
}

func (s *RedisCheckpointSource) Measure(ctx context.Context) (time.Duration, error) {
	if s.Ready != nil {
		if err := s.Ready.Ready(ctx); err != nil {
			return 0, err
		}
	}
	val, err := s.Client.Get(ctx, s.Key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("checkpoint %q not written yet: %w", s.Key, ErrLagUnknown)
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %q: %w", s.Key, err)
	}
	at, err := ParseCheckpoint(val)
	if err != nil {
		return 0, err
	}
	return sinceClamped(nowOr(s.Now), at), nil
}

// ParseCheckpoint accepts RFC3339 (with optional fractional seconds) or
// unix milliseconds.
func ParseCheckpoint(val string) (time.Time, error) {
	val = strings.TrimSpace(val)
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid checkpoint %q: %w", val, err)
	}
	return at, nil
}

func sinceClamped(now, at time.Time) time.Duration {
	if d := now.Sub(at); d > 0 {
		return d
	}
	return 0
}
