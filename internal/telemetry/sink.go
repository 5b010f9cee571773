package telemetry

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dreamware/freshroute/internal/router"
)

// StreamAdder is the subset of *redis.Client used by RedisStreamSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends decisions to a Redis stream from a background
// goroutine. Offer only enqueues; when the buffer is full the decision is
// dropped.
type RedisStreamSink struct {
	client       StreamAdder
	stream       string
	maxLen       int64
	writeTimeout time.Duration
	queue        chan router.Decision
	written      atomic.Uint64
	failed       atomic.Uint64
	logger       zerolog.Logger
}

// NewRedisStreamSink creates a sink buffering up to buffer decisions.
// maxLen > 0 caps the stream length approximately.
func NewRedisStreamSink(client StreamAdder, stream string, buffer int, maxLen int64, logger zerolog.Logger) *RedisStreamSink {
	if buffer < 1 {
		buffer = 1
	}
	return &RedisStreamSink{
		client:       client,
		stream:       stream,
		maxLen:       maxLen,
		writeTimeout: 2 * time.Second,
		queue:        make(chan router.Decision, buffer),
		logger:       logger.With().Str("component", "audit").Str("stream", stream).Logger(),
	}
}

// Offer enqueues d without blocking.
func (s *RedisStreamSink) Offer(d router.Decision) bool {
	select {
	case s.queue <- d:
		return true
	default:
		return false
	}
}

// Run writes queued decisions until ctx is cancelled, then flushes what is
// already buffered.
func (s *RedisStreamSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case d := <-s.queue:
			s.write(ctx, d)
		}
	}
}

func (s *RedisStreamSink) drain() {
	for {
		select {
		case d := <-s.queue:
			s.write(context.Background(), d)
		default:
			return
		}
	}
}

// Written and Failed report XADD outcomes.
func (s *RedisStreamSink) Written() uint64 { return s.written.Load() }
func (s *RedisStreamSink) Failed() uint64  { return s.failed.Load() }

func (s *RedisStreamSink) write(ctx context.Context, d router.Decision) {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	args := &redis.XAddArgs{Stream: s.stream, Values: fields(d)}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.failed.Add(1)
		s.logger.Warn().Err(err).Str("request_id", d.RequestID).Msg("audit write failed")
		return
	}
	s.written.Add(1)
}

// fields flattens a decision into stream entry fields.
func fields(d router.Decision) map[string]interface{} {
	chain, _ := json.Marshal(d.Chain())
	v := map[string]interface{}{
		"request_id": d.RequestID,
		"class":      d.Class,
		"outcome":    string(d.Outcome),
		"chain":      string(chain),
		"attempt":    strconv.Itoa(d.Attempt),
		"decided_at": d.DecidedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.Selected() {
		v["backend"] = string(d.Backend.ID)
		v["tier"] = string(d.Backend.Tier)
	}
	if d.ObservedLag.Known {
		v["observed_lag_ms"] = strconv.FormatInt(d.ObservedLag.Lag.Milliseconds(), 10)
	}
	if d.Reason != "" {
		v["reason"] = d.Reason
	}
	return v
}
