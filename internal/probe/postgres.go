package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	primaryWALQuery = "SELECT pg_current_wal_lsn()::text"
	replicaWALQuery = "SELECT pg_last_wal_replay_lsn()::text"
)

// RowQuerier is the subset of *pgxpool.Pool and *pgx.Conn used by the probe.
// The caller owns the pool; the probe never opens or closes connections.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresPositionReader reads a WAL LSN from PostgreSQL.
type PostgresPositionReader struct {
	q     RowQuerier
	query string
}

// NewPrimaryWALReader reads the primary's current WAL write location.
func NewPrimaryWALReader(q RowQuerier) *PostgresPositionReader {
	return &PostgresPositionReader{q: q, query: primaryWALQuery}
}

// NewReplicaWALReader reads the standby's last replayed WAL location.
func NewReplicaWALReader(q RowQuerier) *PostgresPositionReader {
	return &PostgresPositionReader{q: q, query: replicaWALQuery}
}

func (r *PostgresPositionReader) ReadPosition(ctx context.Context) (uint64, error) {
	var lsn *string
	if err := r.q.QueryRow(ctx, r.query).Scan(&lsn); err != nil {
		return 0, fmt.Errorf("query wal position: %w", err)
	}
	if lsn == nil {
		// pg_last_wal_replay_lsn is NULL on a server that is not in recovery
		return 0, fmt.Errorf("wal position is null (server not a standby?)")
	}
	return ParseLSN(*lsn)
}

// ParseLSN converts PostgreSQL's "XXXXXXXX/YYYYYYYY" notation to a byte offset.
func ParseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, fmt.Errorf("invalid lsn %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return h<<32 | l, nil
}
