package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/archive"
)

var _ archive.Store = (*Store)(nil)

// Store implements [archive.Store] on a [pgxpool.Pool].
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, checks the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteEntries implements [archive.Store]. All records go out in one batch.
func (s *Store) WriteEntries(ctx context.Context, records []archive.Record) error {
	if len(records) == 0 {
		return nil
	}
	const q = `
		INSERT INTO conversation_entries (session_id, seq, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq) DO NOTHING`

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(q, r.SessionID, r.Seq, r.Role, r.Content, r.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive store: write entries: %w", err)
	}
	return nil
}

// EndSession implements [archive.Store]. A second summary for the same
// session replaces the first.
func (s *Store) EndSession(ctx context.Context, sum archive.Summary) error {
	const q = `
		INSERT INTO archived_sessions
		    (session_id, agent_id, mode, end_reason, started_at, ended_at, entries)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
		    agent_id   = EXCLUDED.agent_id,
		    mode       = EXCLUDED.mode,
		    end_reason = EXCLUDED.end_reason,
		    started_at = EXCLUDED.started_at,
		    ended_at   = EXCLUDED.ended_at,
		    entries    = EXCLUDED.entries`

	_, err := s.pool.Exec(ctx, q,
		sum.SessionID, sum.AgentID, sum.Mode, sum.Reason,
		sum.StartedAt, sum.EndedAt, sum.Entries)
	if err != nil {
		return fmt.Errorf("archive store: end session: %w", err)
	}
	return nil
}

// History implements [archive.Store].
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]archive.Record, error) {
	// The inner query picks the newest rows; the outer one restores order.
	const q = `
		SELECT session_id, seq, role, content, created_at FROM (
		    SELECT session_id, seq, role, content, created_at
		    FROM   conversation_entries
		    WHERE  session_id = $1
		    ORDER  BY seq DESC
		    LIMIT  $2
		) recent
		ORDER BY seq`

	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, q, sessionID, lim)
	if err != nil {
		return nil, fmt.Errorf("archive store: history: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[archive.Record])
	if err != nil {
		return nil, fmt.Errorf("archive store: history: %w", err)
	}
	if records == nil {
		records = []archive.Record{}
	}
	return records, nil
}

// Ping implements [archive.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
