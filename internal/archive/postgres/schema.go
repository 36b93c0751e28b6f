// Package postgres stores archived conversations in PostgreSQL.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	arch := archive.New(archive.NewGuard(store), registry, archive.Config{})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversationEntries = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    session_id  TEXT         NOT NULL,
    seq         INTEGER      NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_created_at
    ON conversation_entries (created_at);
`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS archived_sessions (
    session_id  TEXT         PRIMARY KEY,
    agent_id    TEXT         NOT NULL DEFAULT '',
    mode        TEXT         NOT NULL,
    end_reason  TEXT         NOT NULL,
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    entries     INTEGER      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_archived_sessions_agent_id
    ON archived_sessions (agent_id);
`

// Migrate creates the archive tables if they do not exist. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversationEntries, ddlSessions} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
