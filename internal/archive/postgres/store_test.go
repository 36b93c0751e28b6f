package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/archive/postgres"
)

// testDSN skips the test unless PARLEY_TEST_POSTGRES_DSN is set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS conversation_entries CASCADE",
		"DROP TABLE IF EXISTS archived_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop %q: %v", stmt, err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func records(session string, from, to int) []archive.Record {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var out []archive.Record
	for i := from; i < to; i++ {
		out = append(out, archive.Record{
			SessionID: session,
			Seq:       i,
			Role:      "user",
			Content:   "entry",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func TestWriteEntriesIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.WriteEntries(ctx, records("s1", 0, 3)); err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}
	// Overlapping retry.
	if err := store.WriteEntries(ctx, records("s1", 1, 5)); err != nil {
		t.Fatalf("WriteEntries retry: %v", err)
	}

	got, err := store.History(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i, r := range got {
		if r.Seq != i {
			t.Errorf("got[%d].Seq = %d", i, r.Seq)
		}
	}
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.WriteEntries(ctx, records("s1", 0, 6)); err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}
	if err := store.WriteEntries(ctx, records("s2", 0, 2)); err != nil {
		t.Fatalf("WriteEntries: %v", err)
	}

	got, err := store.History(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 4 || got[1].Seq != 5 {
		t.Fatalf("History = %+v, want seq 4 and 5", got)
	}

	empty, err := store.History(ctx, "missing", 0)
	if err != nil {
		t.Fatalf("History missing: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("History missing = %#v, want empty non-nil", empty)
	}
}

func TestEndSessionUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sum := archive.Summary{
		SessionID: "s1",
		AgentID:   "a1",
		Mode:      "text_to_text",
		Reason:    "disconnect",
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
		Entries:   4,
	}
	if err := store.EndSession(ctx, sum); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	sum.Reason = "shutdown"
	if err := store.EndSession(ctx, sum); err != nil {
		t.Fatalf("EndSession again: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
