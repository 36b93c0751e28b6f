package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Store] and makes every operation non-fatal. Failures are
// logged and swallowed, reads return empty results, and [Guard.IsDegraded]
// reports whether the most recent operation failed.
//
// Guard implements [Store].
type Guard struct {
	store    Store
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard wraps store.
func NewGuard(store Store) *Guard {
	return &Guard{store: store}
}

func (g *Guard) record(err error) {
	g.degraded.Store(err != nil)
}

// WriteEntries never returns an error.
func (g *Guard) WriteEntries(ctx context.Context, records []Record) error {
	err := g.store.WriteEntries(ctx, records)
	g.record(err)
	if err != nil {
		slog.Warn("archive guard: WriteEntries failed, swallowing error", "records", len(records), "err", err)
	}
	return nil
}

// EndSession never returns an error.
func (g *Guard) EndSession(ctx context.Context, s Summary) error {
	err := g.store.EndSession(ctx, s)
	g.record(err)
	if err != nil {
		slog.Warn("archive guard: EndSession failed, swallowing error", "session_id", s.SessionID, "err", err)
	}
	return nil
}

// History returns an empty slice on failure.
func (g *Guard) History(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	recs, err := g.store.History(ctx, sessionID, limit)
	g.record(err)
	if err != nil {
		slog.Warn("archive guard: History failed, returning empty", "session_id", sessionID, "err", err)
		return []Record{}, nil
	}
	return recs, nil
}

// Ping reports the backend's error unchanged so readiness probes see it.
func (g *Guard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.record(err)
	return err
}

// IsDegraded reports whether the most recent operation failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}
