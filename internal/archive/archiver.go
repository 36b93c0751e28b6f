package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/session"
)

const (
	defaultFlushInterval = 5 * time.Minute
	defaultFlushTimeout  = 10 * time.Second
)

// Config tunes an [Archiver].
type Config struct {
	// Interval between periodic flushes of live sessions. Default: 5m.
	Interval time.Duration

	// Timeout bounds one periodic flush pass. Default: 10s.
	Timeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Archiver copies session conversations to a [Store].
//
// All methods are safe for concurrent use.
type Archiver struct {
	store    Store
	reg      *session.Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu sync.Mutex
	// flushed is the number of entries already written, per session id.
	flushed map[string]int

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates an Archiver over the sessions of reg.
func New(store Store, reg *session.Registry, cfg Config) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultFlushTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Archiver{
		store:    store,
		reg:      reg,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		flushed:  make(map[string]int),
		stop:     make(chan struct{}),
	}
}

// Start runs periodic flushes in a background goroutine until
// [Archiver.Stop] is called or ctx is cancelled.
func (a *Archiver) Start(ctx context.Context) {
	go a.loop(ctx)
}

// Stop halts the periodic flushes. Safe to call multiple times.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *Archiver) loop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			fctx, cancel := context.WithTimeout(ctx, a.timeout)
			a.FlushAll(fctx)
			cancel()
		}
	}
}

// FlushAll writes the new entries of every live session.
func (a *Archiver) FlushAll(ctx context.Context) {
	for _, s := range a.reg.Sessions() {
		if err := a.Flush(ctx, s); err != nil {
			slog.Warn("periodic archive flush failed", "session_id", s.ID(), "err", err)
		}
	}
}

// Flush writes the entries of s appended since the previous flush. A
// closed session is skipped: its teardown hook owns the final write.
func (a *Archiver) Flush(ctx context.Context, s *session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// The registry closes a session before its teardown hooks run, so a
	// closed session here was either archived already or is about to be.
	if s.State() == session.StateClosed {
		return nil
	}
	return a.flushLocked(ctx, s)
}

// flushLocked must be called with a.mu held. The store is never touched
// for a session without new entries.
func (a *Archiver) flushLocked(ctx context.Context, s *session.Session) error {
	entries := s.Conversation().Entries()
	from := a.flushed[s.ID()]
	if from >= len(entries) {
		return nil
	}

	records := make([]Record, 0, len(entries)-from)
	for i := from; i < len(entries); i++ {
		e := entries[i]
		records = append(records, Record{
			SessionID: s.ID(),
			Seq:       i,
			Role:      string(e.Role),
			Content:   e.Content,
			Timestamp: e.Timestamp,
		})
	}
	if err := a.store.WriteEntries(ctx, records); err != nil {
		return fmt.Errorf("archive: flush %s: %w", s.ID(), err)
	}
	a.flushed[s.ID()] = len(entries)
	return nil
}

// Teardown is a [session.TeardownHook]: it writes the remaining entries and
// the session summary, then forgets the session.
func (a *Archiver) Teardown(ctx context.Context, s *session.Session, reason session.Reason) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := slog.With("session_id", s.ID())
	if err := a.flushLocked(ctx, s); err != nil {
		log.Warn("final archive flush failed", "err", err)
	}
	delete(a.flushed, s.ID())

	sum := Summary{
		SessionID: s.ID(),
		AgentID:   s.AgentID(),
		Mode:      s.Mode().String(),
		Reason:    string(reason),
		StartedAt: s.CreatedAt(),
		EndedAt:   a.now(),
		Entries:   s.Conversation().Len(),
	}
	if err := a.store.EndSession(ctx, sum); err != nil {
		log.Warn("archive session summary failed", "err", err)
	}
}

// History reads the archived conversation of a session.
func (a *Archiver) History(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	return a.store.History(ctx, sessionID, limit)
}
