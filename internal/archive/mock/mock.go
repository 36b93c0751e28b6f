// Package mock provides an in-memory test double for [archive.Store].
//
// The Store records every call, keeps written records so History can serve
// them back, and exposes *Err fields that force failures:
//
//	store := &mock.Store{WriteErr: errors.New("db down")}
//	if got := store.CallCount("WriteEntries"); got != 1 { … }
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/MrWong99/parley/internal/archive"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable, concurrency-safe [archive.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call

	records   map[string]map[int]archive.Record
	summaries map[string]archive.Summary

	// WriteErr is returned by WriteEntries when non-nil. Nothing is stored.
	WriteErr error

	// EndErr is returned by EndSession when non-nil.
	EndErr error

	// HistoryErr is returned by History when non-nil.
	HistoryErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error
}

var _ archive.Store = (*Store)(nil)

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// WriteEntries records the call and stores records, ignoring duplicates.
func (s *Store) WriteEntries(_ context.Context, records []archive.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("WriteEntries", records)
	if s.WriteErr != nil {
		return s.WriteErr
	}
	if s.records == nil {
		s.records = make(map[string]map[int]archive.Record)
	}
	for _, r := range records {
		bySeq := s.records[r.SessionID]
		if bySeq == nil {
			bySeq = make(map[int]archive.Record)
			s.records[r.SessionID] = bySeq
		}
		if _, ok := bySeq[r.Seq]; !ok {
			bySeq[r.Seq] = r
		}
	}
	return nil
}

// EndSession records the call and keeps the summary.
func (s *Store) EndSession(_ context.Context, sum archive.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("EndSession", sum)
	if s.EndErr != nil {
		return s.EndErr
	}
	if s.summaries == nil {
		s.summaries = make(map[string]archive.Summary)
	}
	s.summaries[sum.SessionID] = sum
	return nil
}

// History returns the stored records of sessionID ordered by Seq.
func (s *Store) History(_ context.Context, sessionID string, limit int) ([]archive.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("History", sessionID, limit)
	if s.HistoryErr != nil {
		return nil, s.HistoryErr
	}
	out := make([]archive.Record, 0, len(s.records[sessionID]))
	for _, r := range s.records[sessionID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Ping records the call and returns PingErr.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Ping")
	return s.PingErr
}

// Summary returns the stored summary of sessionID.
func (s *Store) Summary(sessionID string) (archive.Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[sessionID]
	return sum, ok
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears calls and stored data. Err fields are kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.records = nil
	s.summaries = nil
}
