package archive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/admission"
	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/archive/mock"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/mode"
)

var textOnly = mode.Mode{TextIn: true, TextOut: true}

func newSession(t *testing.T, reg *session.Registry, id string) *session.Session {
	t.Helper()
	ticket, ok := admission.New(1).TryAcquire()
	if !ok {
		t.Fatal("TryAcquire failed")
	}
	s, err := reg.Create(ticket, session.Params{
		ID:           id,
		AgentID:      "agent",
		Mode:         textOnly,
		SystemPrompt: "be brief",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestFlushWritesOnlyNewEntries(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	reg := session.NewRegistry(session.Config{})
	a := archive.New(store, reg, archive.Config{})
	s := newSession(t, reg, "s1")
	ctx := context.Background()

	s.Conversation().Append(conversation.RoleUser, "hi")
	if err := a.Flush(ctx, s); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := a.Flush(ctx, s); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := store.CallCount("WriteEntries"); got != 1 {
		t.Fatalf("WriteEntries calls = %d, want 1", got)
	}

	s.Conversation().Append(conversation.RoleAssistant, "hello")
	if err := a.Flush(ctx, s); err != nil {
		t.Fatalf("third Flush: %v", err)
	}
	calls := store.Calls()
	last := calls[len(calls)-1].Args[0].([]archive.Record)
	if len(last) != 1 || last[0].Seq != 2 || last[0].Role != "assistant" {
		t.Errorf("last batch = %+v, want only seq 2 assistant", last)
	}

	recs, _ := store.History(ctx, "s1", 0)
	if len(recs) != 3 || recs[0].Role != "system" || recs[0].Content != "be brief" {
		t.Errorf("History = %+v", recs)
	}
}

func TestFlushRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	store := &mock.Store{WriteErr: errors.New("db down")}
	reg := session.NewRegistry(session.Config{})
	a := archive.New(store, reg, archive.Config{})
	s := newSession(t, reg, "s1")
	ctx := context.Background()

	if err := a.Flush(ctx, s); err == nil {
		t.Fatal("Flush: want error")
	}

	store.WriteErr = nil
	if err := a.Flush(ctx, s); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	recs, _ := store.History(ctx, "s1", 0)
	if len(recs) != 1 {
		t.Errorf("History len = %d, want 1", len(recs))
	}
}

func TestFlushAllCoversLiveSessions(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	reg := session.NewRegistry(session.Config{})
	a := archive.New(store, reg, archive.Config{})
	newSession(t, reg, "s1")
	newSession(t, reg, "s2")

	a.FlushAll(context.Background())

	for _, id := range []string{"s1", "s2"} {
		recs, _ := store.History(context.Background(), id, 0)
		if len(recs) != 1 {
			t.Errorf("%s: History len = %d, want 1", id, len(recs))
		}
	}
}

func TestTeardownWritesSummary(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	reg := session.NewRegistry(session.Config{})
	end := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a := archive.New(store, reg, archive.Config{Now: func() time.Time { return end }})
	reg.OnTeardown(a.Teardown)

	s := newSession(t, reg, "s1")
	s.Conversation().Append(conversation.RoleUser, "hi")
	if err := a.Flush(context.Background(), s); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s.Conversation().Append(conversation.RoleAssistant, "bye")

	if !reg.Destroy("s1", session.ReasonIdle) {
		t.Fatal("Destroy returned false")
	}

	recs, _ := store.History(context.Background(), "s1", 0)
	if len(recs) != 3 {
		t.Fatalf("History len = %d, want 3", len(recs))
	}
	sum, ok := store.Summary("s1")
	if !ok {
		t.Fatal("no summary stored")
	}
	want := archive.Summary{
		SessionID: "s1",
		AgentID:   "agent",
		Mode:      textOnly.String(),
		Reason:    "idle_timeout",
		StartedAt: s.CreatedAt(),
		EndedAt:   end,
		Entries:   3,
	}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}
}

func TestTeardownSurvivesStoreFailure(t *testing.T) {
	t.Parallel()

	store := &mock.Store{WriteErr: errors.New("down"), EndErr: errors.New("down")}
	reg := session.NewRegistry(session.Config{})
	a := archive.New(store, reg, archive.Config{})
	reg.OnTeardown(a.Teardown)
	newSession(t, reg, "s1")

	if !reg.Destroy("s1", session.ReasonDisconnect) {
		t.Fatal("Destroy returned false")
	}
	if got := store.CallCount("EndSession"); got != 1 {
		t.Errorf("EndSession calls = %d, want 1", got)
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
}

func TestStartFlushesPeriodically(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	reg := session.NewRegistry(session.Config{})
	a := archive.New(store, reg, archive.Config{Interval: 5 * time.Millisecond})
	newSession(t, reg, "s1")

	a.Start(context.Background())
	defer a.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for store.CallCount("WriteEntries") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no periodic flush within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.Stop()
	a.Stop()
}
