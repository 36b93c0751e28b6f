package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/admission"
	pipelinemock "github.com/MrWong99/parley/internal/pipeline/mock"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/mode"
)

// fakeTransport records Close reasons.
type fakeTransport struct {
	mu      sync.Mutex
	reasons []Reason
}

func (f *fakeTransport) Send(context.Context, frame.Frame) error { return nil }

func (f *fakeTransport) Close(r Reason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, r)
	return nil
}

func (f *fakeTransport) Reasons() []Reason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reason(nil), f.reasons...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	if cfg.Now == nil {
		cfg.Now = clk.Now
	}
	r := NewRegistry(cfg)
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, clk
}

func mustCreate(t *testing.T, r *Registry, ac *admission.Controller, p Params) *Session {
	t.Helper()
	tk, ok := ac.TryAcquire()
	if !ok {
		t.Fatal("TryAcquire rejected")
	}
	if p.Mode == (mode.Mode{}) {
		p.Mode = mode.Full()
	}
	s, err := r.Create(tk, p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestRegistry_CreateAndGet(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	ac := admission.New(5)

	s := mustCreate(t, r, ac, Params{ID: "abc", AgentID: "tutor", SystemPrompt: "be brief"})
	if s.State() != StateTransitioning {
		t.Errorf("new session state = %v, want transitioning", s.State())
	}
	if s.Conversation().SystemPrompt() != "be brief" || s.Conversation().Len() != 1 {
		t.Errorf("conversation not seeded with system prompt")
	}

	got, err := r.Get("abc")
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrSessionNotFound", err)
	}

	generated := mustCreate(t, r, ac, Params{})
	if _, err := uuid.Parse(generated.ID()); err != nil {
		t.Errorf("generated id %q is not a UUID: %v", generated.ID(), err)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_CreateErrors(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	ac := admission.New(5)
	mustCreate(t, r, ac, Params{ID: "dup"})

	tests := []struct {
		name    string
		params  Params
		wantErr error
	}{
		{name: "duplicate id", params: Params{ID: "dup", Mode: mode.Full()}, wantErr: ErrDuplicateSession},
		{name: "invalid mode", params: Params{ID: "x", Mode: mode.Mode{VoiceOut: true}}, wantErr: mode.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk, _ := ac.TryAcquire()
			defer tk.Release()
			if _, err := r.Create(tk, tt.params); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_TouchIsMonotonic(t *testing.T) {
	t.Parallel()

	r, clk := newTestRegistry(t, Config{})
	s := mustCreate(t, r, admission.New(1), Params{ID: "s"})
	created := s.LastActivity()

	clk.Advance(time.Minute)
	r.Touch("s")
	later := s.LastActivity()
	if !later.After(created) {
		t.Fatalf("LastActivity did not advance: %v -> %v", created, later)
	}

	s.touch(later.Add(-time.Hour))
	if !s.LastActivity().Equal(later) {
		t.Errorf("LastActivity went backwards to %v", s.LastActivity())
	}

	r.Touch("unknown")
}

func TestRegistry_DestroyTearsDown(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	ac := admission.New(1)
	tr := &fakeTransport{}

	var hookReasons []Reason
	r.OnTeardown(func(_ context.Context, s *Session, reason Reason) {
		hookReasons = append(hookReasons, reason)
	})

	s := mustCreate(t, r, ac, Params{ID: "s", Transport: tr})
	runner := &pipelinemock.Runner{}
	h, _ := runner.Start(s.Context(), pipelineConfig(), s.Conversation(), nil)
	if _, ok := s.Install(h, mode.Full()); !ok {
		t.Fatal("Install failed")
	}

	if !r.Destroy("s", ReasonDisconnect) {
		t.Fatal("Destroy returned false")
	}

	if !runner.Last().Stopped() {
		t.Error("pipeline not stopped")
	}
	if got := tr.Reasons(); len(got) != 1 || got[0] != ReasonDisconnect {
		t.Errorf("transport close reasons = %v", got)
	}
	if ac.Metrics().Active != 0 {
		t.Errorf("Active = %d, want 0", ac.Metrics().Active)
	}
	if len(hookReasons) != 1 || hookReasons[0] != ReasonDisconnect {
		t.Errorf("hook reasons = %v", hookReasons)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if s.Context().Err() == nil {
		t.Error("session context not cancelled")
	}
	if _, err := r.Get("s"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after Destroy err = %v", err)
	}
}

func TestRegistry_DestroyIsIdempotent(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	ac := admission.New(2)
	mustCreate(t, r, ac, Params{ID: "a"})
	mustCreate(t, r, ac, Params{ID: "b"})

	results := make(chan bool, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.Destroy("a", ReasonDisconnect)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("Destroy succeeded %d times, want 1", wins)
	}
	if r.Destroy("never-created", ReasonDisconnect) {
		t.Error("Destroy of unknown id returned true")
	}
	if got := ac.Metrics().Active; got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
}

func TestRegistry_TeardownTimeoutStillReleasesSlot(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{TeardownTimeout: 20 * time.Millisecond})
	ac := admission.New(1)
	s := mustCreate(t, r, ac, Params{ID: "slow"})

	runner := &pipelinemock.Runner{StopDelay: time.Second}
	h, _ := runner.Start(context.Background(), pipelineConfig(), s.Conversation(), nil)
	s.Install(h, mode.Full())

	start := time.Now()
	r.Destroy("slow", ReasonDisconnect)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Destroy blocked for %v", elapsed)
	}
	if _, ok := ac.TryAcquire(); !ok {
		t.Error("slot was not released after a teardown timeout")
	}
}

func TestRegistry_SweepEvictsIdle(t *testing.T) {
	t.Parallel()

	r, clk := newTestRegistry(t, Config{IdleTimeout: 5 * time.Minute})
	ac := admission.New(1)
	tr := &fakeTransport{}
	mustCreate(t, r, ac, Params{ID: "idle", Transport: tr})

	if _, ok := ac.TryAcquire(); ok {
		t.Fatal("capacity 1 should be full")
	}

	clk.Advance(4 * time.Minute)
	if n := r.Sweep(clk.Now()); n != 0 {
		t.Fatalf("Sweep before timeout evicted %d", n)
	}

	clk.Advance(2 * time.Minute)
	if n := r.Sweep(clk.Now()); n != 1 {
		t.Fatalf("Sweep evicted %d, want 1", n)
	}
	if got := tr.Reasons(); len(got) != 1 || got[0] != ReasonIdle {
		t.Errorf("close reasons = %v, want [idle_timeout]", got)
	}
	if _, ok := ac.TryAcquire(); !ok {
		t.Error("slot not available after eviction")
	}
}

func TestRegistry_TouchDefersEviction(t *testing.T) {
	t.Parallel()

	r, clk := newTestRegistry(t, Config{IdleTimeout: time.Minute})
	mustCreate(t, r, admission.New(1), Params{ID: "busy"})

	clk.Advance(50 * time.Second)
	r.Touch("busy")
	clk.Advance(50 * time.Second)

	if n := r.Sweep(clk.Now()); n != 0 {
		t.Errorf("Sweep evicted a recently touched session")
	}
}

func TestRegistry_BackgroundSweep(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{IdleTimeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	ac := admission.New(1)
	mustCreate(t, r, ac, Params{ID: "s"})

	r.Start(context.Background())
	defer r.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep did not evict the idle session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegistry_StopDestroysAll(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	ac := admission.New(3)
	trs := []*fakeTransport{{}, {}, {}}
	for i, tr := range trs {
		mustCreate(t, r, ac, Params{ID: string(rune('a' + i)), Transport: tr})
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Stop", r.Len())
	}
	for i, tr := range trs {
		if got := tr.Reasons(); len(got) != 1 || got[0] != ReasonShutdown {
			t.Errorf("transport %d reasons = %v", i, got)
		}
	}
	if ac.Metrics().Active != 0 {
		t.Errorf("Active = %d after Stop", ac.Metrics().Active)
	}
}

func TestRegistry_ListAndStats(t *testing.T) {
	t.Parallel()

	r, clk := newTestRegistry(t, Config{})
	ac := admission.New(5)
	mustCreate(t, r, ac, Params{ID: "v", AgentID: "a1", Mode: mode.Mode{VoiceIn: true, VoiceOut: true}})
	clk.Advance(time.Second)
	mustCreate(t, r, ac, Params{ID: "t", AgentID: "a2", Mode: mode.Mode{TextIn: true, TextOut: true}})
	clk.Advance(time.Second)
	mustCreate(t, r, ac, Params{ID: "m", AgentID: "a1", Mode: mode.Full()})
	clk.Advance(time.Second)

	all := r.List("")
	if len(all) != 3 || all[0].ID != "v" || all[1].ID != "t" || all[2].ID != "m" {
		t.Fatalf("List order = %+v", all)
	}
	if all[0].Duration != 3*time.Second {
		t.Errorf("Duration = %v, want 3s", all[0].Duration)
	}

	byAgent := r.List("a1")
	if len(byAgent) != 2 || byAgent[0].ID != "v" || byAgent[1].ID != "m" {
		t.Errorf("List(a1) = %+v", byAgent)
	}

	st := r.Stats()
	if st.Total != 3 || st.Voice != 2 || st.Text != 1 {
		t.Errorf("Stats = %+v", st)
	}
	if st.ByMode["text_to_text"] != 1 || st.ByMode["voice+text_to_voice+text"] != 1 {
		t.Errorf("ByMode = %v", st.ByMode)
	}

	info, err := r.Info("t")
	if err != nil || info.ContextLen != 1 || info.AgentID != "a2" {
		t.Errorf("Info = %+v, %v", info, err)
	}
}

func TestSession_TransitionAndInstall(t *testing.T) {
	t.Parallel()

	r, _ := newTestRegistry(t, Config{})
	s := mustCreate(t, r, admission.New(1), Params{ID: "s"})

	if _, st, ok := s.BeginTransition(); ok || st != StateTransitioning {
		t.Fatalf("BeginTransition on a starting session = %v, %v", st, ok)
	}

	runner := &pipelinemock.Runner{}
	h1, _ := runner.Start(context.Background(), pipelineConfig(), s.Conversation(), nil)
	gen1, ok := s.Install(h1, mode.Full())
	if !ok || gen1 != 1 || s.State() != StateActive {
		t.Fatalf("Install = %d, %v; state %v", gen1, ok, s.State())
	}

	old, _, ok := s.BeginTransition()
	if !ok || old != h1 {
		t.Fatalf("BeginTransition returned %v, %v", old, ok)
	}
	if _, _, h, _ := s.Snapshot(); h != nil {
		t.Error("handle still readable while transitioning")
	}

	textOnly := mode.Mode{TextIn: true, TextOut: true}
	h2, _ := runner.Start(context.Background(), pipelineConfig(), s.Conversation(), nil)
	gen2, ok := s.Install(h2, textOnly)
	if !ok || gen2 != 2 || s.Mode() != textOnly {
		t.Errorf("second Install = %d, %v, mode %v", gen2, ok, s.Mode())
	}

	r.Destroy("s", ReasonDisconnect)
	h3, _ := runner.Start(context.Background(), pipelineConfig(), s.Conversation(), nil)
	if _, ok := s.Install(h3, mode.Full()); ok {
		t.Error("Install succeeded on a closed session")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for st, want := range map[State]string{
		StateTransitioning: "transitioning",
		StateActive:        "active",
		StateClosed:        "closed",
		State(42):          "unknown",
	} {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
