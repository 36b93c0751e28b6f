package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/admission"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/mode"
)

const (
	defaultIdleTimeout     = 300 * time.Second
	defaultSweepInterval   = 60 * time.Second
	defaultTeardownTimeout = 5 * time.Second

	// shutdownParallelism bounds concurrent teardowns in [Registry.Stop].
	shutdownParallelism = 16
)

// Config configures a [Registry]. Zero durations take their defaults.
type Config struct {
	// IdleTimeout is how long a session may go without activity before the
	// sweep destroys it. Default: 300s.
	IdleTimeout time.Duration

	// SweepInterval is the period of the idle sweep. Default: 60s.
	SweepInterval time.Duration

	// TeardownTimeout bounds how long Destroy waits for a pipeline to stop
	// and for teardown hooks. Default: 5s.
	TeardownTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Params describes a session to create.
type Params struct {
	// ID is used as is when set; otherwise the registry generates one.
	ID           string
	AgentID      string
	Mode         mode.Mode
	SystemPrompt string
	Transport    Transport
}

// Info is a point-in-time view of one session.
type Info struct {
	ID             string
	AgentID        string
	Mode           mode.Mode
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
	Duration       time.Duration
	ContextLen     int
}

// Stats counts live sessions by modality.
type Stats struct {
	Total int
	// Voice counts sessions with any voice input or output.
	Voice int
	// Text counts sessions that use text only.
	Text   int
	ByMode map[string]int
}

// TeardownHook runs after a session has been destroyed and its slot
// released. ctx is bounded by the teardown timeout.
type TeardownHook func(ctx context.Context, s *Session, reason Reason)

// Registry holds every live session.
//
// The map is guarded by one mutex that is never held across I/O: pipeline
// stops, transport closes and hooks all run after the entry is removed.
type Registry struct {
	cfg     Config
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	hooks    []TeardownHook

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	r := &Registry{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// OnTeardown registers a hook run at the end of every teardown, in
// registration order.
func (r *Registry) OnTeardown(h TeardownHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Create builds a session in [StateTransitioning] and stores it. The ticket
// is owned by the session on success; on error the caller keeps it.
func (r *Registry) Create(ticket *admission.Ticket, p Params) (*Session, error) {
	if err := p.Mode.Validate(); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	id := p.ID
	if id == "" {
		id = newID()
	}

	now := r.now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		agentID:   p.AgentID,
		createdAt: now,
		conv:      conversation.New(p.SystemPrompt),
		transport: p.Transport,
		ticket:    ticket,
		ctx:       ctx,
		cancel:    cancel,
		mode:      p.Mode,
		state:     StateTransitioning,
	}
	s.lastActivity.Store(now.UnixNano())

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	slog.Info("session created", "session_id", id, "agent_id", p.AgentID, "mode", p.Mode.String())
	return s, nil
}

func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Touch records activity on the session. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.touch(r.now())
	}
}

// Destroy tears the session down. It returns false when the id is unknown,
// including when another caller destroyed it first.
func (r *Registry) Destroy(id string, reason Reason) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.teardown(s, reason, hooks)
	return true
}

func (r *Registry) teardown(s *Session, reason Reason, hooks []TeardownHook) {
	log := slog.With("session_id", s.id)
	h := s.close()

	if h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
		err := h.Stop(ctx)
		cancel()
		if errors.Is(err, pipeline.ErrStopTimeout) {
			log.Warn("pipeline did not stop in time", "timeout", r.cfg.TeardownTimeout)
			r.metrics.TeardownTimeouts.Add(context.Background(), 1)
		} else if err != nil {
			log.Debug("pipeline stop returned error", "err", err)
		}
	}

	if s.transport != nil {
		if err := s.transport.Close(reason); err != nil {
			log.Debug("transport close failed", "err", err)
		}
	}

	s.ticket.Release()

	lifetime := r.now().Sub(s.createdAt)
	r.metrics.RecordSessionEnd(context.Background(), string(reason), lifetime)

	if len(hooks) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TeardownTimeout)
		for _, hook := range hooks {
			hook(ctx, s, reason)
		}
		cancel()
	}

	log.Info("session destroyed", "reason", string(reason), "lifetime", lifetime.Round(time.Millisecond))
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Sweep destroys every session idle for longer than the idle timeout at
// now and returns how many it destroyed.
func (r *Registry) Sweep(now time.Time) int {
	n := 0
	for _, s := range r.snapshot() {
		if now.Sub(s.LastActivity()) <= r.cfg.IdleTimeout {
			continue
		}
		if r.Destroy(s.id, ReasonIdle) {
			n++
		}
	}
	if n > 0 {
		slog.Info("idle sweep evicted sessions", "count", n)
	}
	return n
}

// Start runs the idle sweep in a background goroutine until [Registry.Stop]
// is called or ctx is cancelled. Calling Start more than once has no effect.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.loop(ctx)
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Stop ends the sweep and destroys every remaining session with
// [ReasonShutdown]. It returns ctx.Err() if ctx expires first.
func (r *Registry) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var g errgroup.Group
	g.SetLimit(shutdownParallelism)
	for _, s := range r.snapshot() {
		g.Go(func() error {
			r.Destroy(s.id, ReasonShutdown)
			return nil
		})
	}
	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sessions returns the live sessions in no particular order.
func (r *Registry) Sessions() []*Session {
	return r.snapshot()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) info(s *Session, now time.Time) Info {
	m, st, _, _ := s.Snapshot()
	return Info{
		ID:             s.id,
		AgentID:        s.agentID,
		Mode:           m,
		State:          st,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.LastActivity(),
		Duration:       now.Sub(s.createdAt),
		ContextLen:     s.conv.Len(),
	}
}

// Info returns the view of one session.
func (r *Registry) Info(id string) (Info, error) {
	s, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}
	return r.info(s, r.now()), nil
}

// List returns the live sessions sorted by creation time. A non-empty
// agentID keeps only that agent's sessions.
func (r *Registry) List(agentID string) []Info {
	now := r.now()
	var out []Info
	for _, s := range r.snapshot() {
		if agentID != "" && s.agentID != agentID {
			continue
		}
		out = append(out, r.info(s, now))
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Stats counts live sessions by modality.
func (r *Registry) Stats() Stats {
	st := Stats{ByMode: make(map[string]int)}
	for _, s := range r.snapshot() {
		m := s.Mode()
		st.Total++
		if m.UsesVoice() {
			st.Voice++
		} else {
			st.Text++
		}
		st.ByMode[m.String()]++
	}
	return st
}
