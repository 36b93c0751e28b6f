// Package session owns the live sessions of the server.
//
// A [Registry] maps session ids to [Session] records, evicts idle sessions
// in the background and is the only place a session is torn down. Every
// teardown, whatever its cause, goes through [Registry.Destroy]: the entry
// is removed first, then the pipeline is stopped with a bounded wait, the
// transport is closed and the admission slot is released exactly once.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/admission"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/mode"
)

var (
	// ErrSessionNotFound is returned for ids that were never created or
	// have already been destroyed.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrDuplicateSession is returned by [Registry.Create] when the id is
	// already in use.
	ErrDuplicateSession = errors.New("session: duplicate id")
)

// State is the processing state of a session.
type State int32

const (
	// StateTransitioning means no pipeline is installed: the session is
	// starting or switching modes. Frames are dropped in this state.
	StateTransitioning State = iota

	// StateActive means a pipeline is installed and running.
	StateActive

	// StateClosed means the session has been destroyed.
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateTransitioning:
		return "transitioning"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reason says why a session was destroyed.
type Reason string

const (
	ReasonDisconnect      Reason = "disconnect"
	ReasonIdle            Reason = "idle_timeout"
	ReasonPipelineFailure Reason = "pipeline_failure"
	ReasonShutdown        Reason = "shutdown"
	// ReasonUnavailable means a pipeline could not start because its
	// providers are temporarily failing.
	ReasonUnavailable Reason = "providers_unavailable"
)

// Transport is the client connection of a session.
type Transport interface {
	// Send delivers an outbound frame to the client.
	Send(ctx context.Context, f frame.Frame) error

	// Close ends the connection. reason selects the close code.
	Close(reason Reason) error
}

// Session is one live conversation.
//
// The id, agent, creation time, conversation and transport never change.
// Mode, state and pipeline handle change together under the session lock,
// so readers never see a new mode with an old handle.
type Session struct {
	id        string
	agentID   string
	createdAt time.Time
	conv      *conversation.Context
	transport Transport
	ticket    *admission.Ticket

	ctx    context.Context
	cancel context.CancelFunc

	// lastActivity is unix nanoseconds and only moves forward.
	lastActivity atomic.Int64

	mu         sync.Mutex
	mode       mode.Mode
	state      State
	handle     pipeline.Handle
	generation uint64
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// AgentID returns the agent the session talks to, or "".
func (s *Session) AgentID() string { return s.agentID }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Conversation returns the session's conversation log. The same value is
// returned for the whole life of the session.
func (s *Session) Conversation() *conversation.Context { return s.conv }

// Transport returns the client connection. It may be nil in tests.
func (s *Session) Transport() Transport { return s.transport }

// Context is cancelled when the session is destroyed. Pipelines run under
// contexts derived from it.
func (s *Session) Context() context.Context { return s.ctx }

// LastActivity returns the time of the most recent touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	n := now.UnixNano()
	for {
		old := s.lastActivity.Load()
		if n <= old || s.lastActivity.CompareAndSwap(old, n) {
			return
		}
	}
}

// Mode returns the current mode.
func (s *Session) Mode() mode.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns mode, state, handle and generation read together.
func (s *Session) Snapshot() (mode.Mode, State, pipeline.Handle, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.state, s.handle, s.generation
}

// Generation returns the number of the installed pipeline. It increases
// with every install.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// BeginTransition moves an active session to [StateTransitioning] and
// detaches its pipeline handle, which the caller must stop. ok is false when
// the session is not active; st then tells which state it is in.
func (s *Session) BeginTransition() (old pipeline.Handle, st State, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, s.state, false
	}
	old = s.handle
	s.handle = nil
	s.state = StateTransitioning
	return old, StateTransitioning, true
}

// Install sets h and m as the session's pipeline and mode, bumps the
// generation and marks the session active. It returns false without
// installing anything when the session was closed meanwhile; the caller
// still owns h then.
func (s *Session) Install(h pipeline.Handle, m mode.Mode) (gen uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return 0, false
	}
	s.generation++
	s.handle = h
	s.mode = m
	s.state = StateActive
	return s.generation, true
}

// close marks the session closed and returns the handle to stop, if any.
// Only the first call returns a handle.
func (s *Session) close() pipeline.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	h := s.handle
	s.handle = nil
	s.cancel()
	return h
}
