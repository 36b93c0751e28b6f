// Package modectl builds and rebuilds the pipeline of a live session.
//
// A session is Active while exactly one pipeline handle is installed and
// Transitioning while a handle is being built or replaced. [Controller.Start]
// performs the first build; [Controller.Switch] stops the running pipeline
// and starts one for the new mode against the same conversation, so history
// survives every switch. Each install bumps the session's generation number
// and frames emitted by an older generation are discarded.
package modectl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/router"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/mode"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

var (
	// ErrPipelineStart is returned when a pipeline could not be built. The
	// session has been destroyed by the time it is returned.
	ErrPipelineStart = errors.New("modectl: pipeline start failed")

	// ErrTransitionInProgress is returned by Switch while another build for
	// the same session is under way.
	ErrTransitionInProgress = errors.New("modectl: mode transition in progress")
)

const defaultStopTimeout = 5 * time.Second

// Config holds the dependencies of a [Controller].
type Config struct {
	Registry *session.Registry
	Runner   pipeline.Runner
	Router   *router.Router

	// Voice, when set, picks the TTS voice of a session's agent.
	Voice func(agentID string) tts.VoiceProfile

	// StopTimeout bounds the wait for the old pipeline during a switch.
	// Default: 5s.
	StopTimeout time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Controller runs the mode state machine for every session of a registry.
type Controller struct {
	reg         *session.Registry
	runner      pipeline.Runner
	router      *router.Router
	voice       func(agentID string) tts.VoiceProfile
	stopTimeout time.Duration
	metrics     *observe.Metrics
}

// New creates a Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		reg:         cfg.Registry,
		runner:      cfg.Runner,
		router:      cfg.Router,
		voice:       cfg.Voice,
		stopTimeout: cfg.StopTimeout,
		metrics:     cfg.Metrics,
	}
	if c.stopTimeout <= 0 {
		c.stopTimeout = defaultStopTimeout
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Start builds the first pipeline of a freshly created session and makes it
// Active. On failure the session is destroyed with
// [session.ReasonPipelineFailure] and the error wraps [ErrPipelineStart].
func (c *Controller) Start(ctx context.Context, sess *session.Session) error {
	if err := c.build(ctx, sess, sess.Mode()); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fmt.Errorf("modectl: start %s: %w", sess.ID(), err)
		}
		c.reg.Destroy(sess.ID(), failureReason(err))
		return fmt.Errorf("%w: %w", ErrPipelineStart, err)
	}
	return nil
}

// Switch replaces the pipeline of session id with one built for m and
// returns the applied mode.
//
// An invalid m fails with [mode.ErrInvalid] and leaves the session alone.
// A failed rebuild destroys the session and wraps [ErrPipelineStart]. When
// the session is destroyed while the switch runs, the error wraps
// [session.ErrSessionNotFound] instead.
func (c *Controller) Switch(ctx context.Context, id string, m mode.Mode) (mode.Mode, error) {
	log := observe.SessionLogger(ctx, id)

	if err := m.Validate(); err != nil {
		c.metrics.RecordModeSwitch(ctx, "invalid")
		log.Info("mode change rejected", "requested", m.String())
		return mode.Mode{}, err
	}
	sess, err := c.reg.Get(id)
	if err != nil {
		return mode.Mode{}, err
	}

	old, st, ok := sess.BeginTransition()
	if !ok {
		if st == session.StateClosed {
			return mode.Mode{}, fmt.Errorf("modectl: switch %s: %w", id, session.ErrSessionNotFound)
		}
		c.metrics.RecordModeSwitch(ctx, "busy")
		return mode.Mode{}, ErrTransitionInProgress
	}

	from := sess.Mode()
	c.stop(log, old)

	if err := c.build(ctx, sess, m); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// Destroyed mid-switch; the teardown already ran.
			c.metrics.RecordModeSwitch(ctx, "abandoned")
			return mode.Mode{}, fmt.Errorf("modectl: switch %s: %w", id, err)
		}
		c.metrics.RecordModeSwitch(ctx, "failed")
		c.reg.Destroy(id, failureReason(err))
		return mode.Mode{}, fmt.Errorf("%w: %w", ErrPipelineStart, err)
	}

	c.metrics.RecordModeSwitch(ctx, "ok")
	log.Info("mode changed", "from", from.String(), "to", m.String())
	return m, nil
}

// stop waits a bounded time for h. A timeout is logged and counted, then
// the switch carries on; h is abandoned to finish on its own.
func (c *Controller) stop(log *slog.Logger, h pipeline.Handle) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()
	if err := h.Stop(ctx); errors.Is(err, pipeline.ErrStopTimeout) {
		log.Warn("old pipeline did not stop in time", "timeout", c.stopTimeout)
		c.metrics.TeardownTimeouts.Add(context.Background(), 1)
	}
}

// failureReason tells a provider outage, which the client may retry, from
// any other build failure.
func failureReason(err error) session.Reason {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrAllFailed) {
		return session.ReasonUnavailable
	}
	return session.ReasonPipelineFailure
}

var errSessionClosed = fmt.Errorf("session closed during build: %w", session.ErrSessionNotFound)

// build starts a pipeline for m and installs it on sess.
func (c *Controller) build(ctx context.Context, sess *session.Session, m mode.Mode) (err error) {
	ctx, span := observe.StartSessionSpan(ctx, "modectl.build", sess.ID(), m.String())
	defer func() { observe.EndSpan(span, err) }()

	// gen stays 0 until the handle is installed, so nothing emitted before
	// that reaches the client.
	var gen atomic.Uint64
	emit := func(f frame.Frame) {
		g := gen.Load()
		if g == 0 || g != sess.Generation() {
			slog.Debug("discarding frame from stale pipeline",
				"session_id", sess.ID(), "kind", f.Kind.String(), "generation", g)
			return
		}
		if _, err := c.router.Dispatch(sess.Context(), sess.ID(), f); err != nil {
			slog.Debug("outbound frame not delivered", "session_id", sess.ID(), "err", err)
		}
	}

	pc := pipeline.ConfigFor(m)
	if c.voice != nil {
		pc.Voice = c.voice(sess.AgentID())
	}
	h, err := c.runner.Start(sess.Context(), pc, sess.Conversation(), emit)
	if err != nil {
		c.metrics.RecordPipelineStart(ctx, "error", m.String())
		observe.Logger(ctx).Error("pipeline start failed", "session_id", sess.ID(), "mode", m.String(), "err", err)
		return err
	}

	g, ok := sess.Install(h, m)
	if !ok {
		c.stop(slog.With("session_id", sess.ID()), h)
		c.metrics.RecordPipelineStart(ctx, "abandoned", m.String())
		return errSessionClosed
	}
	gen.Store(g)
	c.metrics.RecordPipelineStart(ctx, "ok", m.String())

	go c.watch(sess, h, g)
	return nil
}

// watch destroys the session when the pipeline of generation gen ends with
// an error while it is still the installed one.
func (c *Controller) watch(sess *session.Session, h pipeline.Handle, gen uint64) {
	<-h.Done()
	err := h.Err()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	_, st, _, cur := sess.Snapshot()
	if st != session.StateActive || cur != gen {
		return
	}
	slog.Error("pipeline failed", "session_id", sess.ID(), "generation", gen, "err", err)
	c.reg.Destroy(sess.ID(), session.ReasonPipelineFailure)
}
