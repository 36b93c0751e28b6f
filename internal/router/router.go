// Package router decides where each frame of a live session goes.
//
// Every frame passes through [Router.Route], which looks at the session's
// current mode and returns a [Decision]: forward the frame, drop it, or
// forward a transformed frame. Routing is also where the conversation
// context is written, so a session's history is the same whichever pipeline
// happens to be running. [Router.Dispatch] performs the delivery.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/mode"
)

// Action is the routing verdict for one frame.
type Action uint8

const (
	// ActionDrop discards the frame.
	ActionDrop Action = iota
	// ActionForward delivers the frame unchanged.
	ActionForward
	// ActionTransform delivers a rewritten frame.
	ActionTransform
)

// String returns "drop", "forward" or "transform".
func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionTransform:
		return "transform"
	default:
		return "drop"
	}
}

// Decision says what to do with a frame. Frame is the frame to deliver,
// which differs from the input only for [ActionTransform].
type Decision struct {
	Action     Action
	Frame      frame.Frame
	ToPipeline bool
	ToClient   bool
}

func drop(f frame.Frame) Decision { return Decision{Action: ActionDrop, Frame: f} }

// Router routes frames for the sessions of one registry. It is safe for
// concurrent use; per-session ordering is the caller's concern.
type Router struct {
	reg     *session.Registry
	metrics *observe.Metrics
}

// Option configures a [Router].
type Option func(*Router)

// WithMetrics records routing decisions on m instead of the default metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New returns a Router over reg.
func New(reg *session.Registry, opts ...Option) *Router {
	r := &Router{reg: reg}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Route returns the decision for f on session id and applies its
// conversation side effects. A missing session yields a drop with no side
// effects at all.
func (r *Router) Route(id string, f frame.Frame) Decision {
	d, _, _ := r.route(id, f)
	return d
}

// Dispatch routes f and delivers it: frames for the pipeline are pushed
// into the session's current handle, frames for the client are sent on its
// transport. The returned error is the transport's send error.
func (r *Router) Dispatch(ctx context.Context, id string, f frame.Frame) (Decision, error) {
	d, h, sess := r.route(id, f)
	if d.Action == ActionDrop {
		return d, nil
	}
	if d.ToPipeline && h != nil && !h.Push(d.Frame) {
		slog.Debug("pipeline refused frame", "session_id", id, "kind", d.Frame.Kind.String())
	}
	if d.ToClient {
		tr := sess.Transport()
		if tr == nil {
			return d, nil
		}
		if err := tr.Send(ctx, d.Frame); err != nil {
			return d, fmt.Errorf("router: send %s frame: %w", d.Frame.Kind, err)
		}
	}
	return d, nil
}

func (r *Router) route(id string, f frame.Frame) (Decision, pipeline.Handle, *session.Session) {
	sess, err := r.reg.Get(id)
	if err != nil {
		r.record(f, ActionDrop)
		return drop(f), nil, nil
	}
	r.reg.Touch(id)

	m, st, h, _ := sess.Snapshot()
	if st != session.StateActive {
		r.record(f, ActionDrop)
		return drop(f), nil, sess
	}

	d := decide(m, sess.Conversation(), f)
	if d.Action == ActionDrop {
		slog.Debug("frame dropped",
			"session_id", id,
			"kind", f.Kind.String(),
			"direction", f.Direction.String(),
			"mode", m.String())
	}
	r.record(f, d.Action)
	return d, h, sess
}

func (r *Router) record(f frame.Frame, a Action) {
	r.metrics.RecordFrame(context.Background(), f.Kind.String(), f.Direction.String(), a.String())
}

// decide is the routing table. It appends to conv where the frame carries
// conversation content.
func decide(m mode.Mode, conv *conversation.Context, f frame.Frame) Decision {
	switch f.Kind {
	case frame.KindAudio:
		if f.Direction == frame.Inbound {
			if !m.VoiceIn {
				return drop(f)
			}
			return Decision{Action: ActionForward, Frame: f, ToPipeline: true}
		}
		if !m.VoiceOut {
			return drop(f)
		}
		return Decision{Action: ActionForward, Frame: f, ToClient: true}

	case frame.KindText:
		if f.Direction == frame.Inbound {
			if !m.TextIn || f.Text == "" {
				return drop(f)
			}
			conv.Append(conversation.RoleUser, f.Text)
			t := frame.NewTranscript(frame.Inbound, f.Text, true, frame.SourceUser)
			return Decision{Action: ActionTransform, Frame: t, ToPipeline: true, ToClient: m.TextOut}
		}
		conv.Append(conversation.RoleAssistant, f.Text)
		if !m.TextOut {
			return drop(f)
		}
		return Decision{Action: ActionForward, Frame: f, ToClient: true}

	case frame.KindTranscript:
		if !f.Transcript.IsFinal {
			if !m.TextOut {
				return drop(f)
			}
			return Decision{Action: ActionForward, Frame: f, ToClient: true}
		}
		conv.Append(roleOf(f.Transcript.Source), f.Transcript.Text)
		return Decision{Action: ActionForward, Frame: f, ToPipeline: true, ToClient: m.TextOut}

	case frame.KindControl:
		return Decision{Action: ActionForward, Frame: f, ToClient: true}
	}
	return drop(f)
}

func roleOf(s frame.Source) conversation.Role {
	if s == frame.SourceAssistant {
		return conversation.RoleAssistant
	}
	return conversation.RoleUser
}
