// Package ws is the WebSocket entry point of the session host.
//
// A connection is admitted before it is upgraded: a full server answers
// with HTTP 503 and never builds a session. After the upgrade the handler
// creates the session, starts its pipeline through the mode controller and
// then reads messages until the client leaves. Binary messages are PCM
// audio; text messages are JSON control messages wrapped in an [Envelope].
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/admission"
	"github.com/MrWong99/parley/internal/modectl"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/router"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/mode"
)

// defaultReadLimit caps one inbound message. One second of 24 kHz mono PCM
// is 48 KiB.
const defaultReadLimit = 1 << 20

// PromptFunc returns the system prompt for an agent id ("" for none).
type PromptFunc func(agentID string) string

// Config holds the dependencies of a [Handler].
type Config struct {
	Admission  *admission.Controller
	Registry   *session.Registry
	Modes      *modectl.Controller
	Router     *router.Router
	Prompt     PromptFunc
	SampleRate int
	Channels   int

	// DefaultMode applies when the URL carries no mode parameter at all.
	// Zero means every modality on.
	DefaultMode mode.Mode

	// AcceptOptions is passed to websocket.Accept.
	AcceptOptions *websocket.AcceptOptions

	// ReadLimit caps the size of one inbound message. Default: 1 MiB.
	ReadLimit int64
}

// Handler serves the WebSocket endpoint.
type Handler struct {
	cfg Config
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = pipeline.DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.DefaultMode == (mode.Mode{}) {
		cfg.DefaultMode = mode.Full()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.Prompt == nil {
		cfg.Prompt = func(string) string { return "" }
	}
	return &Handler{cfg: cfg}
}

// CapacityInfo is the body of a capacity rejection.
type CapacityInfo struct {
	Active          int     `json:"active"`
	MaxCapacity     int     `json:"max_capacity"`
	AvailableSlots  int     `json:"available_slots"`
	CapacityUsedPct float64 `json:"capacity_used_pct"`
}

// NewCapacityInfo summarises an admission snapshot.
func NewCapacityInfo(s admission.Snapshot) CapacityInfo {
	return CapacityInfo{
		Active:          s.Active,
		MaxCapacity:     s.Capacity,
		AvailableSlots:  max(s.Capacity-s.Active, 0),
		CapacityUsedPct: s.CapacityUsedPct,
	}
}

type rejection struct {
	Error        string       `json:"error"`
	Message      string       `json:"message"`
	CapacityInfo CapacityInfo `json:"capacity_info"`
}

// WriteCapacityRejection answers with 503 and the current capacity.
func WriteCapacityRejection(w http.ResponseWriter, s admission.Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "5")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(rejection{
		Error:        "Server at capacity",
		Message:      "Please try again later",
		CapacityInfo: NewCapacityInfo(s),
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	ticket, ok := h.cfg.Admission.TryAcquire()
	if !ok {
		snap := h.cfg.Admission.Metrics()
		log.Info("connection rejected, server at capacity", "active", snap.Active, "capacity", snap.Capacity)
		WriteCapacityRejection(w, snap)
		return
	}

	q := r.URL.Query()
	m, err := h.initialMode(r)
	if err == nil {
		err = m.Validate()
	}
	if err != nil {
		ticket.Release()
		log.Info("connection rejected, invalid mode", "query", r.URL.RawQuery, "err", err)
		c, aerr := websocket.Accept(w, r, h.cfg.AcceptOptions)
		if aerr != nil {
			return
		}
		c.Close(websocket.StatusPolicyViolation, "Invalid mode configuration")
		return
	}

	c, err := websocket.Accept(w, r, h.cfg.AcceptOptions)
	if err != nil {
		ticket.Release()
		log.Debug("websocket upgrade failed", "err", err)
		return
	}
	c.SetReadLimit(h.cfg.ReadLimit)
	conn := NewConn(c)

	agentID := firstParam(q, "agent_id", "agentId")
	sess, err := h.cfg.Registry.Create(ticket, session.Params{
		ID:           firstParam(q, "session_id", "sessionId"),
		AgentID:      agentID,
		Mode:         m,
		SystemPrompt: h.cfg.Prompt(agentID),
		Transport:    conn,
	})
	if err != nil {
		ticket.Release()
		log.Info("session not created", "err", err)
		c.Close(websocket.StatusPolicyViolation, "session already exists")
		return
	}
	id := sess.ID()
	log = log.With("session_id", id)

	if err := h.cfg.Modes.Start(ctx, sess); err != nil {
		// The session has already been destroyed and c closed.
		if errors.Is(err, session.ErrSessionNotFound) {
			log.Debug("session ended before its pipeline started")
		} else {
			log.Error("session start failed", "err", err)
		}
		return
	}

	h.send(ctx, id, TypeSessionStarted, SessionStarted{SessionID: id, AgentID: agentID, ModePayload: modePayload(m)})
	log.Info("session started", "agent_id", agentID, "mode", m.String())

	h.readLoop(ctx, c, id)
	h.cfg.Registry.Destroy(id, session.ReasonDisconnect)
}

// initialMode reads the mode from the URL, or the default mode when the URL
// has no mode parameter.
func (h *Handler) initialMode(r *http.Request) (mode.Mode, error) {
	q := r.URL.Query()
	for _, k := range []string{"voice_input", "text_input", "voice_output", "text_output", "enable_interruptions"} {
		if q.Has(k) {
			return ModeFromQuery(q)
		}
	}
	return h.cfg.DefaultMode, nil
}

// readLoop dispatches messages in arrival order until the connection ends.
func (h *Handler) readLoop(ctx context.Context, c *websocket.Conn, id string) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("websocket read ended", "session_id", id, "err", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			f := frame.NewAudio(frame.Inbound, data, h.cfg.SampleRate, h.cfg.Channels)
			h.dispatch(ctx, id, f)
		case websocket.MessageText:
			h.handleControl(ctx, id, data)
		}
	}
}

// handleControl runs one control message. Failures are reported to the
// client and never end the session.
func (h *Handler) handleControl(ctx context.Context, id string, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		h.sendError(ctx, id, "Invalid message format")
		return
	}

	switch env.Type {
	case TypeModeChange:
		var req ModeRequest
		if err := env.payload(raw, &req); err != nil {
			h.sendError(ctx, id, "Invalid mode_change payload")
			return
		}
		applied, err := h.cfg.Modes.Switch(ctx, id, req.Mode())
		switch {
		case errors.Is(err, mode.ErrInvalid):
			h.sendError(ctx, id, mode.InvalidMessage)
		case errors.Is(err, modectl.ErrTransitionInProgress):
			h.sendError(ctx, id, "Mode change already in progress")
		case errors.Is(err, session.ErrSessionNotFound):
			slog.Debug("mode change abandoned, session ended", "session_id", id)
		case err != nil:
			// The session is gone; the transport was closed with the reason.
			slog.Warn("mode change failed", "session_id", id, "err", err)
		default:
			h.send(ctx, id, TypeModeChanged, modePayload(applied))
		}

	case TypeTextMessage:
		var msg TextMessage
		if err := env.payload(raw, &msg); err != nil {
			h.sendError(ctx, id, "Invalid text_message payload")
			return
		}
		if msg.Text == "" {
			return
		}
		h.dispatch(ctx, id, frame.NewText(frame.Inbound, msg.Text))

	default:
		h.sendError(ctx, id, fmt.Sprintf("Unknown message type: %s", env.Type))
	}
}

func (h *Handler) dispatch(ctx context.Context, id string, f frame.Frame) {
	if _, err := h.cfg.Router.Dispatch(ctx, id, f); err != nil {
		slog.Debug("frame not delivered", "session_id", id, "err", err)
	}
}

// send delivers a control message through the router so it counts as
// session activity.
func (h *Handler) send(ctx context.Context, id string, typ MessageType, data any) {
	h.dispatch(ctx, id, frame.NewControl(frame.Outbound, string(typ), data))
}

func (h *Handler) sendError(ctx context.Context, id, msg string) {
	h.send(ctx, id, TypeError, ErrorPayload{Message: msg})
}
