// Package ops serves the operational HTTP API: capacity health, session
// inspection, the connect pre-check and the Prometheus scrape endpoint.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/parley/internal/admission"
	"github.com/MrWong99/parley/internal/archive"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transport/ws"
)

// Config holds the dependencies of a [Handler].
type Config struct {
	Admission *admission.Controller
	Registry  *session.Registry

	// WSPath is advertised by POST /connect. Default: "/ws".
	WSPath string

	// Archive, when set, serves the history of sessions that have ended.
	Archive HistorySource

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	// Now defaults to time.Now.
	Now func() time.Time
}

// HistorySource reads archived conversations. [archive.Archiver] implements
// it.
type HistorySource interface {
	History(ctx context.Context, sessionID string, limit int) ([]archive.Record, error)
}

// Handler serves the operational endpoints.
type Handler struct {
	cfg Config
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{cfg: cfg}
}

// Register adds every operational route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /sessions", h.listSessions)
	mux.HandleFunc("GET /sessions/stats", h.stats)
	mux.HandleFunc("GET /sessions/{id}", h.getSession)
	mux.HandleFunc("GET /sessions/{id}/history", h.history)
	mux.HandleFunc("POST /connect", h.connect)
	if h.cfg.Metrics != nil {
		mux.Handle("GET /metrics", h.cfg.Metrics)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status                    string  `json:"status"`
	Timestamp                 float64 `json:"timestamp"`
	Active                    int     `json:"active"`
	Peak                      int     `json:"peak"`
	Total                     int64   `json:"total"`
	Rejected                  int64   `json:"rejected"`
	CapacityUsedPct           float64 `json:"capacityUsedPct"`
	AvgSessionDurationSeconds float64 `json:"avgSessionDurationSeconds"`
	MaxCapacity               int     `json:"maxCapacity"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	s := h.cfg.Admission.Metrics()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:                    s.Status(),
		Timestamp:                 float64(h.cfg.Now().UnixNano()) / 1e9,
		Active:                    s.Active,
		Peak:                      s.Peak,
		Total:                     s.Total,
		Rejected:                  s.Rejected,
		CapacityUsedPct:           s.CapacityUsedPct,
		AvgSessionDurationSeconds: s.AvgSessionDuration.Seconds(),
		MaxCapacity:               s.Capacity,
	})
}

// SessionView is one session in the API.
type SessionView struct {
	SessionID       string    `json:"sessionId"`
	AgentID         string    `json:"agentId,omitempty"`
	Mode            string    `json:"mode"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	DurationSeconds float64   `json:"durationSeconds"`
	ContextLength   int       `json:"contextLength"`
}

func viewOf(i session.Info) SessionView {
	return SessionView{
		SessionID:       i.ID,
		AgentID:         i.AgentID,
		Mode:            i.Mode.String(),
		State:           i.State.String(),
		CreatedAt:       i.CreatedAt,
		LastActivityAt:  i.LastActivityAt,
		DurationSeconds: i.Duration.Seconds(),
		ContextLength:   i.ContextLen,
	}
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	infos := h.cfg.Registry.List(r.URL.Query().Get("agent_id"))
	out := make([]SessionView, 0, len(infos))
	for _, i := range infos {
		out = append(out, viewOf(i))
	}
	writeJSON(w, http.StatusOK, out)
}

// StatsResponse is the body of GET /sessions/stats.
type StatsResponse struct {
	Total    int             `json:"total"`
	Voice    int             `json:"voice"`
	Text     int             `json:"text"`
	ByMode   map[string]int  `json:"byMode"`
	Capacity ws.CapacityInfo `json:"capacity"`
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	st := h.cfg.Registry.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Total:    st.Total,
		Voice:    st.Voice,
		Text:     st.Text,
		ByMode:   st.ByMode,
		Capacity: ws.NewCapacityInfo(h.cfg.Admission.Metrics()),
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.cfg.Registry.Info(r.PathValue("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(info))
}

// HistoryResponse is the body of GET /sessions/{id}/history. Archived is
// true when the session has ended and the messages come from the archive.
type HistoryResponse struct {
	SessionID string               `json:"sessionId"`
	Archived  bool                 `json:"archived,omitempty"`
	Messages  []conversation.Entry `json:"messages"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()
	includeSystem, _ := strconv.ParseBool(q.Get("include_system"))
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	sess, err := h.cfg.Registry.Get(id)
	if err != nil {
		h.archivedHistory(w, r, id, includeSystem, limit)
		return
	}

	entries := sess.Conversation().History(includeSystem)
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: id, Messages: tail(entries, limit)})
}

func (h *Handler) archivedHistory(w http.ResponseWriter, r *http.Request, id string, includeSystem bool, limit int) {
	if h.cfg.Archive == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	records, err := h.cfg.Archive.History(r.Context(), id, 0)
	if err != nil {
		slog.Warn("ops: archived history lookup failed", "session_id", id, "err", err)
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	entries := make([]conversation.Entry, 0, len(records))
	for _, rec := range records {
		role := conversation.Role(rec.Role)
		if role == conversation.RoleSystem && !includeSystem {
			continue
		}
		entries = append(entries, conversation.Entry{Role: role, Content: rec.Content, Timestamp: rec.Timestamp})
	}
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: id, Archived: true, Messages: tail(entries, limit)})
}

func tail(entries []conversation.Entry, limit int) []conversation.Entry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}

// ConnectResponse is the body of a successful POST /connect.
type ConnectResponse struct {
	Status         string `json:"status"`
	AvailableSlots int    `json:"availableSlots"`
	TotalCapacity  int    `json:"totalCapacity"`
	WSPath         string `json:"wsPath"`
}

// connect is advisory: a slot is not reserved, the WebSocket upgrade
// still goes through admission.
func (h *Handler) connect(w http.ResponseWriter, _ *http.Request) {
	avail := h.cfg.Admission.Available()
	if avail == 0 {
		ws.WriteCapacityRejection(w, h.cfg.Admission.Metrics())
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{
		Status:         "available",
		AvailableSlots: avail,
		TotalCapacity:  h.cfg.Admission.Capacity(),
		WSPath:         h.cfg.WSPath,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("ops: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
