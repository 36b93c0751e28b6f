package ws

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/mode"
)

// MessageType is the "type" field of a control message.
type MessageType string

// Client to server.
const (
	TypeModeChange  MessageType = "mode_change"
	TypeTextMessage MessageType = "text_message"
)

// Server to client.
const (
	TypeModeChanged         MessageType = "mode_changed"
	TypeError               MessageType = "error"
	TypeTranscript          MessageType = "transcript"
	TypeAssistantResponse   MessageType = "assistant_response"
	TypeSessionStarted      MessageType = "session_started"
	TypeUserStartedSpeaking MessageType = pipeline.ControlUserStartedSpeaking
	TypeUserStoppedSpeaking MessageType = pipeline.ControlUserStoppedSpeaking
	TypeBotInterrupted      MessageType = pipeline.ControlBotInterrupted
)

// Envelope is the JSON shape of every control message. Data holds the
// type-specific payload.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// payload decodes the message data into v. Messages without a "data" object
// carry their fields at the top level.
func (e Envelope) payload(raw []byte, v any) error {
	if len(e.Data) > 0 {
		return json.Unmarshal(e.Data, v)
	}
	return json.Unmarshal(raw, v)
}

// ModeRequest is the data of a mode_change message. Omitted fields default
// to true.
type ModeRequest struct {
	VoiceInput          *bool `json:"voice_input"`
	TextInput           *bool `json:"text_input"`
	VoiceOutput         *bool `json:"voice_output"`
	TextOutput          *bool `json:"text_output"`
	EnableInterruptions *bool `json:"enable_interruptions"`
}

// Mode returns the requested mode.
func (r ModeRequest) Mode() mode.Mode {
	return mode.Mode{
		VoiceIn:       orTrue(r.VoiceInput),
		TextIn:        orTrue(r.TextInput),
		VoiceOut:      orTrue(r.VoiceOutput),
		TextOut:       orTrue(r.TextOutput),
		Interruptions: orTrue(r.EnableInterruptions),
	}
}

func orTrue(b *bool) bool { return b == nil || *b }

// TextMessage is the data of a text_message message.
type TextMessage struct {
	Text string `json:"text"`
}

// ModePayload describes a mode to the client.
type ModePayload struct {
	Mode                string `json:"mode"`
	VoiceInput          bool   `json:"voice_input"`
	TextInput           bool   `json:"text_input"`
	VoiceOutput         bool   `json:"voice_output"`
	TextOutput          bool   `json:"text_output"`
	EnableInterruptions bool   `json:"enable_interruptions"`
}

func modePayload(m mode.Mode) ModePayload {
	return ModePayload{
		Mode:                m.String(),
		VoiceInput:          m.VoiceIn,
		TextInput:           m.TextIn,
		VoiceOutput:         m.VoiceOut,
		TextOutput:          m.TextOut,
		EnableInterruptions: m.Interruptions,
	}
}

// SessionStarted greets a client once its pipeline is running.
type SessionStarted struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id,omitempty"`
	ModePayload
}

// TranscriptPayload is the data of a transcript message.
type TranscriptPayload struct {
	Text      string  `json:"text"`
	IsFinal   bool    `json:"is_final"`
	Source    string  `json:"source"`
	Timestamp float64 `json:"timestamp"`
}

// ResponsePayload is the data of an assistant_response message.
type ResponsePayload struct {
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

// ErrorPayload is the data of an error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// EventPayload is the data of payload-less control events such as VAD
// notifications.
type EventPayload struct {
	Timestamp float64 `json:"timestamp"`
}

// outbound is a server message ready for encoding.
type outbound struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// encode maps a non-audio outbound frame onto its wire message.
func encode(f frame.Frame) outbound {
	ts := unixSeconds(f.At)
	switch f.Kind {
	case frame.KindText:
		return outbound{Type: TypeAssistantResponse, Data: ResponsePayload{Text: f.Text, Timestamp: ts}}
	case frame.KindTranscript:
		return outbound{Type: TypeTranscript, Data: TranscriptPayload{
			Text:      f.Transcript.Text,
			IsFinal:   f.Transcript.IsFinal,
			Source:    string(f.Transcript.Source),
			Timestamp: ts,
		}}
	default:
		data := f.Control.Payload
		if data == nil {
			data = EventPayload{Timestamp: ts}
		}
		return outbound{Type: MessageType(f.Control.Kind), Data: data}
	}
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		t = time.Now()
	}
	return float64(t.UnixNano()) / 1e9
}

// ModeFromQuery reads the initial mode from the connection URL. Missing
// parameters default to true; an unparsable value is an error.
func ModeFromQuery(q url.Values) (mode.Mode, error) {
	var m mode.Mode
	fields := []struct {
		key string
		dst *bool
	}{
		{"voice_input", &m.VoiceIn},
		{"text_input", &m.TextIn},
		{"voice_output", &m.VoiceOut},
		{"text_output", &m.TextOut},
		{"enable_interruptions", &m.Interruptions},
	}
	for _, f := range fields {
		v := q.Get(f.key)
		if v == "" {
			*f.dst = true
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return mode.Mode{}, err
		}
		*f.dst = b
	}
	return m, nil
}

// firstParam returns the first non-empty value among keys.
func firstParam(q url.Values, keys ...string) string {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}
