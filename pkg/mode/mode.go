// Package mode defines the input/output modality configuration of a
// conversational session.
//
// A [Mode] is a small immutable value: which inputs the session accepts
// (voice, text), which outputs it produces (voice, text) and whether the
// user may interrupt the assistant while it is speaking. Every mode applied
// to a session must pass [Mode.Validate].
package mode

import (
	"errors"
	"slices"
	"strings"
)

// ErrInvalid is returned by [Mode.Validate] when a mode has no input or no
// output enabled.
var ErrInvalid = errors.New("mode: must have at least one input and one output")

// InvalidMessage is the client-facing text sent when a requested mode is
// rejected.
const InvalidMessage = "Invalid mode configuration: must have at least one input and one output"

// Mode is the modality configuration of one session. The zero value has
// everything disabled and is therefore invalid.
type Mode struct {
	VoiceIn       bool `json:"voice_input"`
	TextIn        bool `json:"text_input"`
	VoiceOut      bool `json:"voice_output"`
	TextOut       bool `json:"text_output"`
	Interruptions bool `json:"enable_interruptions"`
}

// Validate reports whether m can be applied to a session. It returns
// [ErrInvalid] when no input or no output is enabled.
func (m Mode) Validate() error {
	if !m.HasInput() || !m.HasOutput() {
		return ErrInvalid
	}
	return nil
}

// Valid is shorthand for Validate() == nil.
func (m Mode) Valid() bool { return m.Validate() == nil }

// HasInput reports whether at least one input modality is enabled.
func (m Mode) HasInput() bool { return m.VoiceIn || m.TextIn }

// HasOutput reports whether at least one output modality is enabled.
func (m Mode) HasOutput() bool { return m.VoiceOut || m.TextOut }

// UsesVoice reports whether any voice modality is enabled.
func (m Mode) UsesVoice() bool { return m.VoiceIn || m.VoiceOut }

// String returns the descriptor of m, e.g. "voice+text_to_text". A side with
// no enabled modality is rendered as "none".
func (m Mode) String() string {
	return side(m.VoiceIn, m.TextIn) + "_to_" + side(m.VoiceOut, m.TextOut)
}

func side(voice, text bool) string {
	var parts []string
	if voice {
		parts = append(parts, "voice")
	}
	if text {
		parts = append(parts, "text")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Preset names accepted by [Preset].
const (
	PresetVoiceOnly      = "voice_only"
	PresetTextOnly       = "text_only"
	PresetVoiceToText    = "voice_to_text"
	PresetTextToVoice    = "text_to_voice"
	PresetFullMultimodal = "full_multimodal"
)

var presets = map[string]Mode{
	PresetVoiceOnly:      {VoiceIn: true, VoiceOut: true, Interruptions: true},
	PresetTextOnly:       {TextIn: true, TextOut: true, Interruptions: true},
	PresetVoiceToText:    {VoiceIn: true, TextOut: true, Interruptions: true},
	PresetTextToVoice:    {TextIn: true, VoiceOut: true, Interruptions: true},
	PresetFullMultimodal: Full(),
}

// Preset returns the named preset mode. The boolean is false for unknown
// names.
func Preset(name string) (Mode, bool) {
	m, ok := presets[name]
	return m, ok
}

// PresetNames returns the known preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Full returns the mode with every modality and interruptions enabled. It is
// the default for new connections.
func Full() Mode {
	return Mode{VoiceIn: true, TextIn: true, VoiceOut: true, TextOut: true, Interruptions: true}
}
