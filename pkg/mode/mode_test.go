package mode

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    Mode
		want error
	}{
		{"no input", Mode{VoiceOut: true, TextOut: true}, ErrInvalid},
		{"no output", Mode{VoiceIn: true, TextIn: true}, ErrInvalid},
		{"zero value", Mode{}, ErrInvalid},
		{"voice in, text out", Mode{VoiceIn: true, TextOut: true}, nil},
		{"text in, voice out", Mode{TextIn: true, VoiceOut: true}, nil},
		{"full", Full(), nil},
		{"interruptions alone", Mode{Interruptions: true}, ErrInvalid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.m.Validate()
			if !errors.Is(err, tc.want) {
				t.Errorf("Validate() = %v, want %v", err, tc.want)
			}
			if got := tc.m.Valid(); got != (tc.want == nil) {
				t.Errorf("Valid() = %v, want %v", got, tc.want == nil)
			}
		})
	}
}

func TestString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		m    Mode
		want string
	}{
		{Full(), "voice+text_to_voice+text"},
		{Mode{VoiceIn: true, TextOut: true}, "voice_to_text"},
		{Mode{TextIn: true, TextOut: true}, "text_to_text"},
		{Mode{VoiceOut: true}, "none_to_voice"},
		{Mode{}, "none_to_none"},
	}
	for _, tc := range tests {
		if got := tc.m.String(); got != tc.want {
			t.Errorf("%+v.String() = %q, want %q", tc.m, got, tc.want)
		}
	}
}

func TestPresets(t *testing.T) {
	t.Parallel()

	for _, name := range PresetNames() {
		m, ok := Preset(name)
		if !ok {
			t.Fatalf("Preset(%q) not found", name)
		}
		if err := m.Validate(); err != nil {
			t.Errorf("preset %q is invalid: %v", name, err)
		}
	}

	m, _ := Preset(PresetVoiceToText)
	if !m.VoiceIn || m.TextIn || m.VoiceOut || !m.TextOut {
		t.Errorf("voice_to_text = %+v", m)
	}
	if _, ok := Preset("telepathy"); ok {
		t.Error("unknown preset should not be found")
	}
}
