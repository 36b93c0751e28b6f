// Package tts defines the Provider interface for Text-to-Speech backends.
//
// SynthesizeStream accepts a channel of text fragments (typically sentences
// as they come out of the LLM) and returns a channel of raw PCM audio so that
// synthesis can start before the full reply is known.
package tts

import "context"

// VoiceProfile identifies a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the TTS backend the voice belongs to.
	Provider string

	// Metadata holds provider-specific attributes (gender, accent, ...).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend. Implementations must be
// safe for concurrent use.
type Provider interface {
	// SynthesizeStream consumes text fragments until text is closed and emits
	// raw little-endian PCM chunks. The audio channel is closed once all text
	// has been synthesised or ctx is cancelled; callers must drain it.
	//
	// The error return is non-nil only when the stream cannot start.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voices currently offered by the backend.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
