// Package vad defines the Engine interface for Voice Activity Detection.
//
// A VAD engine turns a stream of PCM frames into speech start/end events. Each
// session keeps its own smoothing state so concurrent audio streams are
// processed independently. ProcessFrame is synchronous and must not block;
// it runs inline on the audio path.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame.
	SampleRate int

	// FrameSizeMs is the nominal frame duration. Engines that need fixed
	// frames re-chunk internally.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame counts as
	// speech. Range [0, 1].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which an active segment is
	// considered ended. Must be <= SpeechThreshold.
	SilenceThreshold float64
}

// VADEventType enumerates detection states.
type VADEventType int

const (
	// VADSilence indicates no speech.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd
)

// String returns the event type name.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// VADEvent is the detection result for a single frame.
type VADEvent struct {
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// SessionHandle is the detection state for one audio stream. It is not safe
// for concurrent use unless the implementation says so.
type SessionHandle interface {
	// ProcessFrame analyses one frame of little-endian 16-bit PCM.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close twice returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use.
type Engine interface {
	// NewSession creates a detection session, or returns an error if cfg is
	// invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
