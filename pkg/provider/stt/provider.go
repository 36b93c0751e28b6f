// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// streaming session: raw PCM audio goes in, two transcript streams come out.
// Partials are low-latency guesses for display; finals are authoritative and
// are the only results that reach the conversation history.
package stt

import (
	"context"
	"time"
)

// Transcript is a speech-to-text result. Both partial and final results use
// this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal reports whether the provider has committed to this result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0), zero if unknown.
	Confidence float64

	// Words holds per-word detail when the provider reports it.
	Words []WordDetail
}

// WordDetail holds per-word timing and confidence.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost raises the recognition probability of an uncommon word, such
// as a product or agent name.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved audio channels.
	Channels int

	// Language is a BCP-47 tag. Empty lets the provider pick its default.
	Language string

	// Keywords are vocabulary hints.
	Keywords []KeywordBoost
}

// SessionHandle is an open streaming transcription session.
//
// Callers must call Close when done. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw little-endian PCM. Calling SendAudio
	// after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits authoritative transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio and releases the session. After Close
	// returns both channels are closed. Calling Close twice returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend. Implementations must be
// safe for concurrent use; every conversational session opens its own stream.
type Provider interface {
	// StartStream opens a new transcription session ready to accept audio.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
