// Package frame defines the unit of conversational data that flows between
// a client transport and a session's processing pipeline.
//
// A [Frame] is a tagged union: exactly one of the payload fields is
// meaningful, selected by [Frame.Kind]. Frames are values and are never
// mutated after construction; a transformation produces a new frame.
package frame

import "time"

// Direction tells whether a frame travels from the client towards the
// pipeline (Inbound) or from the pipeline towards the client (Outbound).
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

// String returns "inbound" or "outbound".
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Kind selects the payload of a [Frame].
type Kind uint8

const (
	KindAudio Kind = iota
	KindText
	KindTranscript
	KindControl
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	case KindTranscript:
		return "transcript"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Source identifies who produced a transcript.
type Source string

const (
	SourceUser      Source = "user"
	SourceAssistant Source = "assistant"
)

// Audio is a chunk of raw little-endian PCM.
type Audio struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Transcript is recognised (or typed) speech.
type Transcript struct {
	Text    string
	IsFinal bool
	Source  Source
}

// Control is an out-of-band event such as a VAD notification or a protocol
// reply. Payload must be JSON-encodable.
type Control struct {
	Kind    string
	Payload any
}

// Frame is one unit of inbound or outbound conversational data.
type Frame struct {
	Kind      Kind
	Direction Direction
	// At is when the frame was created.
	At time.Time

	Audio      Audio
	Text       string
	Transcript Transcript
	Control    Control
}

// NewAudio returns an audio frame. data is not copied.
func NewAudio(dir Direction, data []byte, sampleRate, channels int) Frame {
	return Frame{
		Kind:      KindAudio,
		Direction: dir,
		At:        time.Now(),
		Audio:     Audio{Data: data, SampleRate: sampleRate, Channels: channels},
	}
}

// NewText returns a text frame.
func NewText(dir Direction, text string) Frame {
	return Frame{Kind: KindText, Direction: dir, At: time.Now(), Text: text}
}

// NewTranscript returns a transcript frame.
func NewTranscript(dir Direction, text string, isFinal bool, src Source) Frame {
	return Frame{
		Kind:       KindTranscript,
		Direction:  dir,
		At:         time.Now(),
		Transcript: Transcript{Text: text, IsFinal: isFinal, Source: src},
	}
}

// NewControl returns a control frame.
func NewControl(dir Direction, kind string, payload any) Frame {
	return Frame{
		Kind:      KindControl,
		Direction: dir,
		At:        time.Now(),
		Control:   Control{Kind: kind, Payload: payload},
	}
}

// Content returns the textual content carried by a text or transcript frame
// and "" for every other kind.
func (f Frame) Content() string {
	switch f.Kind {
	case KindText:
		return f.Text
	case KindTranscript:
		return f.Transcript.Text
	default:
		return ""
	}
}
