// Package energy implements a vad.Engine that classifies speech by frame
// loudness. It needs no model files and suits clean, close-talking input such
// as browser microphones with echo cancellation.
//
// Loudness is the RMS level of a frame in dBFS, mapped linearly from
// [FloorDB, CeilDB] onto a [0, 1] speech probability. A segment starts once
// MinSpeech of audio has scored above the speech threshold and ends after
// Hangover of audio below the silence threshold.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Defaults applied to zero-valued Engine fields.
const (
	DefaultFloorDB   = -60.0
	DefaultCeilDB    = -20.0
	DefaultMinSpeech = 60 * time.Millisecond
	DefaultHangover  = 400 * time.Millisecond
)

// Engine creates energy-based VAD sessions.
type Engine struct {
	// FloorDB maps to probability 0.
	FloorDB float64
	// CeilDB maps to probability 1.
	CeilDB float64
	// MinSpeech is the amount of loud audio needed to start a segment.
	MinSpeech time.Duration
	// Hangover is the amount of quiet audio needed to end a segment.
	Hangover time.Duration
}

// New returns an Engine with default tuning.
func New() *Engine {
	return &Engine{}
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 0.5
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = 0.35
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range [0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v above speech threshold %v",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	s := &session{
		cfg:       cfg,
		floor:     orDefault(e.FloorDB, DefaultFloorDB),
		ceil:      orDefault(e.CeilDB, DefaultCeilDB),
		minSpeech: orDuration(e.MinSpeech, DefaultMinSpeech),
		hangover:  orDuration(e.Hangover, DefaultHangover),
	}
	if s.ceil <= s.floor {
		return nil, fmt.Errorf("energy: ceiling %v dB must be above floor %v dB", s.ceil, s.floor)
	}
	return s, nil
}

var _ vad.Engine = (*Engine)(nil)

var errClosed = errors.New("energy: session is closed")

type session struct {
	cfg       vad.Config
	floor     float64
	ceil      float64
	minSpeech time.Duration
	hangover  time.Duration

	speaking bool
	loud     time.Duration
	quiet    time.Duration
	closed   bool
}

// ProcessFrame scores one frame of 16-bit little-endian mono PCM. Frames may
// have any length.
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("energy: odd frame length %d", len(frame))
	}
	samples := len(frame) / 2
	if samples == 0 {
		return vad.VADEvent{Type: s.idleType()}, nil
	}

	p := s.probability(frame)
	dur := time.Duration(samples) * time.Second / time.Duration(s.cfg.SampleRate)

	if !s.speaking {
		if p >= s.cfg.SpeechThreshold {
			s.loud += dur
		} else {
			s.loud = 0
		}
		if s.loud >= s.minSpeech {
			s.speaking = true
			s.quiet = 0
			return vad.VADEvent{Type: vad.VADSpeechStart, Probability: p}, nil
		}
		return vad.VADEvent{Type: vad.VADSilence, Probability: p}, nil
	}

	if p < s.cfg.SilenceThreshold {
		s.quiet += dur
	} else {
		s.quiet = 0
	}
	if s.quiet >= s.hangover {
		s.speaking = false
		s.loud = 0
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: p}, nil
	}
	return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: p}, nil
}

func (s *session) idleType() vad.VADEventType {
	if s.speaking {
		return vad.VADSpeechContinue
	}
	return vad.VADSilence
}

// probability maps the frame's RMS level in dBFS onto [0, 1].
func (s *session) probability(frame []byte) float64 {
	var sum float64
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(n))
	if rms == 0 {
		return 0
	}
	db := 20 * math.Log10(rms/32768)
	p := (db - s.floor) / (s.ceil - s.floor)
	return math.Max(0, math.Min(1, p))
}

func (s *session) Reset() {
	s.speaking = false
	s.loud = 0
	s.quiet = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
