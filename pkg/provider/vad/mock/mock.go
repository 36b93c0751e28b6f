// Package mock provides test doubles for the vad package interfaces.
//
// Example:
//
//	sess := &mock.Session{Events: []vad.VADEventType{vad.VADSpeechStart, vad.VADSpeechEnd}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a silent Session is returned.
	Session *Session

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	// Configs records the config of every NewSession call.
	Configs []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle. ProcessFrame returns
// Events in order, then VADSilence.
type Session struct {
	mu sync.Mutex

	// Events is the scripted sequence of results.
	Events []vad.VADEventType

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	frames     int
	resets     int
	closeCalls int
}

// ProcessFrame returns the next scripted event.
func (s *Session) ProcessFrame([]byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ProcessFrameErr != nil {
		return vad.VADEvent{}, s.ProcessFrameErr
	}
	ev := vad.VADEvent{Type: vad.VADSilence}
	if s.frames < len(s.Events) {
		ev.Type = s.Events[s.frames]
		ev.Probability = 0.9
	}
	s.frames++
	return ev, nil
}

// Reset counts the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
}

// Close counts the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

// Frames returns the number of processed frames.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// CloseCount returns the number of Close calls.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ vad.SessionHandle = (*Session)(nil)
