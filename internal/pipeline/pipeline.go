// Package pipeline defines how a session's processing chain is configured
// and driven.
//
// [ConfigFor] derives the stages a [Mode] needs as a plain [Config] value.
// A [Runner] turns a Config plus the session's conversation into a running
// [Handle]. The handle accepts inbound frames through [Handle.Push] and
// reports outbound frames through the [Emitter] it was started with.
//
// Runners never own the conversation: they read from it and the router
// writes to it. A mode change stops one handle and starts another against
// the same *conversation.Context.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/mode"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrStopTimeout is returned by [Handle.Stop] when the pipeline did not
// finish before the stop context expired.
var ErrStopTimeout = errors.New("pipeline: stop timed out")

const (
	// DefaultMinInterruptionWords is the number of words a final transcript
	// needs to interrupt the assistant.
	DefaultMinInterruptionWords = 3

	// DefaultSampleRate is the PCM sample rate used on both directions.
	DefaultSampleRate = 24000
)

// Control frame kinds emitted by runners.
const (
	ControlUserStartedSpeaking = "user_started_speaking"
	ControlUserStoppedSpeaking = "user_stopped_speaking"
	ControlBotInterrupted      = "bot_interrupted"
	ControlError               = "error"
)

// Config lists the stages of one pipeline. It is derived from a mode by
// [ConfigFor] and never mutated afterwards.
type Config struct {
	Mode mode.Mode

	LLM bool
	STT bool
	VAD bool
	TTS bool

	// MuteSTTWhileSpeaking drops user audio while assistant audio is being
	// produced.
	MuteSTTWhileSpeaking bool

	Interruptions        bool
	MinInterruptionWords int

	TextInput  bool
	TextOutput bool

	// Voice overrides the runner's default voice when its ID is set.
	Voice tts.VoiceProfile
}

// ConfigFor returns the pipeline layout for m. It has no side effects.
func ConfigFor(m mode.Mode) Config {
	return Config{
		Mode:                 m,
		LLM:                  true,
		STT:                  m.VoiceIn,
		VAD:                  m.VoiceIn,
		TTS:                  m.VoiceOut,
		MuteSTTWhileSpeaking: m.VoiceOut && !m.Interruptions,
		Interruptions:        m.Interruptions,
		MinInterruptionWords: DefaultMinInterruptionWords,
		TextInput:            m.TextIn,
		TextOutput:           m.TextOut,
	}
}

// Stages returns the enabled stage names in processing order.
func (c Config) Stages() []string {
	var s []string
	if c.VAD {
		s = append(s, "vad")
	}
	if c.STT {
		s = append(s, "stt")
	}
	if c.LLM {
		s = append(s, "llm")
	}
	if c.TTS {
		s = append(s, "tts")
	}
	return s
}

// Emitter receives every outbound frame a pipeline produces. It may be
// called from several goroutines.
type Emitter func(frame.Frame)

// Runner starts pipelines.
type Runner interface {
	// Start builds and starts a pipeline for cfg. The pipeline lives until
	// ctx is cancelled, [Handle.Stop] is called or it fails.
	Start(ctx context.Context, cfg Config, conv *conversation.Context, emit Emitter) (Handle, error)
}

// Handle controls one running pipeline.
type Handle interface {
	// Push hands an inbound frame to the pipeline. It never blocks and
	// returns false when the frame was not accepted.
	Push(f frame.Frame) bool

	// Stop cancels the pipeline and waits for it to finish or for ctx to
	// expire, in which case it returns [ErrStopTimeout].
	Stop(ctx context.Context) error

	// Done is closed once the pipeline has finished.
	Done() <-chan struct{}

	// Err returns the error the pipeline finished with. It is nil while the
	// pipeline runs and after a clean stop.
	Err() error
}

// Lifecycle is the stop and completion bookkeeping shared by Handle
// implementations.
type Lifecycle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// NewLifecycle derives the pipeline context from parent.
func NewLifecycle(parent context.Context) (context.Context, *Lifecycle) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &Lifecycle{cancel: cancel, done: make(chan struct{})}
}

// Finish records err and marks the pipeline done. Only the first call has
// an effect.
func (l *Lifecycle) Finish(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		l.cancel()
		close(l.done)
	})
}

// Stop implements [Handle.Stop].
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}
}

// Done implements [Handle.Done].
func (l *Lifecycle) Done() <-chan struct{} { return l.done }

// Err implements [Handle.Err].
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
