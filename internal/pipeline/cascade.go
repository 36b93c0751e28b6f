package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/frame"
	"github.com/MrWong99/parley/pkg/pcm"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrMissingProvider is returned by [Cascade.Start] when the config needs a
// stage whose provider was not configured.
var ErrMissingProvider = errors.New("pipeline: provider not configured")

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 150
	defaultVADFrameMs  = 20

	inboxSize   = 256
	textBufSize = 16
)

// CascadeConfig holds the providers and tuning of a [Cascade].
type CascadeConfig struct {
	// LLM is required.
	LLM llm.Provider

	// STT, VAD and TTS are only needed by modes that use voice.
	STT stt.Provider
	VAD vad.Engine
	TTS tts.Provider

	Voice    tts.VoiceProfile
	Language string

	// Temperature defaults to 0.7 and MaxTokens to 150.
	Temperature float64
	MaxTokens   int

	// SampleRate defaults to 24000 and Channels to 1.
	SampleRate int
	Channels   int

	// HistoryTokens caps the conversation window sent to the LLM. Zero
	// means half the model's context window, or everything when the model
	// does not report one.
	HistoryTokens int

	Metrics *observe.Metrics
}

// Cascade is a [Runner] that chains streaming STT, an LLM and streaming TTS.
//
// Final user transcripts reach the cascade through [Handle.Push] after the
// router has recorded them; each one drives an LLM turn. The full reply is
// emitted once as outbound text while its sentences are fed to TTS as they
// complete.
type Cascade struct {
	cfg CascadeConfig
}

var _ Runner = (*Cascade)(nil)

// NewCascade validates cfg and fills in defaults.
func NewCascade(cfg CascadeConfig) (*Cascade, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("%w: llm", ErrMissingProvider)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.HistoryTokens == 0 {
		cfg.HistoryTokens = cfg.LLM.ContextWindow() / 2
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Cascade{cfg: cfg}, nil
}

// Start implements [Runner]. Providers needed by cfg are opened before it
// returns, so a provider outage surfaces as a start error.
func (c *Cascade) Start(ctx context.Context, cfg Config, conv *conversation.Context, emit Emitter) (Handle, error) {
	if cfg.STT && c.cfg.STT == nil {
		return nil, fmt.Errorf("%w: stt", ErrMissingProvider)
	}
	if cfg.VAD && c.cfg.VAD == nil {
		return nil, fmt.Errorf("%w: vad", ErrMissingProvider)
	}
	if cfg.TTS && c.cfg.TTS == nil {
		return nil, fmt.Errorf("%w: tts", ErrMissingProvider)
	}

	pctx, lc := NewLifecycle(ctx)
	h := &cascadeHandle{
		Lifecycle: lc,
		c:         c,
		cfg:       cfg,
		conv:      conv,
		emit:      emit,
		inbox:     make(chan frame.Frame, inboxSize),
	}

	if cfg.STT {
		sess, err := c.cfg.STT.StartStream(pctx, stt.StreamConfig{
			SampleRate: c.cfg.SampleRate,
			Channels:   c.cfg.Channels,
			Language:   c.cfg.Language,
		})
		if err != nil {
			lc.Finish(err)
			c.cfg.Metrics.RecordProviderError(ctx, "stt", "start")
			return nil, fmt.Errorf("pipeline: start stt: %w", err)
		}
		h.stt = sess
	}
	if cfg.VAD {
		sess, err := c.cfg.VAD.NewSession(vad.Config{
			SampleRate:  c.cfg.SampleRate,
			FrameSizeMs: defaultVADFrameMs,
		})
		if err != nil {
			if h.stt != nil {
				_ = h.stt.Close()
			}
			lc.Finish(err)
			return nil, fmt.Errorf("pipeline: start vad: %w", err)
		}
		h.vad = sess
	}

	go h.run(pctx)
	return h, nil
}

type cascadeHandle struct {
	*Lifecycle

	c     *Cascade
	cfg   Config
	conv  *conversation.Context
	emit  Emitter
	inbox chan frame.Frame

	stt stt.SessionHandle
	vad vad.SessionHandle

	// speaking is set while assistant audio is being forwarded.
	speaking atomic.Bool

	// speechEndedAt is owned by the run goroutine.
	speechEndedAt time.Time
}

func (h *cascadeHandle) Push(f frame.Frame) bool {
	select {
	case <-h.Done():
		return false
	default:
	}
	select {
	case h.inbox <- f:
		return true
	default:
		return false
	}
}

type turn struct {
	cancel      context.CancelFunc
	interrupted atomic.Bool
}

type turnResult struct {
	err         error
	interrupted bool
}

func (h *cascadeHandle) run(ctx context.Context) {
	var (
		partials <-chan stt.Transcript
		finals   <-chan stt.Transcript
		current  *turn
		pending  bool
		turnDone = make(chan turnResult, 1)
		runErr   error
	)
	if h.stt != nil {
		partials, finals = h.stt.Partials(), h.stt.Finals()
	}
	slog.Debug("pipeline started", "mode", h.cfg.Mode.String(), "stages", h.cfg.Stages())

	defer func() {
		if current != nil {
			current.cancel()
			<-turnDone
		}
		if h.stt != nil {
			_ = h.stt.Close()
		}
		if h.vad != nil {
			_ = h.vad.Close()
		}
		h.Finish(runErr)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case f := <-h.inbox:
			switch {
			case f.Kind == frame.KindAudio:
				h.handleAudio(f)
			case f.Kind == frame.KindTranscript && f.Transcript.IsFinal && f.Transcript.Source == frame.SourceUser:
				text := strings.TrimSpace(f.Transcript.Text)
				if text == "" {
					continue
				}
				if current == nil {
					current = h.startTurn(ctx, turnDone)
					continue
				}
				pending = true
				if h.cfg.Interruptions && len(strings.Fields(text)) >= h.cfg.MinInterruptionWords {
					current.interrupted.Store(true)
					current.cancel()
				}
			}

		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			h.emit(frame.NewTranscript(frame.Outbound, t.Text, false, frame.SourceUser))

		case t, ok := <-finals:
			if !ok {
				if ctx.Err() == nil {
					runErr = errors.New("pipeline: stt stream ended unexpectedly")
					h.c.cfg.Metrics.RecordProviderError(ctx, "stt", "stream")
				}
				return
			}
			if !h.speechEndedAt.IsZero() {
				h.c.cfg.Metrics.STTDuration.Record(ctx, time.Since(h.speechEndedAt).Seconds())
				h.speechEndedAt = time.Time{}
			}
			h.emit(frame.NewTranscript(frame.Outbound, t.Text, true, frame.SourceUser))

		case res := <-turnDone:
			current = nil
			h.finishTurn(ctx, res)
			if pending && ctx.Err() == nil {
				pending = false
				current = h.startTurn(ctx, turnDone)
			}
		}
	}
}

func (h *cascadeHandle) handleAudio(f frame.Frame) {
	cfg := h.c.cfg
	data := pcm.Convert(f.Audio.Data,
		pcm.Format{SampleRate: f.Audio.SampleRate, Channels: f.Audio.Channels},
		pcm.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels})

	if h.vad != nil {
		// VAD engines score mono audio.
		ev, err := h.vad.ProcessFrame(pcm.Mono(data, cfg.Channels))
		if err != nil {
			slog.Debug("vad frame rejected", "err", err)
		} else {
			switch ev.Type {
			case vad.VADSpeechStart:
				h.emit(frame.NewControl(frame.Outbound, ControlUserStartedSpeaking, nil))
			case vad.VADSpeechEnd:
				h.speechEndedAt = time.Now()
				h.emit(frame.NewControl(frame.Outbound, ControlUserStoppedSpeaking, nil))
			}
		}
	}
	if h.stt == nil {
		return
	}
	if h.cfg.MuteSTTWhileSpeaking && h.speaking.Load() {
		return
	}
	if err := h.stt.SendAudio(data); err != nil {
		slog.Debug("stt rejected audio", "err", err)
	}
}

func (h *cascadeHandle) startTurn(ctx context.Context, done chan<- turnResult) *turn {
	tctx, cancel := context.WithCancel(ctx)
	t := &turn{cancel: cancel}
	go func() {
		defer cancel()
		res := h.runTurn(tctx)
		res.interrupted = t.interrupted.Load()
		done <- res
	}()
	return t
}

func (h *cascadeHandle) finishTurn(ctx context.Context, res turnResult) {
	switch {
	case res.interrupted:
		h.emit(frame.NewControl(frame.Outbound, ControlBotInterrupted, nil))
	case res.err != nil && ctx.Err() == nil && !errors.Is(res.err, context.Canceled):
		slog.Error("assistant turn failed", "err", res.err)
		h.emit(frame.NewControl(frame.Outbound, ControlError, map[string]string{
			"message": "The assistant could not respond. Please try again.",
		}))
	}
}

// runTurn answers the latest user input. The reply is emitted as one text
// frame once the LLM finishes; audio keeps streaming afterwards.
func (h *cascadeHandle) runTurn(ctx context.Context) turnResult {
	cfg := h.c.cfg
	history := h.conv.Window(cfg.HistoryTokens)
	msgs := make([]llm.Message, len(history))
	for i, e := range history {
		msgs[i] = llm.Message{Role: string(e.Role), Content: e.Content}
	}

	start := time.Now()
	chunks, err := cfg.LLM.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: h.conv.SystemPrompt(),
		Messages:     msgs,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	})
	if err != nil {
		cfg.Metrics.RecordProviderError(ctx, "llm", "start")
		return turnResult{err: fmt.Errorf("pipeline: start llm: %w", err)}
	}

	var (
		textCh    chan string
		audioDone chan struct{}
	)
	if h.cfg.TTS {
		textCh = make(chan string, textBufSize)
		voice := cfg.Voice
		if h.cfg.Voice.ID != "" {
			voice = h.cfg.Voice
		}
		audio, err := cfg.TTS.SynthesizeStream(ctx, textCh, voice)
		if err != nil {
			go drainChunks(chunks)
			cfg.Metrics.RecordProviderError(ctx, "tts", "start")
			return turnResult{err: fmt.Errorf("pipeline: start tts: %w", err)}
		}
		audioDone = make(chan struct{})
		go h.forwardAudio(ctx, audio, audioDone, time.Now())
	}

	reply, err := h.collect(ctx, chunks, textCh, start)
	if err == nil && reply != "" {
		h.emit(frame.NewText(frame.Outbound, reply))
	}
	if audioDone != nil {
		<-audioDone
	}
	return turnResult{err: err}
}

// collect reads the LLM stream, feeding complete sentences to textCh, and
// returns the whole reply. textCh may be nil and is closed on return.
func (h *cascadeHandle) collect(ctx context.Context, ch <-chan llm.Chunk, textCh chan<- string, start time.Time) (string, error) {
	if textCh != nil {
		defer close(textCh)
	}
	var (
		reply strings.Builder
		buf   strings.Builder
		first = true
	)
	send := func(s string) bool {
		if textCh == nil || strings.TrimSpace(s) == "" {
			return true
		}
		select {
		case textCh <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return "", ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				send(buf.String())
				return strings.TrimSpace(reply.String()), nil
			}
			if first {
				first = false
				h.c.cfg.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
			}
			if chunk.FinishReason == llm.FinishError {
				go drainChunks(ch)
				h.c.cfg.Metrics.RecordProviderError(ctx, "llm", "stream")
				return "", fmt.Errorf("pipeline: llm stream: %s", chunk.Text)
			}
			reply.WriteString(chunk.Text)
			buf.WriteString(chunk.Text)

			for {
				s := buf.String()
				idx := firstSentenceBoundary(s)
				if idx < 0 {
					break
				}
				buf.Reset()
				buf.WriteString(strings.TrimLeft(s[idx+1:], " \t\n\r"))
				if !send(s[:idx+1]) {
					go drainChunks(ch)
					return "", ctx.Err()
				}
			}

			if chunk.FinishReason != "" {
				send(buf.String())
				go drainChunks(ch)
				return strings.TrimSpace(reply.String()), nil
			}
		}
	}
}

func (h *cascadeHandle) forwardAudio(ctx context.Context, audio <-chan []byte, done chan<- struct{}, start time.Time) {
	defer close(done)
	defer h.speaking.Store(false)
	first := true
	for chunk := range audio {
		if first {
			first = false
			h.speaking.Store(true)
			h.c.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
		}
		if ctx.Err() != nil {
			continue
		}
		h.emit(frame.NewAudio(frame.Outbound, chunk, h.c.cfg.SampleRate, h.c.cfg.Channels))
	}
}

// firstSentenceBoundary returns the index of the first '.', '!' or '?'
// followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
