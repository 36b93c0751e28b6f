package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// breakerReporter is implemented by the resilience fallback wrappers.
type breakerReporter interface {
	Status() []resilience.BreakerStatus
}

// BreakerStatus reports the circuit breaker states of every wrapped provider
// slot, keyed by "llm", "stt" and "tts". Slots that are not wrapped are
// omitted.
func (p *Providers) BreakerStatus() map[string][]resilience.BreakerStatus {
	out := make(map[string][]resilience.BreakerStatus)
	for kind, v := range map[string]any{"llm": p.LLM, "stt": p.STT, "tts": p.TTS} {
		if r, ok := v.(breakerReporter); ok {
			out[kind] = r.Status()
		}
	}
	return out
}

// LLMUnavailable reports whether every LLM breaker is open.
func (p *Providers) LLMUnavailable() bool {
	r, ok := p.LLM.(breakerReporter)
	if !ok {
		return false
	}
	st := r.Status()
	for _, s := range st {
		if s.State != resilience.StateOpen.String() {
			return false
		}
	}
	return len(st) > 0
}

type named[T any] struct {
	name  string
	value T
}

// chain returns the primary entry followed by its fallbacks.
func chain(e config.ProviderEntry) []config.ProviderEntry {
	return append([]config.ProviderEntry{e}, e.Fallbacks...)
}

func create[T any](kind string, entries []config.ProviderEntry, fn func(config.ProviderEntry) (T, error)) ([]named[T], error) {
	var out []named[T]
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		p, err := fn(e)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not registered, skipping", "kind", kind, "name", e.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
		}
		slog.Info("provider created", "kind", kind, "name", e.Name)
		out = append(out, named[T]{name: e.Name, value: p})
	}
	return out, nil
}

func fallbackConfig(cfg *config.Config, m *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
			OnStateChange: func(name string, _, to resilience.State) {
				if to == resilience.StateOpen {
					m.RecordProviderError(context.Background(), name, "circuit_open")
				}
			},
		},
	}
}

// BuildProviders instantiates the providers named in cfg through reg. Each
// LLM, STT and TTS slot is wrapped in a fallback group with one circuit
// breaker per configured instance. Names without a registered factory are
// skipped with a warning.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	fc := fallbackConfig(cfg, m)
	ps := &Providers{}

	llms, err := create("llm", chain(cfg.Providers.LLM), reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	if len(llms) > 0 {
		fb := resilience.NewLLMFallback(llms[0].value, llms[0].name, fc)
		for _, p := range llms[1:] {
			fb.AddFallback(p.name, p.value)
		}
		ps.LLM = fb
	}

	stts, err := create("stt", chain(cfg.Providers.STT), reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	if len(stts) > 0 {
		fb := resilience.NewSTTFallback(stts[0].value, stts[0].name, fc)
		for _, p := range stts[1:] {
			fb.AddFallback(p.name, p.value)
		}
		ps.STT = fb
	}

	ttss, err := create("tts", chain(cfg.Providers.TTS), reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	if len(ttss) > 0 {
		fb := resilience.NewTTSFallback(ttss[0].value, ttss[0].name, fc)
		for _, p := range ttss[1:] {
			fb.AddFallback(p.name, p.value)
		}
		ps.TTS = fb
	}

	vads, err := create("vad", []config.ProviderEntry{cfg.Providers.VAD}, reg.CreateVAD)
	if err != nil {
		return nil, err
	}
	if len(vads) > 0 {
		ps.VAD = vads[0].value
	}

	return ps, nil
}
