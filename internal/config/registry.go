package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// exists for the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds one provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name table of one provider kind. The owning Registry
// guards it.
type factories[T any] struct {
	kind string
	byID map[string]Factory[T]
}

func newFactories[T any](kind string) factories[T] {
	return factories[T]{kind: kind, byID: make(map[string]Factory[T])}
}

func (f factories[T]) create(e ProviderEntry) (Factory[T], error) {
	fn, ok := f.byID[e.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, e.Name)
	}
	return fn, nil
}

func (f factories[T]) names() []string {
	return slices.Sorted(maps.Keys(f.byID))
}

// Registry maps provider names from the config file to factories. main
// registers the built-in providers; tests register mocks. Safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	stt factories[stt.Provider]
	tts factories[tts.Provider]
	vad factories[vad.Engine]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactories[llm.Provider]("llm"),
		stt: newFactories[stt.Provider]("stt"),
		tts: newFactories[tts.Provider]("tts"),
		vad: newFactories[vad.Engine]("vad"),
	}
}

func register[T any](r *Registry, f factories[T], name string, fn Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.byID[name] = fn
}

func create[T any](r *Registry, f factories[T], e ProviderEntry) (T, error) {
	r.mu.RLock()
	fn, err := f.create(e)
	r.mu.RUnlock()
	if err != nil {
		var zero T
		return zero, err
	}
	return fn(e)
}

// RegisterLLM registers an LLM factory under name, replacing any earlier one.
func (r *Registry) RegisterLLM(name string, fn Factory[llm.Provider]) { register(r, r.llm, name, fn) }

// RegisterSTT registers an STT factory under name.
func (r *Registry) RegisterSTT(name string, fn Factory[stt.Provider]) { register(r, r.stt, name, fn) }

// RegisterTTS registers a TTS factory under name.
func (r *Registry) RegisterTTS(name string, fn Factory[tts.Provider]) { register(r, r.tts, name, fn) }

// RegisterVAD registers a VAD factory under name.
func (r *Registry) RegisterVAD(name string, fn Factory[vad.Engine]) { register(r, r.vad, name, fn) }

// CreateLLM builds the LLM named by e.Name. Unknown names wrap
// [ErrProviderNotRegistered]; factory errors are returned unchanged.
func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) { return create(r, r.llm, e) }

// CreateSTT builds the STT provider named by e.Name.
func (r *Registry) CreateSTT(e ProviderEntry) (stt.Provider, error) { return create(r, r.stt, e) }

// CreateTTS builds the TTS provider named by e.Name.
func (r *Registry) CreateTTS(e ProviderEntry) (tts.Provider, error) { return create(r, r.tts, e) }

// CreateVAD builds the VAD engine named by e.Name.
func (r *Registry) CreateVAD(e ProviderEntry) (vad.Engine, error) { return create(r, r.vad, e) }

// Names returns the sorted registered names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.llm.kind: r.llm.names(),
		r.stt.kind: r.stt.names(),
		r.tts.kind: r.tts.names(),
		r.vad.kind: r.vad.names(),
	}
}
