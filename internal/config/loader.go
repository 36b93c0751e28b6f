package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/pkg/mode"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting that has a default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.WSPath == "" {
		s.WSPath = DefaultWSPath
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	ss := &cfg.Sessions
	if ss.MaxCapacity == 0 {
		ss.MaxCapacity = DefaultMaxCapacity
	}
	if ss.IdleTimeout == 0 {
		ss.IdleTimeout = DefaultIdleTimeout
	}
	if ss.SweepInterval == 0 {
		ss.SweepInterval = DefaultSweepInterval
	}
	if ss.TeardownTimeout == 0 {
		ss.TeardownTimeout = DefaultTeardownTimeout
	}
	if ss.DefaultMode == "" {
		ss.DefaultMode = DefaultMode
	}

	if cfg.RateLimit.ConnectsPerMinute == 0 {
		cfg.RateLimit.ConnectsPerMinute = DefaultConnectsPerMinute
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = DefaultBurst
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}

	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = DefaultTemperature
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = DefaultMaxTokens
	}

	if cfg.Archive.FlushInterval == 0 {
		cfg.Archive.FlushInterval = DefaultArchiveInterval
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Sessions
	ss := cfg.Sessions
	if ss.MaxCapacity < 1 {
		errs = append(errs, fmt.Errorf("sessions.max_capacity %d must be at least 1", ss.MaxCapacity))
	}
	for name, d := range map[string]int64{
		"idle_timeout":     int64(ss.IdleTimeout),
		"sweep_interval":   int64(ss.SweepInterval),
		"teardown_timeout": int64(ss.TeardownTimeout),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("sessions.%s must not be negative", name))
		}
	}
	if _, ok := mode.Preset(ss.DefaultMode); ss.DefaultMode != "" && !ok {
		errs = append(errs, fmt.Errorf("sessions.default_mode %q is invalid; valid values: %v", ss.DefaultMode, mode.PresetNames()))
	}

	// Rate limit
	if cfg.RateLimit.ConnectsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit.connects_per_minute and rate_limit.burst must not be negative"))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", cfg.Audio.Channels))
	}

	// LLM
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}

	// Providers: warn for unknown names.
	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
		"vad": cfg.Providers.VAD,
	} {
		validateProviderName(kind, entry.Name)
		for i, fb := range entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
			}
			validateProviderName(kind, fb.Name)
		}
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; sessions will fail to start")
	}
	if m, ok := mode.Preset(cfg.Sessions.DefaultMode); ok && m.UsesVoice() {
		if cfg.Providers.STT.Name == "" || cfg.Providers.TTS.Name == "" {
			slog.Warn("default mode uses voice but providers.stt or providers.tts is not configured",
				"default_mode", cfg.Sessions.DefaultMode)
		}
	}

	// Agents
	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[a.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
			}
			seen[a.ID] = i
		}
		if a.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && a.Voice.Provider != cfg.Providers.TTS.Name {
			slog.Warn("agent voice provider does not match configured TTS provider",
				"agent", a.ID,
				"voice_provider", a.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}

	// Archive
	if cfg.Archive.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("archive.flush_interval %s must not be negative", cfg.Archive.FlushInterval))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
