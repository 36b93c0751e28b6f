package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		// want lists substrings the error must contain; empty means valid.
		want []string
	}{
		{
			name: "invalid log level",
			yaml: "server:\n  log_level: verbose\n",
			want: []string{"log_level"},
		},
		{
			name: "tls needs both files",
			yaml: "server:\n  tls:\n    cert_file: cert.pem\n",
			want: []string{"cert_file and key_file"},
		},
		{
			name: "negative capacity",
			yaml: "sessions:\n  max_capacity: -1\n",
			want: []string{"max_capacity"},
		},
		{
			name: "negative idle timeout",
			yaml: "sessions:\n  idle_timeout: -5s\n",
			want: []string{"idle_timeout"},
		},
		{
			name: "unknown default mode",
			yaml: "sessions:\n  default_mode: telepathy\n",
			want: []string{"default_mode", "text_only"},
		},
		{
			name: "negative rate limit",
			yaml: "rate_limit:\n  burst: -1\n",
			want: []string{"rate_limit"},
		},
		{
			name: "three channels",
			yaml: "audio:\n  channels: 3\n",
			want: []string{"audio.channels"},
		},
		{
			name: "temperature out of range",
			yaml: "llm:\n  temperature: 2.5\n",
			want: []string{"llm.temperature"},
		},
		{
			name: "agent without id",
			yaml: "agents:\n  - name: Nameless\n",
			want: []string{"agents[0].id is required"},
		},
		{
			name: "duplicate agent ids",
			yaml: "agents:\n  - id: a\n  - id: a\n",
			want: []string{"duplicate"},
		},
		{
			name: "fallback without name",
			yaml: "providers:\n  llm:\n    name: openai\n    fallbacks:\n      - model: x\n",
			want: []string{"providers.llm.fallbacks[0].name"},
		},
		{
			name: "multiple errors joined",
			yaml: "server:\n  log_level: loud\nsessions:\n  max_capacity: -2\nagents:\n  - name: x\n",
			want: []string{"log_level", "max_capacity", "agents[0].id"},
		},
		{
			name: "unknown provider name only warns",
			yaml: "providers:\n  llm:\n    name: my-private-llm\n",
		},
		{
			name: "every preset is a valid default mode",
			yaml: "sessions:\n  default_mode: voice_to_text\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q should mention %q", err, w)
				}
			}
		})
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/parley.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Sessions.MaxCapacity != 25 || cfg.Audio.SampleRate != 24000 {
		t.Errorf("sessions/audio = %+v / %+v", cfg.Sessions, cfg.Audio)
	}
	if len(cfg.Providers.LLM.Fallbacks) != 1 {
		t.Errorf("llm fallbacks = %d, want 1", len(cfg.Providers.LLM.Fallbacks))
	}
	if _, ok := cfg.Agent("tutor"); !ok {
		t.Error("agent tutor missing")
	}
}
