package llm

import "testing"

func TestContextWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  int
	}{
		{"gpt-4o-mini", 128_000},
		{"GPT-4O", 128_000},
		{"gpt-4.1-nano", 1_047_576},
		{"gpt-4-turbo", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"o1-mini", 128_000},
		{"o3-mini", 200_000},
		{"claude-haiku-4-5", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"llama3", 32_768},
		{"totally-unknown", DefaultContextWindow},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			if got := ContextWindow(tt.model); got != tt.want {
				t.Errorf("ContextWindow(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}
