package llm

import "strings"

// DefaultContextWindow applies to models missing from the family table.
const DefaultContextWindow = 128_000

// windows maps model name prefixes (lower case) to context windows. More
// specific prefixes come first.
var windows = []struct {
	prefix string
	tokens int
}{
	{"gpt-4o", 128_000},
	{"gpt-4.1", 1_047_576},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 8_192},
	{"gpt-3.5-turbo", 16_385},
	{"o1-mini", 128_000},
	{"o1", 200_000},
	{"o3", 200_000},
	{"claude", 200_000},
	{"gemini-1.5-pro", 2_097_152},
	{"gemini-1.5-flash", 1_048_576},
	{"gemini-2", 1_048_576},
	{"llama", 32_768},
	{"mistral", 32_768},
}

// ContextWindow returns the context window of a model by family.
func ContextWindow(model string) int {
	lower := strings.ToLower(model)
	for _, w := range windows {
		if strings.HasPrefix(lower, w.prefix) {
			return w.tokens
		}
	}
	return DefaultContextWindow
}
