package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DefaultPromptChanged is true when default_system_prompt changed.
	DefaultPromptChanged bool

	AgentsChanged bool
	AgentChanges  []AgentDiff

	// RestartRequired lists top-level sections whose changes are ignored
	// until the next start.
	RestartRequired []string
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID            string
	PromptChanged bool
	VoiceChanged  bool
	Added         bool
	Removed       bool
}

// Diff compares old and new configs and returns what changed.
//
// Prompt changes only affect sessions created afterwards; a live session
// keeps the system prompt it started with.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DefaultPromptChanged = old.DefaultSystemPrompt != new.DefaultSystemPrompt

	oldAgents := make(map[string]*AgentConfig, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentConfig, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = &new.Agents[i]
	}

	for id, oa := range oldAgents {
		na, exists := newAgents[id]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			continue
		}
		ad := AgentDiff{
			ID:            id,
			PromptChanged: oa.SystemPrompt != na.SystemPrompt,
			VoiceChanged:  oa.Voice != na.Voice,
		}
		if ad.PromptChanged || ad.VoiceChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
		}
	}
	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
		}
	}
	d.AgentsChanged = len(d.AgentChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.WSPath != new.Server.WSPath ||
		!tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Sessions != new.Sessions {
		d.RestartRequired = append(d.RestartRequired, "sessions")
	}
	if old.RateLimit != new.RateLimit {
		d.RestartRequired = append(d.RestartRequired, "rate_limit")
	}
	if old.Audio != new.Audio || old.LLM != new.LLM || old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// providersEqual compares the identifying fields of each entry. Options
// maps are not compared.
func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) &&
		entryEqual(a.TTS, b.TTS) && entryEqual(a.VAD, b.VAD)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
