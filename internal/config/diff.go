package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that the running server can apply without a restart are
// tracked; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when the greeting, system prompt or escalation
	// keyword changed. New connections pick up the new values.
	AgentChanged bool

	// RestartRequired lists the config sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AgentChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.Greeting != new.Server.Greeting ||
		old.Server.SystemPrompt != new.Server.SystemPrompt ||
		old.Server.EscalationKeyword != new.Server.EscalationKeyword {
		d.AgentChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !sameEntry(old.Providers.STT, new.Providers.STT) ||
		!sameEntry(old.Providers.TTS, new.Providers.TTS) ||
		!sameEntry(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameEntry compares the scalar fields of two provider entries. Options are
// compared by key count only.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Voice == b.Voice &&
		a.Language == b.Language &&
		a.SampleRate == b.SampleRate &&
		len(a.Options) == len(b.Options) &&
		slices.EqualFunc(a.Fallbacks, b.Fallbacks, sameEntry)
}
