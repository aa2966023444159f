package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voicedesk/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLog     bool
		wantAgent   bool
		wantRestart []string
	}{
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog: true,
		},
		{
			name:      "greeting",
			mutate:    func(c *config.Config) { c.Server.Greeting = "Welcome back!" },
			wantAgent: true,
		},
		{
			name:      "escalation keyword",
			mutate:    func(c *config.Config) { c.Server.EscalationKeyword = "ESCALATE" },
			wantAgent: true,
		},
		{
			name:        "listen addr",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			wantRestart: []string{"server"},
		},
		{
			name:        "store and provider",
			mutate:      func(c *config.Config) { c.Store.DSN = "x"; c.Providers.LLM.Model = "gpt-4o" },
			wantRestart: []string{"store", "providers"},
		},
		{
			name: "fallback added",
			mutate: func(c *config.Config) {
				c.Providers.TTS.Fallbacks = []config.ProviderEntry{{Name: "silence"}}
			},
			wantRestart: []string{"providers"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)

			if d.LogLevelChanged != tt.wantLog {
				t.Errorf("LogLevelChanged: got %v, want %v", d.LogLevelChanged, tt.wantLog)
			}
			if tt.wantLog && d.NewLogLevel != new.Server.LogLevel {
				t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, new.Server.LogLevel)
			}
			if d.AgentChanged != tt.wantAgent {
				t.Errorf("AgentChanged: got %v, want %v", d.AgentChanged, tt.wantAgent)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, tt.wantRestart)
			}
		})
	}
}
