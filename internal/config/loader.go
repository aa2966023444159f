package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "none"},
	"tts": {"elevenlabs", "silence"},
	"llm": {"openai", "echo"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to the config is loaded first so that ${VAR}
// references in the YAML can be satisfied from it. Variables already set in
// the process environment win.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads environment variables from path. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %q: %w", path, err)
	}
	return nil
}

// LoadFromReader expands environment references, decodes a YAML config from
// r, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
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

	// Call client
	c := cfg.Call
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("call.url %q must be a ws:// or wss:// URL", c.URL))
		}
	}
	if c.Protocol != "" && !c.Protocol.IsValid() {
		errs = append(errs, fmt.Errorf("call.protocol %q is invalid; valid values: typed, legacy", c.Protocol))
	}
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("call.sample_rate %d must be positive", c.SampleRate))
	}
	if c.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("call.frame_samples %d must be positive", c.FrameSamples))
	}
	if c.MailboxFrames < 0 {
		errs = append(errs, fmt.Errorf("call.mailbox_frames %d must be positive", c.MailboxFrames))
	}
	if c.Playback.Format != "" && !c.Playback.Format.IsValid() {
		errs = append(errs, fmt.Errorf("call.playback.format %q is invalid; valid values: mp3, wav, pcm_s16le, auto", c.Playback.Format))
	}
	if c.SampleRate > 0 && c.SampleRate != DefaultSampleRate {
		slog.Warn("call.sample_rate differs from the 16 kHz rate the voice server expects",
			"sample_rate", c.SampleRate)
	}

	// Store
	if cfg.Store.Backend != "" && !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, sqlite", cfg.Store.Backend))
	}
	if (cfg.Store.Backend == StorePostgres || cfg.Store.Backend == StoreSQLite) && cfg.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for backend %q", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StoreMemory && cfg.Store.DSN != "" {
		slog.Warn("store.dsn is ignored by the memory backend")
	}

	// Providers
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
		{"llm", cfg.Providers.LLM},
	} {
		if p.entry.SampleRate < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.sample_rate %d must not be negative", p.kind, p.entry.SampleRate))
		}
		if needsAPIKey(p.entry.Name) && p.entry.APIKey == "" {
			errs = append(errs, fmt.Errorf("providers.%s.api_key is required for %q", p.kind, p.entry.Name))
		}
		for i, fb := range p.entry.Fallbacks {
			validateProviderName(p.kind, fb.Name)
			switch {
			case fb.Name == "":
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", p.kind, i))
			case needsAPIKey(fb.Name) && fb.APIKey == "":
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].api_key is required for %q", p.kind, i, fb.Name))
			case len(fb.Fallbacks) > 0:
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d] must not declare fallbacks", p.kind, i))
			}
		}
	}
	if len(cfg.Providers.STT.Fallbacks) > 0 {
		slog.Warn("providers.stt.fallbacks is ignored; speech sessions are not failed over")
	}
	if cfg.Providers.STT.Name == "none" {
		slog.Warn("no STT provider configured; callers can only use typed input")
	}

	// Tickets
	if cfg.Tickets.BaseURL != "" {
		if u, err := url.Parse(cfg.Tickets.BaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("tickets.base_url %q is not an absolute URL", cfg.Tickets.BaseURL))
		}
	}

	return errors.Join(errs...)
}

// needsAPIKey reports whether the named provider talks to a hosted API.
func needsAPIKey(name string) bool {
	switch name {
	case "deepgram", "elevenlabs", "openai":
		return true
	}
	return false
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
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
