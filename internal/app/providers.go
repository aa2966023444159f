package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/resilience"
	"github.com/MrWong99/voicedesk/pkg/provider/llm"
	"github.com/MrWong99/voicedesk/pkg/provider/llm/openai"
	"github.com/MrWong99/voicedesk/pkg/provider/stt"
	"github.com/MrWong99/voicedesk/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voicedesk/pkg/provider/tts"
	"github.com/MrWong99/voicedesk/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voicedesk/pkg/store"
	"github.com/MrWong99/voicedesk/pkg/store/memstore"
	"github.com/MrWong99/voicedesk/pkg/store/postgres"
	"github.com/MrWong99/voicedesk/pkg/store/sqlite"
)

// DefaultLLMModel is used for the openai responder when no model is set.
const DefaultLLMModel = "gpt-4o-mini"

// Providers holds the provider chain of each agent stage. STT is nil when
// speech input is disabled.
type Providers struct {
	STT stt.Provider
	LLM *resilience.LLMFallback
	TTS *resilience.TTSFallback
}

// Breakers returns the circuit breaker of every LLM and TTS entry in
// fallback order.
func (p *Providers) Breakers() []*resilience.CircuitBreaker {
	var out []*resilience.CircuitBreaker
	if p.LLM != nil {
		g := p.LLM.Group()
		for _, name := range g.Names() {
			out = append(out, g.Breaker(name))
		}
	}
	if p.TTS != nil {
		g := p.TTS.Group()
		for _, name := range g.Names() {
			out = append(out, g.Breaker(name))
		}
	}
	return out
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// RegisterBuiltinProviders wires the provider factories that ship with
// voicedesk into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, deepgram.WithLanguage(entry.Language))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// "none" disables speech input; callers can still type.
	reg.RegisterSTT("none", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("silence", func(config.ProviderEntry) (tts.Provider, error) {
		return tts.Silence{}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		model := entry.Model
		if model == "" {
			model = DefaultLLMModel
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, model, opts...)
	})

	reg.RegisterLLM("echo", func(entry config.ProviderEntry) (llm.Provider, error) {
		return llm.Echo{Prefix: optString(entry.Options, "prefix")}, nil
	})

	for _, kind := range []string{"stt", "tts", "llm"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// BuildProviders instantiates the providers named in cfg, including the LLM
// and TTS fallbacks, and wraps each chain in circuit breakers.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit changed", "provider", name, "from", from, "to", to)
			},
		},
	}

	sttp, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, providerError("stt", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttp
	if sttp != nil {
		slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	}

	llmp, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, providerError("llm", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = resilience.NewLLMFallback(llmp, cfg.Providers.LLM.Name, fbCfg)
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLM.Fallbacks {
		p, err := reg.CreateLLM(fb)
		if err != nil {
			return nil, providerError(fmt.Sprintf("llm fallback %d", i), fb.Name, err)
		}
		ps.LLM.AddFallback(entryName(fb, i), p)
		slog.Info("fallback provider created", "kind", "llm", "name", fb.Name)
	}

	ttsp, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, providerError("tts", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = resilience.NewTTSFallback(ttsp, cfg.Providers.TTS.Name, fbCfg)
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.TTS.Fallbacks {
		p, err := reg.CreateTTS(fb)
		if err != nil {
			return nil, providerError(fmt.Sprintf("tts fallback %d", i), fb.Name, err)
		}
		ps.TTS.AddFallback(entryName(fb, i), p)
		slog.Info("fallback provider created", "kind", "tts", "name", fb.Name)
	}

	return ps, nil
}

func providerError(kind, name string, err error) error {
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return fmt.Errorf("app: %s provider %q is not available in this build: %w", kind, name, err)
	}
	return fmt.Errorf("app: %s: %w", kind, err)
}

// entryName keeps breaker names unique when the same provider appears more
// than once in a chain.
func entryName(entry config.ProviderEntry, i int) string {
	return fmt.Sprintf("%s#%d", entry.Name, i+1)
}

// ── Store ─────────────────────────────────────────────────────────────────────

// OpenStore connects the configured store backend. PostgreSQL and SQLite
// stores are migrated before they are returned.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StoreMemory, "":
		return memstore.New(), nil
	case config.StorePostgres:
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open postgres store: %w", err)
		}
		return s, nil
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
