package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voicedesk/pkg/provider/llm"
	"github.com/MrWong99/voicedesk/pkg/provider/stt"
	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when a config entry names a provider
// for which no factory was registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// catalog holds the factories of one provider kind.
type catalog[P any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]Factory[P]
}

func newCatalog[P any](kind string) *catalog[P] {
	return &catalog[P]{kind: kind, factories: make(map[string]Factory[P])}
}

func (c *catalog[P]) register(name string, f Factory[P]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

func (c *catalog[P]) create(entry ProviderEntry) (P, error) {
	c.mu.RLock()
	f, ok := c.factories[entry.Name]
	c.mu.RUnlock()
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s %q (known: %v)", ErrProviderNotRegistered, c.kind, entry.Name, c.names())
	}
	p, err := f(entry)
	if err != nil {
		var zero P
		return zero, fmt.Errorf("config: create %s %q: %w", c.kind, entry.Name, err)
	}
	return p, nil
}

func (c *catalog[P]) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.factories))
}

// Registry resolves the provider entries of a [Config] to speech-to-text,
// text-to-speech and language model providers. Registering a name twice
// replaces the earlier factory. It is safe for concurrent use.
type Registry struct {
	stt *catalog[stt.Provider]
	tts *catalog[tts.Provider]
	llm *catalog[llm.Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		stt: newCatalog[stt.Provider]("stt"),
		tts: newCatalog[tts.Provider]("tts"),
		llm: newCatalog[llm.Provider]("llm"),
	}
}

func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) { r.stt.register(name, f) }
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) { r.tts.register(name, f) }
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) { r.llm.register(name, f) }

// CreateSTT builds the speech-to-text provider named by entry. A factory may
// return a nil provider to mean speech input is disabled.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.create(entry) }

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return r.tts.create(entry) }

func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return r.llm.create(entry) }

// Names returns the sorted provider names registered for kind ("stt", "tts"
// or "llm"). Unknown kinds have no names.
func (r *Registry) Names(kind string) []string {
	switch kind {
	case "stt":
		return r.stt.names()
	case "tts":
		return r.tts.names()
	case "llm":
		return r.llm.names()
	}
	return nil
}
