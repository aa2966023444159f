// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A provider turns one agent reply into a stream of encoded audio chunks. The
// voice server forwards every chunk to the caller as a binary WebSocket
// message between tts_start and tts_complete, so chunk boundaries carry no
// meaning: the client concatenates them before decoding.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice selects the synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier. When empty, providers
	// that support it resolve Name against their catalogue.
	ID string

	// Name is the human-readable voice name, e.g. "Rachel".
	Name string

	// Model selects the synthesis model. Empty uses the provider default.
	Model string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text to audio and passes every encoded chunk to
	// emit in order. It returns when synthesis is complete, when ctx is
	// cancelled, or when emit returns an error. Chunks already emitted are
	// not retracted on failure.
	Synthesize(ctx context.Context, text string, voice Voice, emit func(chunk []byte) error) error
}
