// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{[]byte("audio1"), []byte("audio2")}}
//	_ = p.Synthesize(ctx, "hello", tts.Voice{ID: "v1"}, emit)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted in order by every Synthesize call.
	Chunks [][]byte

	// Err, if non-nil, is returned after FailAfter chunks were emitted.
	Err error

	// FailAfter is the number of chunks emitted before Err is returned.
	FailAfter int

	// Calls records every Synthesize invocation.
	Calls []SynthesizeCall
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice, emit func([]byte) error) error {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	chunks, failErr, failAfter := p.Chunks, p.Err, p.FailAfter
	p.mu.Unlock()

	for i, c := range chunks {
		if failErr != nil && i == failAfter {
			return failErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(c); err != nil {
			return err
		}
	}
	return failErr
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var _ tts.Provider = (*Provider)(nil)
