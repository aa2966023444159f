package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

// ErrNoAudio is recorded against a synthesizer that finished without
// emitting audio for text that has something to say.
var ErrNoAudio = errors.New("resilience: synthesizer returned no audio")

// TTSFallback speaks agent replies through an ordered chain of synthesizers.
//
// A synthesizer that fails before the first chunk is skipped. Once a chunk
// has been streamed to the caller its errors are final: switching voices
// mid-sentence would replay the reply from the start.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback appends a synthesizer to the chain. Call it before the first
// Synthesize.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) { f.group.AddFallback(name, p) }

// Group exposes the chain for health checks.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }

func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice, emit func([]byte) error) error {
	spoken := strings.TrimSpace(text) != ""
	return f.group.Execute(ctx, func(ctx context.Context, p tts.Provider) error {
		var streamed int
		err := p.Synthesize(ctx, text, voice, func(chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			streamed += len(chunk)
			return emit(chunk)
		})
		switch {
		case err != nil && streamed > 0:
			return NoFailover(err)
		case err != nil:
			return err
		case streamed == 0 && spoken:
			return ErrNoAudio
		}
		return nil
	})
}
