package tts

import (
	"context"
	"strings"
	"time"
)

const (
	silenceSampleRate = 16000
	silenceChunkBytes = 8192
	silencePerWord    = 300 * time.Millisecond
	silenceMax        = 30 * time.Second
)

// Silence synthesizes raw 16 kHz int16 PCM silence, roughly as long as the
// text would take to read aloud. It lets the server run end to end without a
// speech vendor.
type Silence struct{}

// Synthesize implements [Provider].
func (Silence) Synthesize(ctx context.Context, text string, _ Voice, emit func([]byte) error) error {
	remaining := silenceBytes(text)
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(remaining, silenceChunkBytes)
		if err := emit(make([]byte, n)); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// silenceBytes returns the PCM byte length for text.
func silenceBytes(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	d := min(time.Duration(words)*silencePerWord, silenceMax)
	samples := int(d * silenceSampleRate / time.Second)
	return samples * 2
}
