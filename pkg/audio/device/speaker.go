package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Speaker = (*Speaker)(nil)

// ErrSpeakerClosed is returned by [Speaker.Play] after Close.
var ErrSpeakerClosed = errors.New("device: speaker closed")

// resampleQuality is the beep resampler quality used when a clip's rate
// differs from the output rate.
const resampleQuality = 4

// Speaker plays clips on the default output device via beep's global speaker.
// Only one Speaker may be open per process.
type Speaker struct {
	rate beep.SampleRate

	mu      sync.Mutex
	closed  bool
	pending map[*func()]struct{}
}

// OpenSpeaker initialises the output device at sampleRate with a buffer of
// bufferSize of audio.
func OpenSpeaker(sampleRate int, bufferSize time.Duration) (*Speaker, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("device: invalid speaker sample rate %d", sampleRate)
	}
	if bufferSize <= 0 {
		bufferSize = 100 * time.Millisecond
	}
	rate := beep.SampleRate(sampleRate)
	if err := speaker.Init(rate, rate.N(bufferSize)); err != nil {
		return nil, fmt.Errorf("device: init speaker: %w", err)
	}
	slog.Debug("speaker opened", "sample_rate", sampleRate, "buffer", bufferSize)
	return &Speaker{rate: rate, pending: make(map[*func()]struct{})}, nil
}

// Play implements [audio.Speaker].
func (s *Speaker) Play(clip audio.Clip, done func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSpeakerClosed
	}
	var once sync.Once
	finish := func() { once.Do(done) }
	key := &finish
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	var st beep.Streamer = clip.Streamer()
	if src := beep.SampleRate(clip.SampleRate); src > 0 && src != s.rate {
		st = beep.Resample(resampleQuality, src, s.rate, st)
	}
	speaker.Play(beep.Seq(st, beep.Callback(func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		finish()
	})))
	return nil
}

// Clear implements [audio.Speaker]. Done callbacks of discarded clips run
// before Clear returns.
func (s *Speaker) Clear() {
	speaker.Clear()
	s.flush()
}

// Close implements [audio.Speaker].
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	speaker.Clear()
	speaker.Close()
	s.flush()
	slog.Debug("speaker closed")
	return nil
}

func (s *Speaker) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[*func()]struct{})
	s.mu.Unlock()
	for f := range pending {
		(*f)()
	}
}
