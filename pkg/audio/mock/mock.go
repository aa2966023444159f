// Package mock provides in-memory implementations of [audio.Microphone],
// [audio.Speaker] and [audio.Decoder] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	stream, _ := mic.Open(ctx, audio.WireFormat, onSamples)
//	mic.Feed(make([]float32, 1600)) // delivered as if from the audio thread
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by [Microphone.Open] when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// LastFormat is the format passed to the most recent Open call.
	LastFormat audio.Format

	streams []*Stream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, format audio.Format, onSamples func([]float32)) (audio.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	m.LastFormat = format
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	s := &Stream{onSamples: onSamples}
	m.streams = append(m.streams, s)
	return s, nil
}

// Feed delivers samples to the most recently opened stream, as the device
// callback would. It is a no-op if that stream has been closed.
func (m *Microphone) Feed(samples []float32) {
	m.mu.Lock()
	var s *Stream
	if len(m.streams) > 0 {
		s = m.streams[len(m.streams)-1]
	}
	m.mu.Unlock()
	if s != nil {
		s.feed(samples)
	}
}

// Streams returns every stream opened so far.
func (m *Microphone) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// Stream is the [audio.Stream] returned by [Microphone.Open].
type Stream struct {
	mu        sync.Mutex
	onSamples func([]float32)
	closed    bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

func (s *Stream) feed(samples []float32) {
	s.mu.Lock()
	cb, closed := s.onSamples, s.closed
	s.mu.Unlock()
	if !closed && cb != nil {
		cb(samples)
	}
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker]. Played clips stay
// pending until [Speaker.Finish] is called, which lets tests control when
// playback completes.
type Speaker struct {
	mu sync.Mutex

	// PlayError is returned by [Speaker.Play] when non-nil.
	PlayError error

	// AutoFinish makes Play call done immediately.
	AutoFinish bool

	// Played holds every clip passed to Play, in order.
	Played []audio.Clip

	// CallCountClear records how many times Clear was called.
	CallCountClear int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	pending []func()
}

// Play implements [audio.Speaker].
func (s *Speaker) Play(clip audio.Clip, done func()) error {
	s.mu.Lock()
	if s.PlayError != nil {
		err := s.PlayError
		s.mu.Unlock()
		return err
	}
	s.Played = append(s.Played, clip)
	if s.AutoFinish {
		s.mu.Unlock()
		done()
		return nil
	}
	s.pending = append(s.pending, done)
	s.mu.Unlock()
	return nil
}

// Finish completes every pending clip.
func (s *Speaker) Finish() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, done := range pending {
		done()
	}
}

// PlayedCount returns the number of clips passed to Play.
func (s *Speaker) PlayedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

// Clear implements [audio.Speaker]. Pending clips are completed.
func (s *Speaker) Clear() {
	s.mu.Lock()
	s.CallCountClear++
	s.mu.Unlock()
	s.Finish()
}

// Close implements [audio.Speaker].
func (s *Speaker) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.Finish()
	return nil
}

// ─── Decoder ─────────────────────────────────────────────────────────────────

// Decoder is a mock implementation of [audio.Decoder].
type Decoder struct {
	mu sync.Mutex

	// DecodeResult is returned by Decode. When its Samples are nil, a clip
	// with one sample per input byte at 16 kHz is returned instead.
	DecodeResult audio.Clip

	// DecodeError is returned by Decode when non-nil.
	DecodeError error

	// Inputs records the payload of every Decode call.
	Inputs [][]byte
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(data []byte) (audio.Clip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	d.Inputs = append(d.Inputs, cp)
	if d.DecodeError != nil {
		return audio.Clip{}, d.DecodeError
	}
	if d.DecodeResult.Samples != nil {
		return d.DecodeResult, nil
	}
	return audio.Clip{SampleRate: audio.WireSampleRate, Samples: make([][2]float64, len(data))}, nil
}

// CallCount returns the number of Decode calls.
func (d *Decoder) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Inputs)
}

// LastInput returns the payload of the most recent Decode call.
func (d *Decoder) LastInput() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Inputs) == 0 {
		return nil
	}
	return d.Inputs[len(d.Inputs)-1]
}
