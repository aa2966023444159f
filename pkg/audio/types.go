package audio

import (
	"time"

	"github.com/faiface/beep"
)

const (
	// WireSampleRate is the sample rate of every frame sent over the call
	// transport.
	WireSampleRate = 16000

	// FrameSamples is the number of samples in one wire frame: 100 ms of
	// mono audio at [WireSampleRate].
	FrameSamples = 1600
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// WireFormat is the mono 16 kHz format used on the call transport.
var WireFormat = Format{SampleRate: WireSampleRate, Channels: 1}

// Clip is a fully decoded piece of audio ready for playback.
// Samples are stereo pairs in [-1, 1]; mono sources are duplicated into both
// channels.
type Clip struct {
	SampleRate int
	Samples    [][2]float64
}

// Duration reports how long the clip plays at its own sample rate.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Streamer returns a [beep.Streamer] that plays the clip once from the start.
func (c Clip) Streamer() beep.Streamer {
	return &clipStreamer{samples: c.Samples}
}

type clipStreamer struct {
	samples [][2]float64
	pos     int
}

func (s *clipStreamer) Stream(out [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy(out, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *clipStreamer) Err() error { return nil }
