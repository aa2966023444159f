// Package device provides [audio.Microphone] and [audio.Speaker]
// implementations backed by the host's sound hardware.
//
// Capture goes through miniaudio (github.com/gen2brain/malgo); playback goes
// through github.com/faiface/beep/speaker. Both need cgo and a working audio
// backend (ALSA/PulseAudio on Linux, CoreAudio on macOS, WASAPI on Windows).
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Microphone = (*Microphone)(nil)

// Microphone captures mono float32 samples from the default input device.
type Microphone struct {
	backends []malgo.Backend
	debug    bool
}

// MicOption is a functional option for [NewMicrophone].
type MicOption func(*Microphone)

// WithBackends restricts miniaudio to the listed backends. By default the
// backend is auto-selected.
func WithBackends(backends ...malgo.Backend) MicOption {
	return func(m *Microphone) { m.backends = backends }
}

// WithDeviceLog forwards miniaudio's internal log messages to slog at debug
// level.
func WithDeviceLog() MicOption {
	return func(m *Microphone) { m.debug = true }
}

// NewMicrophone returns a Microphone. No device is touched until Open.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone]. It initialises a miniaudio context and a
// capture device in F32 mono at format.SampleRate and starts it. onSamples runs
// on miniaudio's audio thread.
func (m *Microphone) Open(_ context.Context, format audio.Format, onSamples func([]float32)) (audio.Stream, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = audio.WireSampleRate
	}

	mctx, err := malgo.InitContext(m.backends, malgo.ContextConfig{}, func(message string) {
		if m.debug {
			slog.Debug("miniaudio", "message", message)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("device: init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	var scratch []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			scratch = bytesToFloat32(scratch[:0], input)
			onSamples(scratch)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("device: open capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("device: start capture: %w", err)
	}

	slog.Debug("microphone opened", "sample_rate", format.SampleRate)
	return &micStream{ctx: mctx, dev: dev}, nil
}

type micStream struct {
	once sync.Once
	ctx  *malgo.AllocatedContext
	dev  *malgo.Device
}

// Close stops the device and releases the miniaudio context.
func (s *micStream) Close() error {
	var err error
	s.once.Do(func() {
		if stopErr := s.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("device: stop capture: %w", stopErr)
		}
		s.dev.Uninit()
		if uninitErr := s.ctx.Uninit(); uninitErr != nil && err == nil {
			err = fmt.Errorf("device: release audio context: %w", uninitErr)
		}
		s.ctx.Free()
		slog.Debug("microphone released")
	})
	return err
}

// bytesToFloat32 decodes little-endian IEEE-754 float32 samples from b and
// appends them to dst.
func bytesToFloat32(dst []float32, b []byte) []float32 {
	for i := 0; i+3 < len(b); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
	}
	return dst
}
