package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// ErrDecode is wrapped by every error a [Decoder] returns for a payload it
// cannot turn into audio.
var ErrDecode = errors.New("audio: decode failed")

// Decoder turns a complete encoded payload into a playable clip.
// Implementations must be safe for concurrent use.
type Decoder interface {
	Decode(data []byte) (Clip, error)
}

// DecoderFunc adapts a function to the [Decoder] interface.
type DecoderFunc func(data []byte) (Clip, error)

// Decode calls f(data).
func (f DecoderFunc) Decode(data []byte) (Clip, error) { return f(data) }

// PayloadFormat names an encoded audio payload format.
type PayloadFormat string

const (
	PayloadMP3  PayloadFormat = "mp3"
	PayloadWAV  PayloadFormat = "wav"
	PayloadPCM  PayloadFormat = "pcm_s16le"
	PayloadAuto PayloadFormat = "auto"
)

// IsValid reports whether f is a known payload format.
func (f PayloadFormat) IsValid() bool {
	switch f {
	case PayloadMP3, PayloadWAV, PayloadPCM, PayloadAuto:
		return true
	}
	return false
}

// NewDecoder returns the decoder for format. pcmRate is the sample rate assumed
// for headerless PCM payloads; it is ignored by the other formats.
func NewDecoder(format PayloadFormat, pcmRate int) (Decoder, error) {
	switch format {
	case PayloadMP3:
		return DecoderFunc(DecodeMP3), nil
	case PayloadWAV:
		return DecoderFunc(DecodeWAV), nil
	case PayloadPCM:
		return PCMDecoder{SampleRate: pcmRate}, nil
	case PayloadAuto, "":
		return AutoDecoder{Fallback: PCMDecoder{SampleRate: pcmRate}}, nil
	default:
		return nil, fmt.Errorf("audio: unknown payload format %q", format)
	}
}

// DecodeMP3 decodes an MP3 payload. A corrupt stream that trips the
// decoder is reported as [ErrDecode].
func DecodeMP3(data []byte) (clip Clip, err error) {
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("%w: empty mp3 payload", ErrDecode)
	}
	defer recoverDecode("mp3", &err)
	s, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return Clip{}, fmt.Errorf("%w: mp3: %v", ErrDecode, err)
	}
	defer s.Close()
	return collect(s, format, "mp3")
}

// DecodeWAV decodes a RIFF/WAVE payload.
func DecodeWAV(data []byte) (clip Clip, err error) {
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("%w: empty wav payload", ErrDecode)
	}
	defer recoverDecode("wav", &err)
	s, format, err := wav.Decode(bytes.NewReader(data))
	if err != nil {
		return Clip{}, fmt.Errorf("%w: wav: %v", ErrDecode, err)
	}
	defer s.Close()
	return collect(s, format, "wav")
}

// recoverDecode turns a panic inside a third-party decoder into an error.
func recoverDecode(kind string, err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("%w: %s: decoder panic: %v", ErrDecode, kind, p)
	}
}

// PCMDecoder decodes headerless mono little-endian int16 PCM.
type PCMDecoder struct {
	SampleRate int
}

// Decode implements [Decoder].
func (d PCMDecoder) Decode(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, fmt.Errorf("%w: empty pcm payload", ErrDecode)
	}
	pcm, err := DecodeFrame(data)
	if err != nil {
		return Clip{}, fmt.Errorf("%w: pcm: %v", ErrDecode, err)
	}
	rate := d.SampleRate
	if rate <= 0 {
		rate = WireSampleRate
	}
	samples := make([][2]float64, len(pcm))
	for i, v := range pcm {
		f := float64(Int16ToFloat(v))
		samples[i] = [2]float64{f, f}
	}
	return Clip{SampleRate: rate, Samples: samples}, nil
}

// AutoDecoder picks WAV or MP3 by sniffing the payload and hands anything it
// does not recognise to Fallback. A payload sniffed as MP3 that does not
// decode is retried with Fallback too, since a frame-sync pattern is only two
// bytes and raw PCM can start with one.
type AutoDecoder struct {
	Fallback Decoder
}

// Decode implements [Decoder].
func (d AutoDecoder) Decode(data []byte) (Clip, error) {
	switch Sniff(data) {
	case PayloadWAV:
		return DecodeWAV(data)
	case PayloadMP3:
		clip, err := DecodeMP3(data)
		if err == nil || d.Fallback == nil {
			return clip, err
		}
		if fb, fbErr := d.Fallback.Decode(data); fbErr == nil {
			return fb, nil
		}
		return Clip{}, err
	}
	if d.Fallback == nil {
		return Clip{}, fmt.Errorf("%w: unrecognised payload", ErrDecode)
	}
	return d.Fallback.Decode(data)
}

// Sniff guesses the container of data from its leading bytes. It returns
// [PayloadWAV], [PayloadMP3] or the empty string.
func Sniff(data []byte) PayloadFormat {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return PayloadWAV
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return PayloadMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return PayloadMP3
	}
	return ""
}

// collect drains a beep streamer into a clip.
func collect(s beep.Streamer, format beep.Format, kind string) (Clip, error) {
	var samples [][2]float64
	buf := make([][2]float64, 1024)
	stalled := false
	for {
		n, ok := s.Stream(buf)
		samples = append(samples, buf[:n]...)
		if !ok {
			break
		}
		// A payload shorter than its header promises makes some streamers
		// report (0, true) forever.
		if n == 0 {
			stalled = true
			break
		}
	}
	if err := s.Err(); err != nil {
		return Clip{}, fmt.Errorf("%w: %s: %v", ErrDecode, kind, err)
	}
	switch {
	case len(samples) == 0 && stalled:
		return Clip{}, fmt.Errorf("%w: %s: truncated payload", ErrDecode, kind)
	case len(samples) == 0:
		return Clip{}, fmt.Errorf("%w: %s payload contains no samples", ErrDecode, kind)
	}
	return Clip{SampleRate: int(format.SampleRate), Samples: samples}, nil
}
