package audio_test

import (
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// wavBytes builds a canonical 44-byte-header mono 16-bit PCM WAV file.
func wavBytes(rate int, samples []int16) []byte {
	data := samplesToBytes(samples)
	buf := make([]byte, 44+len(data))
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+len(data)))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(rate*2))
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(len(data)))
	copy(buf[44:], data)
	return buf
}

func TestPCMDecoder(t *testing.T) {
	clip, err := audio.PCMDecoder{SampleRate: 22050}.Decode(samplesToBytes([]int16{32767, -32767, 0}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.SampleRate != 22050 {
		t.Errorf("sample rate: got %d, want 22050", clip.SampleRate)
	}
	if len(clip.Samples) != 3 {
		t.Fatalf("samples: got %d, want 3", len(clip.Samples))
	}
	if clip.Samples[0] != [2]float64{1, 1} {
		t.Errorf("sample 0: got %v, want [1 1]", clip.Samples[0])
	}
	if clip.Samples[1] != [2]float64{-1, -1} {
		t.Errorf("sample 1: got %v, want [-1 -1]", clip.Samples[1])
	}
}

func TestPCMDecoder_DefaultsToWireRate(t *testing.T) {
	clip, err := audio.PCMDecoder{}.Decode(make([]byte, audio.FrameSamples*2))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.SampleRate != audio.WireSampleRate {
		t.Errorf("sample rate: got %d, want %d", clip.SampleRate, audio.WireSampleRate)
	}
	if got := clip.Duration().Milliseconds(); got != 100 {
		t.Errorf("duration: got %dms, want 100ms", got)
	}
}

func TestDecoders_RejectMalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		dec  audio.Decoder
		data []byte
	}{
		{name: "pcm empty", dec: audio.PCMDecoder{}, data: nil},
		{name: "pcm odd", dec: audio.PCMDecoder{}, data: []byte{1, 2, 3}},
		{name: "wav garbage", dec: audio.DecoderFunc(audio.DecodeWAV), data: []byte("definitely not a wav file")},
		{name: "wav empty", dec: audio.DecoderFunc(audio.DecodeWAV), data: nil},
		{name: "mp3 empty", dec: audio.DecoderFunc(audio.DecodeMP3), data: nil},
		{name: "auto without fallback", dec: audio.AutoDecoder{}, data: []byte("????")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.dec.Decode(tc.data)
			if !errors.Is(err, audio.ErrDecode) {
				t.Errorf("got %v, want error wrapping ErrDecode", err)
			}
		})
	}
}

func TestDecodeWAV(t *testing.T) {
	clip, err := audio.DecodeWAV(wavBytes(16000, []int16{0, 16000, -16000, 32767}))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if clip.SampleRate != 16000 {
		t.Errorf("sample rate: got %d, want 16000", clip.SampleRate)
	}
	if len(clip.Samples) != 4 {
		t.Fatalf("samples: got %d, want 4", len(clip.Samples))
	}
	if clip.Samples[1][0] <= 0 || clip.Samples[2][0] >= 0 {
		t.Errorf("sample signs wrong: %v", clip.Samples)
	}
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want audio.PayloadFormat
	}{
		{name: "wav", data: wavBytes(8000, []int16{1}), want: audio.PayloadWAV},
		{name: "id3", data: []byte("ID3\x04\x00"), want: audio.PayloadMP3},
		{name: "mpeg sync", data: []byte{0xFF, 0xFB, 0x90, 0x00}, want: audio.PayloadMP3},
		{name: "pcm", data: samplesToBytes([]int16{1, 2}), want: ""},
		{name: "short", data: []byte{0xFF}, want: ""},
	}
	for _, tc := range tests {
		if got := audio.Sniff(tc.data); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestAutoDecoder_FallsBackForRawPCM(t *testing.T) {
	dec, err := audio.NewDecoder(audio.PayloadAuto, 24000)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	clip, err := dec.Decode(samplesToBytes([]int16{100, 200}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.SampleRate != 24000 || len(clip.Samples) != 2 {
		t.Errorf("got rate %d samples %d, want 24000 and 2", clip.SampleRate, len(clip.Samples))
	}
}

func TestNewDecoder_UnknownFormat(t *testing.T) {
	if _, err := audio.NewDecoder("ogg", 0); err == nil {
		t.Error("expected error for unknown format")
	}
	if audio.PayloadFormat("ogg").IsValid() {
		t.Error("IsValid(ogg): got true")
	}
}

func TestClip_StreamerPlaysOnce(t *testing.T) {
	clip := audio.Clip{SampleRate: 8000, Samples: [][2]float64{{1, 1}, {2, 2}, {3, 3}}}
	s := clip.Streamer()
	buf := make([][2]float64, 2)

	n, ok := s.Stream(buf)
	if n != 2 || !ok {
		t.Fatalf("first Stream: got (%d, %v), want (2, true)", n, ok)
	}
	n, ok = s.Stream(buf)
	if n != 1 || !ok {
		t.Fatalf("second Stream: got (%d, %v), want (1, true)", n, ok)
	}
	if _, ok = s.Stream(buf); ok {
		t.Error("third Stream: got ok=true after exhaustion")
	}
}

func TestAutoDecoder_CorruptMP3IsAnError(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	dec := audio.AutoDecoder{}
	for i := range 1000 {
		data := make([]byte, 64+rng.IntN(4096))
		for j := range data {
			data[j] = byte(rng.Uint32())
		}
		data[0], data[1] = 0xFF, 0xFB

		_, err := dec.Decode(data)
		if err != nil && !errors.Is(err, audio.ErrDecode) {
			t.Fatalf("payload %d (%d bytes): got %v, want nil or ErrDecode", i, len(data), err)
		}
	}
}

func TestDecodeWAV_TruncatedData(t *testing.T) {
	hdr := wavBytes(16000, nil)
	binary.LittleEndian.PutUint32(hdr[4:], 36+4096)
	binary.LittleEndian.PutUint32(hdr[40:], 4096)

	errc := make(chan error, 1)
	go func() {
		_, err := audio.DecodeWAV(hdr)
		errc <- err
	}()
	select {
	case err := <-errc:
		if !errors.Is(err, audio.ErrDecode) {
			t.Errorf("got %v, want error wrapping ErrDecode", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DecodeWAV did not return for a header without data")
	}
}

func TestAutoDecoder_PCMWithSyncLikeStart(t *testing.T) {
	// 0xE0FF is stored as FF E0, which looks like an MPEG frame sync.
	pcm := samplesToBytes([]int16{int16(-7937), 12, 300, -300})
	if audio.Sniff(pcm) != audio.PayloadMP3 {
		t.Fatalf("Sniff: payload no longer looks like mp3, test is moot")
	}

	clip, err := audio.AutoDecoder{Fallback: audio.PCMDecoder{SampleRate: 16000}}.Decode(pcm)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if clip.SampleRate != 16000 || len(clip.Samples) != 4 {
		t.Errorf("got rate %d samples %d, want 16000 and 4", clip.SampleRate, len(clip.Samples))
	}
}
