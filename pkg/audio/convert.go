package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// maxInt16 is the scale factor between float samples and int16 PCM.
const maxInt16 = 32767

// FloatToInt16 converts a float sample in [-1, 1] to int16 PCM by scaling with
// 32767 and truncating toward zero. Out-of-range input is clamped first, so
// 1.0 maps to 32767 and -1.0 to -32767; values beyond the range never wrap
// around to the opposite sign.
func FloatToInt16(x float32) int16 {
	switch {
	case math.IsNaN(float64(x)):
		return 0
	case x > 1:
		x = 1
	case x < -1:
		x = -1
	}
	return int16(x * maxInt16)
}

// Int16ToFloat is the inverse of [FloatToInt16] for in-range values.
func Int16ToFloat(s int16) float32 {
	return float32(s) / maxInt16
}

// EncodeFrame converts float samples into a wire frame: little-endian int16,
// two bytes per sample, no header.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// DecodeFrame parses a little-endian int16 wire frame. It returns an error
// for an odd byte count.
func DecodeFrame(frame []byte) ([]int16, error) {
	if len(frame)%2 != 0 {
		return nil, fmt.Errorf("audio: odd frame length %d", len(frame))
	}
	out := make([]int16, len(frame)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	return out, nil
}

// ResampleMono16 converts a mono wire frame from srcRate to dstRate by linear
// interpolation between neighbouring samples. Invalid or equal rates and
// frames shorter than one sample are returned as they are. A trailing odd
// byte is ignored.
func ResampleMono16(frame []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(frame) < 2 {
		return frame
	}
	in, _ := DecodeFrame(frame[:len(frame)&^1])
	n := len(in) * dstRate / srcRate
	if n == 0 {
		return nil
	}

	out := make([]byte, 2*n)
	step := float64(srcRate) / float64(dstRate)
	last := len(in) - 1
	for i := range n {
		pos := float64(i) * step
		j := int(pos)
		a, b := float64(in[j]), float64(in[min(j+1, last)])
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(a+(b-a)*(pos-float64(j)))))
	}
	return out
}
