package audio

// CaptureBuffer accumulates microphone samples into fixed-size blocks.
//
// Samples are appended at the write position. Each time the position reaches
// capacity the whole block is emitted and the position resets to zero, so the
// buffer never holds more than Cap samples. A block that has not filled up
// when capture stops is discarded by [CaptureBuffer.Reset]; a short trailing
// frame is never sent.
//
// A CaptureBuffer is owned by the audio callback that feeds it and is not
// safe for concurrent use.
type CaptureBuffer struct {
	buf []float32
	pos int
}

// NewCaptureBuffer returns an empty buffer holding capacity samples.
// A non-positive capacity selects [FrameSamples].
func NewCaptureBuffer(capacity int) *CaptureBuffer {
	if capacity <= 0 {
		capacity = FrameSamples
	}
	return &CaptureBuffer{buf: make([]float32, capacity)}
}

// Write appends samples and calls emit once for every block that fills up.
// emit receives a fresh copy it may keep or hand to another goroutine.
// Input blocks larger than the remaining space are split across blocks.
// Write returns the number of blocks emitted.
func (b *CaptureBuffer) Write(samples []float32, emit func([]float32)) int {
	emitted := 0
	for len(samples) > 0 {
		n := copy(b.buf[b.pos:], samples)
		b.pos += n
		samples = samples[n:]
		if b.pos < len(b.buf) {
			break
		}
		block := make([]float32, len(b.buf))
		copy(block, b.buf)
		b.pos = 0
		emitted++
		if emit != nil {
			emit(block)
		}
	}
	return emitted
}

// Len returns the number of samples waiting for the current block to fill.
func (b *CaptureBuffer) Len() int { return b.pos }

// Cap returns the block size.
func (b *CaptureBuffer) Cap() int { return len(b.buf) }

// Reset drops any partial block.
func (b *CaptureBuffer) Reset() { b.pos = 0 }
