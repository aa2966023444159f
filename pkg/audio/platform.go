// Package audio holds the PCM primitives shared by the voicedesk call client
// and voice server.
//
// The capture side turns device sample blocks into fixed-size wire frames:
//
//   - [CaptureBuffer] accumulates float samples and emits full blocks.
//   - [EncodeFrame] converts an emitted block into little-endian int16 bytes.
//
// The playback side reassembles streamed TTS audio:
//
//   - [PlaybackQueue] accumulates binary chunks between stream start and
//     completion and hands out one contiguous snapshot.
//   - [Decoder] turns that snapshot into a playable [Clip].
//
// Hardware access is kept behind the [Microphone] and [Speaker] interfaces.
// Implementations backed by real devices live in audio/device; in-memory
// doubles live in audio/mock.
package audio

import "context"

// Microphone opens capture streams on an input device.
type Microphone interface {
	// Open starts capturing mono float samples at format.SampleRate.
	//
	// onSamples is invoked on the device's audio thread with each block the
	// device delivers. The slice is only valid for the duration of the call;
	// callers that keep samples must copy them. Block sizes are chosen by the
	// device and are usually much smaller than a wire frame.
	//
	// Open returns an error if the device cannot be acquired (missing
	// hardware, permission denied). No samples are delivered in that case.
	Open(ctx context.Context, format Format, onSamples func([]float32)) (Stream, error)
}

// Stream is an open capture stream. Close stops the device and releases it.
// Close is idempotent.
type Stream interface {
	Close() error
}

// Speaker plays decoded clips on an output device.
//
// Implementations must be safe for concurrent use: Play is called from the
// decode goroutine while Clear and Close are called from the session loop.
type Speaker interface {
	// Play starts playback of clip and returns immediately. done is called
	// exactly once, after the last sample has been rendered or after Clear
	// or Close discarded the clip.
	Play(clip Clip, done func()) error

	// Clear drops every clip that is still playing or queued.
	Clear()

	// Close releases the output device. A closed Speaker must not be reused.
	Close() error
}
