// Package stt defines the Provider interface for Speech-to-Text backends.
//
// The voice server opens one streaming session per listening period, feeds it
// the caller's PCM frames and turns every final transcript into an agent turn.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrClosed is returned by SendAudio after the session was closed.
var ErrClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The call client sends 16000.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag. Empty lets the provider decide.
	Language string

	// Keywords are vocabulary hints such as product or store names.
	Keywords []string
}

// Transcript is one recognised utterance.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// SessionHandle is an open streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of int16 little-endian PCM. Calling it after
	// Close returns [ErrClosed].
	SendAudio(chunk []byte) error

	// Finals emits authoritative transcripts. The channel is closed when the
	// session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio and releases the session. Calling Close
	// more than once is safe.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new session. The caller owns the handle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
