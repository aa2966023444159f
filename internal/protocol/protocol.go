// Package protocol defines the text messages exchanged between the voicedesk
// call client and the voice server over their shared WebSocket.
//
// Binary WebSocket messages carry audio and are not handled here: upstream
// they are raw little-endian int16 frames (see audio.EncodeFrame), downstream
// they are chunks of the encoded TTS reply.
//
// Text messages are JSON objects discriminated by a "type" field. An older
// dialect of the client and server omitted the discriminator: the client sent
// the bare literals "start" and "stop" to toggle speech recognition, and the
// server sent objects such as {"transcript": "..."} where the key that is
// present identifies the message. [ParseServer] and [ParseClient] accept both
// dialects; the encoders pick one by [Variant].
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for text messages that are neither valid JSON
// objects nor known legacy literals.
var ErrMalformed = errors.New("protocol: malformed message")

// Type discriminates JSON messages.
type Type string

// Client to server.
const (
	TypeStartListening Type = "start_listening"
	TypeStopListening  Type = "stop_listening"
	TypeTextInput      Type = "text_input"
)

// Server to client.
const (
	TypeGreeting         Type = "greeting"
	TypeListeningStarted Type = "listening_started"
	TypeTranscript       Type = "transcript"
	TypeAgentResponse    Type = "agent_response"
	TypeTTSStart         Type = "tts_start"
	TypeTTSComplete      Type = "tts_complete"
	TypeTTSError         Type = "tts_error"
	TypeError            Type = "error"
)

// Variant selects the dialect used for outgoing control messages.
type Variant string

const (
	// VariantTyped sends JSON objects with a "type" field.
	VariantTyped Variant = "typed"
	// VariantLegacy sends bare literals for start/stop.
	VariantLegacy Variant = "legacy"
)

// IsValid reports whether v is a known variant.
func (v Variant) IsValid() bool {
	return v == VariantTyped || v == VariantLegacy
}

// Legacy control literals.
const (
	LegacyStart = "start"
	LegacyStop  = "stop"
)

// Message is the union of every JSON text message. Only the fields relevant
// to Type are populated.
type Message struct {
	Type Type `json:"type"`

	// Text is the transcript, agent reply, typed input or synthesized text.
	Text string `json:"text,omitempty"`

	// Message is the human-readable body of greeting, listening_started and
	// error messages.
	Message string `json:"message,omitempty"`

	// Error is the failure description of tts_error.
	Error string `json:"error,omitempty"`

	// UserInput echoes the user turn an agent_response answers.
	UserInput string `json:"user_input,omitempty"`

	// OriginalInput echoes the user turn a tts_* message belongs to.
	OriginalInput string `json:"original_input,omitempty"`

	// ChunksSent is the number of binary audio chunks sent between tts_start
	// and tts_complete.
	ChunksSent int `json:"chunks_sent,omitempty"`

	// IsFinal marks a transcript as final. The server only sends finals.
	IsFinal bool `json:"is_final,omitempty"`
}

// MarshalJSON always emits chunks_sent on tts_complete, even when zero.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	if m.Type == TypeTTSComplete {
		return json.Marshal(struct {
			alias
			ChunksSent int `json:"chunks_sent"`
		}{alias(m), m.ChunksSent})
	}
	return json.Marshal(alias(m))
}

// Encode marshals m. It never fails for values built by this package.
func Encode(m Message) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Message only contains strings, ints and bools.
		panic(fmt.Sprintf("protocol: encode %s: %v", m.Type, err))
	}
	return b
}

// ── Client side ──────────────────────────────────────────────────────────────

// EncodeControl encodes a start/stop listening request in the given variant.
func EncodeControl(v Variant, t Type) ([]byte, error) {
	if t != TypeStartListening && t != TypeStopListening {
		return nil, fmt.Errorf("protocol: %q is not a control message", t)
	}
	if v == VariantLegacy {
		if t == TypeStartListening {
			return []byte(LegacyStart), nil
		}
		return []byte(LegacyStop), nil
	}
	return Encode(Message{Type: t}), nil
}

// legacyServer captures the key-presence dialect of server messages.
type legacyServer struct {
	Type          *string `json:"type"`
	Transcript    *string `json:"transcript"`
	AgentResponse *string `json:"agent_response"`
	Response      *string `json:"response"`
	Error         *string `json:"error"`
	IsFinal       bool    `json:"is_final"`
}

// ParseServer decodes a text message sent by the voice server.
//
// Messages without a "type" field are mapped from the legacy key-presence
// dialect: transcript → [TypeTranscript], agent_response or response →
// [TypeAgentResponse], error → [TypeError]. A legacy object with none of those
// keys yields a Message with an empty Type and the raw JSON in Text.
func ParseServer(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var legacy legacyServer
	if err := json.Unmarshal(trimmed, &legacy); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if legacy.Type != nil {
		var m Message
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	}

	switch {
	case legacy.Transcript != nil:
		return Message{Type: TypeTranscript, Text: *legacy.Transcript, IsFinal: legacy.IsFinal}, nil
	case legacy.AgentResponse != nil:
		return Message{Type: TypeAgentResponse, Text: *legacy.AgentResponse}, nil
	case legacy.Response != nil:
		return Message{Type: TypeAgentResponse, Text: *legacy.Response}, nil
	case legacy.Error != nil:
		return Message{Type: TypeError, Message: *legacy.Error}, nil
	}
	return Message{Text: string(trimmed)}, nil
}

// ── Server side ──────────────────────────────────────────────────────────────

// ParseClient decodes a text message sent by the call client. The legacy
// literals "start" and "stop" map to start_listening and stop_listening.
func ParseClient(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	switch string(trimmed) {
	case LegacyStart:
		return Message{Type: TypeStartListening}, nil
	case LegacyStop:
		return Message{Type: TypeStopListening}, nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// Greeting builds the message sent when a client connects.
func Greeting(text string) Message { return Message{Type: TypeGreeting, Message: text} }

// ListeningStarted acknowledges a start_listening request.
func ListeningStarted() Message {
	return Message{Type: TypeListeningStarted, Message: "Listening for audio..."}
}

// Transcript reports recognised user speech.
func Transcript(text string) Message { return Message{Type: TypeTranscript, Text: text, IsFinal: true} }

// AgentResponse carries the agent's reply to userInput.
func AgentResponse(text, userInput string) Message {
	return Message{Type: TypeAgentResponse, Text: text, UserInput: userInput}
}

// TTSStart announces that binary audio for text follows.
func TTSStart(text, originalInput string) Message {
	return Message{Type: TypeTTSStart, Text: text, OriginalInput: originalInput}
}

// TTSComplete ends a binary audio stream.
func TTSComplete(chunks int, originalInput string) Message {
	return Message{Type: TypeTTSComplete, ChunksSent: chunks, OriginalInput: originalInput}
}

// TTSError aborts a binary audio stream.
func TTSError(err, originalInput string) Message {
	return Message{Type: TypeTTSError, Error: err, OriginalInput: originalInput}
}

// Error reports a failure that is not tied to an audio stream.
func Error(text string) Message { return Message{Type: TypeError, Message: text} }

// InvalidFormat is the reply to a client message that could not be parsed.
func InvalidFormat() Message { return Error("Invalid message format") }
