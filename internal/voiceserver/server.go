// Package voiceserver is the WebSocket peer the call client talks to.
//
// Every connection is one support conversation. Binary messages carry the
// caller's 16 kHz int16 PCM and feed a lazily opened speech-to-text session;
// text messages are JSON control messages (see the protocol package). Each
// final transcript or typed input runs one agent turn: the reply is produced
// by the responder, persisted, sent as agent_response and spoken back as a
// stream of binary TTS chunks framed by tts_start and tts_complete.
//
// When the responder's reply contains the escalation marker, the marker is
// stripped from what the caller hears and a support ticket is opened with
// the conversation so far.
package voiceserver

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/pkg/provider/llm"
	"github.com/MrWong99/voicedesk/pkg/provider/stt"
	"github.com/MrWong99/voicedesk/pkg/provider/tts"
	"github.com/MrWong99/voicedesk/pkg/store"
)

// Responder sampling parameters.
const (
	Temperature = 0.3
	MaxTokens   = 1500
)

// maxMessageBytes caps a single WebSocket message from the caller.
const maxMessageBytes = 1 << 20

// Store is the persistence the server needs.
type Store interface {
	store.ConversationStore
	store.MessageStore
	store.TicketStore
}

// Settings are the per-connection agent parameters. They can be swapped at
// runtime with [Server.SetSettings]; open connections keep the settings they
// started with.
type Settings struct {
	// Greeting is sent when a caller connects.
	Greeting string

	// SystemPrompt replaces the built-in persona when non-empty.
	SystemPrompt string

	// EscalationKeyword marks replies that should open a ticket. Empty
	// disables escalation.
	EscalationKeyword string

	// SampleRate and Language are passed to the STT session. Caller frames
	// arrive at the wire rate and are resampled when SampleRate differs.
	SampleRate int
	Language   string

	// Voice selects the TTS voice.
	Voice tts.Voice
}

// Server accepts voice connections. Create one with [New].
type Server struct {
	store     Store
	responder llm.Provider
	stt       stt.Provider
	tts       tts.Provider
	metrics   *observe.Metrics
	log       *slog.Logger

	settings atomic.Pointer[Settings]
	conns    sync.WaitGroup
}

// Option configures a [Server].
type Option func(*Server)

// WithSTT enables speech input. Without it only text_input turns work.
func WithSTT(p stt.Provider) Option {
	return func(s *Server) { s.stt = p }
}

// WithTTS enables spoken replies. Without it replies are text only.
func WithTTS(p tts.Provider) Option {
	return func(s *Server) { s.tts = p }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSettings sets the initial agent settings.
func WithSettings(set Settings) Option {
	return func(s *Server) { s.settings.Store(&set) }
}

// New returns a server that answers callers with responder and keeps the
// conversation in st.
func New(st Store, responder llm.Provider, opts ...Option) *Server {
	s := &Server{
		store:     st,
		responder: responder,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
	}
	s.settings.Store(&Settings{SampleRate: 16000})
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetSettings replaces the agent settings for new connections.
func (s *Server) SetSettings(set Settings) {
	s.settings.Store(&set)
}

// Settings returns the settings new connections will use.
func (s *Server) Settings() Settings {
	return *s.settings.Load()
}

// Register mounts the voice endpoint at /ws and its alias /ws/chat.
func (s *Server) Register(r chi.Router) {
	r.Get("/ws", s.ServeHTTP)
	r.Get("/ws/chat", s.ServeHTTP)
}

// ServeHTTP upgrades the request and serves the connection until either
// side closes it or the request context ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("voiceserver: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	s.conns.Add(1)
	defer s.conns.Done()

	c := newConn(s, ws, *s.settings.Load())
	c.log = c.log.With("remote", r.RemoteAddr)
	if domain := r.URL.Query().Get("store_domain"); domain != "" {
		c.log = c.log.With("store_domain", domain)
	}
	c.serve(r.Context())
}

// Wait blocks until every open connection has finished.
func (s *Server) Wait() {
	s.conns.Wait()
}
