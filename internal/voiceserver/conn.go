package voiceserver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/protocol"
	"github.com/MrWong99/voicedesk/pkg/audio"
	"github.com/MrWong99/voicedesk/pkg/provider/stt"
)

// pendingInputs bounds the user turns queued behind the one being answered.
const pendingInputs = 8

// conn is one caller. The read loop owns the socket's reader; turns run one
// at a time on the turn loop so replies never interleave.
type conn struct {
	srv      *Server
	ws       *websocket.Conn
	settings Settings
	id       string
	log      *slog.Logger

	inputs chan userInput

	mu         sync.Mutex
	speech     stt.SessionHandle
	sttFailed  bool
	forwarders sync.WaitGroup
}

func newConn(s *Server, ws *websocket.Conn, set Settings) *conn {
	id := uuid.NewString()
	return &conn{
		srv:      s,
		ws:       ws,
		settings: set,
		id:       id,
		log:      s.log.With("conversation_id", id),
		inputs:   make(chan userInput, pendingInputs),
	}
}

func (c *conn) serve(ctx context.Context) {
	defer c.ws.CloseNow()

	c.srv.metrics.ActiveConnections.Add(ctx, 1)
	defer c.srv.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)

	if _, err := c.srv.store.CreateOrUpdateConversation(ctx, c.id); err != nil {
		c.log.Warn("voiceserver: create conversation", "err", err)
	}
	c.log.Info("voiceserver: caller connected")

	if err := c.send(ctx, protocol.Greeting(c.settings.Greeting)); err != nil {
		c.log.Debug("voiceserver: send greeting", "err", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.turnLoop(gctx) })
	err := g.Wait()

	c.closeSpeech()
	c.forwarders.Wait()

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		c.log.Info("voiceserver: caller disconnected")
	case ctx.Err() != nil:
		c.log.Info("voiceserver: connection closed by server")
	default:
		c.log.Info("voiceserver: connection lost", "err", err)
	}
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		case websocket.MessageText:
			if err := c.handleText(ctx, data); err != nil {
				return err
			}
		}
	}
}

func (c *conn) turnLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-c.inputs:
			c.turn(ctx, in)
		}
	}
}

// userInput is one caller utterance waiting for its turn.
type userInput struct {
	text   string
	source string // "speech" or "text"
}

func (c *conn) enqueue(ctx context.Context, in userInput) {
	select {
	case c.inputs <- in:
	case <-ctx.Done():
	}
}

func (c *conn) send(ctx context.Context, m protocol.Message) error {
	return c.ws.Write(ctx, websocket.MessageText, protocol.Encode(m))
}

// handleText dispatches a control message. Only socket write failures are
// returned.
func (c *conn) handleText(ctx context.Context, data []byte) error {
	m, err := protocol.ParseClient(data)
	if err != nil {
		c.log.Debug("voiceserver: bad client message", "err", err)
		return c.send(ctx, protocol.InvalidFormat())
	}

	switch m.Type {
	case protocol.TypeStartListening:
		c.mu.Lock()
		c.sttFailed = false
		c.mu.Unlock()
		if err := c.send(ctx, protocol.ListeningStarted()); err != nil {
			return err
		}
		if c.srv.stt == nil {
			return c.send(ctx, protocol.Error("Speech recognition error: speech input is not available"))
		}
		c.ensureSpeech(ctx)
	case protocol.TypeStopListening:
		c.closeSpeech()
	case protocol.TypeTextInput:
		if text := strings.TrimSpace(m.Text); text != "" {
			c.enqueue(ctx, userInput{text: text, source: "text"})
		}
	default:
		c.log.Debug("voiceserver: ignoring message", "type", m.Type)
	}
	return nil
}

func (c *conn) handleAudio(ctx context.Context, frame []byte) {
	if len(frame)%2 != 0 {
		c.log.Debug("voiceserver: dropping frame with a partial sample", "bytes", len(frame))
		c.srv.metrics.RecordFrameDropped(ctx, observe.DropMalformed)
		return
	}
	sess := c.ensureSpeech(ctx)
	if sess == nil {
		return
	}
	if rate := c.settings.SampleRate; rate > 0 && rate != audio.WireSampleRate {
		frame = audio.ResampleMono16(frame, audio.WireSampleRate, rate)
	}
	if err := sess.SendAudio(frame); err != nil && !errors.Is(err, stt.ErrClosed) {
		c.log.Warn("voiceserver: send audio to stt", "err", err)
		c.srv.metrics.RecordProviderError(ctx, "stt", "stt")
		c.failSpeech(ctx, err)
	}
}

// ensureSpeech returns the open STT session, opening one if needed. It
// returns nil when speech input is unavailable or the last attempt failed.
func (c *conn) ensureSpeech(ctx context.Context) stt.SessionHandle {
	c.mu.Lock()
	if c.speech != nil || c.srv.stt == nil || c.sttFailed {
		sess := c.speech
		c.mu.Unlock()
		return sess
	}
	sess, err := c.srv.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: c.settings.SampleRate,
		Channels:   1,
		Language:   c.settings.Language,
	})
	if err != nil {
		c.sttFailed = true
		c.mu.Unlock()
		c.log.Warn("voiceserver: start stt session", "err", err)
		c.srv.metrics.RecordProviderRequest(ctx, "stt", "stt", "error")
		c.srv.metrics.RecordProviderError(ctx, "stt", "stt")
		_ = c.send(ctx, protocol.Error("Speech recognition error: "+err.Error()))
		return nil
	}
	c.speech = sess
	c.mu.Unlock()

	c.srv.metrics.RecordProviderRequest(ctx, "stt", "stt", "ok")
	c.log.Debug("voiceserver: stt session opened")
	c.forwarders.Go(func() { c.forwardFinals(ctx, sess) })
	return sess
}

// forwardFinals turns every final transcript of sess into a user turn. It
// returns when the session's Finals channel closes.
func (c *conn) forwardFinals(ctx context.Context, sess stt.SessionHandle) {
	for tr := range sess.Finals() {
		text := strings.TrimSpace(tr.Text)
		if text == "" {
			continue
		}
		if err := c.send(ctx, protocol.Transcript(text)); err != nil {
			c.log.Debug("voiceserver: send transcript", "err", err)
		}
		c.enqueue(ctx, userInput{text: text, source: "speech"})
	}
}

func (c *conn) failSpeech(ctx context.Context, err error) {
	c.detachSpeech(true)
	_ = c.send(ctx, protocol.Error("Speech recognition error: "+err.Error()))
}

// closeSpeech closes the open STT session, if any. Finals the provider
// flushes on close are still forwarded.
func (c *conn) closeSpeech() { c.detachSpeech(false) }

func (c *conn) detachSpeech(failed bool) {
	c.mu.Lock()
	sess := c.speech
	c.speech = nil
	c.sttFailed = failed
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		c.log.Debug("voiceserver: close stt session", "err", err)
	}
}
