// Package call implements the client side of a voicedesk voice call.
//
// A [Session] owns one connection to the voice server together with the two
// audio pipelines that run over it:
//
//   - capture: microphone → [audio.CaptureBuffer] → int16 wire frames →
//     binary WebSocket messages;
//   - playback: binary WebSocket messages between tts_start and tts_complete →
//     [audio.PlaybackQueue] → [audio.Decoder] → [audio.Speaker].
//
// Lifecycle decisions are made by the pure [Transition] function; the session
// merely performs the effects it returns. Presentation goes through a
// [UISink].
//
// All session state is owned by the goroutine running [Session.Run]. The
// microphone callback runs on the audio device's thread and communicates with
// that goroutine only through a bounded channel of filled capture blocks.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/protocol"
	"github.com/MrWong99/voicedesk/pkg/audio"
)

const (
	defaultMailboxFrames = 64
	commandBuffer        = 8
	playbackDoneBuffer   = 8
)

// Config configures a [Session].
type Config struct {
	// URL is the voice server WebSocket endpoint.
	URL string

	// Variant selects the control message dialect. Default: typed.
	Variant protocol.Variant

	// SampleRate is the capture and wire sample rate. Default: 16000.
	SampleRate int

	// FrameSamples is the number of samples per wire frame. Default: 1600.
	FrameSamples int

	// MailboxFrames bounds the number of filled capture blocks waiting for
	// the session loop. Blocks that do not fit are dropped. Default: 64.
	MailboxFrames int
}

func (c *Config) setDefaults() {
	if c.Variant == "" {
		c.Variant = protocol.VariantTyped
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.WireSampleRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = audio.FrameSamples
	}
	if c.MailboxFrames <= 0 {
		c.MailboxFrames = defaultMailboxFrames
	}
}

// SpeakerFactory opens an output device. The session calls it lazily when
// the first agent reply starts and again after a previous speaker was closed.
type SpeakerFactory func() (audio.Speaker, error)

// Option is a functional option for [New].
type Option func(*Session)

// WithDialer replaces the default coder/websocket dialer.
func WithDialer(d Dialer) Option { return func(s *Session) { s.dialer = d } }

// WithMicrophone sets the capture device. Required.
func WithMicrophone(m audio.Microphone) Option { return func(s *Session) { s.mic = m } }

// WithSpeaker sets the output device factory. Required.
func WithSpeaker(f SpeakerFactory) Option { return func(s *Session) { s.openSpeaker = f } }

// WithDecoder sets the decoder for agent audio. Default: sniffing decoder
// with a 16 kHz PCM fallback.
func WithDecoder(d audio.Decoder) Option { return func(s *Session) { s.decoder = d } }

// WithSink sets the presentation surface. Default: [LogSink].
func WithSink(u UISink) Option { return func(s *Session) { s.sink = u } }

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option { return func(s *Session) { s.metrics = m } }

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.log = l } }

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdToggle
	cmdText
	cmdHangup
)

type command struct {
	kind commandKind
	text string
}

// Session is one call. Create it with [New], drive it with [Session.Run] and
// control it from any goroutine with the command methods.
type Session struct {
	cfg         Config
	dialer      Dialer
	mic         audio.Microphone
	openSpeaker SpeakerFactory
	decoder     audio.Decoder
	sink        UISink
	metrics     *observe.Metrics
	log         *slog.Logger

	commands     chan command
	frames       chan []float32
	playbackDone chan uint64
	loopDone     chan struct{}
	done         chan struct{}

	// lateMu orders late playback callbacks against the end of the loop, so
	// decodes never grows after Run started waiting on it.
	lateMu    sync.Mutex
	loopEnded bool
	running      atomic.Bool
	state        atomic.Int32

	// Owned by the Run goroutine.
	cur     State
	conn    Conn
	capture audio.Stream
	queue   audio.PlaybackQueue
	speaker audio.Speaker
	decodes sync.WaitGroup
}

// New creates a Session. WithMicrophone and WithSpeaker are required.
func New(cfg Config, opts ...Option) (*Session, error) {
	cfg.setDefaults()
	if cfg.URL == "" {
		return nil, errors.New("call: URL must not be empty")
	}
	if !cfg.Variant.IsValid() {
		return nil, fmt.Errorf("call: unknown protocol variant %q", cfg.Variant)
	}
	s := &Session{
		cfg:          cfg,
		dialer:       WebSocketDialer{},
		sink:         LogSink{},
		commands:     make(chan command, commandBuffer),
		frames:       make(chan []float32, cfg.MailboxFrames),
		playbackDone: make(chan uint64, playbackDoneBuffer),
		loopDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.mic == nil {
		return nil, errors.New("call: a microphone is required")
	}
	if s.openSpeaker == nil {
		return nil, errors.New("call: a speaker is required")
	}
	if s.decoder == nil {
		s.decoder = audio.AutoDecoder{Fallback: audio.PCMDecoder{SampleRate: audio.WireSampleRate}}
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("url", cfg.URL)
	return s, nil
}

// State returns the current connection state. Safe for concurrent use.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when Run has returned and every resource is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// StartCapture asks the session to start streaming the microphone.
func (s *Session) StartCapture() { s.post(command{kind: cmdStart}) }

// StopCapture asks the session to stop streaming the microphone.
func (s *Session) StopCapture() { s.post(command{kind: cmdStop}) }

// ToggleCapture starts capture when idle and stops it when running.
func (s *Session) ToggleCapture() { s.post(command{kind: cmdToggle}) }

// SendText sends typed input to the agent instead of speech.
func (s *Session) SendText(text string) { s.post(command{kind: cmdText, text: text}) }

// Hangup ends the call. Run returns nil afterwards.
func (s *Session) Hangup() { s.post(command{kind: cmdHangup}) }

func (s *Session) post(c command) {
	select {
	case s.commands <- c:
	case <-s.done:
	}
}

// Run connects to the voice server and processes events until the call ends.
// It returns nil when the call ends by hangup, context cancellation or a
// normal close by the peer, and an error when the connection cannot be
// established or fails. Run may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("call: session already ran")
	}
	defer close(s.done)

	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		s.endLoop()
		s.dispatch(ctx, Event{Kind: EventTransportError, Err: "Error connecting to server"})
		return fmt.Errorf("call: connect: %w", err)
	}
	s.conn = conn
	s.log.Info("call connected")
	s.dispatch(ctx, Event{Kind: EventOpened})

	readCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(readCtx)
	inbound := make(chan Inbound)
	readErr := make(chan error, 1)
	g.Go(func() error {
		for {
			in, err := conn.Read(gctx)
			if err != nil {
				readErr <- err
				return nil
			}
			select {
			case inbound <- in:
			case <-gctx.Done():
				return nil
			}
		}
	})

	runErr := s.loop(ctx, inbound, readErr)

	s.endLoop()
	s.releaseSpeaker()
	_ = conn.Close()
	cancel()
	_ = g.Wait()
	s.decodes.Wait()
	s.log.Info("call ended", "state", s.cur.String())
	return runErr
}

func (s *Session) loop(ctx context.Context, inbound <-chan Inbound, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			s.dispatch(ctx, Event{Kind: EventClosed})
			return nil

		case c := <-s.commands:
			if s.handleCommand(ctx, c) {
				return nil
			}

		case block := <-s.frames:
			s.sendFrame(ctx, block)

		case in := <-inbound:
			s.handleInbound(ctx, in)

		case gen := <-s.playbackDone:
			s.playbackFinished(gen)

		case err := <-readErr:
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				s.dispatch(ctx, Event{Kind: EventClosed})
				return nil
			}
			s.log.Warn("call transport failed", "err", err)
			s.dispatch(ctx, Event{Kind: EventTransportError, Err: "Connection lost"})
			return fmt.Errorf("call: %w", err)
		}
	}
}

// handleCommand reports whether the loop should end.
func (s *Session) handleCommand(ctx context.Context, c command) bool {
	switch c.kind {
	case cmdStart:
		s.dispatch(ctx, Event{Kind: EventStartCapture})
	case cmdStop:
		s.dispatch(ctx, Event{Kind: EventStopCapture})
	case cmdToggle:
		if s.cur == StreamingOut {
			s.dispatch(ctx, Event{Kind: EventStopCapture})
		} else {
			s.dispatch(ctx, Event{Kind: EventStartCapture})
		}
	case cmdText:
		if !s.cur.Open() || c.text == "" {
			return false
		}
		s.sink.AppendMessage(SenderYou, c.text)
		s.writeText(ctx, protocol.Encode(protocol.Message{Type: protocol.TypeTextInput, Text: c.text}))
	case cmdHangup:
		s.dispatch(ctx, Event{Kind: EventClosed})
		return true
	}
	return false
}

// dispatch runs the state machine and performs the resulting effects.
func (s *Session) dispatch(ctx context.Context, ev Event) {
	prev := s.cur
	next, effects := Transition(prev, ev)
	s.cur = next
	s.state.Store(int32(next))
	if next != prev {
		s.log.Debug("call state changed", "from", prev.String(), "to", next.String())
	}
	for _, e := range effects {
		if !s.apply(ctx, e) {
			return
		}
	}
}

// apply performs one effect. It returns false when the remaining effects of
// the transition must be skipped.
func (s *Session) apply(ctx context.Context, e Effect) bool {
	switch e.Kind {
	case EffectEnableControl:
		s.sink.SetControl(e.Control, true)
	case EffectDisableControl:
		s.sink.SetControl(e.Control, false)
	case EffectConfigureBinary:
		if bc, ok := s.conn.(BinaryConfigurer); ok {
			bc.ConfigureBinary()
		}
	case EffectSendControl:
		t := protocol.TypeStopListening
		if e.Start {
			t = protocol.TypeStartListening
		}
		msg, err := protocol.EncodeControl(s.cfg.Variant, t)
		if err != nil {
			s.log.Error("encode control message", "err", err)
			return true
		}
		s.writeText(ctx, msg)
	case EffectStartCapture:
		if err := s.startCapture(ctx); err != nil {
			s.log.Warn("microphone unavailable", "err", err)
			s.dispatch(ctx, Event{Kind: EventCaptureFailed, Err: "Could not access microphone: " + err.Error()})
			return false
		}
	case EffectStopCapture:
		s.stopCapture()
	case EffectBeginPlayback:
		s.queue.Start()
		s.ensureSpeaker()
		s.sink.SetAgentSpeaking(true)
	case EffectFinishPlayback:
		s.finishPlayback(ctx, e.Count)
	case EffectAbortPlayback:
		n := s.queue.Cancel()
		s.log.Info("agent audio stream aborted", "discarded_chunks", n, "reason", e.Text)
		s.sink.AppendMessage(SenderError, e.Text)
		s.sink.SetAgentSpeaking(false)
	case EffectDiscardBuffers:
		s.queue.Cancel()
		s.drainFrames()
		if s.speaker != nil {
			s.speaker.Clear()
		}
	case EffectResetControls:
		s.sink.SetControl(ControlStart, false)
		s.sink.SetControl(ControlStop, false)
		s.sink.SetAgentSpeaking(false)
	case EffectSetStatus:
		s.sink.SetStatus(e.Text)
	case EffectSurfaceError:
		s.sink.SetStatus("Error: " + e.Text)
		s.sink.AppendMessage(SenderError, e.Text)
	}
	return true
}

func (s *Session) writeText(ctx context.Context, msg []byte) {
	if s.conn == nil {
		return
	}
	if err := s.conn.WriteText(ctx, msg); err != nil {
		s.log.Warn("send control message", "err", err)
	}
}

// ── Capture ──────────────────────────────────────────────────────────────────

func (s *Session) startCapture(ctx context.Context) error {
	if s.capture != nil {
		return nil
	}
	buf := audio.NewCaptureBuffer(s.cfg.FrameSamples)
	var warned atomic.Bool
	format := audio.Format{SampleRate: s.cfg.SampleRate, Channels: 1}

	stream, err := s.mic.Open(ctx, format, func(samples []float32) {
		buf.Write(samples, func(block []float32) {
			select {
			case s.frames <- block:
			default:
				s.metrics.RecordFrameDropped(context.Background(), observe.DropMailboxFull)
				if warned.CompareAndSwap(false, true) {
					s.log.Warn("capture mailbox full, dropping frames", "capacity", s.cfg.MailboxFrames)
				}
			}
		})
	})
	if err != nil {
		return err
	}
	s.capture = stream
	s.log.Info("capture started", "sample_rate", format.SampleRate, "frame_samples", s.cfg.FrameSamples)
	return nil
}

// stopCapture releases the microphone. The partially filled block dies with
// the capture callback; it is never sent.
func (s *Session) stopCapture() {
	if s.capture == nil {
		return
	}
	if err := s.capture.Close(); err != nil {
		s.log.Warn("release microphone", "err", err)
	}
	s.capture = nil
	s.log.Info("capture stopped")
}

func (s *Session) drainFrames() {
	for {
		select {
		case <-s.frames:
			s.metrics.RecordFrameDropped(context.Background(), observe.DropNotConnected)
		default:
			return
		}
	}
}

// sendFrame converts a capture block and sends it when the transport is
// open. Otherwise the frame is dropped.
func (s *Session) sendFrame(ctx context.Context, block []float32) {
	if !s.cur.Open() || s.conn == nil {
		s.metrics.RecordFrameDropped(ctx, observe.DropNotConnected)
		s.log.Debug("transport not open, dropping capture frame")
		return
	}
	if err := s.conn.WriteBinary(ctx, audio.EncodeFrame(block)); err != nil {
		s.log.Warn("send capture frame", "err", err)
		return
	}
	s.metrics.FramesSent.Add(ctx, 1)
}

// ── Playback ─────────────────────────────────────────────────────────────────

func (s *Session) handleInbound(ctx context.Context, in Inbound) {
	if in.Binary {
		if !s.queue.Append(in.Data) {
			s.metrics.RecordFrameDropped(ctx, observe.DropNotStreaming)
			s.log.Debug("audio chunk outside of a stream, dropping", "bytes", len(in.Data))
		}
		return
	}

	msg, err := protocol.ParseServer(in.Data)
	if err != nil {
		s.log.Warn("unparseable server message", "err", err)
		s.sink.AppendMessage(SenderError, "Could not parse server response")
		return
	}

	switch msg.Type {
	case protocol.TypeTranscript:
		s.sink.AppendMessage(SenderYou, msg.Text)
	case protocol.TypeAgentResponse:
		s.sink.AppendMessage(SenderAgent, msg.Text)
	case protocol.TypeTTSStart:
		s.dispatch(ctx, Event{Kind: EventStreamStart})
	case protocol.TypeTTSComplete:
		s.dispatch(ctx, Event{Kind: EventStreamComplete, Count: msg.ChunksSent})
	case protocol.TypeTTSError:
		s.dispatch(ctx, Event{Kind: EventStreamError, Err: "Audio stream failed: " + msg.Error})
	case protocol.TypeError:
		s.sink.AppendMessage(SenderError, msg.Message)
	case protocol.TypeGreeting, protocol.TypeListeningStarted:
		s.sink.AppendMessage(SenderSystem, msg.Message)
	default:
		s.sink.AppendMessage(SenderSystem, string(in.Data))
	}
}

func (s *Session) ensureSpeaker() {
	if s.speaker != nil {
		return
	}
	sp, err := s.openSpeaker()
	if err != nil {
		s.log.Warn("open audio output", "err", err)
		s.sink.AppendMessage(SenderError, "Could not open audio output: "+err.Error())
		return
	}
	s.speaker = sp
}

func (s *Session) releaseSpeaker() {
	if s.speaker == nil {
		return
	}
	s.speaker.Clear()
	if err := s.speaker.Close(); err != nil {
		s.log.Warn("close audio output", "err", err)
	}
	s.speaker = nil
}

// finishPlayback drains the queue and decodes the snapshot in the background.
// The snapshot is private to the decode goroutine, so a new stream may start
// while it runs.
func (s *Session) finishPlayback(ctx context.Context, reported int) {
	snap := s.queue.Complete()
	if reported > 0 && reported != snap.Chunks {
		s.log.Warn("agent audio chunk count mismatch", "reported", reported, "received", snap.Chunks)
	}
	if snap.Data == nil {
		s.playbackFinished(snap.Generation)
		return
	}
	s.ensureSpeaker()
	sp := s.speaker
	s.decodes.Go(func() {
		s.decodeAndPlay(ctx, snap, sp)
	})
}

func (s *Session) decodeAndPlay(ctx context.Context, snap audio.Snapshot, sp audio.Speaker) {
	clip, err := s.decoder.Decode(snap.Data)
	if err != nil {
		s.metrics.DecodeErrors.Add(ctx, 1)
		s.log.Warn("decode agent audio", "bytes", len(snap.Data), "chunks", snap.Chunks, "err", err)
		s.sink.AppendMessage(SenderError, "Could not play agent audio: "+err.Error())
		s.postPlaybackDone(snap.Generation)
		return
	}
	s.metrics.ClipDuration.Record(ctx, clip.Duration().Seconds())

	if sp == nil {
		s.postPlaybackDone(snap.Generation)
		return
	}
	if err := sp.Play(clip, func() { s.postPlaybackDone(snap.Generation) }); err != nil {
		s.log.Warn("play agent audio", "err", err)
		s.postPlaybackDone(snap.Generation)
	}
}

// postPlaybackDone may run on the loop goroutine itself when a speaker
// flushes pending callbacks from Clear, so it must never block there.
func (s *Session) postPlaybackDone(gen uint64) {
	select {
	case s.playbackDone <- gen:
		return
	case <-s.loopDone:
		return
	default:
	}

	s.lateMu.Lock()
	defer s.lateMu.Unlock()
	if s.loopEnded {
		return
	}
	s.decodes.Go(func() {
		select {
		case s.playbackDone <- gen:
		case <-s.loopDone:
		}
	})
}

// endLoop marks the event loop as finished. Playback callbacks arriving
// afterwards are discarded.
func (s *Session) endLoop() {
	s.lateMu.Lock()
	s.loopEnded = true
	close(s.loopDone)
	s.lateMu.Unlock()
}

// playbackFinished clears the speaking indicator unless a newer stream has
// begun since gen started.
func (s *Session) playbackFinished(gen uint64) {
	if gen == s.queue.Generation() && !s.queue.Streaming() {
		s.sink.SetAgentSpeaking(false)
	}
}
