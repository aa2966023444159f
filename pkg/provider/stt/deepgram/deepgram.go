// Package deepgram transcribes caller audio with the Deepgram live streaming
// API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicedesk/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// DefaultKeepAlive is how long a session may go without audio before a
	// KeepAlive message is sent. Deepgram drops streams after about ten
	// silent seconds, which happens whenever the caller mutes.
	DefaultKeepAlive = 5 * time.Second

	// closeGrace bounds how long Close waits for the last results.
	closeGrace = 3 * time.Second
)

// Control messages understood by the live API.
var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the recognition model, e.g. "nova-3" or "base".
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets the default BCP-47 language. A session's
// StreamConfig.Language takes precedence.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		if language != "" {
			p.language = language
		}
	}
}

// WithEndpoint overrides the listen URL, for self-hosted Deepgram or tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// WithKeepAlive overrides [DefaultKeepAlive].
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.keepAlive = d
		}
	}
}

// Provider implements stt.Provider.
type Provider struct {
	apiKey    string
	model     string
	language  string
	endpoint  string
	keepAlive time.Duration
}

func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		language:  defaultLanguage,
		endpoint:  defaultEndpoint,
		keepAlive: DefaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram. The session is independent of ctx once the
// dial succeeded; it lives until Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	u, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: listen url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		conn:      conn,
		cancel:    cancel,
		keepAlive: p.keepAlive,
		audio:     make(chan []byte, 256),
		finals:    make(chan stt.Transcript, 64),
		closing:   make(chan struct{}),
	}
	s.wg.Go(func() { s.read(sctx) })
	s.wg.Go(func() { s.write(sctx) })
	return s, nil
}

func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", kw)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── session ──

// result is the subset of a live API message the session reads.
type result struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type session struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	keepAlive time.Duration
	audio     chan []byte
	finals    chan stt.Transcript

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrClosed
	}
}

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close flushes queued audio, asks Deepgram for the remaining results and
// waits until they were delivered, the server hung up or closeGrace passed.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.closing)
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeGrace):
		}
		s.cancel()
		<-done
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// write is the only goroutine writing to conn. It forwards audio, keeps a
// muted stream open and ends the stream with CloseStream after the queue is
// drained.
func (s *session) write(ctx context.Context) {
	idle := time.NewTimer(s.keepAlive)
	defer idle.Stop()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			idle.Reset(s.keepAlive)
		case <-idle.C:
			if err := s.conn.Write(ctx, websocket.MessageText, msgKeepAlive); err != nil {
				return
			}
			idle.Reset(s.keepAlive)
		case <-s.closing:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, msgCloseStream)
					return
				}
			}
		}
	}
}

// read delivers final, non-empty transcripts until the server closes the
// stream.
func (s *session) read(ctx context.Context) {
	defer close(s.finals)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := parseResult(msg)
		if !ok || !t.IsFinal || t.Text == "" {
			continue
		}
		select {
		case s.finals <- t:
		case <-ctx.Done():
			return
		}
	}
}

// parseResult decodes a transcription result. Other message types, and
// results without alternatives, report false.
func parseResult(data []byte) (stt.Transcript, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil {
		return stt.Transcript{}, false
	}
	if r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := r.Channel.Alternatives[0]
	return stt.Transcript{Text: alt.Transcript, IsFinal: r.IsFinal, Confidence: alt.Confidence}, true
}
