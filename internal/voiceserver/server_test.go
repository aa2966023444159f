package voiceserver_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/protocol"
	"github.com/MrWong99/voicedesk/internal/voiceserver"
	"github.com/MrWong99/voicedesk/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicedesk/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voicedesk/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voicedesk/pkg/provider/tts/mock"
	"github.com/MrWong99/voicedesk/pkg/store/memstore"
)

const (
	testGreeting = "Connected to Personal Shopping Assistant. Start speaking!"
	testKeyword  = "ASSISTANT_CREATE_TICKET"
)

type harness struct {
	store *memstore.Store
	llm   *llmmock.Provider
	stt   *sttmock.Provider
	tts   *ttsmock.Provider
	url   string
}

type harnessOpts struct {
	noSTT      bool
	noTTS      bool
	sampleRate int
}

func newHarness(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	require.NoError(t, err)

	h := &harness{
		store: memstore.New(),
		llm:   &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "It ships today."}},
		stt:   &sttmock.Provider{},
		tts:   &ttsmock.Provider{Chunks: [][]byte{[]byte("mp3-1"), []byte("mp3-2")}},
	}
	rate := ho.sampleRate
	if rate == 0 {
		rate = 16000
	}
	opts := []voiceserver.Option{
		voiceserver.WithMetrics(metrics),
		voiceserver.WithSettings(voiceserver.Settings{
			Greeting:          testGreeting,
			EscalationKeyword: testKeyword,
			SampleRate:        rate,
		}),
	}
	if !ho.noSTT {
		opts = append(opts, voiceserver.WithSTT(h.stt))
	}
	if !ho.noTTS {
		opts = append(opts, voiceserver.WithTTS(h.tts))
	}
	srv := voiceserver.New(h.store, h.llm, opts...)

	r := chi.NewRouter()
	srv.Register(r)
	hs := httptest.NewServer(r)
	t.Cleanup(hs.Close)
	h.url = "ws" + strings.TrimPrefix(hs.URL, "http")
	return h
}

// dial connects and consumes the greeting.
func (h *harness) dial(t *testing.T, path string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	c, _, err := websocket.Dial(ctx, h.url+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })

	greeting := readText(t, ctx, c)
	assert.Equal(t, protocol.Greeting(testGreeting), greeting)
	return c, ctx
}

func readText(t *testing.T, ctx context.Context, c *websocket.Conn) protocol.Message {
	t.Helper()
	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ, "got binary %q", data)
	m, err := protocol.ParseServer(data)
	require.NoError(t, err)
	return m
}

func readBinary(t *testing.T, ctx context.Context, c *websocket.Conn) []byte {
	t.Helper()
	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageBinary, typ, "got text %s", data)
	return data
}

func writeText(t *testing.T, ctx context.Context, c *websocket.Conn, s string) {
	t.Helper()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(s)))
}

func TestTextTurn_SpokenReply(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `{"type":"text_input","text":"  Where is my order?  "}`)

	assert.Equal(t, protocol.AgentResponse("It ships today.", "Where is my order?"), readText(t, ctx, c))
	assert.Equal(t, protocol.TTSStart("It ships today.", "Where is my order?"), readText(t, ctx, c))
	assert.Equal(t, []byte("mp3-1"), readBinary(t, ctx, c))
	assert.Equal(t, []byte("mp3-2"), readBinary(t, ctx, c))
	assert.Equal(t, protocol.TTSComplete(2, "Where is my order?"), readText(t, ctx, c))

	req, ok := h.llm.LastRequest()
	require.True(t, ok)
	assert.NotEmpty(t, req.SystemPrompt)
	assert.Contains(t, req.SystemPrompt, testKeyword)
	assert.Equal(t, voiceserver.Temperature, req.Temperature)
	assert.Equal(t, voiceserver.MaxTokens, req.MaxTokens)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "Where is my order?"}}, req.Messages)
	assert.Equal(t, "It ships today.", h.tts.Calls[0].Text)
}

func TestTextTurn_HistoryAccumulates(t *testing.T) {
	h := newHarness(t, harnessOpts{noTTS: true})
	c, ctx := h.dial(t, "/ws/chat?store_domain=shop.example")

	writeText(t, ctx, c, `{"type":"text_input","text":"Where is my order?"}`)
	assert.Equal(t, protocol.TypeAgentResponse, readText(t, ctx, c).Type)

	writeText(t, ctx, c, `{"type":"text_input","text":"And the invoice?"}`)
	assert.Equal(t, protocol.TypeAgentResponse, readText(t, ctx, c).Type)

	req, ok := h.llm.LastRequest()
	require.True(t, ok)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "Where is my order?"},
		{Role: llm.RoleAssistant, Content: "It ships today."},
		{Role: llm.RoleUser, Content: "And the invoice?"},
	}, req.Messages)
}

func TestTextTurn_EmptyInputIgnored(t *testing.T) {
	h := newHarness(t, harnessOpts{noTTS: true})
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `{"type":"text_input","text":"   "}`)
	writeText(t, ctx, c, `not json`)

	assert.Equal(t, protocol.InvalidFormat(), readText(t, ctx, c))
	assert.Equal(t, 0, h.llm.CallCount())
}

func TestEscalation_CreatesTicket(t *testing.T) {
	h := newHarness(t, harnessOpts{noTTS: true})
	h.llm.CompleteResponse = &llm.CompletionResponse{
		Content: "I'm opening a ticket so a colleague can help. " + testKeyword,
	}
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `{"type":"text_input","text":"My parcel arrived damaged."}`)
	got := readText(t, ctx, c)
	assert.Equal(t, "I'm opening a ticket so a colleague can help.", got.Text)
	assert.NotContains(t, got.Text, testKeyword)

	list, err := h.store.ListTickets(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "My parcel arrived damaged.", list[0].UserQuery)
	assert.Equal(t, "open", string(list[0].Status))
	require.Len(t, list[0].ConversationHistory, 2)
	assert.Equal(t, "user", list[0].ConversationHistory[0].Role)
	assert.Equal(t, "I'm opening a ticket so a colleague can help.", list[0].ConversationHistory[1].Content)
}

func TestNoEscalation_NoTicket(t *testing.T) {
	h := newHarness(t, harnessOpts{noTTS: true})
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `{"type":"text_input","text":"Do you ship to Canada?"}`)
	readText(t, ctx, c)

	list, err := h.store.ListTickets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestResponderError(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.llm.CompleteErr = errors.New("upstream timeout")
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `{"type":"text_input","text":"hello"}`)
	assert.Equal(t, protocol.Error("Processing error: upstream timeout"), readText(t, ctx, c))
	assert.Equal(t, 0, h.tts.CallCount())
}

func TestSynthesisError(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.tts.Err = errors.New("voice not found")
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `{"type":"text_input","text":"hello"}`)
	assert.Equal(t, protocol.TypeAgentResponse, readText(t, ctx, c).Type)
	assert.Equal(t, protocol.TypeTTSStart, readText(t, ctx, c).Type)
	assert.Equal(t, protocol.TTSError("voice not found", "hello"), readText(t, ctx, c))
}

func TestSpeechTurn(t *testing.T) {
	for _, start := range []string{`{"type":"start_listening"}`, `start`} {
		t.Run(start, func(t *testing.T) {
			h := newHarness(t, harnessOpts{noTTS: true})
			c, ctx := h.dial(t, "/ws")

			writeText(t, ctx, c, start)
			assert.Equal(t, protocol.ListeningStarted(), readText(t, ctx, c))

			frame := make([]byte, 3200)
			require.NoError(t, c.Write(ctx, websocket.MessageBinary, frame))
			require.Eventually(t, func() bool {
				s := h.stt.LastSession()
				return s != nil && len(s.Audio()) == 1
			}, 2*time.Second, 10*time.Millisecond)
			assert.Equal(t, 1, h.stt.CallCount(), "one session per listening period")
			assert.Equal(t, 16000, h.stt.Configs[0].SampleRate)

			h.stt.LastSession().Emit("where is my order")
			tr := readText(t, ctx, c)
			assert.Equal(t, protocol.TypeTranscript, tr.Type)
			assert.Equal(t, "where is my order", tr.Text)
			assert.True(t, tr.IsFinal)
			assert.Equal(t, protocol.AgentResponse("It ships today.", "where is my order"), readText(t, ctx, c))

			writeText(t, ctx, c, `{"type":"stop_listening"}`)
			require.Eventually(t, func() bool { return h.stt.LastSession().Closed() }, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestSpeech_FirstFrameOpensSession(t *testing.T) {
	h := newHarness(t, harnessOpts{noTTS: true})
	c, ctx := h.dial(t, "/ws")

	require.NoError(t, c.Write(ctx, websocket.MessageBinary, []byte{1, 0, 2, 0}))
	require.Eventually(t, func() bool { return h.stt.CallCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSpeech_StartFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{noTTS: true})
	h.stt.StartStreamErr = errors.New("bad api key")
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `{"type":"start_listening"}`)
	assert.Equal(t, protocol.TypeListeningStarted, readText(t, ctx, c).Type)
	assert.Equal(t, protocol.Error("Speech recognition error: bad api key"), readText(t, ctx, c))

	// Frames after a failed start do not retry until the next start_listening.
	require.NoError(t, c.Write(ctx, websocket.MessageBinary, []byte{0, 0}))
	writeText(t, ctx, c, `{`)
	assert.Equal(t, protocol.InvalidFormat(), readText(t, ctx, c))
	assert.Equal(t, 1, h.stt.CallCount())
}

func TestSpeech_Unavailable(t *testing.T) {
	h := newHarness(t, harnessOpts{noSTT: true, noTTS: true})
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `start`)
	assert.Equal(t, protocol.TypeListeningStarted, readText(t, ctx, c).Type)
	assert.Equal(t, protocol.TypeError, readText(t, ctx, c).Type)
}

func TestDisconnect_ClosesSpeech(t *testing.T) {
	h := newHarness(t, harnessOpts{noTTS: true})
	c, ctx := h.dial(t, "/ws")

	writeText(t, ctx, c, `start`)
	readText(t, ctx, c)
	require.Eventually(t, func() bool { return h.stt.LastSession() != nil }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return h.stt.LastSession().Closed() }, 2*time.Second, 10*time.Millisecond)
}

func TestSettings_HotSwap(t *testing.T) {
	srv := voiceserver.New(memstore.New(), &llmmock.Provider{})
	assert.Equal(t, 16000, srv.Settings().SampleRate)

	srv.SetSettings(voiceserver.Settings{Greeting: "Hello again"})
	assert.Equal(t, "Hello again", srv.Settings().Greeting)
}

func TestExtractEscalation(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		keyword  string
		want     string
		escalate bool
	}{
		{name: "absent", reply: "Sure thing.", keyword: testKeyword, want: "Sure thing."},
		{name: "suffix", reply: "Let me get someone. ASSISTANT_CREATE_TICKET", keyword: testKeyword, want: "Let me get someone.", escalate: true},
		{name: "twice", reply: "ASSISTANT_CREATE_TICKET One moment ASSISTANT_CREATE_TICKET", keyword: testKeyword, want: "One moment", escalate: true},
		{name: "disabled", reply: "ASSISTANT_CREATE_TICKET", keyword: "", want: "ASSISTANT_CREATE_TICKET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, escalate := voiceserver.ExtractEscalation(tt.reply, tt.keyword)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.escalate, escalate)
		})
	}
}

func TestSystemPrompt(t *testing.T) {
	custom := voiceserver.SystemPrompt(voiceserver.Settings{SystemPrompt: "Be brief.", EscalationKeyword: testKeyword})
	assert.Equal(t, "Be brief.", custom)

	builtin := voiceserver.SystemPrompt(voiceserver.Settings{EscalationKeyword: "ESCALATE_NOW"})
	assert.Contains(t, builtin, "Alex")
	assert.Contains(t, builtin, "ESCALATE_NOW")

	assert.NotContains(t, voiceserver.SystemPrompt(voiceserver.Settings{}), "token")
}

func TestSpeech_ResamplesToProviderRate(t *testing.T) {
	h := newHarness(t, harnessOpts{noTTS: true, sampleRate: 8000})
	c, ctx := h.dial(t, "/ws")

	// A partial sample is dropped before it reaches the provider.
	require.NoError(t, c.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}))
	require.NoError(t, c.Write(ctx, websocket.MessageBinary, make([]byte, 3200)))
	require.Eventually(t, func() bool {
		s := h.stt.LastSession()
		return s != nil && len(s.Audio()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 8000, h.stt.Configs[0].SampleRate)
	assert.Len(t, h.stt.LastSession().Audio()[0], 1600, "16 kHz frame halved for an 8 kHz provider")
}
