package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

type fakeElevenLabs struct {
	mu         sync.Mutex
	paths      []string
	texts      []textMessage
	voiceCalls int
	failWith   string
}

func (f *fakeElevenLabs) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/voices", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.voiceCalls++
		f.mu.Unlock()
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"voices":[{"voice_id":"v-adam","name":"Adam"},{"voice_id":"v-rachel","name":"Rachel"}]}`)
	})
	mux.HandleFunc("/v1/text-to-speech/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.paths = append(f.paths, r.URL.RequestURI())
		fail := f.failWith
		f.mu.Unlock()

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m textMessage
			_ = json.Unmarshal(data, &m)
			f.mu.Lock()
			f.texts = append(f.texts, m)
			f.mu.Unlock()
			if m.Text != "" {
				continue
			}
			if fail != "" {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"error":"`+fail+`","message":"try later"}`))
				return
			}
			for _, chunk := range []string{"ID3-", "frames"} {
				msg := fmt.Sprintf(`{"audio":%q}`, base64.StdEncoding.EncodeToString([]byte(chunk)))
				_ = c.Write(ctx, websocket.MessageText, []byte(msg))
			}
			_ = c.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
			_, _, _ = c.Read(ctx)
			return
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, f *fakeElevenLabs) *Provider {
	t.Helper()
	srv := f.server(t)
	p, err := New("key", WithBaseURLs("ws"+strings.TrimPrefix(srv.URL, "http"), srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSynthesize_StreamsChunks(t *testing.T) {
	f := &fakeElevenLabs{}
	p := newTestProvider(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	err := p.Synthesize(ctx, "Your order has shipped.", tts.Voice{ID: "v-1"}, func(b []byte) error {
		got = append(got, string(b))
		return nil
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if strings.Join(got, "|") != "ID3-|frames" {
		t.Errorf("chunks = %q", got)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) != 3 {
		t.Fatalf("sent %d text messages, want 3", len(f.texts))
	}
	if f.texts[0].Text != " " || f.texts[0].VoiceSettings == nil {
		t.Errorf("first message = %+v, want space with voice settings", f.texts[0])
	}
	if f.texts[1].Text != "Your order has shipped. " {
		t.Errorf("text message = %q", f.texts[1].Text)
	}
	if !strings.Contains(f.paths[0], "/v1/text-to-speech/v-1/stream-input") ||
		!strings.Contains(f.paths[0], "output_format=mp3_44100_128") ||
		!strings.Contains(f.paths[0], "model_id=eleven_multilingual_v2") {
		t.Errorf("stream path = %s", f.paths[0])
	}
	if f.voiceCalls != 0 {
		t.Errorf("voices listed %d times for an explicit id", f.voiceCalls)
	}
}

func TestSynthesize_ResolvesVoiceByName(t *testing.T) {
	f := &fakeElevenLabs{}
	p := newTestProvider(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	noop := func([]byte) error { return nil }
	if err := p.Synthesize(ctx, "hi", tts.Voice{}, noop); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if err := p.Synthesize(ctx, "hi", tts.Voice{Name: "Nobody"}, noop); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.Contains(f.paths[0], "/v-rachel/") {
		t.Errorf("default voice path = %s, want Rachel", f.paths[0])
	}
	if !strings.Contains(f.paths[1], "/v-adam/") {
		t.Errorf("unknown voice path = %s, want first voice", f.paths[1])
	}
	if f.voiceCalls != 1 {
		t.Errorf("voices listed %d times, want 1", f.voiceCalls)
	}
}

func TestSynthesize_ProviderError(t *testing.T) {
	f := &fakeElevenLabs{failWith: "quota_exceeded"}
	p := newTestProvider(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Synthesize(ctx, "hello", tts.Voice{ID: "v"}, func([]byte) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "quota_exceeded") {
		t.Errorf("err = %v, want quota_exceeded", err)
	}
}

func TestSynthesize_EmptyTextIsNoop(t *testing.T) {
	p, _ := New("key", WithBaseURLs("ws://127.0.0.1:1", "http://127.0.0.1:1"))
	if err := p.Synthesize(context.Background(), "  ", tts.Voice{ID: "v"}, nil); err != nil {
		t.Errorf("Synthesize(empty) = %v", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("k", WithModel("eleven_flash_v2_5"), WithOutputFormat(""))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_flash_v2_5" {
		t.Errorf("model = %q", p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("output format = %q", p.outputFormat)
	}
	if got := p.streamURL("a b", "m"); got != "wss://api.elevenlabs.io/v1/text-to-speech/a%20b/stream-input?model_id=m&output_format=mp3_44100_128" {
		t.Errorf("streamURL = %s", got)
	}
}
