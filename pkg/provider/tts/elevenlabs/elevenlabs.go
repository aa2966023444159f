// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Audio is requested as MP3 so that the call client can decode a complete
// reply with its standard decoders.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_multilingual_v2"
	defaultVoiceName = "Rachel"
	defaultOutputFmt = "mp3_44100_128"

	// ElevenLabs rejects messages above this size.
	readLimit = 1 << 20
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the default model ID.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		if format != "" {
			p.outputFormat = format
		}
	}
}

// WithBaseURLs overrides the WebSocket and REST API roots.
func WithBaseURLs(wsBase, apiBase string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(wsBase, "/")
		p.apiBase = strings.TrimRight(apiBase, "/")
	}
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	wsBase       string
	apiBase      string
	httpClient   *http.Client

	mu     sync.Mutex
	voices map[string]string // lower-case name → voice id
	first  string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Provider. It opens one stream-input WebSocket per
// reply, sends the whole text followed by the end-of-input marker and emits
// every audio message until ElevenLabs reports the final one.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice, emit func([]byte) error) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	voiceID, err := p.resolveVoice(ctx, voice)
	if err != nil {
		return err
	}
	model := voice.Model
	if model == "" {
		model = p.model
	}

	header := http.Header{}
	header.Set("xi-api-key", p.apiKey)
	conn, _, err := websocket.Dial(ctx, p.streamURL(voiceID, model), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	// The first message must carry a single space; the empty text message
	// ends the input.
	msgs := []textMessage{
		{Text: " ", VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}},
		{Text: text + " ", TryTriggerGeneration: true},
		{Text: ""},
	}
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("elevenlabs: encode: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("elevenlabs: decode response: %w", err)
		}
		if resp.Error != "" {
			return fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			if err := emit(chunk); err != nil {
				return err
			}
		}
		if resp.IsFinal {
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			return nil
		}
	}
}

func (p *Provider) streamURL(voiceID, model string) string {
	q := url.Values{}
	q.Set("model_id", model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.wsBase, url.PathEscape(voiceID), q.Encode())
}

// ---- voice resolution ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []struct {
		VoiceID string `json:"voice_id"`
		Name    string `json:"name"`
	} `json:"voices"`
}

// resolveVoice returns voice.ID when set. Otherwise it looks the name up in
// the account's voice list, falling back to the first voice when the name is
// unknown. The list is fetched once.
func (p *Provider) resolveVoice(ctx context.Context, voice tts.Voice) (string, error) {
	if voice.ID != "" {
		return voice.ID, nil
	}
	name := voice.Name
	if name == "" {
		name = defaultVoiceName
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.voices == nil {
		voices, first, err := p.listVoices(ctx)
		if err != nil {
			return "", err
		}
		p.voices, p.first = voices, first
	}
	if id, ok := p.voices[strings.ToLower(name)]; ok {
		return id, nil
	}
	if p.first == "" {
		return "", fmt.Errorf("elevenlabs: voice %q not found and no voices available", name)
	}
	return p.first, nil
}

func (p *Provider) listVoices(ctx context.Context) (map[string]string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, "", fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	voices := make(map[string]string, len(vr.Voices))
	var first string
	for _, v := range vr.Voices {
		if first == "" {
			first = v.VoiceID
		}
		voices[strings.ToLower(v.Name)] = v.VoiceID
	}
	return voices, first, nil
}
