package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicedesk/internal/app"
	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/protocol"
	"github.com/MrWong99/voicedesk/internal/tickets"
	"github.com/MrWong99/voicedesk/pkg/provider/llm"
	"github.com/MrWong99/voicedesk/pkg/store/memstore"
)

// testConfig returns the defaults for an empty config file.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

func testProviders(t *testing.T, cfg *config.Config) *app.Providers {
	t.Helper()
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	ps, err := app.BuildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	return ps
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := testConfig(t)
	a, err := app.New(context.Background(), cfg, testProviders(t, cfg),
		app.WithStore(memstore.New()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t), &app.Providers{})
	if err == nil {
		t.Fatal("New() with empty providers: expected error")
	}
}

func TestHandler_Readyz(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestApp(t).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, name := range []string{"store", "breaker:echo", "breaker:silence"} {
		if got := body.Checks[name]; got != "ok" {
			t.Errorf("check %q: got %q, want ok", name, got)
		}
	}
}

func TestHandler_TicketsAPI(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestApp(t).Handler())
	defer srv.Close()

	ctx := context.Background()
	client := tickets.NewClient(srv.URL)
	created, err := client.Create(ctx, tickets.CreateRequest{UserQuery: "where is my parcel"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != tickets.StatusOpen {
		t.Errorf("status: got %q, want %q", created.Status, tickets.StatusOpen)
	}

	list, err := client.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("List: got %+v, want the created ticket", list)
	}
}

func TestHandler_VoiceGreeting(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestApp(t).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/chat?store_domain=shop.example", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if msg.Type != protocol.TypeGreeting || msg.Message != config.DefaultGreeting {
		t.Errorf("greeting: got %+v", msg)
	}
}

func TestBuildProviders_Fallbacks(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Providers.LLM.Fallbacks = []config.ProviderEntry{{Name: "echo"}}
	cfg.Providers.TTS.Fallbacks = []config.ProviderEntry{{Name: "silence"}, {Name: "silence"}}

	ps := testProviders(t, cfg)
	if ps.STT != nil {
		t.Errorf("STT: got %T, want nil for provider none", ps.STT)
	}
	if got, want := ps.LLM.Group().Names(), []string{"echo", "echo#1"}; !slices.Equal(got, want) {
		t.Errorf("LLM chain: got %v, want %v", got, want)
	}
	if got, want := ps.TTS.Group().Names(), []string{"silence", "silence#1", "silence#2"}; !slices.Equal(got, want) {
		t.Errorf("TTS chain: got %v, want %v", got, want)
	}
	if got := len(ps.Breakers()); got != 5 {
		t.Errorf("Breakers: got %d, want 5", got)
	}

	resp, err := ps.LLM.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(resp.Content, "hello") {
		t.Errorf("echo reply: got %q, want it to contain the input", resp.Content)
	}
}

func TestBuildProviders_Unregistered(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Providers.LLM.Name = "carrier-pigeon"

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	_, err := app.BuildProviders(cfg, reg)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("got %v, want ErrProviderNotRegistered", err)
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.StoreConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StoreConfig{Backend: config.StoreMemory}},
		{name: "sqlite", cfg: config.StoreConfig{Backend: config.StoreSQLite, DSN: filepath.Join(t.TempDir(), "data", "voicedesk.db")}},
		{name: "unknown", cfg: config.StoreConfig{Backend: "cassette"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st, err := app.OpenStore(ctx, tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			defer st.Close()
			if err := st.Ping(ctx); err != nil {
				t.Errorf("Ping: %v", err)
			}
		})
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store = config.StoreConfig{Backend: config.StoreSQLite, DSN: filepath.Join(t.TempDir(), "voicedesk.db")}
	application, err := app.New(context.Background(), cfg, testProviders(t, cfg), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer addrCancel()
	addr, err := application.Addr(addrCtx)
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: got %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"loud", "INFO"},
	}
	for _, tt := range tests {
		if got := app.ParseLevel(tt.in).String(); got != tt.want {
			t.Errorf("ParseLevel(%q): got %s, want %s", tt.in, got, tt.want)
		}
	}
}
