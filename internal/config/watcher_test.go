package config_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicedesk/internal/config"
)

const (
	deskV1 = `
server:
  log_level: info
  greeting: "Thanks for calling Acme."
`
	deskV2 = `
server:
  log_level: debug
  greeting: "Acme support, how can I help?"
`
	deskBroken = `
server:
  log_level: loud
`
)

// writeDesk replaces path with content and an mtime of now minus age. The
// file is renamed into place so a polling watcher never sees a half-written
// version.
func writeDesk(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", tmp, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		t.Fatalf("chtimes %q: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename %q: %v", tmp, err)
	}
}

// changes collects callback invocations.
type changes struct {
	mu   sync.Mutex
	got  [][2]*config.Config
	seen chan struct{}
}

func newChanges() *changes { return &changes{seen: make(chan struct{}, 8)} }

func (c *changes) record(old, new *config.Config) {
	c.mu.Lock()
	c.got = append(c.got, [2]*config.Config{old, new})
	c.mu.Unlock()
	c.seen <- struct{}{}
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func newDeskWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicedesk.yaml")
	writeDesk(t, path, content, time.Minute)
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestNewWatcher(t *testing.T) {
	t.Parallel()
	w, _ := newDeskWatcher(t, deskV1, nil)
	if got := w.Current().Server.Greeting; got != "Thanks for calling Acme." {
		t.Errorf("greeting: got %q", got)
	}

	broken := filepath.Join(t.TempDir(), "broken.yaml")
	writeDesk(t, broken, deskBroken, time.Minute)
	if _, err := config.NewWatcher(broken, nil); err == nil {
		t.Error("expected an error for an invalid initial file")
	}
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	ch := newChanges()
	w, path := newDeskWatcher(t, deskV1, ch.record)

	if err := w.Reload(); !errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("reload of untouched file: got %v, want ErrUnchanged", err)
	}

	writeDesk(t, path, deskBroken, 0)
	if err := w.Reload(); err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("reload of broken file: got %v, want a log_level error", err)
	}
	if w.LastError() == nil {
		t.Error("LastError should hold the rejected edit")
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("a rejected edit replaced the active config")
	}

	writeDesk(t, path, deskV2, 0)
	if err := w.Reload(); err != nil {
		t.Fatalf("reload of valid edit: %v", err)
	}
	if w.LastError() != nil {
		t.Errorf("LastError after accepted edit: %v", w.LastError())
	}
	if ch.count() != 1 {
		t.Fatalf("callbacks: got %d, want 1", ch.count())
	}
	old, cur := ch.got[0][0], ch.got[0][1]
	d := config.Diff(old, cur)
	if !d.LogLevelChanged || !d.AgentChanged || len(d.RestartRequired) > 0 {
		t.Errorf("Diff = %+v, want a live log level and agent change", d)
	}
	if w.Current() != cur {
		t.Error("Current does not return the config passed to the callback")
	}
}

func TestWatcher_RunPicksUpEdit(t *testing.T) {
	t.Parallel()
	ch := newChanges()
	w, path := newDeskWatcher(t, deskV1, ch.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeDesk(t, path, deskV2, 0)
	select {
	case <-ch.seen:
	case <-time.After(2 * time.Second):
		t.Fatal("edit not picked up")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", got, config.LogDebug)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: got %v, want nil", err)
	}
}

func TestWatcher_RunReportsRejectedEditOnce(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	path := filepath.Join(t.TempDir(), "voicedesk.yaml")
	writeDesk(t, path, deskV1, time.Minute)
	ch := newChanges()
	w, err := config.NewWatcher(path, ch.record,
		config.WithInterval(10*time.Millisecond),
		config.WithWatchLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	writeDesk(t, path, deskBroken, 0)
	time.Sleep(200 * time.Millisecond)
	// Touching with identical content is not a change either.
	writeDesk(t, path, deskV1, 0)
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	if n := strings.Count(buf.String(), "edit rejected"); n != 1 {
		t.Errorf("rejections logged: got %d, want 1\n%s", n, buf.String())
	}
	if ch.count() != 0 {
		t.Errorf("callbacks: got %d, want 0", ch.count())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
