package call

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Control identifies a user-facing call control.
type Control int

const (
	// ControlStart begins microphone capture.
	ControlStart Control = iota
	// ControlStop ends microphone capture.
	ControlStop
)

// String returns the human-readable name of the control.
func (c Control) String() string {
	switch c {
	case ControlStart:
		return "start"
	case ControlStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Message senders shown by a [UISink].
const (
	SenderYou    = "You"
	SenderAgent  = "Agent"
	SenderSystem = "System"
	SenderError  = "Error"
)

// UISink is the presentation surface of a call. The session never touches a
// terminal, window or page directly; it reports everything through a sink.
//
// Implementations must be safe for concurrent use: decode failures and
// playback completion are reported from background goroutines.
type UISink interface {
	// SetControl enables or disables a control.
	SetControl(c Control, enabled bool)
	// SetStatus replaces the status line.
	SetStatus(text string)
	// AppendMessage adds a line to the conversation view.
	AppendMessage(sender, text string)
	// SetAgentSpeaking toggles the "agent is speaking" indicator.
	SetAgentSpeaking(speaking bool)
}

// ── LogSink ──────────────────────────────────────────────────────────────────

// LogSink reports call activity through slog. It is the sink for headless
// runs.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// SetControl implements [UISink].
func (s LogSink) SetControl(c Control, enabled bool) {
	s.logger().Debug("call control", "control", c.String(), "enabled", enabled)
}

// SetStatus implements [UISink].
func (s LogSink) SetStatus(text string) {
	s.logger().Info("call status", "status", text)
}

// AppendMessage implements [UISink].
func (s LogSink) AppendMessage(sender, text string) {
	if sender == SenderError {
		s.logger().Warn("call message", "sender", sender, "text", text)
		return
	}
	s.logger().Info("call message", "sender", sender, "text", text)
}

// SetAgentSpeaking implements [UISink].
func (s LogSink) SetAgentSpeaking(speaking bool) {
	s.logger().Debug("agent speaking", "speaking", speaking)
}

// ── TerminalSink ─────────────────────────────────────────────────────────────

// TerminalSink renders the call as plain text lines on a writer, e.g. stdout.
type TerminalSink struct {
	mu       sync.Mutex
	w        io.Writer
	controls map[Control]bool
	speaking bool
}

// NewTerminalSink returns a sink writing to w.
func NewTerminalSink(w io.Writer) *TerminalSink {
	return &TerminalSink{w: w, controls: make(map[Control]bool)}
}

// SetControl implements [UISink]. Control changes are printed as a hint line
// when the start control becomes available.
func (s *TerminalSink) SetControl(c Control, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controls[c] == enabled {
		return
	}
	s.controls[c] = enabled
	switch {
	case c == ControlStart && enabled:
		fmt.Fprintln(s.w, "  [enter] start talking   [q] hang up")
	case c == ControlStop && enabled:
		fmt.Fprintln(s.w, "  [enter] stop talking    [q] hang up")
	}
}

// Enabled reports whether c is currently enabled.
func (s *TerminalSink) Enabled(c Control) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controls[c]
}

// SetStatus implements [UISink].
func (s *TerminalSink) SetStatus(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "-- %s\n", text)
}

// AppendMessage implements [UISink]. Agent replies are reformatted from
// markdown into terminal text.
func (s *TerminalSink) AppendMessage(sender, text string) {
	if sender == SenderAgent {
		text = FormatAgentResponse(text)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s: %s\n", sender, text)
}

// SetAgentSpeaking implements [UISink].
func (s *TerminalSink) SetAgentSpeaking(speaking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking == speaking {
		return
	}
	s.speaking = speaking
	if speaking {
		fmt.Fprintln(s.w, "   (agent is speaking)")
	}
}
