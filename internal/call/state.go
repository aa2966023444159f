package call

import "fmt"

// State is the lifecycle state of one call connection.
type State int

const (
	// Disconnected: no transport, or the transport closed.
	Disconnected State = iota
	// Connected: transport open, nothing streaming.
	Connected
	// StreamingIn: the agent is streaming synthesized audio to us.
	StreamingIn
	// StreamingOut: the microphone is streaming to the agent. An inbound
	// audio stream may run at the same time; the playback queue tracks it.
	StreamingOut
	// Error: the transport failed. Terminal for this connection.
	Error
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case StreamingIn:
		return "streaming-in"
	case StreamingOut:
		return "streaming-out"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Open reports whether the transport is usable in this state.
func (s State) Open() bool {
	return s == Connected || s == StreamingIn || s == StreamingOut
}

// EventKind classifies inputs to [Transition].
type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventTransportError
	EventStartCapture
	EventStopCapture
	EventStreamStart
	EventStreamComplete
	EventStreamError
	EventCaptureFailed
)

// Event is one input to the state machine.
type Event struct {
	Kind EventKind
	// Err describes EventTransportError, EventStreamError and
	// EventCaptureFailed.
	Err string
	// Count is the number of chunks the peer reports for EventStreamComplete.
	Count int
}

// EffectKind classifies the side effects [Transition] asks the session to
// perform.
type EffectKind int

const (
	EffectEnableControl EffectKind = iota
	EffectDisableControl
	EffectConfigureBinary
	EffectSendControl
	EffectStartCapture
	EffectStopCapture
	EffectBeginPlayback
	EffectFinishPlayback
	EffectAbortPlayback
	EffectDiscardBuffers
	EffectResetControls
	EffectSetStatus
	EffectSurfaceError
)

// Effect is a side effect produced by a transition. Fields other than Kind
// are set only where meaningful.
type Effect struct {
	Kind    EffectKind
	Control Control
	// Start selects start_listening (true) or stop_listening (false) for
	// EffectSendControl.
	Start bool
	Text  string
	Count int
}

func status(text string) Effect { return Effect{Kind: EffectSetStatus, Text: text} }

func enable(c Control) Effect  { return Effect{Kind: EffectEnableControl, Control: c} }
func disable(c Control) Effect { return Effect{Kind: EffectDisableControl, Control: c} }

// Transition is the call state machine. It is a pure function: given the
// current state and an event it returns the next state and the effects to
// perform, in order. Events that do not apply to the current state return the
// state unchanged and no effects. Error is absorbing.
func Transition(s State, ev Event) (State, []Effect) {
	if s == Error {
		return Error, nil
	}

	switch ev.Kind {
	case EventOpened:
		if s != Disconnected {
			return s, nil
		}
		return Connected, []Effect{
			enable(ControlStart),
			disable(ControlStop),
			{Kind: EffectConfigureBinary},
			status("Connected to server"),
		}

	case EventTransportError:
		return Error, []Effect{
			{Kind: EffectStopCapture},
			{Kind: EffectDiscardBuffers},
			{Kind: EffectResetControls},
			{Kind: EffectSurfaceError, Text: errorText(ev.Err, "Error connecting to server")},
		}

	case EventClosed:
		if !s.Open() {
			return s, nil
		}
		return Disconnected, []Effect{
			{Kind: EffectStopCapture},
			{Kind: EffectDiscardBuffers},
			{Kind: EffectResetControls},
			status("Disconnected from server"),
		}

	case EventStartCapture:
		if s != Connected && s != StreamingIn {
			return s, nil
		}
		return StreamingOut, []Effect{
			{Kind: EffectStartCapture},
			{Kind: EffectSendControl, Start: true},
			disable(ControlStart),
			enable(ControlStop),
			status("Recording... Speak now!"),
		}

	case EventStopCapture:
		if s != StreamingOut {
			return s, nil
		}
		return Connected, []Effect{
			{Kind: EffectStopCapture},
			{Kind: EffectSendControl, Start: false},
			enable(ControlStart),
			disable(ControlStop),
			status("Connected to server"),
		}

	case EventCaptureFailed:
		if s != StreamingOut {
			return s, nil
		}
		return Connected, []Effect{
			enable(ControlStart),
			disable(ControlStop),
			{Kind: EffectSurfaceError, Text: errorText(ev.Err, "Could not access microphone")},
		}

	case EventStreamStart:
		switch s {
		case Connected, StreamingIn:
			return StreamingIn, []Effect{{Kind: EffectBeginPlayback}}
		case StreamingOut:
			return StreamingOut, []Effect{{Kind: EffectBeginPlayback}}
		}
		return s, nil

	case EventStreamComplete:
		switch s {
		case Connected, StreamingIn:
			return Connected, []Effect{{Kind: EffectFinishPlayback, Count: ev.Count}}
		case StreamingOut:
			return StreamingOut, []Effect{{Kind: EffectFinishPlayback, Count: ev.Count}}
		}
		return s, nil

	case EventStreamError:
		text := errorText(ev.Err, "Audio stream failed")
		switch s {
		case Connected, StreamingIn:
			return Connected, []Effect{{Kind: EffectAbortPlayback, Text: text}}
		case StreamingOut:
			return StreamingOut, []Effect{{Kind: EffectAbortPlayback, Text: text}}
		}
		return s, nil
	}
	return s, nil
}

func errorText(err, fallback string) string {
	if err == "" {
		return fallback
	}
	return err
}
