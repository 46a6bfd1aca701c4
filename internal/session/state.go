package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the conversation session.
type State int

const (
	// Idle means no session is running and no resources are held.
	Idle State = iota

	// Connecting means devices are being acquired and the transport
	// handshake is in progress.
	Connecting

	// Connected means audio is streaming in both directions.
	Connected

	// Error means the session failed. Its resources are already released;
	// [Controller.Stop] returns the controller to Idle.
	Error

	// Closed means the remote endpoint ended the session. Its resources are
	// already released; [Controller.Stop] returns the controller to Idle.
	Closed
)

// String returns a lowercase name for the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Description returns the status line shown to the user for the state.
func (s State) Description() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting..."
	case Connected:
		return "Connected & Listening..."
	case Error:
		return "Error"
	case Closed:
		return "Closed"
	default:
		return s.String()
	}
}

// Active reports whether the state holds session resources.
func (s State) Active() bool {
	return s == Connecting || s == Connected
}

// ── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrPermissionDenied reports that the microphone could not be acquired.
	ErrPermissionDenied = errors.New("session: microphone access denied")

	// ErrOutput reports that the audio output device could not be opened.
	ErrOutput = errors.New("session: audio output unavailable")

	// ErrConnection reports a handshake or transport failure.
	ErrConnection = errors.New("session: connection failed")

	// ErrRemote reports an error event sent by the remote endpoint.
	ErrRemote = errors.New("session: remote error")

	// ErrAborted is returned by [Controller.Start] when the session was
	// stopped or failed while it was still connecting.
	ErrAborted = errors.New("session: start aborted")

	// ErrNotIdle is returned by [Controller.Start] when a previous session
	// ended in Error or Closed and has not been reset with Stop.
	ErrNotIdle = errors.New("session: previous session not reset")
)

// User-facing messages reported through [Status.Message].
const (
	MessagePermission = "Could not access microphone. Please grant permission and try again."
	MessageOutput     = "Could not open audio output. Please check your audio device and try again."
	MessageConnection = "A connection error occurred. Please try again."
	MessageClosed     = "The conversation was closed by the server."
)
