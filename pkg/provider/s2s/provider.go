// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio
// input and streams back synthesised audio plus transcriptions over a single,
// stateful connection. Examples are the Gemini Live API and the OpenAI
// Realtime API.
//
// The central abstraction is [Session]: a duplex connection on which the caller
// pushes encoded audio with Send, while server events are delivered through the
// [Callbacks] registered at open time. Callbacks for one session are invoked
// sequentially from a single receive goroutine, in wire order, so consumers
// never observe reordered events.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrNotConnected is returned by [Session.Send] once the session is closed or
// the connection has been lost.
var ErrNotConnected = errors.New("s2s: session not connected")

// ErrHandshake wraps failures to complete the opening handshake.
var ErrHandshake = errors.New("s2s: handshake failed")

// Default session settings used when the caller leaves them empty.
const (
	DefaultModel             = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultSystemInstruction = "You are a friendly and helpful conversational AI assistant."
)

// Modality names a response modality requested from the endpoint.
type Modality string

// Supported response modalities.
const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// Config is the initial configuration for a new session.
type Config struct {
	// Model overrides the provider's default model.
	Model string

	// ResponseModalities lists the output kinds requested. Defaults to audio.
	ResponseModalities []Modality

	// InputTranscription asks the endpoint to transcribe user speech.
	InputTranscription bool

	// OutputTranscription asks the endpoint to transcribe its own speech.
	OutputTranscription bool

	// SystemInstruction is the system-level prompt.
	SystemInstruction string

	// Voice is a provider-specific prebuilt voice name. Empty keeps the
	// provider default.
	Voice string
}

// Modalities returns the requested modalities, defaulting to audio only.
func (c Config) Modalities() []Modality {
	if len(c.ResponseModalities) == 0 {
		return []Modality{ModalityAudio}
	}
	return c.ResponseModalities
}

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventInputTranscript carries a fragment of the user's recognised speech.
	EventInputTranscript EventKind = iota + 1

	// EventOutputTranscript carries a fragment of the model's spoken text.
	EventOutputTranscript

	// EventTurnComplete marks the end of a conversational turn.
	EventTurnComplete

	// EventAudio carries a block of 16-bit little-endian PCM.
	EventAudio

	// EventInterrupted signals that the user started speaking over the model.
	EventInterrupted

	// EventError carries a server-reported error. It is terminal for the
	// session.
	EventError
)

// String returns a short lowercase name for the kind.
func (k EventKind) String() string {
	switch k {
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one server event. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Text holds transcript fragments (verbatim, including whitespace) and
	// error messages.
	Text string

	// Audio holds raw PCM for EventAudio.
	Audio []byte

	// SampleRate of Audio in Hz.
	SampleRate int

	// Channels of Audio. Defaults to 1.
	Channels int

	// Code is the server error code for EventError, when provided.
	Code int
}

// Callbacks receives session lifecycle notifications. Any field may be nil.
//
// OnOpen fires exactly once, after the handshake and before any OnMessage.
// OnMessage fires once per event in wire order. OnError reports a transport
// failure and OnClose a remote close; after either, no further callbacks fire
// and Send returns [ErrNotConnected]. A local [Session.Close] fires none of
// them.
//
// Callbacks must not block for long; they run on the receive goroutine.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Event)
	OnError   func(error)
	OnClose   func(reason string)
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the PCM rate Send expects.
	InputSampleRate int

	// OutputSampleRate is the default rate of EventAudio payloads.
	OutputSampleRate int

	// Voices lists known prebuilt voice names.
	Voices []string
}

// Session is an open duplex connection. It is an interface so that test code
// can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// Send transmits one encoded chunk. It does not wait for any
	// acknowledgement. It returns ErrNotConnected after Close or after the
	// connection was lost.
	Send(chunk audio.Chunk) error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Open dials the endpoint, sends cfg and blocks until the handshake
	// completes or ctx is done. On success cb.OnOpen has already run.
	Open(ctx context.Context, cfg Config, cb Callbacks) (Session, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
