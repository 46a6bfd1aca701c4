// Package audio defines the audio data types, the 16-bit PCM codec and the
// narrow device capability interfaces used by the live conversation pipeline.
//
// The device abstractions are:
//
//   - [Microphone] acquires a [CaptureStream] that delivers fixed-size [Frame]
//     values to a callback.
//   - [Speaker] acquires an [OutputDevice] exposing a monotonic clock and the
//     ability to schedule a decoded [Buffer] as a [Voice] at an exact time.
//
// Concrete implementations live in audio/device (ffmpeg and command sinks)
// and audio/mixer (the software output timeline). The interfaces are kept
// small so the session core can be exercised with the fakes in audio/mock.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by [Microphone.Open] when access to the
// capture device is refused.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrDeviceClosed is returned by operations on a device that has been closed.
var ErrDeviceClosed = errors.New("audio: device closed")

// Microphone acquires capture streams.
type Microphone interface {
	// Open requests access to the capture device at the given format and
	// frame size (samples per delivered frame). It returns an error wrapping
	// [ErrPermissionDenied] when access is refused. The returned stream is
	// acquired but not yet delivering frames.
	Open(ctx context.Context, format Format, frameSize int) (CaptureStream, error)
}

// CaptureStream is an acquired microphone stream.
type CaptureStream interface {
	// Start begins delivering frames to onFrame. onFrame is called from the
	// device's own goroutine and must not block.
	Start(onFrame func(Frame)) error

	// Stop halts frame delivery. After Stop returns no further frames are
	// delivered. Safe to call more than once.
	Stop() error

	// Close releases the underlying device. Safe to call more than once.
	Close() error
}

// Speaker acquires output devices.
type Speaker interface {
	Open(ctx context.Context, format Format) (OutputDevice, error)
}

// OutputDevice plays scheduled buffers against its own monotonic clock.
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Now returns the device clock. It never decreases.
	Now() time.Duration

	// Play schedules buf to start at device time at. If at is in the past the
	// voice starts immediately. ended is invoked once, from a device goroutine,
	// when the voice finishes naturally; it is never invoked for voices
	// stopped with [Voice.Stop].
	Play(buf *Buffer, at time.Duration, ended func()) (Voice, error)

	// Close stops all voices and releases the device. Safe to call more than
	// once.
	Close() error
}

// Voice is a handle to a scheduled or playing buffer.
type Voice interface {
	// Stop cancels the voice immediately. Stopping an ended or already
	// stopped voice is a no-op.
	Stop()
}
