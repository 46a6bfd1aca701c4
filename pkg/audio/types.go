package audio

import (
	"fmt"
	"time"
)

// Standard rates used by the live conversation pipeline.
const (
	// CaptureSampleRate is the rate microphone audio is captured and
	// transmitted at (16 kHz mono).
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of audio returned by the remote endpoint
	// (24 kHz mono).
	PlaybackSampleRate = 24000

	// DefaultFrameSize is the number of samples delivered per capture frame.
	DefaultFrameSize = 4096
)

// Frame is a block of floating-point samples delivered by a capture device.
// Samples are expected in [-1.0, 1.0]; values outside that range are clamped
// on encode. Frames are transient and are consumed immediately after encoding.
type Frame struct {
	// Samples holds interleaved samples. The pipeline only produces mono frames.
	Samples []float32

	// SampleRate in Hz of the device that produced the frame.
	SampleRate int

	// Channels: 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Chunk is an encoded, transport-ready block of 16-bit little-endian PCM
// together with a MIME-like tag describing its format
// (e.g. "audio/pcm;rate=16000").
type Chunk struct {
	Data     []byte
	MIMEType string
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// PCMMIMEType returns the MIME tag used for raw PCM at the given rate.
func PCMMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
