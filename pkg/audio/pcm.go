package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedAudio is returned when a PCM byte stream cannot be split into
// whole 16-bit samples.
var ErrMalformedAudio = errors.New("audio: malformed pcm data")

// ErrUnsupportedChannelCount is returned by [NewBuffer] for channel counts
// other than 1 and 2.
var ErrUnsupportedChannelCount = errors.New("audio: unsupported channel count")

// ErrInvalidSampleRate is returned by [NewBuffer] for non-positive rates.
var ErrInvalidSampleRate = errors.New("audio: invalid sample rate")

// Encode clamps every sample of frame to [-1, 1], scales it to the signed
// 16-bit range and serialises the result little-endian. An empty frame yields
// an empty chunk.
func Encode(frame Frame) Chunk {
	out := make([]byte, len(frame.Samples)*2)
	for i, s := range frame.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	rate := frame.SampleRate
	if rate <= 0 {
		rate = CaptureSampleRate
	}
	return Chunk{Data: out, MIMEType: PCMMIMEType(rate)}
}

// Base64 returns the transport-safe text form of the chunk payload.
func (c Chunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// DecodeBase64 reverses [Chunk.Base64].
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// DecodePCM16 splits little-endian 16-bit PCM into samples. It returns
// [ErrMalformedAudio] when len(b) is odd.
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedAudio, len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// floatToInt16 clamps s to [-1, 1] and scales it asymmetrically so that -1
// maps to -32768 and +1 maps to 32767.
func floatToInt16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// Buffer is a decoded, playable block of normalised float samples split per
// channel. Buffers are immutable once built.
type Buffer struct {
	channels   [][]float32
	sampleRate int
}

// NewBuffer rescales int16 samples to [-1, 1) and de-interleaves them into a
// buffer of len(samples)/channels frames. For stereo input, even indices go to
// the left channel and odd indices to the right. Only 1 and 2 channels are
// supported.
func NewBuffer(samples []int16, sampleRate, channels int) (*Buffer, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChannelCount, channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleRate, sampleRate)
	}
	frames := len(samples) / channels
	data := make([][]float32, channels)
	for ch := range data {
		data[ch] = make([]float32, frames)
		for i := range frames {
			data[ch][i] = float32(samples[i*channels+ch]) / 32768
		}
	}
	return &Buffer{channels: data, sampleRate: sampleRate}, nil
}

// NumberOfChannels reports the channel count.
func (b *Buffer) NumberOfChannels() int { return len(b.channels) }

// SampleRate reports the sample rate in Hz.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Frames reports the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if len(b.channels) == 0 {
		return 0
	}
	return len(b.channels[0])
}

// Channel returns the samples of channel ch. The slice must not be modified.
func (b *Buffer) Channel(ch int) []float32 { return b.channels[ch] }

// Duration is Frames / SampleRate, rounded up to the nanosecond.
func (b *Buffer) Duration() time.Duration {
	return FramesToDuration(b.Frames(), b.sampleRate)
}

// FramesToDuration converts a frame count at rate Hz into a duration, rounding
// up to the next nanosecond so that DurationToFrames maps it back to exactly
// frames. Durations of consecutive buffers can then be summed into a schedule
// whose frame positions never fall short of the previous buffer's end.
func FramesToDuration(frames, rate int) time.Duration {
	if rate <= 0 || frames <= 0 {
		return 0
	}
	r := int64(rate)
	return time.Duration((int64(frames)*int64(time.Second) + r - 1) / r)
}

// DurationToFrames converts d into a frame count at rate Hz, rounding down.
func DurationToFrames(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}
