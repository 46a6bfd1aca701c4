package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ audio.Microphone = (*Microphone)(nil)

// Microphone captures audio by running ffmpeg against a system input device
// and reading little-endian float32 samples from its stdout.
type Microphone struct {
	command     string
	inputFormat string
	inputDevice string
}

// MicrophoneOption configures a [Microphone].
type MicrophoneOption func(*Microphone)

// WithCommand overrides the ffmpeg executable.
func WithCommand(command string) MicrophoneOption {
	return func(m *Microphone) {
		if command != "" {
			m.command = command
		}
	}
}

// WithInput selects the ffmpeg input format (e.g. "pulse", "alsa",
// "avfoundation") and device name.
func WithInput(format, device string) MicrophoneOption {
	return func(m *Microphone) {
		if format != "" {
			m.inputFormat = format
		}
		if device != "" {
			m.inputDevice = device
		}
	}
}

// NewMicrophone creates an ffmpeg-backed [Microphone]. Defaults: command
// "ffmpeg", input format "pulse", device "default".
func NewMicrophone(opts ...MicrophoneOption) *Microphone {
	m := &Microphone{
		command:     "ffmpeg",
		inputFormat: "pulse",
		inputDevice: "default",
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open spawns ffmpeg for format. Access failures are reported as
// [audio.ErrPermissionDenied]. The returned stream delivers frames of
// frameSize samples per channel once started.
func (m *Microphone) Open(ctx context.Context, format audio.Format, frameSize int) (audio.CaptureStream, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = audio.CaptureSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	if frameSize <= 0 {
		frameSize = audio.DefaultFrameSize
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", m.inputFormat,
		"-i", m.inputDevice,
		"-ac", strconv.Itoa(format.Channels),
		"-ar", strconv.Itoa(format.SampleRate),
		"-f", "f32le",
		"-",
	}
	cmd := exec.CommandContext(ctx, m.command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("device: microphone stdout pipe: %w", err)
	}
	proc, err := startProcess(ctx, cmd)
	if err != nil {
		return nil, err
	}
	slog.Debug("microphone opened", "command", m.command, "format", format.String(), "frame_size", frameSize)

	return &captureStream{
		proc:      proc,
		stdout:    stdout,
		format:    format,
		frameSize: frameSize,
		done:      make(chan struct{}),
	}, nil
}

// captureStream reads frames from a running ffmpeg process.
type captureStream struct {
	proc      *process
	stdout    io.ReadCloser
	format    audio.Format
	frameSize int

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// Start begins delivering frames to onFrame from a reader goroutine.
func (s *captureStream) Start(onFrame func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return audio.ErrDeviceClosed
	}
	if s.started {
		return errors.New("device: capture already started")
	}
	s.started = true
	go s.read(onFrame)
	return nil
}

func (s *captureStream) read(onFrame func(audio.Frame)) {
	defer close(s.done)

	samples := s.frameSize * s.format.Channels
	raw := make([]byte, samples*4)
	var frames int
	for {
		if _, err := io.ReadFull(s.stdout, raw); err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				slog.Warn("microphone stream ended", "err", err)
			}
			return
		}
		out := make([]float32, samples)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		onFrame(audio.Frame{
			Samples:    out,
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  audio.FramesToDuration(frames*s.frameSize, s.format.SampleRate),
		})
		frames++
	}
}

// Stop terminates ffmpeg and waits for the reader goroutine to exit. No
// frames are delivered after Stop returns.
func (s *captureStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	err := s.proc.stop(s.stdout, false)
	if started {
		select {
		case <-s.done:
		case <-time.After(stopGrace):
			slog.Warn("microphone reader did not exit")
		}
	}
	return err
}

// Close releases the stream. It is equivalent to Stop.
func (s *captureStream) Close() error {
	return s.Stop()
}
