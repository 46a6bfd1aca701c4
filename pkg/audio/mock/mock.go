// Package mock provides in-memory fakes of the [audio.Microphone],
// [audio.CaptureStream], [audio.Speaker] and [audio.OutputDevice] interfaces
// for use in unit tests.
//
// All fakes are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values. The output device runs on a
// manually advanced clock so scheduling can be asserted deterministically.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	spk := &mock.Speaker{}
//	// ... run the code under test ...
//	mic.Stream().Emit(audio.Frame{Samples: samples, SampleRate: 16000, Channels: 1})
//	spk.Device().Advance(100 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a fake [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open (e.g. wrap audio.ErrPermissionDenied).
	OpenErr error

	// StartErr is copied into every stream created by Open.
	StartErr error

	// OpenCalls records the format passed to each Open call.
	OpenCalls []audio.Format

	streams []*CaptureStream
}

// Open records the call and returns a new [CaptureStream] or OpenErr.
func (m *Microphone) Open(_ context.Context, format audio.Format, frameSize int) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, format)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	s := &CaptureStream{Format: format, FrameSize: frameSize, StartErr: m.StartErr}
	m.streams = append(m.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (m *Microphone) Stream() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// Streams returns all streams opened so far.
func (m *Microphone) Streams() []*CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*CaptureStream, len(m.streams))
	copy(out, m.streams)
	return out
}

var _ audio.Microphone = (*Microphone)(nil)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a fake [audio.CaptureStream]. Frames are injected with Emit.
type CaptureStream struct {
	mu sync.Mutex

	// Format and FrameSize are the values passed to Microphone.Open.
	Format    audio.Format
	FrameSize int

	// StartErr, StopErr and CloseErr control return values.
	StartErr error
	StopErr  error
	CloseErr error

	StartCount int
	StopCount  int
	CloseCount int

	onFrame func(audio.Frame)
	running bool
}

// Start records the call and stores onFrame for Emit.
func (s *CaptureStream) Start(onFrame func(audio.Frame)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCount++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onFrame = onFrame
	s.running = true
	return nil
}

// Stop records the call. Subsequent Emit calls are ignored.
func (s *CaptureStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCount++
	s.running = false
	s.onFrame = nil
	return s.StopErr
}

// Close records the call and returns CloseErr.
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	s.running = false
	s.onFrame = nil
	return s.CloseErr
}

// Emit delivers frame to the registered callback as the device would.
// It reports whether the frame was delivered.
func (s *CaptureStream) Emit(frame audio.Frame) bool {
	s.mu.Lock()
	cb := s.onFrame
	running := s.running
	s.mu.Unlock()
	if !running || cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Counts returns the start, stop and close counters in one locked read.
func (s *CaptureStream) Counts() (start, stop, close int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCount, s.StopCount, s.CloseCount
}

var _ audio.CaptureStream = (*CaptureStream)(nil)

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a fake [audio.Speaker] returning [OutputDevice] values.
type Speaker struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// CloseErr is copied into every device created by Open.
	CloseErr error

	// Start is the initial clock value of new devices.
	Start time.Duration

	devices []*OutputDevice
}

// Open returns a new [OutputDevice] or OpenErr.
func (s *Speaker) Open(_ context.Context, format audio.Format) (audio.OutputDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	d := &OutputDevice{Format: format, now: s.Start, CloseErr: s.CloseErr}
	s.devices = append(s.devices, d)
	return d, nil
}

// Device returns the most recently opened device, or nil.
func (s *Speaker) Device() *OutputDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) == 0 {
		return nil
	}
	return s.devices[len(s.devices)-1]
}

var _ audio.Speaker = (*Speaker)(nil)

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// PlayCall records a single invocation of OutputDevice.Play.
type PlayCall struct {
	Buffer *audio.Buffer
	At     time.Duration
	Voice  *Voice
}

// OutputDevice is a fake [audio.OutputDevice] with a manual clock. Voices end
// naturally when [OutputDevice.Advance] moves the clock past their end.
type OutputDevice struct {
	mu sync.Mutex

	Format audio.Format

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// CloseErr is returned by Close.
	CloseErr error

	// PlayCalls records every Play call in order.
	PlayCalls []PlayCall

	CloseCount int

	now    time.Duration
	closed bool
}

// Now returns the manual clock value.
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Play records the call and returns a [Voice].
func (d *OutputDevice) Play(buf *audio.Buffer, at time.Duration, ended func()) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PlayErr != nil {
		return nil, d.PlayErr
	}
	if d.closed {
		return nil, audio.ErrDeviceClosed
	}
	start := at
	if start < d.now {
		start = d.now
	}
	v := &Voice{Start: start, End: start + buf.Duration(), ended: ended}
	d.PlayCalls = append(d.PlayCalls, PlayCall{Buffer: buf, At: at, Voice: v})
	return v, nil
}

// Advance moves the clock forward by dt and fires ended for every voice whose
// end time has been reached and which was not stopped.
func (d *OutputDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	d.now += dt
	now := d.now
	var finished []*Voice
	for _, c := range d.PlayCalls {
		if c.Voice.finishAt(now) {
			finished = append(finished, c.Voice)
		}
	}
	d.mu.Unlock()

	for _, v := range finished {
		if v.ended != nil {
			v.ended()
		}
	}
}

// Set moves the clock to an absolute value without firing callbacks.
func (d *OutputDevice) Set(now time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Close records the call and stops all voices.
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCount++
	d.closed = true
	for _, c := range d.PlayCalls {
		c.Voice.Stop()
	}
	return d.CloseErr
}

// Calls returns a copy of the recorded Play calls.
func (d *OutputDevice) Calls() []PlayCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PlayCall, len(d.PlayCalls))
	copy(out, d.PlayCalls)
	return out
}

// Closes returns the number of Close calls.
func (d *OutputDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CloseCount
}

var _ audio.OutputDevice = (*OutputDevice)(nil)

// ─── Voice ────────────────────────────────────────────────────────────────────

// Voice is the fake [audio.Voice] handed out by [OutputDevice.Play].
type Voice struct {
	mu sync.Mutex

	// Start and End are the effective device times of the voice.
	Start time.Duration
	End   time.Duration

	stopped bool
	done    bool
	ended   func()
}

// Stop marks the voice as stopped.
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.done {
		v.stopped = true
	}
}

// Stopped reports whether Stop cut the voice short.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Finished reports whether the voice ended naturally.
func (v *Voice) Finished() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.done
}

func (v *Voice) finishAt(now time.Duration) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped || v.done || now < v.End {
		return false
	}
	v.done = true
	return true
}

var _ audio.Voice = (*Voice)(nil)
