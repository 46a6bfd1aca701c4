package mixer

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Timeline)(nil)

const (
	// DefaultPeriod is the amount of audio rendered per tick when no explicit
	// period is configured via [WithPeriod].
	DefaultPeriod = 20 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the pending queue.
	defaultQueueCap = 16
)

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithPeriod sets how much audio each render tick produces. A period of zero
// disables the background render loop; the caller then drives the timeline
// with [Timeline.Step]. Tests use this for deterministic output.
func WithPeriod(d time.Duration) Option {
	return func(t *Timeline) {
		t.period = d
	}
}

// WithQueueCapacity sets the initial capacity hint for the pending queue. This
// does not impose a hard limit; the queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.pending = make(voiceHeap, 0, n)
		}
	}
}

// voice is one scheduled buffer. start is expressed in output frames.
type voice struct {
	tl      *Timeline
	buf     *audio.Buffer
	start   int64
	length  int64
	seq     uint64
	ended   func()
	stopped bool
}

// Stop removes the voice from the timeline. Its ended callback will not fire.
func (v *voice) Stop() {
	v.tl.mu.Lock()
	defer v.tl.mu.Unlock()
	v.stopped = true
}

// Timeline is an [audio.OutputDevice] whose clock is the number of frames it
// has rendered so far. Voices are mixed additively, so overlapping schedules
// are audible as overlap rather than being queued.
//
// Buffers whose sample rate or channel count differ from the output format are
// converted on the fly with linear interpolation and channel up/down-mixing.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	sink   io.Writer
	format audio.Format
	period time.Duration

	mu       sync.Mutex
	pending  voiceHeap
	active   []*voice
	seq      uint64
	rendered int64 // output frames written so far
	closed   bool

	writeMu sync.Mutex // serialises sink writes
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a [Timeline] that writes mixed audio in format to sink. Unless
// [WithPeriod](0) is given, a background goroutine renders one period of audio
// per tick until [Timeline.Close] is called.
//
// If sink implements [io.Closer] it is closed by [Timeline.Close].
func New(sink io.Writer, format audio.Format, opts ...Option) (*Timeline, error) {
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("mixer: %w: %d", audio.ErrInvalidSampleRate, format.SampleRate)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return nil, fmt.Errorf("mixer: %w: %d", audio.ErrUnsupportedChannelCount, format.Channels)
	}
	t := &Timeline{
		sink:    sink,
		format:  format,
		period:  DefaultPeriod,
		pending: make(voiceHeap, 0, defaultQueueCap),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	heap.Init(&t.pending)
	if t.period > 0 {
		t.wg.Add(1)
		go t.run()
	}
	return t, nil
}

// Format returns the output format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now returns the duration of audio rendered so far. It never decreases.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.FramesToDuration(int(t.rendered), t.format.SampleRate)
}

// Play schedules buf to start at device time at. Times in the past start on
// the next rendered frame. ended fires once, from the render goroutine, when
// the buffer has been fully rendered; it does not fire after Stop or Close.
func (t *Timeline) Play(buf *audio.Buffer, at time.Duration, ended func()) (audio.Voice, error) {
	if buf == nil {
		return nil, errors.New("mixer: nil buffer")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, audio.ErrDeviceClosed
	}

	// Both start and length round down. floor(a)+floor(b) <= floor(a+b), so a
	// voice scheduled at the end time of another never starts inside it.
	start := int64(audio.DurationToFrames(at, t.format.SampleRate))
	if start < t.rendered {
		start = t.rendered
	}
	t.seq++
	v := &voice{
		tl:     t,
		buf:    buf,
		start:  start,
		length: int64(audio.DurationToFrames(buf.Duration(), t.format.SampleRate)),
		seq:    t.seq,
		ended:  ended,
	}
	heap.Push(&t.pending, v)
	return v, nil
}

// Step renders d worth of audio synchronously and writes it to the sink. It is
// the manual counterpart of the background loop.
func (t *Timeline) Step(d time.Duration) error {
	n := audio.DurationToFrames(d, t.format.SampleRate)
	if n <= 0 {
		return nil
	}
	return t.renderAndWrite(n)
}

// Close stops the render loop, drops every pending and active voice without
// firing their callbacks, and closes the sink if it is an [io.Closer]. Close
// is idempotent; subsequent calls are no-ops and return nil.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, v := range t.pending {
		v.stopped = true
	}
	for _, v := range t.active {
		v.stopped = true
	}
	t.pending = t.pending[:0]
	t.active = nil
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()

	if c, ok := t.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("mixer: close sink: %w", err)
		}
	}
	return nil
}

// run is the background render loop. A failing sink is logged once and ends
// the loop; voices stay scheduled but no longer advance.
func (t *Timeline) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	frames := audio.DurationToFrames(t.period, t.format.SampleRate)
	if frames <= 0 {
		frames = 1
	}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.renderAndWrite(frames); err != nil {
				slog.Warn("mixer: render loop stopped", "err", err)
				return
			}
		}
	}
}

func (t *Timeline) renderAndWrite(frames int) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	pcm, finished, err := t.render(frames)
	if err != nil {
		return err
	}
	for _, v := range finished {
		if v.ended != nil {
			v.ended()
		}
	}
	if _, err := t.sink.Write(pcm); err != nil {
		return fmt.Errorf("mixer: write sink: %w", err)
	}
	return nil
}

// render mixes the next frames output frames. It returns the interleaved PCM
// and the voices that completed naturally within the window.
func (t *Timeline) render(frames int) ([]byte, []*voice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, audio.ErrDeviceClosed
	}

	from := t.rendered
	to := from + int64(frames)

	for t.pending.Len() > 0 && t.pending[0].start < to {
		v := heap.Pop(&t.pending).(*voice)
		if !v.stopped {
			t.active = append(t.active, v)
		}
	}

	outCh := t.format.Channels
	mix := make([]float32, frames*outCh)

	var finished []*voice
	kept := t.active[:0]
	for _, v := range t.active {
		if v.stopped {
			continue
		}
		t.mixVoice(mix, v, from, to)
		if v.start+v.length <= to {
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(t.active); i++ {
		t.active[i] = nil
	}
	t.active = kept
	t.rendered = to

	out := make([]byte, len(mix)*2)
	for i, s := range mix {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out, finished, nil
}

// mixVoice adds the part of v that overlaps [from, to) into mix.
func (t *Timeline) mixVoice(mix []float32, v *voice, from, to int64) {
	outCh := t.format.Channels
	ratio := float64(v.buf.SampleRate()) / float64(t.format.SampleRate)
	srcFrames := v.buf.Frames()

	lo := max(from, v.start)
	hi := min(to, v.start+v.length)
	for pos := lo; pos < hi; pos++ {
		srcPos := float64(pos-v.start) * ratio
		i := int(pos - from)
		for ch := range outCh {
			mix[i*outCh+ch] += sampleAt(v.buf, ch, outCh, srcPos, srcFrames)
		}
	}
}

// sampleAt returns the linearly interpolated value of buf at srcPos for output
// channel ch. Mono sources are duplicated; stereo sources are averaged into a
// mono output.
func sampleAt(buf *audio.Buffer, ch, outCh int, srcPos float64, srcFrames int) float32 {
	idx := int(srcPos)
	if idx >= srcFrames {
		return 0
	}
	frac := float32(srcPos - float64(idx))
	read := func(c int) float32 {
		data := buf.Channel(c)
		s0 := data[idx]
		s1 := s0
		if idx+1 < srcFrames {
			s1 = data[idx+1]
		}
		return s0*(1-frac) + s1*frac
	}

	inCh := buf.NumberOfChannels()
	switch {
	case inCh == outCh:
		return read(ch)
	case inCh == 1:
		return read(0)
	default:
		var sum float32
		for c := range inCh {
			sum += read(c)
		}
		return sum / float32(inCh)
	}
}

func toInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}
