// Package playback schedules decoded model audio on an output device so that
// consecutive chunks play back to back without gaps or overlap, and clears
// everything at once when the user barges in.
//
// The [Scheduler] keeps a cursor on the device clock marking where the next
// chunk starts. Each committed chunk starts at max(cursor, now) and advances
// the cursor by its duration. [Scheduler.Interrupt] stops every scheduled
// voice and moves the cursor back to the device clock.
//
// Decoding may happen outside the scheduler lock. A caller that decodes
// asynchronously takes a [Ticket] before decoding and passes it to
// [Scheduler.Commit]; a ticket issued before the most recent interruption is
// rejected with [ErrStale] so that pre-interruption audio never plays.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrStale is returned by [Scheduler.Commit] for a ticket issued before
	// the latest interruption.
	ErrStale = errors.New("playback: chunk predates interruption")

	// ErrStopped is returned after [Scheduler.Stop].
	ErrStopped = errors.New("playback: scheduler stopped")
)

// Ticket records the interruption epoch at the time a chunk arrived.
type Ticket struct {
	epoch uint64
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithMetrics records scheduled units, interruptions and decode errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler owns the playback cursor and the set of active voices for one
// session. All methods are safe for concurrent use.
type Scheduler struct {
	out     audio.OutputDevice
	metrics *observe.Metrics

	mu      sync.Mutex
	cursor  time.Duration
	epoch   uint64
	nextID  uint64
	active  map[uint64]audio.Voice
	stopped bool
}

// New creates a scheduler playing on out. The cursor starts at the device's
// current time.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		cursor: out.Now(),
		active: make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ticket returns a ticket for a chunk that is about to be decoded.
func (s *Scheduler) Ticket() Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Ticket{epoch: s.epoch}
}

// Schedule decodes a 16-bit little-endian PCM chunk and commits it. Decode
// failures wrap [audio.ErrMalformedAudio] or [audio.ErrUnsupportedChannelCount]
// and leave the scheduler untouched.
func (s *Scheduler) Schedule(pcm []byte, sampleRate, channels int) (time.Duration, error) {
	t := s.Ticket()
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		s.decodeFailed()
		return 0, fmt.Errorf("playback: decode: %w", err)
	}
	buf, err := audio.NewBuffer(samples, sampleRate, channels)
	if err != nil {
		s.decodeFailed()
		return 0, fmt.Errorf("playback: decode: %w", err)
	}
	return s.Commit(t, buf)
}

// Commit schedules buf at max(cursor, device now) and advances the cursor by
// the buffer's duration. It returns the chosen start time.
func (s *Scheduler) Commit(t Ticket, buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, ErrStopped
	}
	if t.epoch != s.epoch {
		return 0, ErrStale
	}

	startAt := max(s.cursor, s.out.Now())
	id := s.nextID
	s.nextID++

	voice, err := s.out.Play(buf, startAt, func() { s.finished(id) })
	if err != nil {
		return 0, fmt.Errorf("playback: play: %w", err)
	}
	s.active[id] = voice
	s.cursor = startAt + buf.Duration()

	if s.metrics != nil {
		s.metrics.PlaybackUnits.Add(context.Background(), 1)
	}
	return startAt, nil
}

// Interrupt stops every scheduled or playing voice, clears the active set,
// resets the cursor to the device clock and invalidates outstanding tickets.
// It returns the number of voices stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.clearLocked()
	s.epoch++
	if !s.stopped {
		s.cursor = s.out.Now()
	}
	if s.metrics != nil {
		s.metrics.Interruptions.Add(context.Background(), 1)
	}
	return n
}

// Stop stops and clears all voices and rejects further commits. Stop is
// idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.epoch++
	s.stopped = true
}

// Active returns the number of voices that are scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the device time at which the next chunk would start if the
// device clock has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Scheduler) clearLocked() int {
	n := len(s.active)
	for id, v := range s.active {
		v.Stop()
		delete(s.active, id)
	}
	return n
}

// finished is the natural-completion callback of voice id.
func (s *Scheduler) finished(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

func (s *Scheduler) decodeFailed() {
	if s.metrics != nil {
		s.metrics.DecodeErrors.Add(context.Background(), 1)
	}
}
