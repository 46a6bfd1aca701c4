package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultRecorderBuffer is the queue depth used when none is configured.
const DefaultRecorderBuffer = 64

// writeTimeout bounds a single store write.
const writeTimeout = 5 * time.Second

// ErrRecorderClosed is returned by [Recorder.Record] after Close.
var ErrRecorderClosed = errors.New("memory: recorder closed")

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithBuffer sets the queue depth. Entries recorded while the queue is full
// are dropped with a warning.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithOnDrop registers a callback invoked for every entry that could not be
// queued or written.
func WithOnDrop(fn func(TranscriptEntry, error)) RecorderOption {
	return func(r *Recorder) { r.onDrop = fn }
}

// Recorder writes the entries of one session to a [SessionStore] from a
// background goroutine, preserving the order in which they were recorded.
// Record never blocks the caller.
type Recorder struct {
	store     SessionStore
	sessionID string
	buffer    int
	onDrop    func(TranscriptEntry, error)

	mu     sync.Mutex
	closed bool
	queue  chan TranscriptEntry
	done   chan struct{}
}

// NewRecorder starts a recorder for sessionID.
func NewRecorder(store SessionStore, sessionID string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		buffer:    DefaultRecorderBuffer,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan TranscriptEntry, r.buffer)
	go r.run()
	return r
}

// Record enqueues entry. It returns false when the entry was dropped because
// the queue was full, and [ErrRecorderClosed] after Close.
func (r *Recorder) Record(entry TranscriptEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrRecorderClosed
	}
	select {
	case r.queue <- entry:
		return true, nil
	default:
		slog.Warn("memory: recorder queue full, dropping entry",
			"session_id", r.sessionID, "source", entry.Source.String())
		if r.onDrop != nil {
			r.onDrop(entry, errors.New("memory: recorder queue full"))
		}
		return false, nil
	}
}

// Close stops accepting entries and waits until every queued entry has been
// written or ctx is done. Close is idempotent.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.store.WriteEntry(ctx, r.sessionID, entry)
		cancel()
		if err != nil {
			slog.Warn("memory: failed to write transcript entry",
				"session_id", r.sessionID, "source", entry.Source.String(), "err", err)
			if r.onDrop != nil {
				r.onDrop(entry, err)
			}
		}
	}
}
