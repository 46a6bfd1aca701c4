// Package capture moves microphone frames to the remote transport.
//
// A [Pipeline] accepts frames from the capture device callback through
// [Pipeline.Push], which never blocks: at most one frame waits for the
// sender and frames arriving while that slot is occupied are dropped.
// A single worker goroutine encodes each frame to 16-bit PCM, resamples it to
// the transport's input rate and hands it to the [Sender]. Send failures are
// reported through the error callback and never stop capture.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// Sender transmits encoded chunks. [s2s.Session] satisfies it.
type Sender interface {
	Send(chunk audio.Chunk) error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithTargetRate sets the sample rate the sender expects. Frames captured at
// a different rate are resampled. Defaults to [audio.CaptureSampleRate].
func WithTargetRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.targetRate = rate
		}
	}
}

// WithOnError registers the callback receiving send failures. It is invoked
// from the worker goroutine, never from Push.
func WithOnError(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// WithMetrics records frame outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Stats counts frame outcomes since the pipeline was created.
type Stats struct {
	Sent    int64
	Dropped int64
	Failed  int64
}

// Pipeline encodes and forwards captured frames. Create it with [New]; it
// starts idle and accepts frames only after [Pipeline.Start].
type Pipeline struct {
	sender     Sender
	targetRate int
	onError    func(error)
	metrics    *observe.Metrics

	slot chan audio.Frame
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool

	sent, dropped, failed atomic.Int64
}

// New creates an idle pipeline sending to sender.
func New(sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		sender:     sender,
		targetRate: audio.CaptureSampleRate,
		slot:       make(chan audio.Frame, 1),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the worker goroutine. Calling Start more than once, or after
// Close, has no effect.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.run()
}

// Push offers a frame for transmission. It returns false when the frame was
// dropped because the previous frame is still in flight, or because the
// pipeline is not running. Push never blocks and is safe to call from a
// device callback.
func (p *Pipeline) Push(frame audio.Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.closed {
		return false
	}
	select {
	case p.slot <- frame:
		return true
	default:
		p.dropped.Add(1)
		p.record(observe.FrameDropped)
		return false
	}
}

// Close stops the worker and discards any frame that has not been handed to
// the sender yet. It waits for an in-flight send to return. Close is
// idempotent.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()

	select {
	case <-p.slot:
	default:
	}
}

// Stats returns the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{Sent: p.sent.Load(), Dropped: p.dropped.Load(), Failed: p.failed.Load()}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case frame := <-p.slot:
			// Close may have raced the receive.
			select {
			case <-p.done:
				return
			default:
			}
			p.send(frame)
		}
	}
}

func (p *Pipeline) send(frame audio.Frame) {
	chunk := p.encode(frame)
	if err := p.sender.Send(chunk); err != nil {
		p.failed.Add(1)
		p.record(observe.FrameFailed)
		slog.Warn("capture: send failed", "err", err, "bytes", len(chunk.Data))
		if p.onError != nil {
			p.onError(err)
		}
		return
	}
	p.sent.Add(1)
	p.record(observe.FrameSent)
}

// encode converts frame to a mono PCM chunk at the target rate.
func (p *Pipeline) encode(frame audio.Frame) audio.Chunk {
	if frame.SampleRate <= 0 {
		frame.SampleRate = p.targetRate
	}
	return audio.Encode(audio.Resample(audio.Downmix(frame), p.targetRate))
}

func (p *Pipeline) record(outcome string) {
	if p.metrics != nil {
		p.metrics.RecordCaptureFrame(context.Background(), outcome)
	}
}
