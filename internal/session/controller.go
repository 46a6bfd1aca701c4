// Package session runs one live voice conversation end to end.
//
// A [Controller] owns the session lifecycle: it acquires the output device,
// the microphone and the transport, wires the capture pipeline into the
// transport and the transport's events into the playback scheduler and the
// turn aggregator, and releases everything again in a fixed order on stop,
// on failure and on remote close.
//
// Only one session runs per Controller. All state mutations happen under a
// single mutex; callbacks from a session that has already been torn down are
// recognised by identity and ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Defaults applied by [New] to zero [Config] fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultFlushTimeout     = 5 * time.Second
)

// Config holds the per-session settings.
type Config struct {
	// Transport is sent to the endpoint during the handshake.
	Transport s2s.Config

	// TransportName labels connect metrics.
	TransportName string

	// CaptureRate is the rate the microphone is opened at.
	CaptureRate int

	// FrameSize is the number of samples per captured frame.
	FrameSize int

	// Output is the format the output device is opened with.
	Output audio.Format

	// HandshakeTimeout bounds the transport handshake.
	HandshakeTimeout time.Duration

	// FlushTimeout bounds how long teardown waits for pending transcript
	// writes.
	FlushTimeout time.Duration
}

// Status is a snapshot of the controller state.
type Status struct {
	State State

	// SessionID identifies the running or failed session. Empty when Idle.
	SessionID string

	// Message is the user-facing explanation for Error and Closed.
	Message string

	// Err is the cause of an Error state.
	Err error
}

// Option configures a [Controller].
type Option func(*Controller)

// WithStore persists every finalized transcript entry to store.
func WithStore(store memory.SessionStore) Option {
	return func(c *Controller) { c.store = store }
}

// WithCorrector post-processes the user side of finalized turns.
func WithCorrector(corr transcript.Corrector) Option {
	return func(c *Controller) { c.corrector = corr }
}

// WithMetrics records session metrics on m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithOnState registers a listener for state changes.
func WithOnState(fn func(Status)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithOnEntry registers a listener for finalized transcript entries. It is
// called in transcript order.
func WithOnEntry(fn func(memory.TranscriptEntry)) Option {
	return func(c *Controller) { c.onEntry = fn }
}

// WithIDGenerator overrides the session ID source. Defaults to random UUIDs.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// Controller is the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	transport s2s.Provider
	mic       audio.Microphone
	speaker   audio.Speaker
	cfg       Config

	store     memory.SessionStore
	corrector transcript.Corrector
	metrics   *observe.Metrics
	onState   func(Status)
	onEntry   func(memory.TranscriptEntry)
	newID     func() string

	mu         sync.Mutex
	status     Status
	cur        *run
	transcript []memory.TranscriptEntry

	// notifyMu serialises onState calls outside mu.
	notifyMu sync.Mutex
}

// New returns an Idle controller.
func New(transport s2s.Provider, mic audio.Microphone, speaker audio.Speaker, cfg Config, opts ...Option) *Controller {
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = audio.CaptureSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.Output.SampleRate <= 0 {
		cfg.Output.SampleRate = audio.PlaybackSampleRate
	}
	if cfg.Output.Channels <= 0 {
		cfg.Output.Channels = 1
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}

	c := &Controller{
		transport: transport,
		mic:       mic,
		speaker:   speaker,
		cfg:       cfg,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Status returns the current state snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Transcript returns a copy of the current session's transcript log. The log
// is cleared when a new session starts.
func (c *Controller) Transcript() []memory.TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]memory.TranscriptEntry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Start opens a new session and blocks until audio is streaming or the start
// failed. It is a no-op while a session is Connecting or Connected, and
// returns [ErrNotIdle] after Error or Closed until [Controller.Stop] resets
// the controller.
//
// On failure every resource acquired so far is released, the controller
// moves to Error and the returned error wraps one of [ErrPermissionDenied],
// [ErrOutput] or [ErrConnection].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.status.State {
	case Connecting, Connected:
		c.mu.Unlock()
		return nil
	case Error, Closed:
		c.mu.Unlock()
		return ErrNotIdle
	}
	r := c.newRun(ctx)
	c.cur = r
	c.transcript = nil
	st := c.transitionLocked(Connecting, r.id, "", nil)
	c.mu.Unlock()
	c.notify(st)

	if err := c.acquire(ctx, r); err != nil {
		return c.end(r, Error, err)
	}

	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return ErrAborted
	}
	st = c.transitionLocked(Connected, r.id, "", nil)
	c.mu.Unlock()
	c.notify(st)
	return nil
}

// Stop tears down the running session, if any, and returns the controller to
// Idle. Calling Stop when Idle does nothing and returns nil. The returned
// error joins any release failures; every resource is released regardless.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	c.cur = nil
	if r == nil && c.status.State == Idle {
		c.mu.Unlock()
		return nil
	}
	st := c.transitionLocked(Idle, "", "", nil)
	c.mu.Unlock()

	var err error
	if r != nil {
		err = r.teardown(ctx)
	}
	c.notify(st)
	return err
}

// ── Lifecycle internals ──────────────────────────────────────────────────────

// acquire opens the output device, the microphone and the transport in that
// order and starts streaming. Each resource is handed to r as soon as it is
// acquired so a failure or a concurrent stop releases it.
func (c *Controller) acquire(ctx context.Context, r *run) error {
	out, err := c.speaker.Open(r.ctx, c.cfg.Output)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutput, err)
	}
	sched := playback.New(out, playback.WithMetrics(c.metrics))
	if !r.adopt(out.Close, func() { r.output, r.sched = out, sched }) {
		return ErrAborted
	}

	stream, err := c.mic.Open(r.ctx, audio.Format{SampleRate: c.cfg.CaptureRate, Channels: 1}, c.cfg.FrameSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if !r.adopt(stream.Close, func() { r.stream = stream }) {
		return ErrAborted
	}

	caps := c.transport.Capabilities()
	r.outputRate = caps.OutputSampleRate

	hctx, cancel := context.WithTimeout(r.ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	defer context.AfterFunc(ctx, cancel)()

	started := time.Now()
	sess, err := c.transport.Open(hctx, c.cfg.Transport, s2s.Callbacks{
		OnMessage: func(ev s2s.Event) { c.handle(r, ev) },
		OnError: func(err error) {
			_ = c.end(r, Error, fmt.Errorf("%w: %w", ErrConnection, err))
		},
		OnClose: func(reason string) {
			r.log.Info("session: closed by remote", "reason", reason)
			_ = c.end(r, Closed, nil)
		},
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.RecordConnect(r.ctx, c.cfg.TransportName, outcome, time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if !r.adopt(sess.Close, func() { r.transport = sess }) {
		return ErrAborted
	}

	p := capture.New(sess,
		capture.WithTargetRate(caps.InputSampleRate),
		capture.WithMetrics(c.metrics),
	)
	if !r.adopt(func() error { p.Close(); return nil }, func() { r.pipeline = p }) {
		return ErrAborted
	}
	p.Start()
	if err := stream.Start(func(f audio.Frame) { p.Push(f) }); err != nil {
		return fmt.Errorf("%w: start capture: %w", ErrPermissionDenied, err)
	}
	return nil
}

// end moves r's session into the terminal state and releases its resources.
// It is a no-op returning [ErrAborted] when r is no longer the current
// session.
func (c *Controller) end(r *run, state State, cause error) error {
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		_ = r.teardown(context.Background())
		if cause == nil || errors.Is(cause, ErrAborted) {
			return ErrAborted
		}
		return fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	c.cur = nil
	msg := MessageClosed
	if state == Error {
		msg = messageFor(cause)
		r.log.Error("session: failed", "err", cause)
		r.span.RecordError(cause)
	}
	st := c.transitionLocked(state, r.id, msg, cause)
	c.mu.Unlock()

	_ = r.teardown(context.Background())
	c.notify(st)
	return cause
}

func (c *Controller) transitionLocked(to State, id, msg string, err error) Status {
	from := c.status.State
	c.status = Status{State: to, SessionID: id, Message: msg, Err: err}
	c.metrics.RecordTransition(context.Background(), from.String(), to.String())
	slog.Info("session: state changed", "from", from.String(), "to", to.String(), "session_id", id)
	return c.status
}

func (c *Controller) notify(st Status) {
	if c.onState == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onState(st)
}

func messageFor(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return MessagePermission
	case errors.Is(err, ErrOutput):
		return MessageOutput
	default:
		return MessageConnection
	}
}

// ── Event handling ───────────────────────────────────────────────────────────

// handle dispatches one server event. Transports deliver events for a session
// sequentially, so handle never runs concurrently with itself for one run.
func (c *Controller) handle(r *run, ev s2s.Event) {
	switch ev.Kind {
	case s2s.EventInputTranscript:
		r.agg.AddInput(ev.Text)
	case s2s.EventOutputTranscript:
		r.agg.AddOutput(ev.Text)
	case s2s.EventTurnComplete:
		c.commit(r, r.agg.Complete())
	case s2s.EventAudio:
		c.play(r, ev)
	case s2s.EventInterrupted:
		n := r.sched.Interrupt()
		r.log.Debug("session: playback interrupted", "stopped", n)
	case s2s.EventError:
		_ = c.end(r, Error, fmt.Errorf("%w: code %d: %s", ErrRemote, ev.Code, ev.Text))
	default:
		r.log.Debug("session: ignoring event", "kind", ev.Kind.String())
	}
}

func (c *Controller) play(r *run, ev s2s.Event) {
	idx := r.chunks
	r.chunks++

	rate := ev.SampleRate
	if rate <= 0 {
		rate = r.outputRate
	}
	channels := ev.Channels
	if channels <= 0 {
		channels = 1
	}
	_, err := r.sched.Schedule(ev.Audio, rate, channels)
	switch {
	case err == nil:
	case errors.Is(err, playback.ErrStopped), errors.Is(err, playback.ErrStale):
		r.log.Debug("session: audio chunk discarded", "chunk", idx, "err", err)
	default:
		r.log.Warn("session: dropping undecodable audio chunk", "chunk", idx, "err", err)
	}
}

// commit appends finalized entries to the transcript log, persists them and
// notifies the entry listener.
func (c *Controller) commit(r *run, entries []memory.TranscriptEntry) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	c.transcript = append(c.transcript, entries...)
	c.mu.Unlock()

	for _, e := range entries {
		if r.rec != nil {
			if _, err := r.rec.Record(e); err != nil {
				r.log.Warn("session: transcript entry not recorded", "err", err)
			}
		}
		c.metrics.RecordTurn(r.ctx, e.Source.String())
		if c.onEntry != nil {
			c.onEntry(e)
		}
	}
}

// ── Per-session context ──────────────────────────────────────────────────────

// run holds everything one session owns. Resources are set through adopt as
// they are acquired and released exactly once by teardown.
type run struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	log     *slog.Logger
	metrics *observe.Metrics
	flush   time.Duration

	agg *transcript.Aggregator
	rec *memory.Recorder

	// Written before the transport opens, read by the event handler.
	sched      *playback.Scheduler
	outputRate int
	chunks     int

	mu        sync.Mutex
	torn      bool
	transport s2s.Session
	stream    audio.CaptureStream
	pipeline  *capture.Pipeline
	output    audio.OutputDevice
}

func (c *Controller) newRun(parent context.Context) *run {
	id := c.newID()
	spanCtx, span := observe.StartSessionSpan(context.WithoutCancel(parent), id, c.cfg.TransportName)
	ctx, cancel := context.WithCancel(spanCtx)

	r := &run{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		log:     observe.Logger(ctx).With("session_id", id),
		metrics: c.metrics,
		flush:   c.cfg.FlushTimeout,
	}

	var aggOpts []transcript.Option
	if c.corrector != nil {
		aggOpts = append(aggOpts, transcript.WithCorrector(c.corrector))
	}
	r.agg = transcript.NewAggregator(aggOpts...)

	if c.store != nil {
		r.rec = memory.NewRecorder(c.store, id)
	}
	c.metrics.ActiveSessions.Add(ctx, 1)
	return r
}

// adopt hands an acquired resource to r. When r was already torn down the
// resource is released immediately and adopt reports false.
func (r *run) adopt(release func() error, set func()) bool {
	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		if err := release(); err != nil {
			r.log.Warn("session: release after abort failed", "err", err)
		}
		return false
	}
	set()
	r.mu.Unlock()
	return true
}

// teardown releases the session in fixed order: transport, microphone
// stream, capture pipeline, microphone device, output device, scheduled
// playback. Every step runs even when an earlier one fails. Only the first
// call does anything.
func (r *run) teardown(ctx context.Context) error {
	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return nil
	}
	r.torn = true
	tr, stream, p, out, sched := r.transport, r.stream, r.pipeline, r.output, r.sched
	r.mu.Unlock()

	var errs []error
	release := func(what string, fn func() error) {
		if err := fn(); err != nil {
			r.log.Warn("session: release failed", "resource", what, "err", err)
			errs = append(errs, fmt.Errorf("session: release %s: %w", what, err))
		}
	}

	if tr != nil {
		release("transport", tr.Close)
	}
	if stream != nil {
		release("capture stream", stream.Stop)
	}
	if p != nil {
		p.Close()
	}
	if stream != nil {
		release("microphone", stream.Close)
	}
	if out != nil {
		release("output device", out.Close)
	}
	if sched != nil {
		sched.Stop()
	}
	r.agg.Reset()

	if r.rec != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.flush)
		if err := r.rec.Close(fctx); err != nil {
			r.log.Warn("session: transcript flush incomplete", "err", err)
		}
		cancel()
	}

	r.cancel()
	r.span.End()
	r.metrics.ActiveSessions.Add(context.Background(), -1)
	r.log.Debug("session: resources released", "errors", len(errs))
	return errors.Join(errs...)
}
