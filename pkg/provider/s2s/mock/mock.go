// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Open calls and obtain controllable sessions. Use
// Session to inject server events and inspect which chunks were sent.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Open(ctx, cfg, callbacks)
//	p.Session().Emit(s2s.Event{Kind: s2s.EventInterrupted})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg s2s.Config
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// BlockOpen, if non-nil, makes Open wait until the channel is closed or
	// ctx is done. Used to exercise teardown while connecting.
	BlockOpen chan struct{}

	// SendErr is copied into every session created by Open.
	SendErr error

	// ProviderCapabilities is returned by Capabilities. Zero rates default to
	// 16 kHz input and 24 kHz output.
	ProviderCapabilities s2s.Capabilities

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	sessions []*Session
}

// Open records the call, fires OnOpen and returns a new [Session].
func (p *Provider) Open(ctx context.Context, cfg s2s.Config, cb s2s.Callbacks) (s2s.Session, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	block := p.BlockOpen
	openErr := p.OpenErr
	sendErr := p.SendErr
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	s := &Session{notifier: s2s.NewNotifier(cb), SendErr: sendErr}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	s.notifier.Open()
	return s, nil
}

// Capabilities returns ProviderCapabilities with defaults applied.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.ProviderCapabilities
	if caps.InputSampleRate == 0 {
		caps.InputSampleRate = audio.CaptureSampleRate
	}
	if caps.OutputSampleRate == 0 {
		caps.OutputSampleRate = audio.PlaybackSampleRate
	}
	return caps
}

// Session returns the most recently opened session, or nil.
func (p *Provider) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Calls returns a copy of the recorded Open calls.
func (p *Provider) Calls() []OpenCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OpenCall, len(p.OpenCalls))
	copy(out, p.OpenCalls)
	return out
}

var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.Session.
type Session struct {
	mu sync.Mutex

	notifier *s2s.Notifier

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// CloseErr is returned by Close.
	CloseErr error

	sent       []audio.Chunk
	closeCount int
	closed     bool
	sentCh     chan audio.Chunk
}

// Send records chunk. After Close or a terminal event it returns
// s2s.ErrNotConnected.
func (s *Session) Send(chunk audio.Chunk) error {
	s.mu.Lock()
	if s.closed || s.notifier.Finished() {
		s.mu.Unlock()
		return s2s.ErrNotConnected
	}
	if s.SendErr != nil {
		err := s.SendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, chunk)
	ch := s.sentCh
	s.mu.Unlock()

	if ch != nil {
		select {
		case ch <- chunk:
		default:
		}
	}
	return nil
}

// Close records the call. It is idempotent and fires no callbacks.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if !s.closed {
		s.closed = true
		s.notifier.Silence()
	}
	return s.CloseErr
}

// Emit delivers ev to OnMessage as the receive loop would.
func (s *Session) Emit(ev s2s.Event) {
	s.notifier.Message(ev)
}

// Fail delivers a transport error to OnError.
func (s *Session) Fail(err error) {
	s.notifier.Fail(err)
}

// RemoteClose delivers a remote close to OnClose.
func (s *Session) RemoteClose(reason string) {
	s.notifier.Closed(reason)
}

// Sent returns a copy of the chunks accepted by Send.
func (s *Session) Sent() []audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Chunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// Notify returns a channel that receives every chunk accepted by Send after
// the call. The channel has room for n chunks; extra chunks are not queued.
func (s *Session) Notify(n int) <-chan audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentCh = make(chan audio.Chunk, n)
	return s.sentCh
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

var _ s2s.Session = (*Session)(nil)
