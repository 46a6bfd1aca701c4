// Package wstest runs scripted WebSocket peers for transport tests and
// records the [s2s.Callbacks] a session delivers.
package wstest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Timeout bounds every blocking helper.
const Timeout = 3 * time.Second

// Peer is the server side of one test connection.
type Peer struct {
	t    *testing.T
	Conn *websocket.Conn
	Req  *http.Request
}

// Serve starts a server that runs script for every accepted connection and
// returns its ws:// URL. The server stops when the test ends.
func Serve(t *testing.T, script func(p *Peer)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		script(&Peer{t: t, Conn: conn, Req: r})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// Read decodes the next client message into a generic map.
func (p *Peer) Read() map[string]any {
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	_, data, err := p.Conn.Read(ctx)
	if err != nil {
		p.t.Errorf("wstest: read: %v", err)
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		p.t.Errorf("wstest: decode %s: %v", data, err)
	}
	return m
}

// Write sends v as one JSON text frame. Write errors are logged only, since
// the client may already have gone away.
func (p *Peer) Write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.t.Errorf("wstest: encode: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	if err := p.Conn.Write(ctx, websocket.MessageText, data); err != nil {
		p.t.Logf("wstest: write: %v", err)
	}
}

// Hold blocks until the client closes the connection.
func (p *Peer) Hold() {
	<-p.Conn.CloseRead(context.Background()).Done()
}

// Hangup sends a close frame with the given status and reason.
func (p *Peer) Hangup(code websocket.StatusCode, reason string) {
	_ = p.Conn.Close(code, reason)
}

// Recorder collects callbacks in delivery order.
type Recorder struct {
	mu     sync.Mutex
	opens  int
	events []s2s.Event
	errs   []error
	closes []string
	tick   chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{tick: make(chan struct{}, 64)}
}

// Callbacks returns callbacks that feed r.
func (r *Recorder) Callbacks() s2s.Callbacks {
	record := func(fn func()) {
		r.mu.Lock()
		fn()
		r.mu.Unlock()
		r.tick <- struct{}{}
	}
	return s2s.Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
		},
		OnMessage: func(ev s2s.Event) { record(func() { r.events = append(r.events, ev) }) },
		OnError:   func(err error) { record(func() { r.errs = append(r.errs, err) }) },
		OnClose:   func(reason string) { record(func() { r.closes = append(r.closes, reason) }) },
	}
}

// Wait blocks until n more messages, errors or closes were delivered.
func (r *Recorder) Wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-r.tick:
		case <-time.After(Timeout):
			t.Fatalf("wstest: timed out waiting for %d callbacks", n)
		}
	}
}

func (r *Recorder) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

func (r *Recorder) Events() []s2s.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]s2s.Event(nil), r.events...)
}

// Kinds returns the kind of every delivered event.
func (r *Recorder) Kinds() []s2s.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]s2s.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *Recorder) Closes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closes...)
}
