// Package wsconn holds the WebSocket plumbing shared by the JSON-over-WebSocket
// transports: dialing, the single reader loop, guarded writes and the
// close/lost bookkeeping that maps onto [s2s.Callbacks].
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// readLimit bounds one server message. Audio arrives as large base64 payloads.
const readLimit = 16 << 20

// pingTimeout bounds one keepalive round trip.
const pingTimeout = 5 * time.Second

// Conn is one JSON-over-WebSocket session. Its context lives until Close or
// Abort, independent of the context used to dial.
type Conn struct {
	name     string
	ws       *websocket.Conn
	notifier *s2s.Notifier

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	lost   bool
}

// Dial connects to url. name prefixes errors and log messages.
func Dial(ctx context.Context, name, url string, header http.Header, cb s2s.Callbacks) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", name, err)
	}
	ws.SetReadLimit(readLimit)

	cctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		name:     name,
		ws:       ws,
		notifier: s2s.NewNotifier(cb),
		ctx:      cctx,
		cancel:   cancel,
	}, nil
}

// Notifier returns the callback dispatcher of the session.
func (c *Conn) Notifier() *s2s.Notifier { return c.notifier }

// Await reads messages until match reports done or fails. Messages that are
// not valid JSON are skipped. Used during the handshake, before [Conn.Start].
func (c *Conn) Await(ctx context.Context, match func(raw []byte) (done bool, err error)) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if !json.Valid(data) {
			continue
		}
		done, err := match(data)
		if err != nil || done {
			return err
		}
	}
}

// WriteJSON sends v as one text frame bounded by ctx.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", c.name, err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Send writes v on the session context. It returns [s2s.ErrNotConnected]
// after Close or once the reader saw the connection end.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	gone := c.closed || c.lost
	c.mu.Unlock()
	if gone {
		return s2s.ErrNotConnected
	}
	if err := c.WriteJSON(c.ctx, v); err != nil {
		if c.ctx.Err() != nil {
			return s2s.ErrNotConnected
		}
		return fmt.Errorf("%s: send: %w", c.name, err)
	}
	return nil
}

// Start fires OnOpen and starts the reader, which hands every message to
// dispatch in wire order. A close frame ends the session through OnClose,
// any other read failure through OnError. A positive ping interval also
// starts keepalive pings.
func (c *Conn) Start(dispatch func(raw []byte), ping time.Duration) {
	c.notifier.Open()
	go c.read(dispatch)
	if ping > 0 {
		go c.keepalive(ping)
	}
}

func (c *Conn) read(dispatch func(raw []byte)) {
	defer c.markLost()
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.markLost()
			if status := websocket.CloseStatus(err); status != -1 {
				reason := status.String()
				var ce websocket.CloseError
				if errors.As(err, &ce) && ce.Reason != "" {
					reason = ce.Reason
				}
				c.notifier.Closed(reason)
				return
			}
			c.notifier.Fail(fmt.Errorf("%s: read: %w", c.name, err))
			return
		}
		if !json.Valid(data) {
			slog.Warn(c.name+": skipping malformed message", "bytes", len(data))
			continue
		}
		dispatch(data)
	}
}

func (c *Conn) keepalive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			if err := c.ws.Ping(ctx); err != nil && c.ctx.Err() == nil {
				slog.Debug(c.name+": ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *Conn) markLost() {
	c.mu.Lock()
	c.lost = true
	c.mu.Unlock()
}

// Abort tears down a connection whose handshake did not complete. No
// callback fires.
func (c *Conn) Abort(reason string) {
	c.notifier.Silence()
	c.cancel()
	_ = c.ws.Close(websocket.StatusInternalError, reason)
}

// Close sends a normal close frame. No callback fires once Close has begun.
// Repeated calls return nil.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.notifier.Silence()
	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
