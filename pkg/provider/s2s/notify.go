package s2s

import "sync"

// Notifier serialises [Callbacks] delivery for one session and enforces the
// lifecycle rules: OnOpen at most once, nothing after a terminal OnError or
// OnClose, and nothing at all once the session is silenced by a local close.
//
// Transport implementations call it from their single receive goroutine.
type Notifier struct {
	cb Callbacks

	mu       sync.Mutex
	opened   bool
	finished bool
}

// NewNotifier wraps cb.
func NewNotifier(cb Callbacks) *Notifier {
	return &Notifier{cb: cb}
}

// Open fires OnOpen once.
func (n *Notifier) Open() {
	n.mu.Lock()
	if n.opened || n.finished {
		n.mu.Unlock()
		return
	}
	n.opened = true
	n.mu.Unlock()

	if n.cb.OnOpen != nil {
		n.cb.OnOpen()
	}
}

// Message fires OnMessage unless the session has finished.
func (n *Notifier) Message(ev Event) {
	if !n.active() {
		return
	}
	if n.cb.OnMessage != nil {
		n.cb.OnMessage(ev)
	}
}

// Fail fires OnError once and finishes the session.
func (n *Notifier) Fail(err error) {
	if !n.finish() {
		return
	}
	if n.cb.OnError != nil {
		n.cb.OnError(err)
	}
}

// Closed fires OnClose once and finishes the session.
func (n *Notifier) Closed(reason string) {
	if !n.finish() {
		return
	}
	if n.cb.OnClose != nil {
		n.cb.OnClose(reason)
	}
}

// Silence finishes the session without firing anything. Used by local Close.
func (n *Notifier) Silence() {
	n.finish()
}

// Finished reports whether a terminal callback fired or Silence was called.
func (n *Notifier) Finished() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.finished
}

func (n *Notifier) active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.finished
}

func (n *Notifier) finish() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.finished {
		return false
	}
	n.finished = true
	return true
}
