// Package mock provides an in-memory test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and keeps written
// entries so that Entries and Search behave like a tiny real store. It is safe
// for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//	// inject store into the system under test …
//	if got := store.CallCount("WriteEntry"); got != 2 {
//	    t.Errorf("expected 2 WriteEntry calls, got %d", got)
//	}
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
type SessionStore struct {
	mu sync.Mutex

	calls   []Call
	entries map[string][]memory.TranscriptEntry
	written chan memory.TranscriptEntry

	// WriteEntryErr is returned by [SessionStore.WriteEntry] when non-nil.
	// Failed writes are not stored.
	WriteEntryErr error

	// BlockWrite, if non-nil, makes WriteEntry wait until the channel is
	// closed or ctx is done.
	BlockWrite chan struct{}

	// EntriesErr is returned by [SessionStore.Entries] when non-nil.
	EntriesErr error

	// SearchErr is returned by [SessionStore.Search] when non-nil.
	SearchErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Notify returns a channel receiving every successfully written entry from
// now on. The channel has room for n entries; extra entries are not queued.
func (m *SessionStore) Notify(n int) <-chan memory.TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = make(chan memory.TranscriptEntry, n)
	return m.written
}

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{sessionID, entry}})
	block := m.BlockWrite
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	if m.entries == nil {
		m.entries = make(map[string][]memory.TranscriptEntry)
	}
	m.entries[sessionID] = append(m.entries[sessionID], entry)
	if m.written != nil {
		select {
		case m.written <- entry:
		default:
		}
	}
	return nil
}

// Entries implements [memory.SessionStore].
func (m *SessionStore) Entries(_ context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Entries", Args: []any{sessionID}})
	if m.EntriesErr != nil {
		return nil, m.EntriesErr
	}
	out := make([]memory.TranscriptEntry, len(m.entries[sessionID]))
	copy(out, m.entries[sessionID])
	return out, nil
}

// Search implements [memory.SessionStore] with a case-insensitive substring
// match over stored entries.
func (m *SessionStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}

	q := strings.ToLower(query)
	out := []memory.TranscriptEntry{}
	for id, entries := range m.entries {
		if opts.SessionID != "" && id != opts.SessionID {
			continue
		}
		for _, e := range entries {
			if opts.Source != 0 && e.Source != opts.Source {
				continue
			}
			if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
				continue
			}
			if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
				continue
			}
			if strings.Contains(strings.ToLower(e.Text), q) {
				out = append(out, e)
			}
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

var _ memory.SessionStore = (*SessionStore)(nil)
