// Package memory defines the transcript log of a live conversation session.
//
// A [TranscriptEntry] is one finalized utterance, attributed to the user or the
// model. Entries are appended to a [SessionStore] keyed by session ID; the
// [Recorder] does this asynchronously and in order so that the real-time path
// never waits on storage.
//
// All interfaces are public so that external packages can supply alternative
// storage backends. Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"time"
)

// Source attributes a transcript entry to one side of the conversation.
type Source int

const (
	// SourceUser marks speech recognised from the microphone.
	SourceUser Source = iota + 1

	// SourceModel marks the remote model's spoken output.
	SourceModel
)

// String returns "user" or "model".
func (s Source) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceModel:
		return "model"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSource reverses [Source.String].
func ParseSource(s string) (Source, error) {
	switch s {
	case "user":
		return SourceUser, nil
	case "model":
		return SourceModel, nil
	default:
		return 0, fmt.Errorf("memory: unknown source %q", s)
	}
}

// TranscriptEntry is one finalized utterance. Text is never empty and carries
// no leading or trailing whitespace.
type TranscriptEntry struct {
	// Source attributes the utterance.
	Source Source

	// Text is the trimmed utterance text.
	Text string

	// Timestamp is when the turn completed.
	Timestamp time.Time
}

// SearchOpts configures a keyword search over session entries.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts the search to a single session.
	// An empty string searches across all sessions.
	SessionID string

	// Source restricts results to one side. Zero matches both.
	Source Source

	// After filters entries recorded after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters entries recorded before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// SessionStore is the append-only transcript log.
type SessionStore interface {
	// WriteEntry appends entry to the log of sessionID.
	WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// Entries returns every entry of sessionID in the order written.
	Entries(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// Search performs a keyword search over entry text.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}
