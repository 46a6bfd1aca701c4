// Package transcript turns the streamed transcription fragments of a
// conversation into finalized, per-turn transcript entries.
//
// Fragments from the remote endpoint arrive incrementally for both sides of
// the conversation. An [Aggregator] concatenates them verbatim until the
// endpoint signals that the model's turn is complete, then emits at most one
// entry per side: the user's speech first, the model's reply second.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/memory"
)

// Corrector rewrites finalized user text. Implementations must be safe for
// concurrent use.
type Corrector interface {
	Correct(text string) string
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithCorrector applies c to the user side of every finalized turn.
func WithCorrector(c Corrector) Option {
	return func(a *Aggregator) { a.corrector = c }
}

// WithClock overrides the timestamp source. Defaults to [time.Now].
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator accumulates the in-progress turn. All methods are safe for
// concurrent use.
type Aggregator struct {
	corrector Corrector
	now       func() time.Time

	mu     sync.Mutex
	input  strings.Builder
	output strings.Builder
}

// NewAggregator returns an empty Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AddInput appends a fragment of the user's transcribed speech. Fragments are
// concatenated without inserting separators.
func (a *Aggregator) AddInput(fragment string) {
	a.mu.Lock()
	a.input.WriteString(fragment)
	a.mu.Unlock()
}

// AddOutput appends a fragment of the model's transcribed speech.
func (a *Aggregator) AddOutput(fragment string) {
	a.mu.Lock()
	a.output.WriteString(fragment)
	a.mu.Unlock()
}

// Complete finalizes the current turn and resets both accumulators. Each side
// is trimmed and emitted only when non-empty, the user entry always before the
// model entry. Both entries carry the same timestamp.
func (a *Aggregator) Complete() []memory.TranscriptEntry {
	a.mu.Lock()
	user := strings.TrimSpace(a.input.String())
	model := strings.TrimSpace(a.output.String())
	a.input.Reset()
	a.output.Reset()
	a.mu.Unlock()

	if user != "" && a.corrector != nil {
		user = a.corrector.Correct(user)
	}

	ts := a.now()
	var entries []memory.TranscriptEntry
	if user != "" {
		entries = append(entries, memory.TranscriptEntry{Source: memory.SourceUser, Text: user, Timestamp: ts})
	}
	if model != "" {
		entries = append(entries, memory.TranscriptEntry{Source: memory.SourceModel, Text: model, Timestamp: ts})
	}
	return entries
}

// Reset discards any partially accumulated turn.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.input.Reset()
	a.output.Reset()
	a.mu.Unlock()
}

// Pending reports the untrimmed text accumulated so far for each side.
func (a *Aggregator) Pending() (input, output string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input.String(), a.output.String()
}
