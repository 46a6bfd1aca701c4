package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/parley/pkg/memory"
)

// entryRow mirrors the selected columns of transcript_entries.
type entryRow struct {
	Source    string    `db:"source"`
	Text      string    `db:"text"`
	Timestamp time.Time `db:"timestamp"`
}

const (
	insertEntry = `
		INSERT INTO transcript_entries (session_id, source, text, timestamp)
		VALUES (@session_id, @source, @text, @timestamp)`

	selectSession = `
		SELECT source, text, timestamp
		FROM   transcript_entries
		WHERE  session_id = @session_id
		ORDER  BY id`

	// Unset filters are passed as NULL and match everything.
	searchEntries = `
		SELECT source, text, timestamp
		FROM   transcript_entries
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', @query)
		  AND  (@session_id::uuid        IS NULL OR session_id = @session_id::uuid)
		  AND  (@source::text            IS NULL OR source     = @source::text)
		  AND  (@after::timestamptz      IS NULL OR timestamp  > @after::timestamptz)
		  AND  (@before::timestamptz     IS NULL OR timestamp  < @before::timestamptz)
		ORDER  BY timestamp, id
		LIMIT  @limit::int`
)

// WriteEntry implements [memory.SessionStore]. sessionID must be a UUID.
func (s *Store) WriteEntry(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error {
	_, err := s.pool.Exec(ctx, insertEntry, pgx.NamedArgs{
		"session_id": sessionID,
		"source":     entry.Source.String(),
		"text":       entry.Text,
		"timestamp":  entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("postgres: write entry: %w", err)
	}
	return nil
}

// Entries implements [memory.SessionStore]. Entries come back in the order
// they were written.
func (s *Store) Entries(ctx context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	rows, err := s.pool.Query(ctx, selectSession, pgx.NamedArgs{"session_id": sessionID})
	if err != nil {
		return nil, fmt.Errorf("postgres: entries: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.SessionStore] as a full-text search over entry
// text, oldest match first.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	args := pgx.NamedArgs{
		"query":      query,
		"session_id": nil,
		"source":     nil,
		"after":      nil,
		"before":     nil,
		"limit":      nil,
	}
	if opts.SessionID != "" {
		args["session_id"] = opts.SessionID
	}
	if opts.Source != 0 {
		args["source"] = opts.Source.String()
	}
	if !opts.After.IsZero() {
		args["after"] = opts.After
	}
	if !opts.Before.IsZero() {
		args["before"] = opts.Before
	}
	if opts.Limit > 0 {
		args["limit"] = opts.Limit
	}

	rows, err := s.pool.Query(ctx, searchEntries, args)
	if err != nil {
		return nil, fmt.Errorf("postgres: search: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]memory.TranscriptEntry, error) {
	raw, err := pgx.CollectRows(rows, pgx.RowToStructByName[entryRow])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan entries: %w", err)
	}
	out := make([]memory.TranscriptEntry, 0, len(raw))
	for _, r := range raw {
		src, err := memory.ParseSource(r.Source)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan entries: %w", err)
		}
		out = append(out, memory.TranscriptEntry{Source: src, Text: r.Text, Timestamp: r.Timestamp})
	}
	return out, nil
}
