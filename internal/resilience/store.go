package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/pkg/memory"
)

// GuardedStore wraps a [memory.SessionStore] so writes fail fast while the
// backend is unhealthy. Reads are passed through unguarded.
type GuardedStore struct {
	memory.SessionStore
	cb *CircuitBreaker
}

var _ memory.SessionStore = (*GuardedStore)(nil)

// GuardStore returns store with its writes routed through cb.
func GuardStore(store memory.SessionStore, cb *CircuitBreaker) *GuardedStore {
	return &GuardedStore{SessionStore: store, cb: cb}
}

// WriteEntry implements [memory.SessionStore]. While the breaker is open it
// returns an error wrapping [ErrCircuitOpen] without touching the backend.
func (g *GuardedStore) WriteEntry(ctx context.Context, sessionID string, entry memory.TranscriptEntry) error {
	err := g.cb.Execute(func() error {
		return g.SessionStore.WriteEntry(ctx, sessionID, entry)
	})
	if err != nil {
		return fmt.Errorf("resilience: write entry: %w", err)
	}
	return nil
}

// Breaker returns the breaker guarding writes.
func (g *GuardedStore) Breaker() *CircuitBreaker { return g.cb }

// Check reports [ErrCircuitOpen] while writes are being rejected. It has the
// shape of a readiness probe.
func (g *GuardedStore) Check(context.Context) error {
	if g.cb.State() == StateOpen {
		return fmt.Errorf("resilience: %s: %w", g.cb.name, ErrCircuitOpen)
	}
	return nil
}
