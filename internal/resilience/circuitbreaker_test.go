package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/memory"
	memorymock "github.com/MrWong99/parley/pkg/memory/mock"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail() error { return errTest }
func ok() error   { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != DefaultMaxFailures {
		t.Errorf("maxFailures = %d, want %d", cb.maxFailures, DefaultMaxFailures)
	}
	if cb.resetTimeout != DefaultResetTimeout {
		t.Errorf("resetTimeout = %v, want %v", cb.resetTimeout, DefaultResetTimeout)
	}
	if cb.halfOpenMax != DefaultHalfOpenMax {
		t.Errorf("halfOpenMax = %d, want %d", cb.halfOpenMax, DefaultHalfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3, Now: clk.Now})

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	_ = cb.Execute(ok) // success resets the streak
	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v after interrupted streak, want closed", cb.State())
	}

	if err := cb.Execute(fail); !errors.Is(err, errTest) {
		t.Fatalf("Execute = %v, want the fn error", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute while open = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn called while open")
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"probe succeeds", ok, StateClosed},
		{"probe fails", fail, StateOpen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clk := newFakeClock()
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "test",
				MaxFailures:  1,
				ResetTimeout: time.Minute,
				Now:          clk.Now,
			})
			_ = cb.Execute(fail)

			clk.Advance(59 * time.Second)
			if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("Execute before timeout = %v, want ErrCircuitOpen", err)
			}

			clk.Advance(time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open", cb.State())
			}
			_ = cb.Execute(tc.probe)
			if cb.State() != tc.want {
				t.Errorf("state after probe = %v, want %v", cb.State(), tc.want)
			}
		})
	}
}

func TestCircuitBreaker_SingleProbe(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Second, Now: clk.Now})
	_ = cb.Execute(fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(ok); err != nil {
		t.Errorf("Execute after reset = %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

// ── GuardedStore ─────────────────────────────────────────────────────────────

func TestGuardStore_FailsFastWhileOpen(t *testing.T) {
	t.Parallel()

	backend := &memorymock.SessionStore{WriteEntryErr: errTest}
	clk := newFakeClock()
	store := GuardStore(backend, NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "transcript-store",
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		Now:          clk.Now,
	}))

	ctx := context.Background()
	entry := memory.TranscriptEntry{Source: memory.SourceUser, Text: "hello"}
	for range 2 {
		if err := store.WriteEntry(ctx, "s1", entry); !errors.Is(err, errTest) {
			t.Fatalf("WriteEntry = %v, want backend error", err)
		}
	}
	err := store.WriteEntry(ctx, "s1", entry)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("WriteEntry = %v, want ErrCircuitOpen", err)
	}
	if got := backend.CallCount("WriteEntry"); got != 2 {
		t.Errorf("backend writes = %d, want 2", got)
	}
	if store.Breaker().State() != StateOpen {
		t.Errorf("breaker state = %v, want open", store.Breaker().State())
	}
	if err := store.Check(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Check while open = %v, want ErrCircuitOpen", err)
	}

	clk.Advance(time.Minute)
	if err := store.Check(ctx); err != nil {
		t.Errorf("Check after reset timeout = %v, want nil", err)
	}
}

func TestGuardStore_ReadsPassThrough(t *testing.T) {
	t.Parallel()

	backend := &memorymock.SessionStore{}
	store := GuardStore(backend, NewCircuitBreaker(CircuitBreakerConfig{Name: "test"}))

	ctx := context.Background()
	entry := memory.TranscriptEntry{Source: memory.SourceModel, Text: "hi"}
	if err := store.WriteEntry(ctx, "s1", entry); err != nil {
		t.Fatalf("WriteEntry: %v", err)
	}
	got, err := store.Entries(ctx, "s1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hi" {
		t.Errorf("Entries = %+v", got)
	}
}
