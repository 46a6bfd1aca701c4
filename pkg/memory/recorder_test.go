package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/memory/mock"
)

func entry(src memory.Source, text string) memory.TranscriptEntry {
	return memory.TranscriptEntry{Source: src, Text: text, Timestamp: time.Now()}
}

func TestRecorder_WritesInOrder(t *testing.T) {
	t.Parallel()

	store := &mock.SessionStore{}
	rec := memory.NewRecorder(store, "s1")

	for i := range 20 {
		src := memory.SourceUser
		if i%2 == 1 {
			src = memory.SourceModel
		}
		if ok, err := rec.Record(entry(src, fmt.Sprintf("line %d", i))); !ok || err != nil {
			t.Fatalf("Record(%d) = %v, %v", i, ok, err)
		}
	}
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := store.Entries(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("got %d entries, want 20", len(got))
	}
	for i, e := range got {
		if want := fmt.Sprintf("line %d", i); e.Text != want {
			t.Errorf("entry %d = %q, want %q", i, e.Text, want)
		}
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	store := &mock.SessionStore{BlockWrite: block}

	var (
		mu      sync.Mutex
		dropped []string
	)
	rec := memory.NewRecorder(store, "s1",
		memory.WithBuffer(1),
		memory.WithOnDrop(func(e memory.TranscriptEntry, _ error) {
			mu.Lock()
			dropped = append(dropped, e.Text)
			mu.Unlock()
		}),
	)

	// The first entry is taken by the writer and blocks; wait for that.
	if ok, _ := rec.Record(entry(memory.SourceUser, "a")); !ok {
		t.Fatal("first Record dropped")
	}
	deadline := time.Now().Add(2 * time.Second)
	for store.CallCount("WriteEntry") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("writer never picked up the first entry")
		}
		time.Sleep(time.Millisecond)
	}

	if ok, _ := rec.Record(entry(memory.SourceUser, "b")); !ok {
		t.Fatal("second Record dropped, queue should have room for one")
	}
	start := time.Now()
	if ok, _ := rec.Record(entry(memory.SourceUser, "c")); ok {
		t.Fatal("third Record accepted, want drop")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Record blocked while queue was full")
	}

	close(block)
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != "c" {
		t.Errorf("dropped = %v, want [c]", dropped)
	}
	got, _ := store.Entries(context.Background(), "s1")
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Errorf("stored = %+v, want a then b", got)
	}
}

func TestRecorder_WriteErrorReported(t *testing.T) {
	t.Parallel()

	store := &mock.SessionStore{WriteEntryErr: errors.New("db down")}
	errs := make(chan error, 1)
	rec := memory.NewRecorder(store, "s1", memory.WithOnDrop(func(_ memory.TranscriptEntry, err error) {
		errs <- err
	}))

	if _, err := rec.Record(entry(memory.SourceModel, "x")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errs:
		if err == nil || err.Error() != "db down" {
			t.Errorf("drop error = %v, want db down", err)
		}
	default:
		t.Error("OnDrop not called for failed write")
	}
}

func TestRecorder_CloseIdempotentAndRejects(t *testing.T) {
	t.Parallel()

	rec := memory.NewRecorder(&mock.SessionStore{}, "s1")
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := rec.Record(entry(memory.SourceUser, "late")); !errors.Is(err, memory.ErrRecorderClosed) {
		t.Errorf("Record after Close = %v, want ErrRecorderClosed", err)
	}
}

func TestRecorder_CloseHonoursContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	rec := memory.NewRecorder(&mock.SessionStore{BlockWrite: block}, "s1")
	if _, err := rec.Record(entry(memory.SourceUser, "stuck")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rec.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want DeadlineExceeded", err)
	}
}

func TestSource_StringAndParse(t *testing.T) {
	t.Parallel()

	for _, src := range []memory.Source{memory.SourceUser, memory.SourceModel} {
		got, err := memory.ParseSource(src.String())
		if err != nil || got != src {
			t.Errorf("ParseSource(%q) = %v, %v", src.String(), got, err)
		}
	}
	if _, err := memory.ParseSource("narrator"); err == nil {
		t.Error("ParseSource(narrator) succeeded, want error")
	}
	if s := memory.Source(7).String(); s != "source(7)" {
		t.Errorf("unknown source = %q", s)
	}
}
