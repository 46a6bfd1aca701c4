package capture_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/pkg/audio"
)

// fakeSender records chunks. When gate is non-nil every Send waits for a
// value (or close) on it after signalling entered.
type fakeSender struct {
	mu      sync.Mutex
	chunks  []audio.Chunk
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{entered: make(chan struct{}, 16)}
}

func (f *fakeSender) Send(chunk audio.Chunk) error {
	f.entered <- struct{}{}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeSender) sent() []audio.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Chunk(nil), f.chunks...)
}

func waitEntered(t *testing.T, f *fakeSender) {
	t.Helper()
	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Send was not called")
	}
}

func frame(rate int, samples ...float32) audio.Frame {
	return audio.Frame{Samples: samples, SampleRate: rate, Channels: 1}
}

func sampleAt(b []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(b[i*2:]))
}

func TestPipeline_EncodesAndSends(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	p := capture.New(s)
	p.Start()
	defer p.Close()

	if !p.Push(frame(16000, 0.5, -1, 2)) {
		t.Fatal("Push dropped the first frame")
	}
	waitEntered(t, s)
	p.Close()

	got := s.sent()
	if len(got) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(got))
	}
	if got[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIME = %q", got[0].MIMEType)
	}
	want := []int16{16383, -32768, 32767}
	for i, w := range want {
		if v := sampleAt(got[0].Data, i); v != w {
			t.Errorf("sample %d = %d, want %d", i, v, w)
		}
	}
	if st := p.Stats(); st.Sent != 1 {
		t.Errorf("stats = %+v, want 1 sent", st)
	}
}

func TestPipeline_PushBeforeStartAndAfterClose(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	p := capture.New(s)
	if p.Push(frame(16000, 0)) {
		t.Error("Push before Start accepted a frame")
	}
	p.Start()
	p.Close()
	p.Close()
	if p.Push(frame(16000, 0)) {
		t.Error("Push after Close accepted a frame")
	}
	p.Start()
	if p.Push(frame(16000, 0)) {
		t.Error("Start after Close revived the pipeline")
	}
	if len(s.sent()) != 0 {
		t.Error("frames sent from a closed pipeline")
	}
}

func TestPipeline_DropsUnderBackpressure(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	s.gate = make(chan struct{})
	p := capture.New(s)
	p.Start()

	if !p.Push(frame(16000, 0.1)) {
		t.Fatal("first Push dropped")
	}
	waitEntered(t, s)

	if !p.Push(frame(16000, 0.2)) {
		t.Fatal("second Push dropped, slot should be free")
	}
	start := time.Now()
	for range 5 {
		if p.Push(frame(16000, 0.3)) {
			t.Error("Push accepted a frame while the slot was occupied")
		}
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Push blocked under backpressure")
	}

	// Release the in-flight send and the queued one.
	s.gate <- struct{}{}
	waitEntered(t, s)
	s.gate <- struct{}{}
	p.Close()

	if got := len(s.sent()); got != 2 {
		t.Errorf("sent %d chunks, want 2", got)
	}
	if st := p.Stats(); st.Dropped != 5 || st.Sent != 2 {
		t.Errorf("stats = %+v, want 2 sent 5 dropped", st)
	}
}

func TestPipeline_SendErrorReportedAndCaptureContinues(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	s.err = errors.New("socket closed")
	errs := make(chan error, 4)
	p := capture.New(s, capture.WithOnError(func(err error) { errs <- err }))
	p.Start()
	defer p.Close()

	p.Push(frame(16000, 0))
	select {
	case err := <-errs:
		if err.Error() != "socket closed" {
			t.Errorf("reported error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send error not reported")
	}
	<-s.entered

	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()

	if !p.Push(frame(16000, 0)) {
		t.Fatal("Push dropped after a failed send")
	}
	waitEntered(t, s)
	p.Close()
	if got := len(s.sent()); got != 1 {
		t.Errorf("sent %d chunks after recovery, want 1", got)
	}
	if st := p.Stats(); st.Failed != 1 {
		t.Errorf("stats = %+v, want 1 failed", st)
	}
}

func TestPipeline_CloseDiscardsPendingFrame(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	s.gate = make(chan struct{})
	p := capture.New(s)
	p.Start()

	p.Push(frame(16000, 0.1))
	waitEntered(t, s)
	if !p.Push(frame(16000, 0.2)) {
		t.Fatal("second Push dropped")
	}

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a send was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(s.gate)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if got := len(s.sent()); got != 1 {
		t.Errorf("sent %d chunks, want only the in-flight one", got)
	}
}

func TestPipeline_ResamplesToTargetRate(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	p := capture.New(s, capture.WithTargetRate(16000))
	p.Start()

	p.Push(frame(48000, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5))
	waitEntered(t, s)
	p.Close()

	got := s.sent()
	if len(got) != 1 {
		t.Fatalf("sent %d chunks, want 1", len(got))
	}
	if got[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIME = %q", got[0].MIMEType)
	}
	if len(got[0].Data) != 4 {
		t.Errorf("resampled payload = %d bytes, want 4", len(got[0].Data))
	}
}

func TestPipeline_UpsamplesForHigherRateTransport(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	p := capture.New(s, capture.WithTargetRate(24000))
	p.Start()

	p.Push(frame(16000, 0, 0, 0, 0))
	waitEntered(t, s)
	p.Close()

	got := s.sent()
	if len(got) != 1 || got[0].MIMEType != "audio/pcm;rate=24000" || len(got[0].Data) != 12 {
		t.Errorf("chunk = %q %d bytes, want rate=24000 and 12 bytes", got[0].MIMEType, len(got[0].Data))
	}
}

func TestPipeline_DownmixesStereo(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	p := capture.New(s)
	p.Start()

	p.Push(audio.Frame{Samples: []float32{1, 0, 0.5, 0.5}, SampleRate: 16000, Channels: 2})
	waitEntered(t, s)
	p.Close()

	got := s.sent()
	if len(got) != 1 || len(got[0].Data) != 4 {
		t.Fatalf("chunks = %+v, want one 2-sample chunk", got)
	}
	for i := range 2 {
		if v := sampleAt(got[0].Data, i); v != 16383 {
			t.Errorf("sample %d = %d, want 16383", i, v)
		}
	}
}
