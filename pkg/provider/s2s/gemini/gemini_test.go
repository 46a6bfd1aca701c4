package gemini_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
	"github.com/MrWong99/parley/pkg/provider/s2s/internal/wstest"
)

// accept reads the setup message, acknowledges it and returns it.
func accept(p *wstest.Peer) map[string]any {
	setup := p.Read()
	p.Write(map[string]any{"setupComplete": map[string]any{}})
	return setup
}

// scripted serves script after a successful handshake.
func scripted(t *testing.T, script func(p *wstest.Peer)) *gemini.Provider {
	t.Helper()
	url := wstest.Serve(t, func(p *wstest.Peer) {
		accept(p)
		script(p)
	})
	return gemini.New("test-api-key", gemini.WithBaseURL(url), gemini.WithKeepalive(0))
}

func open(t *testing.T, p *gemini.Provider, rec *wstest.Recorder) s2s.Session {
	t.Helper()
	sess, err := p.Open(context.Background(), s2s.Config{}, rec.Callbacks())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("k").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("no voices listed")
	}
}

func TestOpen_SendsSetup(t *testing.T) {
	t.Parallel()

	setups := make(chan map[string]any, 1)
	url := wstest.Serve(t, func(p *wstest.Peer) {
		setups <- accept(p)
		p.Hold()
	})

	rec := wstest.NewRecorder()
	sess, err := gemini.New("k", gemini.WithBaseURL(url), gemini.WithKeepalive(0)).Open(context.Background(), s2s.Config{
		SystemInstruction:   s2s.DefaultSystemInstruction,
		Voice:               "Zephyr",
		InputTranscription:  true,
		OutputTranscription: true,
	}, rec.Callbacks())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if n := rec.Opens(); n != 1 {
		t.Errorf("OnOpen fired %d times before Open returned, want 1", n)
	}

	setup := (<-setups)["setup"].(map[string]any)
	if got, want := setup["model"], "models/"+s2s.DefaultModel; got != want {
		t.Errorf("model = %v, want %v", got, want)
	}
	gen := setup["generationConfig"].(map[string]any)
	if mods := gen["responseModalities"].([]any); len(mods) != 1 || mods[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", mods)
	}
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != "Zephyr" {
		t.Errorf("voiceName = %v, want Zephyr", voice)
	}
	for _, key := range []string{"inputAudioTranscription", "outputAudioTranscription"} {
		if _, ok := setup[key]; !ok {
			t.Errorf("%s missing", key)
		}
	}
	parts := setup["systemInstruction"].(map[string]any)["parts"].([]any)
	if parts[0].(map[string]any)["text"] != s2s.DefaultSystemInstruction {
		t.Errorf("systemInstruction = %v", parts)
	}
}

func TestOpen_ModelAndKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		opts      []gemini.Option
		cfgModel  string
		wantModel string
	}{
		{name: "session model wins", opts: []gemini.Option{gemini.WithModel("provider-model")}, cfgModel: "session-model", wantModel: "models/session-model"},
		{name: "provider model", opts: []gemini.Option{gemini.WithModel("provider-model")}, wantModel: "models/provider-model"},
		{name: "prefix kept once", cfgModel: "models/custom", wantModel: "models/custom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			type seen struct{ model, key string }
			got := make(chan seen, 1)
			url := wstest.Serve(t, func(p *wstest.Peer) {
				setup := accept(p)["setup"].(map[string]any)
				got <- seen{model: setup["model"].(string), key: p.Req.URL.Query().Get("key")}
				p.Hold()
			})

			opts := append([]gemini.Option{gemini.WithBaseURL(url), gemini.WithKeepalive(0)}, tt.opts...)
			sess, err := gemini.New("secret", opts...).Open(context.Background(), s2s.Config{Model: tt.cfgModel}, s2s.Callbacks{})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer sess.Close()

			s := <-got
			if s.model != tt.wantModel {
				t.Errorf("model = %q, want %q", s.model, tt.wantModel)
			}
			if s.key != "secret" {
				t.Errorf("key = %q, want secret", s.key)
			}
		})
	}
}

func TestOpen_HandshakeFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		script   func(p *wstest.Peer)
		wantText string
	}{
		{
			name: "server error",
			script: func(p *wstest.Peer) {
				p.Read()
				p.Write(map[string]any{"error": map[string]any{"code": 403, "message": "bad key"}})
				p.Hold()
			},
			wantText: "bad key",
		},
		{
			name:   "no acknowledgement",
			script: func(p *wstest.Peer) { p.Hold() },
		},
		{
			name: "closed during setup",
			script: func(p *wstest.Peer) {
				p.Read()
				p.Hangup(websocket.StatusPolicyViolation, "quota")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			url := wstest.Serve(t, tt.script)
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			rec := wstest.NewRecorder()
			_, err := gemini.New("k", gemini.WithBaseURL(url), gemini.WithKeepalive(0)).Open(ctx, s2s.Config{}, rec.Callbacks())
			if !errors.Is(err, s2s.ErrHandshake) {
				t.Fatalf("err = %v, want ErrHandshake", err)
			}
			if tt.wantText != "" && !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantText)
			}
			if rec.Opens() != 0 {
				t.Error("OnOpen fired for a failed handshake")
			}
		})
	}
}

func TestOpen_DialFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1")).Open(ctx, s2s.Config{}, s2s.Callbacks{})
	if err == nil {
		t.Fatal("Open succeeded against a closed port")
	}
	if errors.Is(err, s2s.ErrHandshake) {
		t.Errorf("dial failure reported as handshake failure: %v", err)
	}
}

func TestSend_EncodesMediaChunk(t *testing.T) {
	t.Parallel()

	msgs := make(chan map[string]any, 1)
	sess := open(t, scripted(t, func(p *wstest.Peer) {
		msgs <- p.Read()
		p.Hold()
	}), wstest.NewRecorder())

	chunk := audio.Encode(audio.Frame{Samples: []float32{0.5, -0.5}, SampleRate: 16000, Channels: 1})
	if err := sess.Send(chunk); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-msgs:
		mc := msg["realtimeInput"].(map[string]any)["mediaChunks"].([]any)[0].(map[string]any)
		if mc["mimeType"] != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %v", mc["mimeType"])
		}
		if mc["data"] != base64.StdEncoding.EncodeToString(chunk.Data) {
			t.Errorf("data = %v, want base64 of chunk", mc["data"])
		}
	case <-time.After(wstest.Timeout):
		t.Fatal("no realtimeInput received")
	}
}

func TestClose_IsSilentAndIdempotent(t *testing.T) {
	t.Parallel()

	rec := wstest.NewRecorder()
	sess := open(t, scripted(t, (*wstest.Peer).Hold), rec)

	for i := range 2 {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if err := sess.Send(audio.Chunk{Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrNotConnected) {
		t.Fatalf("Send after Close = %v, want ErrNotConnected", err)
	}

	time.Sleep(50 * time.Millisecond)
	if errs, closes := rec.Errors(), rec.Closes(); len(errs) != 0 || len(closes) != 0 {
		t.Errorf("local Close fired callbacks: errs=%v closes=%v", errs, closes)
	}
}

func TestReceive_EventOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}
	rec := wstest.NewRecorder()
	open(t, scripted(t, func(p *wstest.Peer) {
		p.Write(map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "Hello "},
				"outputTranscription": map[string]any{"text": "Hi"},
				"turnComplete":        true,
				"interrupted":         true,
				"modelTurn": map[string]any{"parts": []any{
					map[string]any{"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					}},
					map[string]any{"text": "thinking", "thought": true},
				}},
			},
		})
		p.Hold()
	}), rec)

	rec.Wait(t, 5)
	events := rec.Events()
	want := []s2s.EventKind{
		s2s.EventInputTranscript,
		s2s.EventOutputTranscript,
		s2s.EventTurnComplete,
		s2s.EventAudio,
		s2s.EventInterrupted,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("event %d = %v, want %v", i, events[i].Kind, k)
		}
	}
	if events[0].Text != "Hello " {
		t.Errorf("input transcript = %q, want verbatim %q", events[0].Text, "Hello ")
	}
	if string(events[3].Audio) != string(pcm) || events[3].SampleRate != 24000 {
		t.Errorf("audio event = %+v", events[3])
	}
}

func TestReceive_AudioParts(t *testing.T) {
	t.Parallel()

	rec := wstest.NewRecorder()
	open(t, scripted(t, func(p *wstest.Peer) {
		p.Write(map[string]any{
			"serverContent": map[string]any{"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=16000", "data": "AAA="}},
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": "!!!"}},
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": ""}},
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": "AAA="}},
				map[string]any{"text": "spoken"},
			}}},
		})
		p.Hold()
	}), rec)

	rec.Wait(t, 3)
	events := rec.Events()
	if events[0].SampleRate != 16000 {
		t.Errorf("tagged rate = %d, want 16000", events[0].SampleRate)
	}
	if events[1].Kind != s2s.EventAudio || events[1].SampleRate != 24000 {
		t.Errorf("untagged part = %+v, want audio at the 24000 default", events[1])
	}
	if events[2].Kind != s2s.EventOutputTranscript || events[2].Text != "spoken" {
		t.Errorf("text part = %+v, want output transcript", events[2])
	}
}

func TestReceive_ServerErrorAndMalformed(t *testing.T) {
	t.Parallel()

	rec := wstest.NewRecorder()
	open(t, scripted(t, func(p *wstest.Peer) {
		ctx := context.Background()
		_ = p.Conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		p.Write(map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
		p.Write(map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		p.Hold()
	}), rec)

	rec.Wait(t, 1)
	ev := rec.Events()[0]
	if ev.Kind != s2s.EventError || ev.Text != "internal" || ev.Code != 500 {
		t.Errorf("event = %+v, want error 500 internal", ev)
	}
	if errs := rec.Errors(); len(errs) != 0 {
		t.Errorf("malformed message ended the session: %v", errs)
	}
}

func TestReceive_RemoteClose(t *testing.T) {
	t.Parallel()

	rec := wstest.NewRecorder()
	sess := open(t, scripted(t, func(p *wstest.Peer) {
		p.Hangup(websocket.StatusGoingAway, "session expired")
	}), rec)

	rec.Wait(t, 1)
	if closes := rec.Closes(); len(closes) != 1 || closes[0] != "session expired" {
		t.Fatalf("closes = %v, errs = %v; want one close with reason", closes, rec.Errors())
	}
	if err := sess.Send(audio.Chunk{Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrNotConnected) {
		t.Errorf("Send after remote close = %v, want ErrNotConnected", err)
	}
}
