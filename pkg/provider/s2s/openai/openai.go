// Package openai adapts the OpenAI Realtime API to [s2s.Provider]. Server-side
// voice activity detection drives turn taking; speech detected while a
// response is streaming audio becomes an interruption event.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/internal/wsconn"
)

var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Session  = (*session)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// sampleRate is the only PCM16 rate the Realtime API accepts and emits.
	sampleRate = 24000
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model used when [s2s.Config.Model] is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces the wss:// endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model that transcribes input audio.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// Provider opens OpenAI Realtime sessions.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities implements [s2s.Provider].
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:  sampleRate,
		OutputSampleRate: sampleRate,
		Voices:           []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Open dials the Realtime endpoint, waits for session.created and sends a
// session.update carrying cfg. OnOpen runs before Open returns.
//
// [s2s.DefaultModel] names a Gemini model and is replaced by the provider's
// own.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config, cb s2s.Callbacks) (s2s.Session, error) {
	model := cfg.Model
	if model == "" || model == s2s.DefaultModel {
		model = p.model
	}
	conn, err := wsconn.Dial(ctx, "openai", p.baseURL+"?model="+url.QueryEscape(model), http.Header{
		"Authorization": {"Bearer " + p.apiKey},
		"OpenAI-Beta":   {"realtime=v1"},
	}, cb)
	if err != nil {
		return nil, err
	}

	if err := conn.Await(ctx, sessionCreated); err != nil {
		conn.Abort("handshake failed")
		return nil, fmt.Errorf("openai: %w: %w", s2s.ErrHandshake, err)
	}
	if err := conn.WriteJSON(ctx, newSessionUpdate(cfg, p.transcriptionModel)); err != nil {
		conn.Abort("session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	sess := &session{Conn: conn}
	conn.Start(sess.dispatch, 0)
	return sess, nil
}

func sessionCreated(raw []byte) (bool, error) {
	var evt serverEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return false, nil
	}
	switch evt.Type {
	case "session.created":
		return true, nil
	case "error":
		return false, fmt.Errorf("server error: %s", evt.Error.text())
	}
	return false, nil
}

// newSessionUpdate configures voice, instructions, formats and server VAD.
func newSessionUpdate(cfg s2s.Config, transcriptionModel string) sessionUpdateMessage {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.SystemInstruction,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	for _, m := range cfg.Modalities() {
		switch m {
		case s2s.ModalityAudio:
			// Audio output always comes with text.
			params.Modalities = append(params.Modalities, "audio", "text")
		case s2s.ModalityText:
			if len(params.Modalities) == 0 {
				params.Modalities = append(params.Modalities, "text")
			}
		}
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParam{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── session ──────────────────────────────────────────────────────────────────

type session struct {
	*wsconn.Conn

	// speaking is set while a response streams audio.
	speaking atomic.Bool
}

// Send appends one chunk to the input audio buffer. The chunk must already be
// at 24 kHz.
func (s *session) Send(chunk audio.Chunk) error {
	return s.Conn.Send(appendAudioMessage{Type: "input_audio_buffer.append", Audio: chunk.Base64()})
}

func (s *session) dispatch(raw []byte) {
	var evt serverEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		slog.Warn("openai: skipping unexpected event", "err", err)
		return
	}
	n := s.Notifier()
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return
		}
		s.speaking.Store(true)
		n.Message(s2s.Event{Kind: s2s.EventAudio, Audio: pcm, SampleRate: sampleRate, Channels: 1})

	case "response.audio_transcript.delta":
		if evt.Delta != "" {
			n.Message(s2s.Event{Kind: s2s.EventOutputTranscript, Text: evt.Delta})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			n.Message(s2s.Event{Kind: s2s.EventInputTranscript, Text: evt.Transcript})
		}

	case "input_audio_buffer.speech_started":
		if s.speaking.Swap(false) {
			n.Message(s2s.Event{Kind: s2s.EventInterrupted})
		}

	case "response.done":
		s.speaking.Store(false)
		n.Message(s2s.Event{Kind: s2s.EventTurnComplete})

	case "error":
		n.Message(s2s.Event{Kind: s2s.EventError, Text: evt.Error.text()})
	}
}
