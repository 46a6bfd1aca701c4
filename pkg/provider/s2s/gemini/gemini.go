// Package gemini speaks the Gemini Live BidiGenerateContent protocol over a
// WebSocket. Microphone chunks go out as realtimeInput media chunks; each
// serverContent message is unpacked into [s2s.Event] values in a fixed order.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/internal/wsconn"
)

var (
	_ s2s.Provider = (*Provider)(nil)
	_ s2s.Session  = (*session)(nil)
)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	pingEvery = 20 * time.Second
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model used when [s2s.Config.Model] is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces the wss:// endpoint root.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepalive overrides the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// Provider opens Gemini Live sessions.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	keepalive time.Duration
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     s2s.DefaultModel,
		baseURL:   defaultBaseURL,
		keepalive: pingEvery,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities implements [s2s.Provider]. Gemini Live takes 16 kHz input and
// answers at 24 kHz.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:  audio.CaptureSampleRate,
		OutputSampleRate: audio.PlaybackSampleRate,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck", "Zephyr"},
	}
}

// Open dials Gemini Live, sends the setup message and waits for
// setupComplete. OnOpen runs before Open returns.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config, cb s2s.Callbacks) (s2s.Session, error) {
	endpoint := p.baseURL + bidiPath + "?key=" + url.QueryEscape(p.apiKey)
	conn, err := wsconn.Dial(ctx, "gemini", endpoint, http.Header{"Content-Type": {"application/json"}}, cb)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	if err := conn.WriteJSON(ctx, newSetup(model, cfg)); err != nil {
		conn.Abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := conn.Await(ctx, setupComplete); err != nil {
		conn.Abort("handshake failed")
		return nil, fmt.Errorf("gemini: %w: %w", s2s.ErrHandshake, err)
	}

	sess := &session{Conn: conn}
	conn.Start(sess.dispatch, p.keepalive)
	return sess, nil
}

// ── session ──────────────────────────────────────────────────────────────────

// session frames outgoing audio for Gemini and unpacks server messages. The
// embedded connection supplies Close.
type session struct {
	*wsconn.Conn
}

// newSetup builds the first client message of a session.
func newSetup(model string, cfg s2s.Config) setupMessage {
	modalities := cfg.Modalities()
	names := make([]string, len(modalities))
	for i, m := range modalities {
		names[i] = string(m)
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: names,
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return msg
}

// setupComplete ends the handshake once the server acknowledges the setup. An
// error payload fails it.
func setupComplete(raw []byte) (bool, error) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false, nil
	}
	if msg.Error != nil {
		return false, fmt.Errorf("server error %d: %s", msg.Error.Code, msg.Error.Message)
	}
	return msg.SetupComplete != nil, nil
}

func (s *session) dispatch(raw []byte) {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("gemini: skipping unexpected message", "err", err)
		return
	}
	n := s.Notifier()
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		n.Message(s2s.Event{Kind: s2s.EventError, Text: text, Code: msg.Error.Code})
	}
	if msg.ServerContent != nil {
		s.dispatchContent(msg.ServerContent)
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect", "go_away", string(*msg.GoAway))
	}
}

// dispatchContent emits the parts of one serverContent in the order the
// aggregator and scheduler expect: both transcripts, turn completion, audio,
// then interruption.
func (s *session) dispatchContent(sc *serverContent) {
	n := s.Notifier()
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		n.Message(s2s.Event{Kind: s2s.EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		n.Message(s2s.Event{Kind: s2s.EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		n.Message(s2s.Event{Kind: s2s.EventTurnComplete})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					slog.Warn("gemini: dropping undecodable audio part", "err", err)
					continue
				}
				if len(pcm) == 0 {
					continue
				}
				n.Message(s2s.Event{
					Kind:       s2s.EventAudio,
					Audio:      pcm,
					SampleRate: parseRate(p.InlineData.MIMEType, audio.PlaybackSampleRate),
					Channels:   1,
				})
				continue
			}
			if p.Text != "" && !p.Thought {
				n.Message(s2s.Event{Kind: s2s.EventOutputTranscript, Text: p.Text})
			}
		}
	}
	if sc.Interrupted {
		n.Message(s2s.Event{Kind: s2s.EventInterrupted})
	}
}

// parseRate extracts the rate parameter from a MIME tag such as
// "audio/pcm;rate=24000". It returns def when absent or invalid.
func parseRate(mimeType string, def int) int {
	for param := range strings.SplitSeq(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Send delivers one encoded chunk as a realtimeInput media chunk.
func (s *session) Send(chunk audio.Chunk) error {
	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(audio.CaptureSampleRate)
	}
	return s.Conn.Send(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: mime, Data: chunk.Base64()}},
		},
	})
}
