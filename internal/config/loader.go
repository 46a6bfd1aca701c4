package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":9090"
	DefaultTransport        = "gemini-live"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCaptureCommand   = "ffmpeg"
	DefaultInputFormat      = "pulse"
	DefaultInputDevice      = "default"
	DefaultFrameSize        = 4096
	DefaultPlaybackCommand  = "ffplay"
)

// ValidTransportNames lists the transports registered by the parley binary.
// [Validate] warns about names outside this list because callers may
// register their own.
var ValidTransportNames = []string{"gemini-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the default
// configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	switch cfg.Server.ListenAddr {
	case "":
		cfg.Server.ListenAddr = DefaultListenAddr
	case "-":
		cfg.Server.ListenAddr = ""
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	t := &cfg.Transport
	if t.Name == "" {
		t.Name = DefaultTransport
	}
	if t.SystemInstruction == "" {
		t.SystemInstruction = s2s.DefaultSystemInstruction
	}
	if t.InputTranscription == nil {
		t.InputTranscription = new(true)
	}
	if t.OutputTranscription == nil {
		t.OutputTranscription = new(true)
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = DefaultHandshakeTimeout
	}

	c := &cfg.Audio.Capture
	if c.Command == "" {
		c.Command = DefaultCaptureCommand
	}
	if c.InputFormat == "" {
		c.InputFormat = DefaultInputFormat
	}
	if c.InputDevice == "" {
		c.InputDevice = DefaultInputDevice
	}
	if c.SampleRate == 0 {
		c.SampleRate = audio.CaptureSampleRate
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}

	p := &cfg.Audio.Playback
	if p.Command == "" {
		p.Command = DefaultPlaybackCommand
	}
	if p.SampleRate == 0 {
		p.SampleRate = audio.PlaybackSampleRate
	}
	if p.Channels == 0 {
		p.Channels = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	} else if !slices.Contains(ValidTransportNames, cfg.Transport.Name) {
		slog.Warn("config: unknown transport name; it must be registered by the caller",
			"transport", cfg.Transport.Name, "known", ValidTransportNames)
	}
	if cfg.Transport.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.handshake_timeout %s must not be negative", cfg.Transport.HandshakeTimeout))
	}
	if tr := cfg.Transport; tr.InputTranscription != nil && tr.OutputTranscription != nil &&
		!*tr.InputTranscription && !*tr.OutputTranscription {
		slog.Warn("config: both transcriptions disabled; the session transcript will stay empty")
	}

	c := cfg.Audio.Capture
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate %d must be positive", c.SampleRate))
	}
	if c.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_size %d must be positive", c.FrameSize))
	}

	p := cfg.Audio.Playback
	if p.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.sample_rate %d must be positive", p.SampleRate))
	}
	if p.Channels != 0 && p.Channels != 1 && p.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.playback.channels %d is invalid; valid values: 1, 2", p.Channels))
	}

	if th := cfg.Transcript.PhoneticThreshold; th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("transcript.phonetic_threshold %v must be within [0, 1]", th))
	}
	for i, term := range cfg.Transcript.Vocabulary {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, fmt.Errorf("transcript.vocabulary[%d] is empty", i))
		}
	}

	if cfg.Memory.PostgresDSN == "" {
		slog.Debug("config: memory.postgres_dsn is empty; transcripts are not persisted")
	}

	return errors.Join(errs...)
}
