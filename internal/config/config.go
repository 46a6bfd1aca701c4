// Package config provides the configuration schema, loader and transport
// registry for parley.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Memory    MemoryConfig    `yaml:"memory"`

	Transcript TranscriptConfig `yaml:"transcript"`
}

// ServerConfig holds the operational HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz.
	// An empty value after defaults disables the server ("-" in YAML).
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig selects and configures the remote conversational endpoint.
// Name is used to look up the constructor in the [Registry].
type TransportConfig struct {
	// Name selects the registered transport (e.g. "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the endpoint. When empty, the credential
	// provider consults the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint's default WebSocket URL.
	BaseURL string `yaml:"base_url"`

	// Model selects the conversational model.
	Model string `yaml:"model"`

	// Voice selects a prebuilt output voice. Empty uses the endpoint default.
	Voice string `yaml:"voice"`

	// SystemInstruction is sent once during the handshake.
	SystemInstruction string `yaml:"system_instruction"`

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription *bool `yaml:"input_transcription"`

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription *bool `yaml:"output_transcription"`

	// HandshakeTimeout bounds connection setup.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// AudioConfig configures the local audio devices.
type AudioConfig struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
}

// CaptureConfig configures the ffmpeg-backed microphone.
type CaptureConfig struct {
	// Command is the ffmpeg executable.
	Command string `yaml:"command"`

	// InputFormat is the ffmpeg input format (e.g. "pulse", "alsa", "avfoundation").
	InputFormat string `yaml:"input_format"`

	// InputDevice is the device name passed to ffmpeg -i.
	InputDevice string `yaml:"input_device"`

	// SampleRate is the capture rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per delivered frame.
	FrameSize int `yaml:"frame_size"`
}

// PlaybackConfig configures the command-backed speaker.
type PlaybackConfig struct {
	// Command is the player executable reading raw PCM from stdin.
	Command string `yaml:"command"`

	// Args replaces the player's default arguments. The placeholders
	// {rate} and {channels} are substituted.
	Args []string `yaml:"args"`

	// SampleRate is the output device rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the output channel count (1 or 2).
	Channels int `yaml:"channels"`
}

// MemoryConfig configures transcript persistence.
type MemoryConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty disables
	// persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TranscriptConfig tunes how finalized turns are post-processed.
type TranscriptConfig struct {
	// Vocabulary lists proper nouns and jargon that speech recognition tends
	// to mangle. User transcripts are corrected towards these terms.
	Vocabulary []string `yaml:"vocabulary"`

	// PhoneticThreshold is the minimum Jaro-Winkler score for a phonetically
	// similar span to be replaced. Zero uses the corrector default.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
}
