package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mixer"
)

var _ audio.Speaker = (*Speaker)(nil)

// DefaultPlayerArgs plays raw s16le from stdin with ffplay. The placeholders
// {rate} and {channels} are substituted at open time.
var DefaultPlayerArgs = []string{
	"-nodisp",
	"-hide_banner",
	"-loglevel", "warning",
	"-f", "s16le",
	"-ar", "{rate}",
	"-ac", "{channels}",
	"-i", "-",
}

// Speaker plays audio by piping a [mixer.Timeline] into a player command.
type Speaker struct {
	command string
	args    []string
	opts    []mixer.Option
}

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithPlayer overrides the player command and its arguments. Arguments may
// contain {rate} and {channels}.
func WithPlayer(command string, args ...string) SpeakerOption {
	return func(s *Speaker) {
		if command != "" {
			s.command = command
		}
		if len(args) > 0 {
			s.args = args
		}
	}
}

// WithMixerOptions forwards options to the timeline created by Open.
func WithMixerOptions(opts ...mixer.Option) SpeakerOption {
	return func(s *Speaker) {
		s.opts = append(s.opts, opts...)
	}
}

// NewSpeaker creates a command-backed [Speaker]. The default player is ffplay
// with [DefaultPlayerArgs].
func NewSpeaker(opts ...SpeakerOption) *Speaker {
	s := &Speaker{command: "ffplay", args: DefaultPlayerArgs}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts the player and returns a [mixer.Timeline] writing into it.
// Closing the timeline stops the player.
func (s *Speaker) Open(ctx context.Context, format audio.Format) (audio.OutputDevice, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = audio.PlaybackSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}

	r := strings.NewReplacer(
		"{rate}", strconv.Itoa(format.SampleRate),
		"{channels}", strconv.Itoa(format.Channels),
	)
	args := make([]string, len(s.args))
	for i, a := range s.args {
		args[i] = r.Replace(a)
	}

	cmd := exec.CommandContext(ctx, s.command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("device: speaker stdin pipe: %w", err)
	}
	proc, err := startProcess(ctx, cmd)
	if err != nil {
		return nil, err
	}

	tl, err := mixer.New(&playerSink{proc: proc, stdin: stdin}, format, s.opts...)
	if err != nil {
		_ = proc.stop(stdin, true)
		return nil, fmt.Errorf("device: speaker: %w", err)
	}
	slog.Debug("speaker opened", "command", s.command, "format", format.String())
	return tl, nil
}

// playerSink adapts a player's stdin to the io.WriteCloser a timeline expects.
type playerSink struct {
	proc  *process
	stdin io.WriteCloser
}

func (p *playerSink) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Close closes stdin and stops the player.
func (p *playerSink) Close() error {
	return p.proc.stop(p.stdin, true)
}
