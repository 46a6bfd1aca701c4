// Package device provides [audio.Microphone] and [audio.Speaker]
// implementations backed by external media commands. Capture runs ffmpeg and
// reads raw float samples from its stdout; playback pipes mixed 16-bit PCM into
// the stdin of a player such as ffplay or aplay.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// startupGrace is how long a freshly spawned command must survive before
	// it is considered running.
	startupGrace = 250 * time.Millisecond

	// stopGrace is how long Stop waits after SIGINT before killing.
	stopGrace = 1200 * time.Millisecond
)

// permissionHints are stderr fragments that identify a refused device.
var permissionHints = []string{
	"permission denied",
	"operation not permitted",
	"access denied",
	"not authorized",
}

// process is a running media command with one piped stream.
type process struct {
	name   string
	cmd    *exec.Cmd
	stderr *lockedBuffer

	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

// startProcess launches command and waits [startupGrace] for an early exit.
// An early exit whose stderr mentions a permission problem is reported as
// [audio.ErrPermissionDenied].
func startProcess(ctx context.Context, cmd *exec.Cmd) (*process, error) {
	name := cmd.Path
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = stopGrace

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("device: start %s: %w: %w", name, audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("device: start %s: %w", name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	timer := time.NewTimer(startupGrace)
	defer timer.Stop()

	select {
	case err := <-waitErr:
		msg := trimSpace(stderr.String())
		if isPermissionError(msg) {
			return nil, fmt.Errorf("device: %s exited before start: %w: %s", name, audio.ErrPermissionDenied, msg)
		}
		if err != nil {
			return nil, fmt.Errorf("device: %s exited before start: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("device: %s exited before start", name)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, fmt.Errorf("device: start %s: %w", name, ctx.Err())
	case <-timer.C:
	}

	return &process{name: name, cmd: cmd, stderr: stderr, waitErr: waitErr}, nil
}

// stop interrupts the process, escalating to a kill after [stopGrace], then
// closes pipe. With closeFirst the pipe is closed before signalling, which
// lets players reading stdin drain and exit on their own. It is safe to call
// more than once.
func (p *process) stop(pipe io.Closer, closeFirst bool) error {
	p.stopOnce.Do(func() {
		if pipe != nil && closeFirst {
			_ = pipe.Close()
		}
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-p.waitErr:
			if ok {
				p.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
			if err, ok := <-p.waitErr; ok {
				p.stopErr = normalizeStopErr(err)
			}
		}

		if pipe != nil {
			if err := pipe.Close(); err != nil && !errors.Is(err, os.ErrClosed) && p.stopErr == nil {
				p.stopErr = err
			}
		}
		if p.stopErr != nil {
			if msg := trimSpace(p.stderr.String()); msg != "" {
				p.stopErr = fmt.Errorf("%w: %s", p.stopErr, msg)
			}
			p.stopErr = fmt.Errorf("device: stop %s: %w", p.name, p.stopErr)
		}
	})
	return p.stopErr
}

// normalizeStopErr treats a non-zero exit as a clean stop; media tools exit
// non-zero when interrupted.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func isPermissionError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, hint := range permissionHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func trimSpace(s string) string {
	if s == "" {
		return s
	}
	return strings.TrimSpace(s)
}

// lockedBuffer is a bytes.Buffer safe for the concurrent writes exec performs
// while callers read it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
