// Package credential resolves the API key used to authenticate against the
// remote conversational endpoint.
//
// A [Provider] answers whether a credential is selected and can ask the user
// to select one. [Env] implements it on top of an explicit configured key,
// the process environment and an optional interactive prompt.
package credential

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// ErrNoCredential is returned when no key is configured and none could be
// selected.
var ErrNoCredential = errors.New("credential: no API key selected")

// Provider is the credential collaborator consulted before a session starts.
type Provider interface {
	// HasSelected reports whether a key is available.
	HasSelected() bool

	// Select asks the user for a key. It fails with an error wrapping
	// [ErrNoCredential] when none is provided.
	Select(ctx context.Context) error

	// Key returns the selected key or [ErrNoCredential].
	Key() (string, error)
}

// EnvVars returns the environment variables consulted for transport, most
// specific last. PARLEY_API_KEY always takes precedence.
func EnvVars(transport string) []string {
	switch transport {
	case "gemini-live":
		return []string{"PARLEY_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"}
	case "openai-realtime":
		return []string{"PARLEY_API_KEY", "OPENAI_API_KEY"}
	default:
		return []string{"PARLEY_API_KEY"}
	}
}

// Option configures [Env].
type Option func(*Env)

// WithLookup replaces [os.LookupEnv].
func WithLookup(fn func(string) (string, bool)) Option {
	return func(e *Env) { e.lookup = fn }
}

// WithPrompt enables [Env.Select]: the prompt is written to w and one line is
// read from r.
func WithPrompt(r io.Reader, w io.Writer) Option {
	return func(e *Env) {
		e.in = bufio.NewReader(r)
		e.out = w
	}
}

// Env resolves the key from an explicit value, then from the environment,
// then from an interactive prompt. It is safe for concurrent use.
type Env struct {
	vars   []string
	lookup func(string) (string, bool)
	in     *bufio.Reader
	out    io.Writer

	mu  sync.Mutex
	key string
}

var _ Provider = (*Env)(nil)

// NewEnv returns an Env preferring explicit over the variables in vars.
func NewEnv(explicit string, vars []string, opts ...Option) *Env {
	e := &Env{vars: vars, lookup: os.LookupEnv}
	for _, o := range opts {
		o(e)
	}
	e.key = strings.TrimSpace(explicit)
	if e.key == "" {
		for _, v := range vars {
			if val, ok := e.lookup(v); ok && strings.TrimSpace(val) != "" {
				e.key = strings.TrimSpace(val)
				break
			}
		}
	}
	return e
}

// HasSelected implements [Provider].
func (e *Env) HasSelected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key != ""
}

// Key implements [Provider].
func (e *Env) Key() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key == "" {
		return "", e.missing()
	}
	return e.key, nil
}

// Select implements [Provider]. Without a prompt it fails immediately.
func (e *Env) Select(ctx context.Context) error {
	if e.in == nil {
		return e.missing()
	}
	if _, err := fmt.Fprint(e.out, "API key: "); err != nil {
		return fmt.Errorf("credential: prompt: %w", err)
	}

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := e.in.ReadString('\n')
		ch <- result{line, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return fmt.Errorf("credential: prompt: %w", ctx.Err())
	case res = <-ch:
	}
	if res.err != nil && !errors.Is(res.err, io.EOF) {
		return fmt.Errorf("credential: prompt: %w", res.err)
	}
	key := strings.TrimSpace(res.line)
	if key == "" {
		return e.missing()
	}

	e.mu.Lock()
	e.key = key
	e.mu.Unlock()
	return nil
}

func (e *Env) missing() error {
	if len(e.vars) == 0 {
		return ErrNoCredential
	}
	return fmt.Errorf("%w: set transport.api_key or one of %s", ErrNoCredential, strings.Join(e.vars, ", "))
}
