// Command parley runs a live voice conversation with a remote speech-to-speech
// model from the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/credential"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/memory/postgres"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
	"github.com/MrWong99/parley/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errRemoteClosed ends the run group when the endpoint closes the session.
var errRemoteClosed = errors.New("session closed by remote")

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	promptKey := flag.Bool("prompt-key", false, "ask for the API key on stdin when none is configured")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"transport", cfg.Transport.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Credential ────────────────────────────────────────────────────────────
	var credOpts []credential.Option
	if *promptKey {
		credOpts = append(credOpts, credential.WithPrompt(os.Stdin, os.Stderr))
	}
	creds := credential.NewEnv(cfg.Transport.APIKey, credential.EnvVars(cfg.Transport.Name), credOpts...)
	if !creds.HasSelected() {
		if err := creds.Select(ctx); err != nil {
			slog.Error("no API key available", "err", err)
			return 1
		}
	}
	if cfg.Transport.APIKey, err = creds.Key(); err != nil {
		slog.Error("no API key available", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	transport, err := reg.CreateTransport(cfg.Transport)
	if err != nil {
		slog.Error("failed to create transport", "err", err)
		return 1
	}
	mic, err := reg.CreateMicrophone(cfg.Audio.Capture)
	if err != nil {
		slog.Error("failed to create microphone", "err", err)
		return 1
	}
	spk, err := reg.CreateSpeaker(cfg.Audio.Playback)
	if err != nil {
		slog.Error("failed to create speaker", "err", err)
		return 1
	}

	// ── Transcript persistence (optional) ─────────────────────────────────────
	var (
		store    memory.SessionStore
		checkers []health.Checker
	)
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		defer pg.Close()
		guarded := resilience.GuardStore(pg, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "transcript-store",
		}))
		store = guarded
		checkers = append(checkers,
			health.Checker{Name: "postgres", Check: pg.Ping},
			health.Checker{Name: "transcript-writes", Check: guarded.Check},
		)
	}

	// ── Session ───────────────────────────────────────────────────────────────
	ended := make(chan session.Status, 1)
	opts := []session.Option{
		session.WithOnEntry(printEntry),
		session.WithOnState(func(st session.Status) {
			if st.State == session.Error || st.State == session.Closed {
				select {
				case ended <- st:
				default:
				}
			}
		}),
	}
	if store != nil {
		opts = append(opts, session.WithStore(store))
	}
	if vocab := cfg.Transcript.Vocabulary; len(vocab) > 0 {
		opts = append(opts, session.WithCorrector(transcript.NewVocabulary(vocab,
			transcript.WithPhoneticThreshold(cfg.Transcript.PhoneticThreshold))))
	}
	ctrl := session.New(transport, mic, spk, sessionConfig(cfg), opts...)

	g, gctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(
			health.WithState(func() string { return ctrl.Status().State.String() }),
			health.WithCheckers(checkers...),
		).Register(mux)

		srv := &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("observability server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := ctrl.Stop(sctx); err != nil {
				slog.Warn("session teardown reported errors", "err", err)
			}
		}()

		if err := ctrl.Start(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("start session: %w", err)
		}
		slog.Info("listening, press Ctrl+C to stop", "session_id", ctrl.Status().SessionID)

		select {
		case <-gctx.Done():
			return nil
		case st := <-ended:
			if st.State == session.Error {
				return fmt.Errorf("session failed: %w", st.Err)
			}
			return errRemoteClosed
		}
	})

	err = g.Wait()
	switch {
	case err == nil:
		slog.Info("parley stopped")
		return 0
	case errors.Is(err, errRemoteClosed):
		fmt.Fprintln(os.Stderr, session.MessageClosed)
		return 0
	default:
		if msg := ctrl.Status().Message; msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		slog.Error("parley exited with error", "err", err)
		return 1
	}
}

// registerBuiltins registers the transports and audio devices shipped with
// parley.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterTransport("gemini-live", func(tc config.TransportConfig) (s2s.Provider, error) {
		var opts []gemini.Option
		if tc.Model != "" {
			opts = append(opts, gemini.WithModel(tc.Model))
		}
		if tc.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(tc.BaseURL))
		}
		return gemini.New(tc.APIKey, opts...), nil
	})
	reg.RegisterTransport("openai-realtime", func(tc config.TransportConfig) (s2s.Provider, error) {
		var opts []openai.Option
		if tc.Model != "" {
			opts = append(opts, openai.WithModel(tc.Model))
		}
		if tc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(tc.BaseURL))
		}
		return openai.New(tc.APIKey, opts...), nil
	})

	reg.RegisterMicrophone("", func(cc config.CaptureConfig) (audio.Microphone, error) {
		return device.NewMicrophone(
			device.WithCommand(cc.Command),
			device.WithInput(cc.InputFormat, cc.InputDevice),
		), nil
	})
	reg.RegisterSpeaker("", func(pc config.PlaybackConfig) (audio.Speaker, error) {
		return device.NewSpeaker(device.WithPlayer(pc.Command, pc.Args...)), nil
	})
}

func sessionConfig(cfg *config.Config) session.Config {
	t := cfg.Transport
	return session.Config{
		Transport: s2s.Config{
			Model:               t.Model,
			InputTranscription:  *t.InputTranscription,
			OutputTranscription: *t.OutputTranscription,
			SystemInstruction:   t.SystemInstruction,
			Voice:               t.Voice,
		},
		TransportName:    t.Name,
		CaptureRate:      cfg.Audio.Capture.SampleRate,
		FrameSize:        cfg.Audio.Capture.FrameSize,
		Output:           audio.Format{SampleRate: cfg.Audio.Playback.SampleRate, Channels: cfg.Audio.Playback.Channels},
		HandshakeTimeout: t.HandshakeTimeout,
	}
}

func printEntry(e memory.TranscriptEntry) {
	fmt.Printf("[%s] %-6s %s\n", e.Timestamp.Format(time.TimeOnly), e.Source.String()+":", e.Text)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
