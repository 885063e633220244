// Command voicebot is the main entry point for the WhatsApp voice
// transcription bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rtemirbulat/voice-transcribing/internal/app"
	"github.com/rtemirbulat/voice-transcribing/internal/config"
	"github.com/rtemirbulat/voice-transcribing/internal/observe"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe/detection"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe/google"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe/mock"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe/openai"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe/whisper"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional .env file loaded before the config is parsed")
	flag.Parse()

	// ── Environment + configuration ───────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "voicebot: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebot: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("voicebot starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Observe.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Observe.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(logLevel))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	// The file is polled; SIGHUP forces an immediate re-read.
	watcher, err := config.NewWatcher(*configPath, func(diff config.ConfigDiff, _ *config.Config) {
		application.ApplyConfig(diff)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if !w.Reload(true) {
				slog.Info("SIGHUP: configuration unchanged")
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in transcription backends into
// reg. Each factory receives a config.ProviderEntry and constructs the
// backend from the real implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	reg.RegisterTranscriber("detection", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		return detection.New(entry.BaseURL, detection.WithTimeout(entry.Timeout))
	})

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		opts := []whisper.Option{whisper.WithTimeout(entry.Timeout)}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		opts := []openai.Option{openai.WithTimeout(entry.Timeout)}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// google authenticates with Application Default Credentials; api_key is
	// ignored.
	reg.RegisterTranscriber("google", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []google.Option
		if locale := entry.OptString("default_locale"); locale != "" {
			opts = append(opts, google.WithDefaultLocale(locale))
		}
		return google.New(ctx, opts...)
	})

	// mock answers every request with options.text. Useful for local runs
	// without a recognizer.
	reg.RegisterTranscriber("mock", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		return &mock.Provider{Text: entry.OptString("text")}, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "transcription", "name", name)
	}
}

// buildProviders instantiates every configured transcription backend using
// the registry, primary first.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	for _, entry := range cfg.Transcription.Backends() {
		p, err := reg.CreateTranscriber(entry)
		if err != nil {
			return nil, fmt.Errorf("create transcription backend %q: %w", entry.Name, err)
		}
		ps.Transcribers = append(ps.Transcribers, app.Backend{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "transcription", "name", entry.Name, "timeout", entry.Timeout)
	}
	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicebot: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for i, b := range cfg.Transcription.Backends() {
		kind := "Fallback"
		if i == 0 {
			kind = "Transcriber"
		}
		printRow(kind, b.Name, b.Model)
	}
	printRow("Database", string(cfg.Database.Driver), "")
	printRow("Timezone", cfg.Conversation.Timezone, "")
	printRow("Media root", cfg.Media.Root, "")
	if cfg.WhatsApp.AppSecret != "" {
		printRow("Signatures", "verified", "")
	} else {
		printRow("Signatures", "(not verified)", "")
	}
	printRow("Listen addr", cfg.Server.ListenAddr, "")
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
