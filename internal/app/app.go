// Package app wires all voice bot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the webhook until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject fakes via functional options (WithStore, WithNotifier,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/rtemirbulat/voice-transcribing/internal/auditlog"
	"github.com/rtemirbulat/voice-transcribing/internal/catalog"
	"github.com/rtemirbulat/voice-transcribing/internal/config"
	"github.com/rtemirbulat/voice-transcribing/internal/conversation"
	"github.com/rtemirbulat/voice-transcribing/internal/health"
	"github.com/rtemirbulat/voice-transcribing/internal/media"
	"github.com/rtemirbulat/voice-transcribing/internal/observe"
	"github.com/rtemirbulat/voice-transcribing/internal/records"
	"github.com/rtemirbulat/voice-transcribing/internal/resilience"
	"github.com/rtemirbulat/voice-transcribing/internal/session"
	"github.com/rtemirbulat/voice-transcribing/internal/whatsapp"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
	"github.com/rtemirbulat/voice-transcribing/pkg/store"
	"github.com/rtemirbulat/voice-transcribing/pkg/store/memstore"
	"github.com/rtemirbulat/voice-transcribing/pkg/store/mongo"
	"github.com/rtemirbulat/voice-transcribing/pkg/store/postgres"
)

// WebhookPath is where the WhatsApp webhook is mounted.
const WebhookPath = "/webhook"

// serverShutdownTimeout bounds how long in-flight webhook requests may run
// once Run's context is cancelled.
const serverShutdownTimeout = 10 * time.Second

// Backend is one named transcription backend.
type Backend struct {
	Name     string
	Provider transcribe.Provider
}

// Providers holds the transcription backends in the order they are tried.
// Populated by main.go via the config registry.
type Providers struct {
	Transcribers []Backend
}

// App owns all subsystem lifetimes and serves the WhatsApp webhook.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	db          store.Store
	normalizer  media.Normalizer
	media       *media.Store
	audit       *auditlog.FileLog
	notifier    conversation.Notifier
	fetcher     conversation.MediaFetcher
	profiles    records.ProfileLookup
	transcriber *resilience.TranscriberFallback
	sessions    *session.MemStore
	engine      *conversation.Engine
	server      *echo.Echo
	metrics     *observe.Metrics
	logLevel    *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistence backend instead of opening the configured
// driver. The caller keeps ownership; Shutdown does not close it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.db = s }
}

// WithNotifier injects the outbound message sender instead of the WhatsApp
// client.
func WithNotifier(n conversation.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMediaFetcher injects the attachment downloader instead of the WhatsApp
// client.
func WithMediaFetcher(f conversation.MediaFetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithProfileLookup injects the contact name resolver instead of the
// WhatsApp client.
func WithProfileLookup(p records.ProfileLookup) Option {
	return func(a *App) { a.profiles = p }
}

// WithNormalizer replaces the ffmpeg audio normalizer.
func WithNormalizer(n media.Normalizer) Option {
	return func(a *App) { a.normalizer = n }
}

// WithMetrics records telemetry into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] change the verbosity of the handler
// built around lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: database connection, media
// and audit directories, catalog loading, transcriber failover and the HTTP
// routes. Nothing is served until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || len(providers.Transcribers) == 0 {
		return nil, errors.New("app: at least one transcription backend is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	loc, err := time.LoadLocation(cfg.Conversation.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: load timezone: %w", err)
	}

	// ── 1. Database ──────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. WhatsApp client ───────────────────────────────────────────────
	if err := a.initWhatsApp(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init whatsapp: %w", err)
	}

	// ── 3. Media + audit log ─────────────────────────────────────────────
	if err := a.initMedia(loc); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init media: %w", err)
	}

	// ── 4. Transcription failover ────────────────────────────────────────
	a.initTranscriber()

	// ── 5. Conversation engine ───────────────────────────────────────────
	if err := a.initEngine(loc); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}

	// ── 6. HTTP routes ───────────────────────────────────────────────────
	a.initServer()

	slog.Info("app initialised",
		"driver", cfg.Database.Driver,
		"transcribers", a.transcriber.Backends(),
		"timezone", loc.String(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured database driver unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.db != nil {
		return nil
	}

	var (
		db  store.Store
		err error
	)
	switch a.cfg.Database.Driver {
	case config.DriverPostgres:
		db, err = postgres.NewStore(ctx, a.cfg.Database.DSN)
	case config.DriverMongo:
		db, err = mongo.NewStore(ctx, a.cfg.Database.DSN, a.cfg.Database.Database)
	case config.DriverMemory, "":
		db = memstore.New()
	default:
		err = fmt.Errorf("unknown driver %q", a.cfg.Database.Driver)
	}
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	slog.Info("database connected", "driver", a.cfg.Database.Driver)
	return nil
}

// initWhatsApp builds the Cloud API client for every collaborator that was
// not injected.
func (a *App) initWhatsApp() error {
	if a.notifier != nil && a.fetcher != nil && a.profiles != nil {
		return nil
	}
	wc := a.cfg.WhatsApp
	rewrites := make([]whatsapp.Rewrite, 0, len(wc.RecipientRewrites))
	for _, r := range wc.RecipientRewrites {
		rewrites = append(rewrites, whatsapp.Rewrite{Prefix: r.Prefix, Replace: r.Replace})
	}
	opts := []whatsapp.ClientOption{
		whatsapp.WithRecipientRewrites(rewrites),
		whatsapp.WithTimeout(wc.Timeout),
		whatsapp.WithClientMetrics(a.metrics),
	}
	if wc.BaseURL != "" {
		opts = append(opts, whatsapp.WithBaseURL(wc.BaseURL))
	}
	if wc.APIVersion != "" {
		opts = append(opts, whatsapp.WithAPIVersion(wc.APIVersion))
	}
	client, err := whatsapp.NewClient(wc.AccessToken, wc.PhoneNumberID, opts...)
	if err != nil {
		return err
	}
	if a.notifier == nil {
		a.notifier = client
	}
	if a.fetcher == nil {
		a.fetcher = client
	}
	if a.profiles == nil {
		a.profiles = client
	}
	return nil
}

// initMedia creates the attachment store and the plain-text audit log.
func (a *App) initMedia(loc *time.Location) error {
	mc := a.cfg.Media
	if a.normalizer == nil {
		a.normalizer = media.NewFFmpeg(mc.FFmpegPath, mc.AudioBitrate)
	}
	ms, err := media.NewStore(mc.Root,
		media.WithLocation(loc),
		media.WithNormalizer(a.normalizer),
		media.WithMaxBytes(mc.MaxBytes),
		media.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.media = ms

	if mc.AuditDir != "" {
		al, err := auditlog.NewFileLog(mc.AuditDir, loc)
		if err != nil {
			return err
		}
		a.audit = al
	}
	return nil
}

// initTranscriber puts every configured backend behind a circuit breaker
// and chains them in order.
func (a *App) initTranscriber() {
	cb := a.cfg.Transcription.CircuitBreaker
	backends := a.providers.Transcribers
	a.transcriber = resilience.NewTranscriberFallback(backends[0].Provider, backends[0].Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
		},
		OnError: func(name string, _ error) {
			a.metrics.RecordProviderError(context.Background(), name, "transcription")
		},
	})
	for _, b := range backends[1:] {
		a.transcriber.AddFallback(b.Name, b.Provider)
	}
	for _, b := range backends {
		if c, ok := b.Provider.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
}

// initEngine loads the message catalog and builds the conversation engine.
func (a *App) initEngine(loc *time.Location) error {
	cat, err := loadCatalog(a.cfg.Conversation.CatalogPath)
	if err != nil {
		return err
	}

	a.sessions = session.NewMemStore(session.WithOnCreate(func() {
		a.metrics.ActiveSessions.Add(context.Background(), 1)
	}))

	deps := conversation.Deps{
		Sessions:    a.sessions,
		Catalog:     cat,
		Notifier:    a.notifier,
		Fetcher:     a.fetcher,
		Media:       a.media,
		Transcriber: a.transcriber,
		Recorder: records.New(a.db,
			records.WithProfileLookup(a.profiles),
			records.WithLocation(loc),
			records.WithMetrics(a.metrics),
		),
	}
	if a.audit != nil {
		deps.Audit = a.audit
	}

	opts := []conversation.Option{conversation.WithMetrics(a.metrics)}
	switch n := a.cfg.Conversation.DedupeWindow; {
	case n < 0:
		opts = append(opts, conversation.WithDedupeWindow(0))
	case n > 0:
		opts = append(opts, conversation.WithDedupeWindow(n))
	}

	a.engine, err = conversation.New(deps, a.cfg.Auth.Password, opts...)
	return err
}

// initServer registers the webhook, health and metrics routes.
func (a *App) initServer() {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(observe.Middleware(a.metrics))

	checkers := []health.Checker{
		health.PingChecker("database", a.db),
		health.DirChecker("media", a.cfg.Media.Root),
	}
	if a.audit != nil {
		checkers = append(checkers, health.DirChecker("audit_log", a.cfg.Media.AuditDir))
	}
	health.New(checkers...).Register(e)

	e.GET(a.cfg.Observe.MetricsPath, echo.WrapHandler(observe.MetricsHandler()))

	var whOpts []whatsapp.WebhookOption
	whOpts = append(whOpts, whatsapp.WithWebhookMetrics(a.metrics))
	if a.cfg.WhatsApp.AppSecret != "" {
		whOpts = append(whOpts, whatsapp.WithAppSecret(a.cfg.WhatsApp.AppSecret))
	}
	whatsapp.NewWebhook(a.engine, a.cfg.WhatsApp.VerifyToken, whOpts...).Register(e, WebhookPath)

	a.server = e
}

// loadCatalog returns the built-in catalog when path is empty.
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the webhook, health and metrics
// routes.
func (a *App) Handler() http.Handler { return a.server }

// Engine returns the conversation engine.
func (a *App) Engine() *conversation.Engine { return a.engine }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled or the server fails. When ctx is done the server drains in-flight
// requests and Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("serving https", "addr", a.cfg.Server.ListenAddr)
			err = a.server.StartTLS(a.cfg.Server.ListenAddr, tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("serving http", "addr", a.cfg.Server.ListenAddr)
			err = a.server.Start(a.cfg.Server.ListenAddr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Sections
// that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Level())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.PasswordChanged {
		a.engine.SetPassword(diff.NewPassword)
		slog.Info("password changed")
	}
	if diff.CatalogChanged {
		cat, err := loadCatalog(diff.NewCatalogPath)
		if err != nil {
			slog.Error("catalog reload failed; keeping the previous catalog", "path", diff.NewCatalogPath, "err", err)
		} else {
			a.engine.SetCatalog(cat)
			slog.Info("catalog reloaded", "path", diff.NewCatalogPath)
		}
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
