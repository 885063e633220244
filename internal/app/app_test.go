package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/rtemirbulat/voice-transcribing/internal/app"
	"github.com/rtemirbulat/voice-transcribing/internal/catalog"
	"github.com/rtemirbulat/voice-transcribing/internal/config"
	"github.com/rtemirbulat/voice-transcribing/internal/observe"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe/mock"
	"github.com/rtemirbulat/voice-transcribing/pkg/store/memstore"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type sent struct{ to, body string }

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []sent
}

func (n *fakeNotifier) SendText(_ context.Context, to, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, sent{to, body})
	return nil
}

func (n *fakeNotifier) last(t *testing.T) sent {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		t.Fatal("no message sent")
	}
	return n.msgs[len(n.msgs)-1]
}

type fakeFetcher struct{}

func (fakeFetcher) FetchMedia(context.Context, string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader("RIFF")), "audio/ogg", nil
}

type fakeProfiles struct{}

func (fakeProfiles) ProfileName(context.Context, string) (string, error) { return "Test User", nil }

type copyNormalizer struct{}

func (copyNormalizer) Normalize(_ context.Context, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// ── helpers ──────────────────────────────────────────────────────────────────

const sender = "77001234567"

// testConfig returns a validated in-memory config rooted in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		WhatsApp: config.WhatsAppConfig{
			AccessToken:   "tok",
			PhoneNumberID: "pnid",
			VerifyToken:   "verify-me",
		},
		Auth: config.AuthConfig{Password: "s3cret"},
		Media: config.MediaConfig{
			Root:     filepath.Join(dir, "media"),
			AuditDir: filepath.Join(dir, "messages"),
		},
		Transcription: config.TranscriptionConfig{
			Primary: config.ProviderEntry{Name: "mock"},
		},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func testProviders(text string) *app.Providers {
	return &app.Providers{Transcribers: []app.Backend{
		{Name: "mock", Provider: &mock.Provider{Text: text}},
	}}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type harness struct {
	app      *app.App
	notifier *fakeNotifier
	db       *memstore.Store
	cat      *catalog.Catalog
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{notifier: &fakeNotifier{}, db: memstore.New(), cat: catalog.Default()}
	a, err := app.New(context.Background(), cfg, testProviders("сәлем"),
		app.WithStore(h.db),
		app.WithNotifier(h.notifier),
		app.WithMediaFetcher(fakeFetcher{}),
		app.WithProfileLookup(fakeProfiles{}),
		app.WithNormalizer(copyNormalizer{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	h.app = a
	return h
}

var msgSeq atomic.Int64

// textDelivery renders a webhook delivery carrying one text message.
func textDelivery(body string) string {
	return fmt.Sprintf(`{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{
"messaging_product":"whatsapp",
"contacts":[{"wa_id":%q,"profile":{"name":"Test User"}}],
"messages":[{"from":%q,"id":"wamid.%d","timestamp":"1714557600","type":"text","text":{"body":%q}}]}}]}]}`,
		sender, sender, msgSeq.Add(1), body)
}

func (h *harness) post(t *testing.T, body string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, app.WebhookPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST %s: status %d", app.WebhookPath, rec.Code)
	}
}

func (h *harness) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func (h *harness) wantReply(t *testing.T, key catalog.Key, lang catalog.Language) {
	t.Helper()
	got := h.notifier.last(t)
	if got.to != sender {
		t.Errorf("reply sent to %q, want %q", got.to, sender)
	}
	if want := h.cat.Text(key, lang); got.body != want {
		t.Errorf("reply = %q, want %s (%q)", got.body, key, want)
	}
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_WithFakes(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h := newHarness(t, cfg)
	if h.app.Engine() == nil {
		t.Fatal("engine not built")
	}
	if _, err := os.Stat(cfg.Media.Root); err != nil {
		t.Errorf("media root not created: %v", err)
	}
	if _, err := os.Stat(cfg.Media.AuditDir); err != nil {
		t.Errorf("audit dir not created: %v", err)
	}
}

func TestNew_MemoryDriverWithoutInjection(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t), testProviders(""),
		app.WithNotifier(&fakeNotifier{}),
		app.WithMediaFetcher(fakeFetcher{}),
		app.WithProfileLookup(fakeProfiles{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNew_BuildsWhatsAppClient(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.WhatsApp.BaseURL = "http://graph.invalid"
	a, err := app.New(context.Background(), cfg, testProviders(""), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = a.Shutdown(context.Background())
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(t), &app.Providers{}); err == nil {
		t.Error("expected error without transcription backends")
	}

	cfg := testConfig(t)
	cfg.Conversation.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := app.New(context.Background(), cfg, testProviders(""),
		app.WithStore(memstore.New()),
		app.WithNotifier(&fakeNotifier{}),
		app.WithMediaFetcher(fakeFetcher{}),
		app.WithProfileLookup(fakeProfiles{}),
		app.WithMetrics(testMetrics(t)),
	)
	if err == nil || !strings.Contains(err.Error(), "catalog") {
		t.Errorf("err = %v, want catalog error", err)
	}
}

// ── HTTP routes ──────────────────────────────────────────────────────────────

func TestApp_WebhookConversation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))

	h.post(t, textDelivery("hello"))
	h.wantReply(t, catalog.LanguagePrompt, "")

	h.post(t, textDelivery("2"))
	h.wantReply(t, catalog.AuthenticationPrompt, "ru")

	h.post(t, textDelivery("s3cret"))
	h.wantReply(t, catalog.AuthenticationSuccess, "ru")

	h.post(t, textDelivery("первое сообщение"))
	h.wantReply(t, catalog.TextReceived, "ru")

	msgs, err := h.db.ListMessages(context.Background(), sender, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "первое сообщение" {
		t.Fatalf("stored messages = %+v", msgs)
	}
}

func TestApp_WebhookVerify(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))

	q := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"verify-me"}, "hub.challenge": {"42"}}
	rec := h.get(t, app.WebhookPath+"?"+q.Encode())
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Fatalf("verify: %d %q", rec.Code, rec.Body.String())
	}

	q.Set("hub.verify_token", "wrong")
	if rec := h.get(t, app.WebhookPath+"?"+q.Encode()); rec.Code != http.StatusForbidden {
		t.Fatalf("bad token: status %d", rec.Code)
	}
}

func TestApp_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h := newHarness(t, cfg)

	for _, path := range []string{"/healthz", "/readyz", cfg.Observe.MetricsPath} {
		if rec := h.get(t, path); rec.Code != http.StatusOK {
			t.Errorf("GET %s: status %d body %s", path, rec.Code, rec.Body.String())
		}
	}
}

func TestApp_ReadyzReportsMissingMediaRoot(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	h := newHarness(t, cfg)

	if err := os.RemoveAll(cfg.Media.Root); err != nil {
		t.Fatal(err)
	}
	rec := h.get(t, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "media") {
		t.Errorf("body should name the failing check: %s", rec.Body.String())
	}
}

// ── hot reload ───────────────────────────────────────────────────────────────

func TestApp_ApplyConfigPassword(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))

	h.app.ApplyConfig(config.ConfigDiff{PasswordChanged: true, NewPassword: "rotated"})

	h.post(t, textDelivery("hi"))
	h.post(t, textDelivery("1"))
	h.post(t, textDelivery("s3cret"))
	h.wantReply(t, catalog.IncorrectCode, "kk")

	h.post(t, textDelivery("start"))
	h.post(t, textDelivery("rotated"))
	h.wantReply(t, catalog.AuthenticationSuccess, "kk")
}

func TestApp_ApplyConfigCatalog(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))

	// A broken catalog is rejected and the built-in one stays active.
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("languages: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	h.app.ApplyConfig(config.ConfigDiff{CatalogChanged: true, NewCatalogPath: bad})

	h.post(t, textDelivery("hi"))
	h.wantReply(t, catalog.LanguagePrompt, "")
}

func TestApp_ApplyConfigLogLevel(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	a, err := app.New(context.Background(), testConfig(t), testProviders(""),
		app.WithStore(memstore.New()),
		app.WithNotifier(&fakeNotifier{}),
		app.WithMediaFetcher(fakeFetcher{}),
		app.WithProfileLookup(fakeProfiles{}),
		app.WithMetrics(testMetrics(t)),
		app.WithLogLevel(lv),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	a.ApplyConfig(config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug})
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

// ── lifecycle ────────────────────────────────────────────────────────────────

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	h := newHarness(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(t))

	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
