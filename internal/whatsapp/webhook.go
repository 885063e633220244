package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rtemirbulat/voice-transcribing/internal/conversation"
	"github.com/rtemirbulat/voice-transcribing/internal/observe"
)

const (
	// SignatureHeader carries the HMAC-SHA256 of the raw body, keyed with
	// the app secret.
	SignatureHeader = "X-Hub-Signature-256"

	// MaxBodyBytes caps the webhook body read.
	MaxBodyBytes = 1 << 20
)

// ErrSignature is logged when a delivery fails signature verification.
var ErrSignature = errors.New("whatsapp: webhook signature mismatch")

// BatchHandler consumes the events of one delivery.
type BatchHandler interface {
	HandleBatch(ctx context.Context, events []conversation.Event) error
}

var _ BatchHandler = (*conversation.Engine)(nil)

// Webhook serves the Cloud API callback endpoint.
type Webhook struct {
	handler     BatchHandler
	verifyToken string
	appSecret   string
	metrics     *observe.Metrics
}

// WebhookOption configures a [Webhook].
type WebhookOption func(*Webhook)

// WithAppSecret enables X-Hub-Signature-256 verification.
func WithAppSecret(secret string) WebhookOption {
	return func(w *Webhook) { w.appSecret = secret }
}

// WithWebhookMetrics records dropped deliveries.
func WithWebhookMetrics(m *observe.Metrics) WebhookOption {
	return func(w *Webhook) { w.metrics = m }
}

// NewWebhook returns a Webhook that passes deliveries to h and answers the
// subscription handshake for verifyToken.
func NewWebhook(h BatchHandler, verifyToken string, opts ...WebhookOption) *Webhook {
	w := &Webhook{handler: h, verifyToken: verifyToken}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Register mounts the GET and POST handlers at path.
func (w *Webhook) Register(e *echo.Echo, path string) {
	e.GET(path, w.Verify)
	e.POST(path, w.Receive)
}

// Verify answers the subscription handshake by echoing hub.challenge.
func (w *Webhook) Verify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	log := observe.Logger(c.Request().Context())

	if mode != "subscribe" || w.verifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(w.verifyToken)) != 1 {
		log.Warn("webhook verification failed", "mode", mode)
		return c.String(http.StatusForbidden, "Forbidden")
	}
	log.Info("webhook verified")
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

// Receive handles one delivery. It always answers 200 so the provider does
// not retry payloads that will never parse; failures are logged.
func (w *Webhook) Receive(c echo.Context) error {
	ctx := observe.WithBatchID(c.Request().Context(), uuid.NewString())
	log := observe.Logger(ctx)

	if err := w.receive(ctx, c.Request()); err != nil {
		log.Error("webhook delivery dropped", "err", err)
		if w.metrics != nil {
			w.metrics.RecordEventFailure(ctx, dropStage(err))
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (w *Webhook) receive(ctx context.Context, r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrParse, err)
	}
	if w.appSecret != "" && !ValidSignature(w.appSecret, body, r.Header.Get(SignatureHeader)) {
		return ErrSignature
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrParse, err)
	}

	log := observe.Logger(ctx)
	for _, st := range env.Statuses() {
		log.Debug("delivery status", "message_id", st.ID, "status", st.Status, "recipient", st.RecipientID)
	}

	events, parseErr := env.Events()
	if parseErr != nil {
		log.Warn("skipping undecodable messages", "err", parseErr)
	}
	if len(events) == 0 {
		log.Debug("delivery carried no messages")
		return nil
	}
	log.Info("webhook batch received", "events", len(events))
	// The provider may hang up while a slow transcription runs; the rest of
	// the batch still has to be processed and answered.
	return w.handler.HandleBatch(context.WithoutCancel(ctx), events)
}

// ValidSignature reports whether header is "sha256=" followed by the hex
// HMAC-SHA256 of body keyed with secret.
func ValidSignature(secret string, body []byte, header string) bool {
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func dropStage(err error) string {
	switch {
	case errors.Is(err, ErrSignature):
		return "webhook_signature"
	case errors.Is(err, ErrParse):
		return "webhook_parse"
	default:
		return "webhook_handle"
	}
}
