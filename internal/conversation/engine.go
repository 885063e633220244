// Package conversation implements the per-sender dialogue that gates content
// collection behind a language choice and a shared password, stores what
// senders send, and asks them to confirm or correct every transcription.
//
// Each event is handled under a per-sender lock, so two deliveries for the
// same sender never interleave while deliveries for different senders run
// in parallel. Rules are evaluated in a fixed order and the first match
// wins:
//
//  1. no language yet: prompt for one, or interpret the reply as a choice
//  2. a start keyword: (re)open the password gate
//  3. password gate open: check the password
//  4. not authenticated: refuse
//  5. confirmation pending: accept, reject or re-ask
//  6. correction pending: store the corrected text
//  7. content: store text or media, transcribe audio
//
// Control replies (language choice, password, start, confirmation answers)
// are never stored as messages.
package conversation

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rtemirbulat/voice-transcribing/internal/catalog"
	"github.com/rtemirbulat/voice-transcribing/internal/media"
	"github.com/rtemirbulat/voice-transcribing/internal/observe"
	"github.com/rtemirbulat/voice-transcribing/internal/records"
	"github.com/rtemirbulat/voice-transcribing/internal/session"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

var (
	// ErrInvalidEvent is returned for events without a sender.
	ErrInvalidEvent = errors.New("conversation: event has no sender")

	// ErrPanic wraps a panic recovered while handling one event.
	ErrPanic = errors.New("conversation: panic while handling event")
)

// Event outcomes reported in logs and metrics.
const (
	outcomeLanguagePrompt  = "language_prompt"
	outcomeLanguageInvalid = "language_invalid"
	outcomeLanguageChosen  = "language_selected"
	outcomePasswordPrompt  = "password_prompt"
	outcomeAuthenticated   = "authenticated"
	outcomeWrongPassword   = "wrong_password"
	outcomeRefused         = "auth_required"
	outcomeConfirmed       = "confirmed"
	outcomeRejected        = "rejected"
	outcomeRetry           = "confirmation_retry"
	outcomeCorrected       = "corrected"
	outcomeText            = "text_stored"
	outcomeTranscribed     = "transcribed"
	outcomeTranscribeFail  = "transcription_failed"
	outcomeMedia           = "media_stored"
	outcomeMediaError      = "media_error"
	outcomeOther           = "other_stored"
	outcomeDuplicate       = "duplicate"
	outcomeError           = "error"
)

// Deps are the engine's collaborators. All fields are required except
// Audit.
type Deps struct {
	Sessions    session.Store
	Catalog     *catalog.Catalog
	Notifier    Notifier
	Fetcher     MediaFetcher
	Media       MediaSaver
	Transcriber transcribe.Provider
	Recorder    Recorder
	Audit       AuditLog
}

// Engine runs the conversation for every sender.
type Engine struct {
	sessions    session.Store
	notifier    Notifier
	fetcher     MediaFetcher
	media       MediaSaver
	transcriber transcribe.Provider
	recorder    Recorder
	audit       AuditLog

	catalog  atomic.Pointer[catalog.Catalog]
	password atomic.Pointer[string]

	locks   *keyedMutex
	dedupe  *dedupe
	metrics *observe.Metrics
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics records event and transcription metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDedupeWindow sets how many recent message IDs are remembered to drop
// redeliveries. Zero disables duplicate suppression.
func WithDedupeWindow(n int) Option {
	return func(e *Engine) { e.dedupe = newDedupe(n) }
}

// New returns an Engine that accepts password as the shared secret.
func New(deps Deps, password string, opts ...Option) (*Engine, error) {
	var errs []error
	if deps.Sessions == nil {
		errs = append(errs, errors.New("sessions is required"))
	}
	if deps.Catalog == nil {
		errs = append(errs, errors.New("catalog is required"))
	}
	if deps.Notifier == nil {
		errs = append(errs, errors.New("notifier is required"))
	}
	if deps.Fetcher == nil {
		errs = append(errs, errors.New("media fetcher is required"))
	}
	if deps.Media == nil {
		errs = append(errs, errors.New("media saver is required"))
	}
	if deps.Transcriber == nil {
		errs = append(errs, errors.New("transcriber is required"))
	}
	if deps.Recorder == nil {
		errs = append(errs, errors.New("recorder is required"))
	}
	if password == "" {
		errs = append(errs, errors.New("password must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}

	e := &Engine{
		sessions:    deps.Sessions,
		notifier:    deps.Notifier,
		fetcher:     deps.Fetcher,
		media:       deps.Media,
		transcriber: deps.Transcriber,
		recorder:    deps.Recorder,
		audit:       deps.Audit,
		locks:       newKeyedMutex(),
		dedupe:      newDedupe(DefaultDedupeWindow),
	}
	e.catalog.Store(deps.Catalog)
	e.password.Store(&password)
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// SetPassword replaces the shared secret. Sessions that already
// authenticated stay authenticated.
func (e *Engine) SetPassword(password string) {
	if password == "" {
		slog.Warn("ignoring empty password update")
		return
	}
	e.password.Store(&password)
}

// SetCatalog replaces the message catalog.
func (e *Engine) SetCatalog(c *catalog.Catalog) {
	if c != nil {
		e.catalog.Store(c)
	}
}

// reply is an outbound message rendered at send time.
type reply struct {
	key  catalog.Key
	lang catalog.Language
	vars []string
}

// turn carries the state of one event through the rules.
type turn struct {
	ev      Event
	cat     *catalog.Catalog
	sess    session.Session
	replies []reply
	outcome string
}

func (t *turn) say(key catalog.Key, vars ...string) {
	t.replies = append(t.replies, reply{key: key, lang: t.sess.Language, vars: vars})
}

// HandleBatch handles events in order. A failing event is logged and does
// not stop the rest; the returned error joins every failure.
func (e *Engine) HandleBatch(ctx context.Context, events []Event) error {
	var errs []error
	for _, ev := range events {
		if err := e.Handle(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("event %s from %s: %w", ev.ID, ev.From, err))
		}
	}
	return errors.Join(errs...)
}

// Handle processes one event under the sender's lock. Panics are recovered
// and returned as [ErrPanic].
func (e *Engine) Handle(ctx context.Context, ev Event) (err error) {
	if ev.From == "" {
		return ErrInvalidEvent
	}

	unlock := e.locks.Lock(ev.From)
	defer unlock()

	start := time.Now()
	ctx, span := observe.StartEventSpan(ctx, "conversation.handle", ev.From, ev.Kind, ev.ID)
	log := observe.Logger(ctx).With("sender", ev.From, "kind", ev.Kind, "message_id", ev.ID)

	outcome := outcomeError
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			log.Error("panic while handling event", "panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			outcome = outcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if e.metrics != nil {
				e.metrics.RecordEventFailure(ctx, "handle")
			}
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		if e.metrics != nil {
			e.metrics.EventDuration.Record(ctx, time.Since(start).Seconds())
			e.metrics.RecordEvent(ctx, ev.Kind, outcome)
		}
	}()

	if e.dedupe.Seen(ev.ID) {
		log.Debug("dropping redelivered event")
		outcome = outcomeDuplicate
		return nil
	}

	cur, _, err := e.sessions.Get(ctx, ev.From)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	t := &turn{ev: ev, cat: e.catalog.Load(), sess: cur}
	e.step(ctx, t)
	outcome = t.outcome

	if t.sess != cur {
		if _, err := e.sessions.CompareAndSwap(ctx, cur, t.sess); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
	}

	log.Info("event handled", "outcome", outcome, "stage", t.sess.Stage().String())
	e.send(ctx, t)
	return nil
}

// step applies the first matching rule to t.
func (e *Engine) step(ctx context.Context, t *turn) {
	switch {
	case !t.cat.Supports(t.sess.Language):
		e.chooseLanguage(t)
	case t.ev.IsText() && t.cat.IsStart(t.ev.Text):
		t.sess.RequestPassword()
		t.say(catalog.AuthenticationPrompt)
		t.outcome = outcomePasswordPrompt
	case t.sess.AwaitingPassword:
		e.checkPassword(t)
	case !t.sess.Authenticated:
		t.say(catalog.AuthenticationRequired)
		t.outcome = outcomeRefused
	case t.sess.AwaitingConfirmation && t.ev.IsText():
		e.confirm(ctx, t)
	case t.sess.AwaitingCorrection && t.ev.IsText():
		e.correct(ctx, t)
	default:
		e.dispatch(ctx, t)
	}
}

func (e *Engine) chooseLanguage(t *turn) {
	if !t.sess.AwaitingLanguageSelection {
		t.sess.Language = ""
		t.sess.PromptLanguage()
		t.say(catalog.LanguagePrompt)
		t.outcome = outcomeLanguagePrompt
		return
	}
	if t.ev.IsText() {
		if lang, ok := t.cat.SelectLanguage(t.ev.Text); ok {
			t.sess.SelectLanguage(lang)
			t.say(catalog.AuthenticationPrompt)
			t.outcome = outcomeLanguageChosen
			return
		}
	}
	t.say(catalog.LanguageInvalid)
	t.outcome = outcomeLanguageInvalid
}

func (e *Engine) checkPassword(t *turn) {
	if !t.ev.IsText() {
		t.say(catalog.AuthenticationPrompt)
		t.outcome = outcomePasswordPrompt
		return
	}
	want := *e.password.Load()
	ok := subtle.ConstantTimeCompare([]byte(t.ev.Text), []byte(want)) == 1
	t.sess.SubmitPassword(ok)
	if ok {
		t.say(catalog.AuthenticationSuccess)
		t.outcome = outcomeAuthenticated
		return
	}
	t.say(catalog.IncorrectCode)
	t.outcome = outcomeWrongPassword
}

func (e *Engine) confirm(ctx context.Context, t *turn) {
	switch t.cat.Classify(t.sess.Language, t.ev.Text) {
	case catalog.AnswerYes:
		// A failed write is logged by the recorder; the sender still gets
		// their thanks and the pending result is released.
		_ = e.recorder.UpdateTranscriptionResult(ctx, t.sess.PendingResultID, false, nil)
		t.sess.Resolve()
		t.say(catalog.ConfirmationThanks)
		t.outcome = outcomeConfirmed
	case catalog.AnswerNo:
		t.sess.AwaitCorrection()
		t.say(catalog.CorrectionPrompt)
		t.outcome = outcomeRejected
	default:
		t.say(catalog.ConfirmationRetry)
		t.outcome = outcomeRetry
	}
}

func (e *Engine) correct(ctx context.Context, t *turn) {
	human := t.ev.Text
	_ = e.recorder.UpdateTranscriptionResult(ctx, t.sess.PendingResultID, true, &human)
	t.sess.Resolve()
	t.say(catalog.CorrectionThanks)
	t.outcome = outcomeCorrected
}

// dispatch handles content from an authenticated sender.
func (e *Engine) dispatch(ctx context.Context, t *turn) {
	switch {
	case t.ev.IsText():
		e.storeText(ctx, t)
	case media.IsAudio(t.ev.Kind):
		e.storeAudio(ctx, t)
	case media.IsAttachment(t.ev.Kind):
		e.storeAttachment(ctx, t)
	default:
		e.storeMessage(ctx, t, records.MessageInput{})
		t.outcome = outcomeOther
	}
}

func (e *Engine) storeText(ctx context.Context, t *turn) {
	e.storeMessage(ctx, t, records.MessageInput{Body: t.ev.Text})
	if e.audit != nil {
		if err := e.audit.Append(t.ev.From, t.ev.Text, t.ev.Timestamp); err != nil {
			slog.Warn("audit log append failed", "sender", t.ev.From, "err", err)
		}
	}
	t.say(catalog.TextReceived, "text", t.ev.Text)
	t.outcome = outcomeText
}

func (e *Engine) storeAttachment(ctx context.Context, t *turn) {
	saved, err := e.save(ctx, t.ev)
	if err != nil {
		t.say(catalog.MediaSaveError)
		t.outcome = outcomeMediaError
		return
	}
	e.storeMessage(ctx, t, records.MessageInput{AttachmentPath: saved.Path})
	t.say(catalog.MediaSaved, "path", saved.Path)
	t.outcome = outcomeMedia
}

func (e *Engine) storeAudio(ctx context.Context, t *turn) {
	saved, err := e.save(ctx, t.ev)
	if err != nil {
		t.say(catalog.MediaSaveError)
		t.outcome = outcomeMediaError
		return
	}
	if !saved.Normalized {
		slog.Warn("audio kept unconverted, not transcribing", "sender", t.ev.From, "path", saved.Path)
		t.say(catalog.TranscriptionFailed)
		t.outcome = outcomeTranscribeFail
		return
	}

	text, err := e.transcribe(ctx, t, saved)
	if err != nil {
		t.say(catalog.TranscriptionFailed)
		t.outcome = outcomeTranscribeFail
		return
	}

	msg, ok := e.storeMessage(ctx, t, records.MessageInput{
		AttachmentPath: saved.Path,
		RecognizedText: &text,
	})
	if !ok {
		t.say(catalog.TranscriptionFailed)
		t.outcome = outcomeTranscribeFail
		return
	}
	res, err := e.recorder.CreateTranscriptionResult(ctx, msg, saved.Path, saved.Name, text)
	if err != nil {
		t.say(catalog.TranscriptionFailed)
		t.outcome = outcomeTranscribeFail
		return
	}

	t.sess.AwaitConfirmation(res.ID)
	t.say(catalog.ConfirmationQuestion, "text", text)
	t.outcome = outcomeTranscribed
}

// save downloads and stores the event's attachment.
func (e *Engine) save(ctx context.Context, ev Event) (media.SaveResult, error) {
	if ev.MediaID == "" {
		slog.Warn("attachment without media id", "sender", ev.From, "kind", ev.Kind)
		return media.SaveResult{}, fmt.Errorf("%w: missing media id", media.ErrSave)
	}
	body, contentType, err := e.fetcher.FetchMedia(ctx, ev.MediaID)
	if err != nil {
		slog.Error("media download failed", "sender", ev.From, "media_id", ev.MediaID, "err", err)
		e.recordFailure(ctx, "media_fetch")
		return media.SaveResult{}, err
	}
	defer body.Close()

	if contentType == "" {
		contentType = ev.MimeType
	}
	saved, err := e.media.Save(ctx, media.SaveRequest{
		Sender:      ev.From,
		Kind:        ev.Kind,
		ContentType: contentType,
		Timestamp:   ev.Timestamp,
		Body:        body,
	})
	if err != nil {
		slog.Error("media save failed", "sender", ev.From, "media_id", ev.MediaID, "err", err)
		e.recordFailure(ctx, "media_save")
		return media.SaveResult{}, err
	}
	return saved, nil
}

func (e *Engine) transcribe(ctx context.Context, t *turn, saved media.SaveResult) (string, error) {
	ctx, span := observe.StartSpan(ctx, "conversation.transcribe")
	defer span.End()

	start := time.Now()
	text, err := e.transcriber.Transcribe(ctx, transcribe.Request{
		Path:     saved.Path,
		Language: string(t.sess.Language),
		Locale:   t.cat.SpeechLocale(t.sess.Language),
	})
	if err == nil {
		// Guard the "no empty success" contract for every backend.
		text, err = transcribe.Result("transcriber", text)
	}
	status := "ok"
	switch {
	case errors.Is(err, transcribe.ErrNoResult):
		status = "no_result"
	case err != nil:
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
		e.metrics.RecordProviderRequest(ctx, "transcription", t.ev.Kind, status)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		slog.Error("transcription failed", "sender", t.ev.From, "path", saved.Path, "status", status, "err", err)
		return "", err
	}
	return text, nil
}

// storeMessage persists the event as a message with the given content. The
// second result is false when the contact or message could not be written;
// the failure is already logged.
func (e *Engine) storeMessage(ctx context.Context, t *turn, in records.MessageInput) (store.Message, bool) {
	contact, err := e.recorder.GetOrCreateContact(ctx, t.ev.From, t.ev.ProfileName)
	if err != nil {
		return store.Message{}, false
	}
	in.ProviderMessageID = t.ev.ID
	in.Kind = t.ev.Kind
	in.Timestamp = t.ev.Timestamp
	msg, err := e.recorder.AppendMessage(ctx, contact, in)
	if err != nil {
		return store.Message{}, false
	}
	return msg, true
}

// send delivers the turn's replies. Failures are logged and counted; the
// session has already moved on.
func (e *Engine) send(ctx context.Context, t *turn) {
	for _, r := range t.replies {
		body := t.cat.Text(r.key, r.lang, r.vars...)
		if err := e.notifier.SendText(ctx, t.ev.From, body); err != nil {
			slog.Error("reply failed", "sender", t.ev.From, "key", string(r.key), "err", err)
			if e.metrics != nil {
				e.metrics.RecordNotification(ctx, "error")
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordNotification(ctx, "ok")
		}
	}
}

func (e *Engine) recordFailure(ctx context.Context, stage string) {
	if e.metrics != nil {
		e.metrics.RecordEventFailure(ctx, stage)
	}
}
