// Package records is the persistence glue used by the conversation engine.
//
// It turns engine-level operations (first contact, an inbound message, a
// recognition result and its review) into individual store writes. Each
// write commits on its own; a failure is logged and returned wrapped in
// [ErrNotSaved] so the caller can keep talking to the sender.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rtemirbulat/voice-transcribing/internal/observe"
	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// ErrNotSaved marks a write that did not reach the store.
var ErrNotSaved = errors.New("records: not saved")

// UnknownProfile is stored when no profile name can be found.
const UnknownProfile = "Unknown"

// ProfileLookup resolves a sender's provider profile name.
type ProfileLookup interface {
	ProfileName(ctx context.Context, id string) (string, error)
}

// MessageInput is the content of one inbound message.
type MessageInput struct {
	ProviderMessageID string
	Kind              string
	Body              string
	AttachmentPath    string
	Timestamp         time.Time
	RecognizedText    *string
}

// Recorder implements the engine's persistence operations on a [store.Store].
type Recorder struct {
	store    store.Store
	profiles ProfileLookup
	loc      *time.Location
	metrics  *observe.Metrics
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithProfileLookup sets the source of profile names for new contacts.
func WithProfileLookup(p ProfileLookup) Option {
	return func(r *Recorder) { r.profiles = p }
}

// WithLocation normalizes message timestamps to loc. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(r *Recorder) { r.loc = loc }
}

// WithMetrics counts failed writes.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// New returns a Recorder writing to st.
func New(st store.Store, opts ...Option) *Recorder {
	r := &Recorder{store: st, loc: time.UTC}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetOrCreateContact returns the contact for id, creating it on first
// contact. The profile name is resolved only on creation: hint first (the
// name carried by the inbound event), then the lookup port, then
// [UnknownProfile].
func (r *Recorder) GetOrCreateContact(ctx context.Context, id, hint string) (store.Contact, error) {
	c, err := r.store.GetContact(ctx, id)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Contact{}, r.fail(ctx, "get_contact", err, "sender", id)
	}

	c, err = r.store.CreateContact(ctx, store.Contact{
		ID:          id,
		ProfileName: r.profileName(ctx, id, hint),
	})
	if err != nil {
		return store.Contact{}, r.fail(ctx, "create_contact", err, "sender", id)
	}
	slog.Info("contact created", "sender", id, "profile_name", c.ProfileName)
	return c, nil
}

func (r *Recorder) profileName(ctx context.Context, id, hint string) string {
	if hint = strings.TrimSpace(hint); hint != "" {
		return hint
	}
	if r.profiles == nil {
		return UnknownProfile
	}
	name, err := r.profiles.ProfileName(ctx, id)
	if err != nil {
		slog.Warn("profile lookup failed", "sender", id, "err", err)
		return UnknownProfile
	}
	if name = strings.TrimSpace(name); name == "" {
		return UnknownProfile
	}
	return name
}

// AppendMessage stores one inbound message for contact.
func (r *Recorder) AppendMessage(ctx context.Context, contact store.Contact, in MessageInput) (store.Message, error) {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m, err := r.store.AppendMessage(ctx, store.Message{
		ContactID:         contact.ID,
		ProviderMessageID: in.ProviderMessageID,
		Kind:              in.Kind,
		Body:              in.Body,
		HasAttachment:     in.AttachmentPath != "",
		AttachmentPath:    in.AttachmentPath,
		Timestamp:         ts.In(r.loc),
		RecognizedText:    in.RecognizedText,
	})
	if err != nil {
		return store.Message{}, r.fail(ctx, "append_message", err, "sender", contact.ID, "kind", in.Kind)
	}
	slog.Debug("message stored", "sender", contact.ID, "kind", in.Kind, "message_id", m.ID)
	return m, nil
}

// CreateTranscriptionResult links recognized text to an audio message.
// Empty text is refused; it must never be stored as a real transcript.
func (r *Recorder) CreateTranscriptionResult(ctx context.Context, msg store.Message, audioPath, audioName, text string) (store.TranscriptionResult, error) {
	if strings.TrimSpace(text) == "" {
		return store.TranscriptionResult{}, r.fail(ctx, "create_result",
			fmt.Errorf("%w: empty recognized text", store.ErrInvalid), "message_id", msg.ID)
	}
	res, err := r.store.CreateTranscriptionResult(ctx, store.TranscriptionResult{
		MessageID:   msg.ID,
		AudioPath:   audioPath,
		AudioName:   audioName,
		ModelOutput: text,
	})
	if err != nil {
		return store.TranscriptionResult{}, r.fail(ctx, "create_result", err, "message_id", msg.ID)
	}
	slog.Info("transcription result stored", "message_id", msg.ID, "result_id", res.ID)
	return res, nil
}

// UpdateTranscriptionResult records the sender's review of a result:
// accepted as-is (corrected false) or replaced by humanText. A result is
// reviewed once; a second update returns an error wrapping both
// [ErrNotSaved] and [store.ErrAlreadyResolved].
func (r *Recorder) UpdateTranscriptionResult(ctx context.Context, id int64, corrected bool, humanText *string) error {
	res := store.Resolution{Corrected: corrected}
	if corrected {
		res.HumanOutput = humanText
	}
	if err := r.store.ResolveTranscriptionResult(ctx, id, res); err != nil {
		return r.fail(ctx, "resolve_result", err, "result_id", id)
	}
	slog.Info("transcription result resolved", "result_id", id, "corrected", corrected)
	return nil
}

func (r *Recorder) fail(ctx context.Context, op string, err error, args ...any) error {
	slog.Error("store write failed", append([]any{"op", op, "err", err}, args...)...)
	if r.metrics != nil {
		r.metrics.RecordEventFailure(ctx, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrNotSaved, op, err)
}
