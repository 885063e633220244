package conversation

import (
	"context"
	"io"
	"time"

	"github.com/rtemirbulat/voice-transcribing/internal/media"
	"github.com/rtemirbulat/voice-transcribing/internal/records"
	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// Notifier sends a text reply to a sender.
type Notifier interface {
	SendText(ctx context.Context, to, body string) error
}

// MediaFetcher downloads an attachment by its provider media ID. The caller
// closes the returned body.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaID string) (body io.ReadCloser, contentType string, err error)
}

// MediaSaver stores a downloaded attachment.
type MediaSaver interface {
	Save(ctx context.Context, req media.SaveRequest) (media.SaveResult, error)
}

// Recorder persists contacts, messages and transcription results.
type Recorder interface {
	GetOrCreateContact(ctx context.Context, id, hint string) (store.Contact, error)
	AppendMessage(ctx context.Context, contact store.Contact, in records.MessageInput) (store.Message, error)
	CreateTranscriptionResult(ctx context.Context, msg store.Message, audioPath, audioName, text string) (store.TranscriptionResult, error)
	UpdateTranscriptionResult(ctx context.Context, id int64, corrected bool, humanText *string) error
}

// AuditLog keeps a plain-text copy of text messages.
type AuditLog interface {
	Append(sender, text string, ts time.Time) error
}

var (
	_ Recorder   = (*records.Recorder)(nil)
	_ MediaSaver = (*media.Store)(nil)
)
