// Package store defines the durable record of the bot: contacts, the
// messages they sent, and the transcriptions derived from audio messages.
//
// The entities form a chain:
//
//   - [Contact]: one per sender phone number, created on first contact and
//     never deleted.
//   - [Message]: one per non-control inbound event, owned by a Contact.
//   - [TranscriptionResult]: one per successfully transcribed audio
//     Message, resolved exactly once by the sender's confirmation or
//     correction.
//
// Writes are committed individually; no operation spans more than one
// entity. Backends live in the postgres, mongo and memstore sub-packages.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyResolved is returned by [Store.ResolveTranscriptionResult]
	// when the result was confirmed or corrected before.
	ErrAlreadyResolved = errors.New("store: transcription result already resolved")

	// ErrInvalid is returned when an entity violates a storage constraint,
	// such as an empty recognizer output.
	ErrInvalid = errors.New("store: invalid entity")
)

// Contact is a conversation participant.
type Contact struct {
	// ID is the canonical phone number, digits only.
	ID string

	// DisplayName is the name carried by the webhook envelope when the
	// contact was first seen.
	DisplayName string

	// ProfileName is the provider profile name looked up on creation. It is
	// only ever backfilled when empty, never refreshed.
	ProfileName string

	CreatedAt time.Time
}

// Message kinds stored in [Message.Kind].
const (
	KindText     = "text"
	KindAudio    = "audio"
	KindVoice    = "voice"
	KindImage    = "image"
	KindVideo    = "video"
	KindDocument = "document"
	KindSticker  = "sticker"
)

// Message is one inbound event that was not pure control traffic.
type Message struct {
	ID        int64
	ContactID string

	// ProviderMessageID is the upstream message identifier (wamid).
	ProviderMessageID string

	Kind string
	Body string

	// HasAttachment is true when AttachmentPath points at a stored file. A
	// message carries at most one attachment.
	HasAttachment  bool
	AttachmentPath string

	// Timestamp is the provider timestamp converted to the configured zone.
	Timestamp time.Time

	// RecognizedText is set for transcribed audio.
	RecognizedText *string

	CreatedAt time.Time
}

// TranscriptionResult links a stored audio file to its recognized text.
type TranscriptionResult struct {
	ID        int64
	MessageID int64

	AudioPath string
	AudioName string

	// ModelOutput is the raw recognizer text. Never empty.
	ModelOutput string

	// Corrected and HumanOutput are written once by
	// [Store.ResolveTranscriptionResult].
	Corrected   bool
	HumanOutput *string
	ResolvedAt  *time.Time

	CreatedAt time.Time
}

// Resolved reports whether the sender already confirmed or corrected r.
func (r TranscriptionResult) Resolved() bool {
	return r.ResolvedAt != nil
}

// Resolution is the sender's verdict on a transcription.
type Resolution struct {
	// Corrected is false when the sender accepted the model output as is.
	Corrected bool

	// HumanOutput is the corrected transcript; nil when Corrected is false.
	HumanOutput *string
}

// Store is the persistence backend.
type Store interface {
	// GetContact returns the contact with the given ID or [ErrNotFound].
	GetContact(ctx context.Context, id string) (Contact, error)

	// CreateContact inserts c unless a contact with the same ID exists. It
	// returns the stored contact; an existing contact keeps its names except
	// that an empty ProfileName is backfilled from c.
	CreateContact(ctx context.Context, c Contact) (Contact, error)

	// AppendMessage inserts m and returns it with ID and CreatedAt set. The
	// owning contact must exist.
	AppendMessage(ctx context.Context, m Message) (Message, error)

	// ListMessages returns up to limit messages of a contact, oldest first.
	// A limit of 0 returns all.
	ListMessages(ctx context.Context, contactID string, limit int) ([]Message, error)

	// CreateTranscriptionResult inserts r and returns it with ID set.
	// ModelOutput must not be empty; a message has at most one result.
	CreateTranscriptionResult(ctx context.Context, r TranscriptionResult) (TranscriptionResult, error)

	// GetTranscriptionResult returns the result with the given ID or
	// [ErrNotFound].
	GetTranscriptionResult(ctx context.Context, id int64) (TranscriptionResult, error)

	// ResolveTranscriptionResult records the sender's verdict. It succeeds
	// once per result; later calls return [ErrAlreadyResolved].
	ResolveTranscriptionResult(ctx context.Context, id int64, res Resolution) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
