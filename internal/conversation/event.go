package conversation

import (
	"time"

	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// Event is one inbound message, already decoded from the transport.
type Event struct {
	// ID is the provider message ID, used to drop redeliveries.
	ID string

	// From is the sender's canonical identifier (phone number without "+").
	From string

	Timestamp time.Time

	// Kind is the provider message type: text, audio, voice, image, video,
	// document, sticker, or anything else the provider sends.
	Kind string

	// Text is the body of a text message.
	Text string

	// MediaID and MimeType describe an attachment.
	MediaID  string
	MimeType string

	// ProfileName is the display name carried by the webhook envelope, if
	// any.
	ProfileName string
}

// IsText reports whether e is a text message.
func (e Event) IsText() bool { return e.Kind == store.KindText }
