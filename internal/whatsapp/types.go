// Package whatsapp talks to the WhatsApp Cloud API: it decodes webhook
// deliveries into conversation events, sends text replies, downloads media
// and looks up profile names.
package whatsapp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rtemirbulat/voice-transcribing/internal/conversation"
	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// ErrParse is returned for webhook payloads or messages that cannot be
// decoded.
var ErrParse = errors.New("whatsapp: malformed webhook payload")

// Envelope is the top-level webhook payload.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one notification inside an entry.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value carries the messages, contacts and delivery statuses of a change.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
	Statuses         []Status  `json:"statuses"`
}

// Metadata identifies the receiving business number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender profile sent alongside messages.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is one inbound message.
type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`

	Audio    *MediaRef `json:"audio,omitempty"`
	Voice    *MediaRef `json:"voice,omitempty"`
	Image    *MediaRef `json:"image,omitempty"`
	Video    *MediaRef `json:"video,omitempty"`
	Document *MediaRef `json:"document,omitempty"`
	Sticker  *MediaRef `json:"sticker,omitempty"`
}

// MediaRef points at an attachment stored by the provider.
type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`

	// Voice is set on audio messages recorded as voice notes.
	Voice bool `json:"voice,omitempty"`
}

// Status is a delivery receipt for an outbound message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// media returns the attachment of m, if any.
func (m Message) media() *MediaRef {
	switch m.Type {
	case store.KindAudio:
		return m.Audio
	case store.KindVoice:
		return m.Voice
	case store.KindImage:
		return m.Image
	case store.KindVideo:
		return m.Video
	case store.KindDocument:
		return m.Document
	case store.KindSticker:
		return m.Sticker
	}
	return nil
}

// Statuses returns every delivery status in env.
func (env Envelope) Statuses() []Status {
	var out []Status
	for _, e := range env.Entry {
		for _, c := range e.Changes {
			out = append(out, c.Value.Statuses...)
		}
	}
	return out
}

// Events converts every message of every entry and change into a
// conversation event, in delivery order. Messages that cannot be converted
// are skipped; the returned error joins one [ErrParse] per skipped message.
func (env Envelope) Events() ([]conversation.Event, error) {
	var (
		events []conversation.Event
		errs   []error
	)
	for _, e := range env.Entry {
		for _, c := range e.Changes {
			names := make(map[string]string, len(c.Value.Contacts))
			for _, ct := range c.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range c.Value.Messages {
				ev, err := m.event()
				if err != nil {
					errs = append(errs, err)
					continue
				}
				ev.ProfileName = names[m.From]
				events = append(events, ev)
			}
		}
	}
	return events, errors.Join(errs...)
}

func (m Message) event() (conversation.Event, error) {
	from := strings.TrimPrefix(strings.TrimSpace(m.From), "+")
	if from == "" {
		return conversation.Event{}, fmt.Errorf("%w: message %s has no sender", ErrParse, m.ID)
	}
	ts, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return conversation.Event{}, fmt.Errorf("%w: message %s: %w", ErrParse, m.ID, err)
	}

	ev := conversation.Event{
		ID:        m.ID,
		From:      from,
		Timestamp: ts,
		Kind:      m.Type,
	}
	if m.Type == store.KindText && m.Text != nil {
		ev.Text = m.Text.Body
	}
	if ref := m.media(); ref != nil {
		ev.MediaID = ref.ID
		ev.MimeType = ref.MimeType
		if m.Type == store.KindAudio && ref.Voice {
			ev.Kind = store.KindVoice
		}
	}
	return ev, nil
}

// ParseTimestamp parses the provider's epoch-seconds string. The result is
// in UTC; callers convert it to their zone.
func ParseTimestamp(s string) (time.Time, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return time.Unix(n, 0).UTC(), nil
}
