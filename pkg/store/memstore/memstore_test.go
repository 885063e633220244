package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rtemirbulat/voice-transcribing/pkg/store"
	"github.com/rtemirbulat/voice-transcribing/pkg/store/memstore"
	"github.com/rtemirbulat/voice-transcribing/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return memstore.New() })
}

func TestFailNextWrite(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	boom := errors.New("disk full")

	s.FailNextWrite(boom)
	if _, err := s.CreateContact(ctx, store.Contact{ID: "1"}); !errors.Is(err, boom) {
		t.Fatalf("CreateContact = %v, want injected error", err)
	}
	// The failure is consumed by one write only.
	if _, err := s.CreateContact(ctx, store.Contact{ID: "1"}); err != nil {
		t.Fatalf("CreateContact retry: %v", err)
	}
	if _, err := s.GetContact(ctx, "1"); err != nil {
		t.Fatalf("GetContact: %v", err)
	}
}

func TestOneResultPerMessage(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	if _, err := s.CreateContact(ctx, store.Contact{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	m, err := s.AppendMessage(ctx, store.Message{ContactID: "1", Kind: store.KindAudio, Timestamp: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	r := store.TranscriptionResult{MessageID: m.ID, ModelOutput: "привет"}
	if _, err := s.CreateTranscriptionResult(ctx, r); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTranscriptionResult(ctx, r); !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("second result = %v, want ErrInvalid", err)
	}
}

func TestAttachmentPathRejectsComma(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	if _, err := s.CreateContact(ctx, store.Contact{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.AppendMessage(ctx, store.Message{
		ContactID: "1", Kind: store.KindImage, HasAttachment: true,
		AttachmentPath: "a.jpg,b.jpg", Timestamp: time.Now(),
	})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("AppendMessage = %v, want ErrInvalid", err)
	}
}
