// Package storetest is a conformance suite run against every [store.Store]
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// Run exercises s. newStore must return an empty store; it is called once
// per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("ContactRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.GetContact(ctx, "77010000001"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("GetContact(missing) = %v, want ErrNotFound", err)
		}

		created, err := s.CreateContact(ctx, store.Contact{
			ID:          "77010000001",
			DisplayName: "Aigerim",
			ProfileName: "Aigerim K.",
		})
		if err != nil {
			t.Fatalf("CreateContact: %v", err)
		}
		if created.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}

		// A later contact record never overwrites the first profile name.
		again, err := s.CreateContact(ctx, store.Contact{ID: "77010000001", ProfileName: "Someone else"})
		if err != nil {
			t.Fatalf("CreateContact again: %v", err)
		}
		if again.ProfileName != "Aigerim K." {
			t.Errorf("ProfileName = %q, want first value", again.ProfileName)
		}

		got, err := s.GetContact(ctx, "77010000001")
		if err != nil {
			t.Fatalf("GetContact: %v", err)
		}
		if got.ID != "77010000001" || got.ProfileName != "Aigerim K." || got.DisplayName != "Aigerim" {
			t.Errorf("GetContact = %+v", got)
		}
	})

	t.Run("ProfileNameBackfill", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.CreateContact(ctx, store.Contact{ID: "1"}); err != nil {
			t.Fatal(err)
		}
		got, err := s.CreateContact(ctx, store.Contact{ID: "1", ProfileName: "Dana"})
		if err != nil {
			t.Fatal(err)
		}
		if got.ProfileName != "Dana" {
			t.Errorf("ProfileName = %q, want backfilled %q", got.ProfileName, "Dana")
		}
	})

	t.Run("MessagesInOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustContact(t, s, "2")

		ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("UTC+5", 5*3600))
		for i := 0; i < 3; i++ {
			m, err := s.AppendMessage(ctx, store.Message{
				ContactID:         "2",
				ProviderMessageID: fmt.Sprintf("wamid.%d", i),
				Kind:              store.KindText,
				Body:              fmt.Sprintf("hello %d", i),
				Timestamp:         ts.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				t.Fatalf("AppendMessage %d: %v", i, err)
			}
			if m.ID == 0 {
				t.Fatal("message ID not assigned")
			}
		}

		msgs, err := s.ListMessages(ctx, "2", 0)
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) != 3 {
			t.Fatalf("len = %d, want 3", len(msgs))
		}
		for i, m := range msgs {
			if m.Body != fmt.Sprintf("hello %d", i) {
				t.Errorf("msgs[%d].Body = %q", i, m.Body)
			}
			if !m.Timestamp.Equal(ts.Add(time.Duration(i) * time.Minute)) {
				t.Errorf("msgs[%d].Timestamp = %v", i, m.Timestamp)
			}
		}

		limited, err := s.ListMessages(ctx, "2", 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 2 {
			t.Errorf("limited len = %d, want 2", len(limited))
		}
	})

	t.Run("AppendMessageUnknownContact", func(t *testing.T) {
		s := newStore(t)
		_, err := s.AppendMessage(context.Background(), store.Message{ContactID: "nobody", Kind: store.KindText, Timestamp: time.Now()})
		if err == nil {
			t.Fatal("expected error for unknown contact")
		}
	})

	t.Run("TranscriptionLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustContact(t, s, "3")

		recognized := "сәлем"
		msg, err := s.AppendMessage(ctx, store.Message{
			ContactID:      "3",
			Kind:           store.KindVoice,
			HasAttachment:  true,
			AttachmentPath: "media/3/2024-03-01/voice_1_09-30-00.wav",
			Timestamp:      time.Now(),
			RecognizedText: &recognized,
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := s.CreateTranscriptionResult(ctx, store.TranscriptionResult{
			MessageID: msg.ID, AudioPath: msg.AttachmentPath, AudioName: "voice_1_09-30-00.wav",
		}); !errors.Is(err, store.ErrInvalid) {
			t.Fatalf("empty model output: err = %v, want ErrInvalid", err)
		}

		r, err := s.CreateTranscriptionResult(ctx, store.TranscriptionResult{
			MessageID:   msg.ID,
			AudioPath:   msg.AttachmentPath,
			AudioName:   "voice_1_09-30-00.wav",
			ModelOutput: "сәлем",
		})
		if err != nil {
			t.Fatalf("CreateTranscriptionResult: %v", err)
		}
		if r.ID == 0 || r.Resolved() || r.Corrected {
			t.Fatalf("fresh result = %+v", r)
		}

		human := "сәлеметсіз бе"
		if err := s.ResolveTranscriptionResult(ctx, r.ID, store.Resolution{Corrected: true, HumanOutput: &human}); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if err := s.ResolveTranscriptionResult(ctx, r.ID, store.Resolution{}); !errors.Is(err, store.ErrAlreadyResolved) {
			t.Fatalf("second Resolve = %v, want ErrAlreadyResolved", err)
		}

		got, err := s.GetTranscriptionResult(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Corrected || got.HumanOutput == nil || *got.HumanOutput != human || !got.Resolved() {
			t.Errorf("resolved result = %+v", got)
		}
		if got.ModelOutput != "сәлем" {
			t.Errorf("ModelOutput = %q, must not change", got.ModelOutput)
		}

		msgs, err := s.ListMessages(ctx, "3", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 || msgs[0].RecognizedText == nil || *msgs[0].RecognizedText != "сәлем" {
			t.Errorf("message after backfill = %+v", msgs)
		}
	})

	t.Run("ResolveMissing", func(t *testing.T) {
		s := newStore(t)
		if err := s.ResolveTranscriptionResult(context.Background(), 999, store.Resolution{}); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Resolve(missing) = %v, want ErrNotFound", err)
		}
		if _, err := s.GetTranscriptionResult(context.Background(), 999); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func mustContact(t *testing.T, s store.Store, id string) {
	t.Helper()
	if _, err := s.CreateContact(context.Background(), store.Contact{ID: id}); err != nil {
		t.Fatalf("CreateContact(%s): %v", id, err)
	}
}
