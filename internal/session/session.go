// Package session holds the per-sender conversational state the bot keeps in
// memory: chosen language, authentication, and any pending confirmation or
// correction of a transcription.
//
// Sessions are not persisted. A restart returns every sender to the
// unauthenticated state and drops pending confirmations; the transcription
// results themselves stay in the store, unresolved.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/rtemirbulat/voice-transcribing/internal/catalog"
)

// ErrInvariant is returned by [Session.Validate] when more than one awaiting
// flag is set.
var ErrInvariant = errors.New("session: more than one awaiting flag set")

// Stage is a coarse, loggable summary of a session's position in the
// conversation.
type Stage int

const (
	StageNew Stage = iota
	StageAwaitingLanguage
	StageAwaitingPassword
	StageUnauthenticated
	StageAuthenticated
	StageAwaitingConfirmation
	StageAwaitingCorrection
)

// String returns the stage name used in logs.
func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StageAwaitingLanguage:
		return "awaiting_language"
	case StageAwaitingPassword:
		return "awaiting_password"
	case StageUnauthenticated:
		return "unauthenticated"
	case StageAuthenticated:
		return "authenticated"
	case StageAwaitingConfirmation:
		return "awaiting_confirmation"
	case StageAwaitingCorrection:
		return "awaiting_correction"
	default:
		return "unknown"
	}
}

// Session is the conversational state of one sender. It is a value type; the
// transition methods mutate the receiver and keep the awaiting flags
// mutually exclusive.
type Session struct {
	Sender string

	Authenticated             bool
	AwaitingPassword          bool
	AwaitingLanguageSelection bool
	AwaitingConfirmation      bool
	AwaitingCorrection        bool

	// Language is empty until the sender picks one.
	Language catalog.Language

	// PendingResultID is the transcription result awaiting confirmation or
	// correction. Zero means none.
	PendingResultID int64

	// Version increases on every successful store write and backs
	// [Store.CompareAndSwap].
	Version   uint64
	UpdatedAt time.Time
}

// New returns the initial session for sender.
func New(sender string) Session {
	return Session{Sender: sender}
}

// Stage summarises the session.
func (s Session) Stage() Stage {
	switch {
	case s.AwaitingLanguageSelection:
		return StageAwaitingLanguage
	case s.Language == "":
		return StageNew
	case s.AwaitingPassword:
		return StageAwaitingPassword
	case !s.Authenticated:
		return StageUnauthenticated
	case s.AwaitingConfirmation:
		return StageAwaitingConfirmation
	case s.AwaitingCorrection:
		return StageAwaitingCorrection
	default:
		return StageAuthenticated
	}
}

// HasPending reports whether a transcription result is attached.
func (s Session) HasPending() bool {
	return s.PendingResultID != 0
}

// Validate checks the awaiting-flag invariant and that a pending result is
// attached exactly when confirmation or correction is awaited.
func (s Session) Validate() error {
	n := 0
	for _, f := range []bool{
		s.AwaitingPassword,
		s.AwaitingLanguageSelection,
		s.AwaitingConfirmation,
		s.AwaitingCorrection,
	} {
		if f {
			n++
		}
	}
	if n > 1 {
		return fmt.Errorf("%w: %+v", ErrInvariant, s)
	}
	if (s.AwaitingConfirmation || s.AwaitingCorrection) != s.HasPending() {
		return fmt.Errorf("session: pending result %d does not match awaiting flags", s.PendingResultID)
	}
	return nil
}

func (s *Session) clearAwaiting() {
	s.AwaitingPassword = false
	s.AwaitingLanguageSelection = false
	s.AwaitingConfirmation = false
	s.AwaitingCorrection = false
	s.PendingResultID = 0
}

// PromptLanguage marks the language-selection prompt as sent.
func (s *Session) PromptLanguage() {
	s.clearAwaiting()
	s.AwaitingLanguageSelection = true
}

// SelectLanguage records the chosen language and moves on to the password
// gate.
func (s *Session) SelectLanguage(lang catalog.Language) {
	s.clearAwaiting()
	s.Language = lang
	s.AwaitingPassword = true
}

// RequestPassword (re)opens the password gate. Pending confirmations are
// abandoned.
func (s *Session) RequestPassword() {
	s.clearAwaiting()
	s.AwaitingPassword = true
}

// SubmitPassword closes the gate. It is one-shot: a wrong password leaves
// the sender unauthenticated until they ask for the prompt again.
func (s *Session) SubmitPassword(ok bool) {
	s.clearAwaiting()
	s.Authenticated = ok
}

// AwaitConfirmation attaches a fresh transcription result.
func (s *Session) AwaitConfirmation(resultID int64) {
	s.clearAwaiting()
	s.AwaitingConfirmation = true
	s.PendingResultID = resultID
}

// AwaitCorrection keeps the pending result and waits for corrected text.
func (s *Session) AwaitCorrection() {
	id := s.PendingResultID
	s.clearAwaiting()
	s.AwaitingCorrection = true
	s.PendingResultID = id
}

// Resolve drops the pending result after confirmation or correction.
func (s *Session) Resolve() {
	s.clearAwaiting()
}
