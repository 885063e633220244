// Package memstore is an in-memory [store.Store] used by tests and by the
// "memory" database driver for local runs. Data does not survive a restart.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// Compile-time assertion that Store satisfies the store.Store interface.
var _ store.Store = (*Store)(nil)

// Store is a thread-safe, in-memory implementation of [store.Store].
type Store struct {
	mu sync.RWMutex

	contacts map[string]store.Contact
	messages map[int64]store.Message
	results  map[int64]store.TranscriptionResult

	// resultByMessage enforces one result per message.
	resultByMessage map[int64]int64

	nextMessageID int64
	nextResultID  int64

	now func() time.Time

	// failNext, when set, is returned by the next write. Tests use it to
	// simulate backend failures.
	failNext error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		contacts:        make(map[string]store.Contact),
		messages:        make(map[int64]store.Message),
		results:         make(map[int64]store.TranscriptionResult),
		resultByMessage: make(map[int64]int64),
		now:             time.Now,
	}
}

// FailNextWrite makes the next write operation return err.
func (s *Store) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// takeFailure must be called with s.mu held.
func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// GetContact implements [store.Store].
func (s *Store) GetContact(_ context.Context, id string) (store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return store.Contact{}, store.ErrNotFound
	}
	return c, nil
}

// CreateContact implements [store.Store].
func (s *Store) CreateContact(_ context.Context, c store.Contact) (store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return store.Contact{}, err
	}
	if c.ID == "" {
		return store.Contact{}, fmt.Errorf("%w: empty contact id", store.ErrInvalid)
	}
	if existing, ok := s.contacts[c.ID]; ok {
		if existing.ProfileName == "" && c.ProfileName != "" {
			existing.ProfileName = c.ProfileName
			s.contacts[c.ID] = existing
		}
		return existing, nil
	}
	c.CreatedAt = s.now()
	s.contacts[c.ID] = c
	return c, nil
}

// AppendMessage implements [store.Store].
func (s *Store) AppendMessage(_ context.Context, m store.Message) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return store.Message{}, err
	}
	if _, ok := s.contacts[m.ContactID]; !ok {
		return store.Message{}, fmt.Errorf("%w: contact %q", store.ErrNotFound, m.ContactID)
	}
	if strings.Contains(m.AttachmentPath, ",") {
		return store.Message{}, fmt.Errorf("%w: attachment path contains a comma", store.ErrInvalid)
	}
	s.nextMessageID++
	m.ID = s.nextMessageID
	m.CreatedAt = s.now()
	s.messages[m.ID] = m
	return m, nil
}

// ListMessages implements [store.Store].
func (s *Store) ListMessages(_ context.Context, contactID string, limit int) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Message
	for id := int64(1); id <= s.nextMessageID; id++ {
		m, ok := s.messages[id]
		if !ok || m.ContactID != contactID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateTranscriptionResult implements [store.Store].
func (s *Store) CreateTranscriptionResult(_ context.Context, r store.TranscriptionResult) (store.TranscriptionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return store.TranscriptionResult{}, err
	}
	if strings.TrimSpace(r.ModelOutput) == "" {
		return store.TranscriptionResult{}, fmt.Errorf("%w: empty model output", store.ErrInvalid)
	}
	if _, ok := s.messages[r.MessageID]; !ok {
		return store.TranscriptionResult{}, fmt.Errorf("%w: message %d", store.ErrNotFound, r.MessageID)
	}
	if _, dup := s.resultByMessage[r.MessageID]; dup {
		return store.TranscriptionResult{}, fmt.Errorf("%w: message %d already has a result", store.ErrInvalid, r.MessageID)
	}
	s.nextResultID++
	r.ID = s.nextResultID
	r.CreatedAt = s.now()
	r.Corrected = false
	r.HumanOutput = nil
	r.ResolvedAt = nil
	s.results[r.ID] = r
	s.resultByMessage[r.MessageID] = r.ID
	return r, nil
}

// GetTranscriptionResult implements [store.Store].
func (s *Store) GetTranscriptionResult(_ context.Context, id int64) (store.TranscriptionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return store.TranscriptionResult{}, store.ErrNotFound
	}
	return r, nil
}

// ResolveTranscriptionResult implements [store.Store].
func (s *Store) ResolveTranscriptionResult(_ context.Context, id int64, res store.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	r, ok := s.results[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.Resolved() {
		return store.ErrAlreadyResolved
	}
	now := s.now()
	r.Corrected = res.Corrected
	r.HumanOutput = res.HumanOutput
	r.ResolvedAt = &now
	s.results[id] = r
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(context.Context) error { return nil }

// Close implements [store.Store].
func (s *Store) Close() error { return nil }
