package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrVersionConflict is returned by [Store.CompareAndSwap] when the stored
// session changed since it was read.
var ErrVersionConflict = errors.New("session: version conflict")

// Store keeps sessions keyed by sender.
//
// Implementations must be safe for concurrent use. Callers that need
// read-modify-write semantics use [Store.CompareAndSwap]; the conversation
// engine additionally serializes each sender's events, so conflicts signal a
// bug rather than normal contention.
type Store interface {
	// Get returns the session for sender. A sender without a stored session
	// yields [New] and false.
	Get(ctx context.Context, sender string) (Session, bool, error)

	// Upsert stores s unconditionally and returns the stored copy.
	Upsert(ctx context.Context, s Session) (Session, error)

	// CompareAndSwap stores next only if the stored version still equals
	// old.Version (zero meaning "absent"). It returns the stored copy.
	CompareAndSwap(ctx context.Context, old, next Session) (Session, error)

	// Len returns the number of stored sessions.
	Len() int
}

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// MemStore is a sharded, in-memory [Store]. Each shard has its own lock so
// senders hashing to different shards never contend.
type MemStore struct {
	shards   [shardCount]shard
	now      func() time.Time
	onCreate func()
}

// Option configures a [MemStore].
type Option func(*MemStore)

// WithClock overrides the timestamp source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemStore) { s.now = now }
}

// WithOnCreate registers a callback invoked when a sender's first session is
// stored. Used to track the active-session gauge.
func WithOnCreate(fn func()) Option {
	return func(s *MemStore) { s.onCreate = fn }
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore(opts ...Option) *MemStore {
	s := &MemStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]Session)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemStore) shardFor(sender string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sender))
	return &s.shards[h.Sum32()%shardCount]
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, sender string) (Session, bool, error) {
	sh := s.shardFor(sender)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sess, ok := sh.sessions[sender]
	if !ok {
		return New(sender), false, nil
	}
	return sess, true, nil
}

// Upsert implements [Store.Upsert].
func (s *MemStore) Upsert(_ context.Context, next Session) (Session, error) {
	if err := next.Validate(); err != nil {
		return Session{}, err
	}
	sh := s.shardFor(next.Sender)
	sh.mu.Lock()
	cur, existed := sh.sessions[next.Sender]
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	sh.sessions[next.Sender] = next
	sh.mu.Unlock()

	if !existed && s.onCreate != nil {
		s.onCreate()
	}
	return next, nil
}

// CompareAndSwap implements [Store.CompareAndSwap].
func (s *MemStore) CompareAndSwap(_ context.Context, old, next Session) (Session, error) {
	if err := next.Validate(); err != nil {
		return Session{}, err
	}
	next.Sender = old.Sender
	sh := s.shardFor(old.Sender)
	sh.mu.Lock()
	cur, existed := sh.sessions[old.Sender]
	if cur.Version != old.Version {
		sh.mu.Unlock()
		return cur, ErrVersionConflict
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	sh.sessions[old.Sender] = next
	sh.mu.Unlock()

	if !existed && s.onCreate != nil {
		s.onCreate()
	}
	return next, nil
}

// Len implements [Store.Len].
func (s *MemStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
