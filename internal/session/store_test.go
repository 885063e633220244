package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemStore_GetMissing(t *testing.T) {
	t.Parallel()
	st := NewMemStore()
	s, ok, err := st.Get(context.Background(), "77001112233")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get reported an absent session as present")
	}
	if s.Sender != "77001112233" || s.Version != 0 || s.Stage() != StageNew {
		t.Fatalf("fresh session = %+v", s)
	}
}

func TestMemStore_CompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var created atomic.Int32
	st := NewMemStore(WithClock(func() time.Time { return fixed }), WithOnCreate(func() { created.Add(1) }))

	old, _, _ := st.Get(ctx, "a")
	next := old
	next.PromptLanguage()
	stored, err := st.CompareAndSwap(ctx, old, next)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if stored.Version != 1 || !stored.UpdatedAt.Equal(fixed) {
		t.Fatalf("stored = %+v", stored)
	}

	// A second writer holding the stale copy loses.
	stale := next
	stale.SelectLanguage("kk")
	if _, err := st.CompareAndSwap(ctx, old, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale CompareAndSwap = %v, want ErrVersionConflict", err)
	}

	got, ok, _ := st.Get(ctx, "a")
	if !ok || !got.AwaitingLanguageSelection || got.Language != "" {
		t.Fatalf("Get after conflict = %+v", got)
	}
	if created.Load() != 1 {
		t.Errorf("onCreate called %d times, want 1", created.Load())
	}
}

func TestMemStore_RejectsInvalidSessions(t *testing.T) {
	t.Parallel()
	st := NewMemStore()
	bad := New("a")
	bad.AwaitingPassword = true
	bad.AwaitingLanguageSelection = true
	if _, err := st.Upsert(context.Background(), bad); !errors.Is(err, ErrInvariant) {
		t.Fatalf("Upsert = %v, want ErrInvariant", err)
	}
	if st.Len() != 0 {
		t.Fatal("invalid session was stored")
	}
}

func TestMemStore_UpsertBumpsVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemStore()
	s := New("a")
	for i := 1; i <= 3; i++ {
		stored, err := st.Upsert(ctx, s)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Version != uint64(i) {
			t.Fatalf("version = %d, want %d", stored.Version, i)
		}
	}
}

func TestMemStore_ConcurrentSenders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemStore()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := fmt.Sprintf("sender-%d", i)
			for {
				old, _, _ := st.Get(ctx, sender)
				next := old
				next.SelectLanguage("ru")
				if _, err := st.CompareAndSwap(ctx, old, next); err == nil {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if st.Len() != 64 {
		t.Fatalf("Len = %d, want 64", st.Len())
	}
}
