package conversation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()

	var inside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("alice")
			defer unlock()
			if inside.Add(1) != 1 {
				t.Error("two holders of the same key")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if n := k.size(); n != 0 {
		t.Fatalf("size = %d after all unlocks, want 0", n)
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()
	k := newKeyedMutex()

	unlockA := k.Lock("alice")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("bob")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on bob blocked behind alice")
	}
	if n := k.size(); n != 1 {
		t.Fatalf("size = %d, want 1", n)
	}
}
