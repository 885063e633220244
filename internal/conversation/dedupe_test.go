package conversation

import (
	"fmt"
	"testing"
)

func TestDedupe(t *testing.T) {
	t.Parallel()
	d := newDedupe(3)

	for _, id := range []string{"a", "b", "c"} {
		if d.Seen(id) {
			t.Fatalf("%s seen on first delivery", id)
		}
	}
	if !d.Seen("b") {
		t.Fatal("b not detected as duplicate")
	}

	// "d" evicts the oldest entry.
	d.Seen("d")
	if d.Seen("a") {
		t.Fatal("a should have left the window")
	}
	if !d.Seen("d") {
		t.Fatal("d not detected as duplicate")
	}
}

func TestDedupe_EmptyAndDisabled(t *testing.T) {
	t.Parallel()
	d := newDedupe(2)
	if d.Seen("") || d.Seen("") {
		t.Fatal("empty id must never count as seen")
	}

	off := newDedupe(0)
	if off != nil {
		t.Fatal("zero window should disable dedupe")
	}
	if off.Seen("x") || off.Seen("x") {
		t.Fatal("disabled dedupe reported a duplicate")
	}
}

func TestDedupe_WindowSize(t *testing.T) {
	t.Parallel()
	d := newDedupe(DefaultDedupeWindow)
	for i := range DefaultDedupeWindow {
		d.Seen(fmt.Sprintf("wamid.%d", i))
	}
	if !d.Seen("wamid.0") {
		t.Fatal("oldest id within the window was forgotten")
	}
	if len(d.seen) != DefaultDedupeWindow {
		t.Fatalf("tracked = %d, want %d", len(d.seen), DefaultDedupeWindow)
	}
}
