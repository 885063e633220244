package conversation

import "sync"

// DefaultDedupeWindow is the number of recent message IDs remembered.
const DefaultDedupeWindow = 1024

// dedupe remembers the last N message IDs in a ring. It is best effort: an
// ID older than the window, or one seen before a restart, is processed
// again.
type dedupe struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newDedupe(window int) *dedupe {
	if window <= 0 {
		return nil
	}
	return &dedupe{
		seen: make(map[string]struct{}, window),
		ring: make([]string, window),
	}
}

// Seen records id and reports whether it was already in the window. A nil
// receiver or an empty id never counts as seen.
func (d *dedupe) Seen(id string) bool {
	if d == nil || id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return false
}
