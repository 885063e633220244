package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"
)

type seqKey struct {
	dir  string
	kind string
}

// seqState is the counter of one (dir, kind) pair. free holds numbers
// handed out and released again below last.
type seqState struct {
	last int
	free []int
}

// Sequencer hands out per-directory, per-kind sequence numbers.
//
// The first request for a (dir, kind) pair seeds the counter from the files
// already on disk, so numbering continues across restarts. Later requests
// are served from memory, which keeps concurrent saves from picking the same
// number. A number whose save failed is returned with [Sequencer.Release]
// and handed out again, so stored files stay gapless.
//
// Directories are named by day. Seeding a pair for a new day drops the
// counters of every other day; a late file for an old day reseeds from disk.
type Sequencer struct {
	mu     sync.Mutex
	states map[seqKey]*seqState
}

// NewSequencer returns an empty Sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{states: make(map[seqKey]*seqState)}
}

// Next returns the next sequence number for kind in dir, starting at 1.
func (s *Sequencer) Next(dir, kind string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := seqKey{dir: dir, kind: kind}
	st, ok := s.states[k]
	if !ok {
		last, err := scanMax(dir, kind)
		if err != nil {
			return 0, err
		}
		s.evictOtherDays(filepath.Base(dir))
		st = &seqState{last: last}
		s.states[k] = st
	}
	if len(st.free) > 0 {
		seq := st.free[0]
		st.free = st.free[1:]
		return seq, nil
	}
	st.last++
	return st.last, nil
}

// Release returns seq, obtained from Next, after the file it named could not
// be written. Unknown pairs are ignored.
func (s *Sequencer) Release(dir, kind string, seq int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[seqKey{dir: dir, kind: kind}]
	if !ok || seq <= 0 || seq > st.last || slices.Contains(st.free, seq) {
		return
	}
	if seq < st.last {
		st.free = append(st.free, seq)
		slices.Sort(st.free)
		return
	}
	st.last--
	for n := len(st.free); n > 0 && st.free[n-1] == st.last; n-- {
		st.free = st.free[:n-1]
		st.last--
	}
}

// evictOtherDays drops the counters of directories not named day.
func (s *Sequencer) evictOtherDays(day string) {
	for k := range s.states {
		if filepath.Base(k.dir) != day {
			delete(s.states, k)
		}
	}
}

func (s *Sequencer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// scanMax returns the highest sequence number among files named
// "<kind>_<n>_..." in dir. A missing directory yields zero.
func scanMax(dir, kind string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("media: scan %s: %w", dir, err)
	}
	re := regexp.MustCompile("^" + regexp.QuoteMeta(kind) + `_(\d+)_`)
	maxSeq := 0
	for _, e := range entries {
		m := re.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		maxSeq = max(maxSeq, n)
	}
	return maxSeq, nil
}
