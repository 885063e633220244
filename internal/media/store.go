// Package media stores attachments received from senders.
//
// Files land in <root>/<sender>/<yyyy-mm-dd>/<kind>_<seq>_<hh-mm-ss><ext>,
// with the date and time taken from the message timestamp in the configured
// zone. Audio and voice notes are re-encoded to WAV so every recognition
// backend can read them.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rtemirbulat/voice-transcribing/internal/observe"
)

// ErrSave is returned when an attachment could not be written to disk.
var ErrSave = errors.New("media: save failed")

// ErrTooLarge is returned, wrapped in [ErrSave], when a download exceeds the
// configured size cap.
var ErrTooLarge = errors.New("media: attachment exceeds size limit")

// maxCreateAttempts bounds retries when a sequence number is already taken
// on disk, e.g. by another process sharing the media root.
const maxCreateAttempts = 16

// SaveRequest describes one attachment to store.
type SaveRequest struct {
	Sender      string
	Kind        string
	ContentType string
	Timestamp   time.Time
	Body        io.Reader
}

// SaveResult describes a stored attachment.
//
// A saved audio file that could not be converted has Normalized false and
// keeps its original extension; callers must not send it for recognition.
type SaveResult struct {
	Path       string
	Name       string
	Kind       string
	Seq        int
	Normalized bool
}

// Store writes attachments under a root directory.
type Store struct {
	root       string
	loc        *time.Location
	normalizer Normalizer
	seq        *Sequencer
	maxBytes   int64
	metrics    *observe.Metrics
}

// Option configures a [Store].
type Option func(*Store)

// WithLocation sets the zone used for directory and file names. Defaults to
// UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithNormalizer sets the audio normalizer. Defaults to ffmpeg from PATH.
func WithNormalizer(n Normalizer) Option {
	return func(s *Store) { s.normalizer = n }
}

// WithMaxBytes caps the size of a single attachment. Zero means no cap.
func WithMaxBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// WithMetrics records saves and normalization time.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns a Store rooted at root. The directory is created if
// missing.
func NewStore(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("media: root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("media: create root: %w", err)
	}
	s := &Store{
		root: root,
		loc:  time.UTC,
		seq:  NewSequencer(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.normalizer == nil {
		s.normalizer = NewFFmpeg("", "")
	}
	return s, nil
}

// Root returns the media root directory.
func (s *Store) Root() string { return s.root }

// Save writes req.Body to a fresh, uniquely numbered file and normalizes
// audio. Any error wraps [ErrSave]; nothing is left on disk in that case.
func (s *Store) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	if err := validSegment(req.Sender); err != nil {
		return SaveResult{}, fmt.Errorf("%w: sender: %w", ErrSave, err)
	}
	if err := validSegment(req.Kind); err != nil {
		return SaveResult{}, fmt.Errorf("%w: kind: %w", ErrSave, err)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.In(s.loc)

	dir := filepath.Join(s.root, req.Sender, ts.Format(time.DateOnly))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SaveResult{}, fmt.Errorf("%w: create dir: %w", ErrSave, err)
	}

	ext := Extension(req.ContentType)
	clock := ts.Format("15-04-05")

	f, seq, name, err := s.create(dir, req.Kind, clock, ext)
	if err != nil {
		return SaveResult{}, err
	}
	path := filepath.Join(dir, name)

	if err := s.copyBody(f, req.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		s.seq.Release(dir, req.Kind, seq)
		return SaveResult{}, fmt.Errorf("%w: write %s: %w", ErrSave, name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		s.seq.Release(dir, req.Kind, seq)
		return SaveResult{}, fmt.Errorf("%w: close %s: %w", ErrSave, name, err)
	}

	res := SaveResult{Path: path, Name: name, Kind: req.Kind, Seq: seq, Normalized: true}
	if IsAudio(req.Kind) && !strings.EqualFold(ext, ".wav") {
		res = s.normalize(ctx, res, dir, clock)
	}

	slog.Info("media saved",
		"sender", req.Sender,
		"kind", req.Kind,
		"path", res.Path,
		"normalized", res.Normalized)
	if s.metrics != nil {
		s.metrics.RecordMediaSaved(ctx, req.Kind, res.Normalized)
	}
	return res, nil
}

// create opens a new file exclusively, retrying with the next sequence
// number when a name is already taken.
func (s *Store) create(dir, kind, clock, ext string) (*os.File, int, string, error) {
	for range maxCreateAttempts {
		seq, err := s.seq.Next(dir, kind)
		if err != nil {
			return nil, 0, "", fmt.Errorf("%w: %w", ErrSave, err)
		}
		name := fmt.Sprintf("%s_%d_%s%s", kind, seq, clock, ext)
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			s.seq.Release(dir, kind, seq)
			return nil, 0, "", fmt.Errorf("%w: create %s: %w", ErrSave, name, err)
		}
		return f, seq, name, nil
	}
	return nil, 0, "", fmt.Errorf("%w: no free sequence number in %s", ErrSave, dir)
}

func (s *Store) copyBody(dst io.Writer, body io.Reader) error {
	if body == nil {
		return errors.New("empty body")
	}
	if s.maxBytes <= 0 {
		_, err := io.Copy(dst, body)
		return err
	}
	n, err := io.Copy(dst, io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return err
	}
	if n > s.maxBytes {
		return ErrTooLarge
	}
	return nil
}

// normalize converts res to WAV. On failure the original file is kept and
// the result is marked not normalized.
func (s *Store) normalize(ctx context.Context, res SaveResult, dir, clock string) SaveResult {
	wavName := fmt.Sprintf("%s_%d_%s.wav", res.Kind, res.Seq, clock)
	wavPath := filepath.Join(dir, wavName)

	start := time.Now()
	err := s.normalizer.Normalize(ctx, res.Path, wavPath)
	if s.metrics != nil {
		s.metrics.NormalizeDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		_ = os.Remove(wavPath)
		slog.Error("audio normalization failed, keeping original",
			"path", res.Path, "err", err)
		res.Normalized = false
		return res
	}
	if err := os.Remove(res.Path); err != nil {
		slog.Warn("failed to remove original audio", "path", res.Path, "err", err)
	}
	res.Path = wavPath
	res.Name = wavName
	return res
}

// validSegment rejects values that would escape or split the directory
// layout.
func validSegment(v string) error {
	switch {
	case v == "":
		return errors.New("empty")
	case v == "." || v == "..":
		return fmt.Errorf("invalid value %q", v)
	case strings.ContainsAny(v, `/\,`) || strings.ContainsRune(v, 0):
		return fmt.Errorf("invalid character in %q", v)
	}
	return nil
}
