// Package auditlog keeps a human-readable, append-only transcript of every
// text message per sender, independent of the database. Operators grep these
// files when the database is unavailable.
package auditlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimeLayout is the timestamp format written to each record.
const TimeLayout = time.DateTime

// Record is a single entry in a sender's log.
type Record struct {
	Timestamp time.Time
	From      string
	Message   string
}

// Format renders r as a block of "Key: value" lines followed by a blank line.
func (r Record) Format() string {
	return fmt.Sprintf("Timestamp: %s\nFrom: %s\nMessage: %s\n\n",
		r.Timestamp.Format(TimeLayout), r.From, r.Message)
}

// FileLog appends records to <dir>/<sender>.txt.
// Thread-safe for concurrent use.
type FileLog struct {
	mu  sync.Mutex
	dir string
	loc *time.Location
}

// NewFileLog creates a FileLog writing into dir, which is created if
// missing. Timestamps are rendered in loc; nil means UTC.
func NewFileLog(dir string, loc *time.Location) (*FileLog, error) {
	if dir == "" {
		return nil, fmt.Errorf("auditlog: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("auditlog: create dir: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &FileLog{dir: dir, loc: loc}, nil
}

// Path returns the log file for sender.
func (l *FileLog) Path(sender string) string {
	return filepath.Join(l.dir, sender+".txt")
}

// Append writes one record for sender.
func (l *FileLog) Append(sender, text string, ts time.Time) error {
	if sender == "" || strings.ContainsAny(sender, `/\`) || sender == "." || sender == ".." {
		return fmt.Errorf("auditlog: invalid sender %q", sender)
	}
	rec := Record{Timestamp: ts.In(l.loc), From: sender, Message: text}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.Path(sender), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("auditlog: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(rec.Format()); err != nil {
		return fmt.Errorf("auditlog: write: %w", err)
	}
	return nil
}
