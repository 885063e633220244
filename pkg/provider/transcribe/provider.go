// Package transcribe defines the Provider interface for batch speech
// recognition of saved audio files.
//
// A provider receives the path of a normalized audio file and returns the
// recognized text. Implementations never report success with empty text: an
// empty or missing transcript is [ErrNoResult], while transport failures,
// non-2xx statuses and malformed responses are [ErrRequestFailed]. Callers
// distinguish the two with errors.Is.
//
// Implementations must be safe for concurrent use.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds a single recognition request.
const DefaultTimeout = 60 * time.Second

var (
	// ErrNoResult means the service answered but produced no transcript.
	ErrNoResult = errors.New("transcribe: no result")

	// ErrRequestFailed means the request could not be completed or the
	// response could not be understood.
	ErrRequestFailed = errors.New("transcribe: request failed")
)

// Request describes one file to recognize.
type Request struct {
	// Path is the local path of the audio file.
	Path string

	// Language is the conversation language code (e.g. "kk", "ru"). Empty
	// lets the backend auto-detect.
	Language string

	// Locale is the BCP-47 tag for backends that need one (e.g. "kk-KZ").
	Locale string
}

// Provider recognizes speech in a saved audio file.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}

// Result trims text and turns an empty transcript into [ErrNoResult]. Every
// backend funnels its answer through Result so the "no empty success" rule
// holds in one place.
func Result(backend, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s: %w", backend, ErrNoResult)
	}
	return text, nil
}

// Failed wraps err as [ErrRequestFailed] for backend.
func Failed(backend string, err error) error {
	return fmt.Errorf("%s: %w: %w", backend, ErrRequestFailed, err)
}

// Failedf formats a message and wraps it as [ErrRequestFailed] for backend.
func Failedf(backend, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", backend, ErrRequestFailed, fmt.Sprintf(format, args...))
}
