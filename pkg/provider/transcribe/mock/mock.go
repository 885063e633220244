// Package mock provides a test double for [transcribe.Provider].
//
// Set Text and Err to control the answer; inspect Calls to verify which
// files were submitted.
//
//	p := &mock.Provider{Text: "сәлем"}
//	text, _ := p.Transcribe(ctx, transcribe.Request{Path: "voice_1.wav"})
package mock

import (
	"context"
	"sync"

	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
)

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe when Err and Fn are nil.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Fn, if set, computes the answer and takes precedence over Text and Err.
	Fn func(ctx context.Context, req transcribe.Request) (string, error)

	// Calls records every request passed to Transcribe.
	Calls []transcribe.Request
}

// Transcribe records the call and returns the configured answer.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	fn, text, err := p.Fn, p.Text, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements transcribe.Provider at compile time.
var _ transcribe.Provider = (*Provider)(nil)
