package resilience

import (
	"context"
	"errors"

	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
)

// TranscriberFallback implements [transcribe.Provider] with failover across
// several recognition backends.
//
// A "no result" answer does not count against a backend's breaker, but the
// next backend is still asked. The returned error keeps the last backend's
// error in its chain, so errors.Is against [transcribe.ErrNoResult] and
// [transcribe.ErrRequestFailed] works on the combined error.
type TranscriberFallback struct {
	group *FallbackGroup[transcribe.Provider]
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = func(err error) bool {
			return !errors.Is(err, transcribe.ErrNoResult)
		}
	}
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TranscriberFallback) AddFallback(name string, p transcribe.Provider) {
	f.group.AddFallback(name, p)
}

// Backends returns the backend names in the order they are tried.
func (f *TranscriberFallback) Backends() []string {
	return f.group.Names()
}

// Transcribe asks each healthy backend in turn until one returns text.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(p transcribe.Provider) (string, error) {
		text, err := p.Transcribe(ctx, req)
		if err != nil {
			return "", err
		}
		return transcribe.Result("fallback", text)
	})
}
