package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
)

// ErrProviderNotRegistered is returned by [Registry.CreateTranscriber] when
// no factory has been registered under the requested backend name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TranscriberFactory builds a backend from its configuration entry.
type TranscriberFactory func(ProviderEntry) (transcribe.Provider, error)

// Registry maps transcription backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transcriber map[string]TranscriberFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{transcriber: make(map[string]TranscriberFactory)}
}

// RegisterTranscriber registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[name] = factory
}

// CreateTranscriber instantiates the backend registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (transcribe.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transcriber[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcription/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create transcription/%q: %w", entry.Name, err)
	}
	return p, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transcriber))
	for name := range r.transcriber {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// OptString returns the string option key of e, or "" when absent or not a
// string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}
