// Package whisper provides a [transcribe.Provider] backed by a running
// whisper.cpp server.
//
// The server exposes POST /inference, which accepts a multipart/form-data
// upload in the "file" field plus optional "language" and "response_format"
// fields and answers with {"text": "..."}.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithModel("large-v3"))
//	text, err := p.Transcribe(ctx, transcribe.Request{Path: "voice_1.wav", Language: "kk"})
package whisper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
)

const backend = "whisper"

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// Provider sends audio files to a whisper.cpp server.
type Provider struct {
	serverURL  string
	model      string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel sets the optional model hint sent with every request.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: transcribe.DefaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements [transcribe.Provider].
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	body, contentType, err := transcribe.MultipartFile(req.Path, "file", "audio/wav",
		transcribe.Field{Name: "language", Value: req.Language},
		transcribe.Field{Name: "model", Value: p.model},
		transcribe.Field{Name: "response_format", Value: "json"},
	)
	if err != nil {
		return "", transcribe.Failed(backend, err)
	}

	endpoint := p.serverURL + "/inference"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", transcribe.Failed(backend, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", transcribe.Failed(backend, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", transcribe.Failedf(backend, "server returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", transcribe.Failed(backend, fmt.Errorf("decode response: %w", err))
	}
	return transcribe.Result(backend, result.Text)
}
