// Package detection provides a [transcribe.Provider] for the in-house speech
// recognition API.
//
// The API accepts a single WAV upload in the multipart field "file" and
// answers with JSON of the form {"detection": "<text>"}. Only .wav input is
// accepted; callers normalize audio before transcribing.
package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
)

const backend = "detection"

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// Provider posts audio files to the recognition endpoint.
type Provider struct {
	endpoint   string
	httpClient *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to
// [transcribe.DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New returns a Provider posting to endpoint, the full URL of the
// recognition API.
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("detection: endpoint must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: transcribe.DefaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type response struct {
	Detection string `json:"detection"`
}

// Transcribe implements [transcribe.Provider].
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	if !strings.EqualFold(filepath.Ext(req.Path), ".wav") {
		return "", transcribe.Failedf(backend, "unsupported file %q: only .wav is accepted", filepath.Base(req.Path))
	}

	body, contentType, err := transcribe.MultipartFile(req.Path, "file", "audio/wav")
	if err != nil {
		return "", transcribe.Failed(backend, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return "", transcribe.Failed(backend, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", transcribe.Failed(backend, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", transcribe.Failedf(backend, "server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", transcribe.Failed(backend, fmt.Errorf("decode response: %w", err))
	}
	return transcribe.Result(backend, out.Detection)
}
