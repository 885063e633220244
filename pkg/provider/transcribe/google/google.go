// Package google provides a [transcribe.Provider] backed by Google Cloud
// Speech-to-Text synchronous recognition.
//
// Credentials come from Application Default Credentials. Audio must be
// 16-bit PCM WAV; the sample rate is read from the WAV header by the
// service. Synchronous recognition accepts roughly one minute of audio,
// which covers typical voice notes.
package google

import (
	"context"
	"fmt"
	"os"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
)

const backend = "google"

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// RecognizeFunc performs one synchronous recognition call.
type RecognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

// Provider sends audio files to Cloud Speech.
type Provider struct {
	recognize     RecognizeFunc
	close         func() error
	defaultLocale string
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithDefaultLocale sets the BCP-47 locale used when a request carries none.
func WithDefaultLocale(locale string) Option {
	return func(p *Provider) { p.defaultLocale = locale }
}

// New dials Cloud Speech with Application Default Credentials.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google: create speech client: %w", err)
	}
	p := NewWithRecognizer(func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return client.Recognize(ctx, req)
	}, opts...)
	p.close = client.Close
	return p, nil
}

// NewWithRecognizer builds a Provider around fn instead of a live client.
func NewWithRecognizer(fn RecognizeFunc, opts ...Option) *Provider {
	p := &Provider{recognize: fn, defaultLocale: "ru-RU"}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Close releases the underlying client connection.
func (p *Provider) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

// Transcribe implements [transcribe.Provider].
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	audio, err := os.ReadFile(req.Path)
	if err != nil {
		return "", transcribe.Failed(backend, fmt.Errorf("read audio: %w", err))
	}

	locale := req.Locale
	if locale == "" {
		locale = p.defaultLocale
	}

	resp, err := p.recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   speechpb.RecognitionConfig_LINEAR16,
			LanguageCode:               locale,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return "", transcribe.Failed(backend, err)
	}

	var parts []string
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if t := strings.TrimSpace(alts[0].GetTranscript()); t != "" {
			parts = append(parts, t)
		}
	}
	return transcribe.Result(backend, strings.Join(parts, " "))
}
