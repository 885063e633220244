package google_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe/google"
)

func writeWAV(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice_1_10-00-00.wav")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func response(transcripts ...string) *speechpb.RecognizeResponse {
	resp := &speechpb.RecognizeResponse{}
	for _, tr := range transcripts {
		resp.Results = append(resp.Results, &speechpb.SpeechRecognitionResult{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: tr}},
		})
	}
	return resp
}

func TestTranscribe_JoinsResultsAndSendsLocale(t *testing.T) {
	t.Parallel()
	var got *speechpb.RecognizeRequest
	p := google.NewWithRecognizer(func(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		got = req
		return response("бірінші", "", " екінші "), nil
	})

	text, err := p.Transcribe(context.Background(), transcribe.Request{Path: writeWAV(t, "pcm"), Language: "kk", Locale: "kk-KZ"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "бірінші екінші" {
		t.Errorf("text = %q", text)
	}
	if got.GetConfig().GetLanguageCode() != "kk-KZ" {
		t.Errorf("locale = %q", got.GetConfig().GetLanguageCode())
	}
	if got.GetConfig().GetEncoding() != speechpb.RecognitionConfig_LINEAR16 {
		t.Errorf("encoding = %v", got.GetConfig().GetEncoding())
	}
	if string(got.GetAudio().GetContent()) != "pcm" {
		t.Errorf("content = %q", got.GetAudio().GetContent())
	}
}

func TestTranscribe_DefaultLocale(t *testing.T) {
	t.Parallel()
	var locale string
	p := google.NewWithRecognizer(func(_ context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		locale = req.GetConfig().GetLanguageCode()
		return response("x"), nil
	}, google.WithDefaultLocale("kk-KZ"))
	if _, err := p.Transcribe(context.Background(), transcribe.Request{Path: writeWAV(t, "pcm")}); err != nil {
		t.Fatal(err)
	}
	if locale != "kk-KZ" {
		t.Errorf("locale = %q", locale)
	}
}

func TestTranscribe_NoResults(t *testing.T) {
	t.Parallel()
	p := google.NewWithRecognizer(func(context.Context, *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return response(), nil
	})
	_, err := p.Transcribe(context.Background(), transcribe.Request{Path: writeWAV(t, "pcm")})
	if !errors.Is(err, transcribe.ErrNoResult) {
		t.Fatalf("err = %v, want ErrNoResult", err)
	}
}

func TestTranscribe_RPCError(t *testing.T) {
	t.Parallel()
	rpcErr := errors.New("unavailable")
	p := google.NewWithRecognizer(func(context.Context, *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return nil, rpcErr
	})
	_, err := p.Transcribe(context.Background(), transcribe.Request{Path: writeWAV(t, "pcm")})
	if !errors.Is(err, transcribe.ErrRequestFailed) || !errors.Is(err, rpcErr) {
		t.Fatalf("err = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
