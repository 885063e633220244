package detection_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe"
	"github.com/rtemirbulat/voice-transcribing/pkg/provider/transcribe/detection"
)

// ---- helpers ----------------------------------------------------------------

func writeAudio(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("RIFF....WAVEfmt "), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func newServer(t *testing.T, status int, payload string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		if ct := hdr.Header.Get("Content-Type"); ct != "audio/wav" {
			http.Error(w, "content type "+ct, http.StatusBadRequest)
			return
		}
		_, _ = io.Copy(io.Discard, f)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustNew(t *testing.T, url string, opts ...detection.Option) *detection.Provider {
	t.Helper()
	p, err := detection.New(url, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// ---- tests ------------------------------------------------------------------

func TestNew_EmptyEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := detection.New(""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestTranscribe_Success(t *testing.T) {
	t.Parallel()
	payload, _ := json.Marshal(map[string]string{"detection": "  сәлем әлем "})
	srv := newServer(t, http.StatusOK, string(payload), nil)

	got, err := mustNew(t, srv.URL).Transcribe(context.Background(), transcribe.Request{Path: writeAudio(t, "voice_1_10-00-00.wav")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "сәлем әлем" {
		t.Errorf("text = %q, want %q", got, "сәлем әлем")
	}
}

func TestTranscribe_EmptyDetectionIsNoResult(t *testing.T) {
	t.Parallel()
	for _, payload := range []string{`{"detection": ""}`, `{"other": "x"}`, `{"detection": "   "}`} {
		srv := newServer(t, http.StatusOK, payload, nil)
		_, err := mustNew(t, srv.URL).Transcribe(context.Background(), transcribe.Request{Path: writeAudio(t, "a.wav")})
		if !errors.Is(err, transcribe.ErrNoResult) {
			t.Errorf("payload %s: err = %v, want ErrNoResult", payload, err)
		}
	}
}

func TestTranscribe_Non2xxIsRequestFailed(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusInternalServerError, `{"error":"boom"}`, nil)
	_, err := mustNew(t, srv.URL).Transcribe(context.Background(), transcribe.Request{Path: writeAudio(t, "a.wav")})
	if !errors.Is(err, transcribe.ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
}

func TestTranscribe_MalformedJSONIsRequestFailed(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusOK, `not json`, nil)
	_, err := mustNew(t, srv.URL).Transcribe(context.Background(), transcribe.Request{Path: writeAudio(t, "a.wav")})
	if !errors.Is(err, transcribe.ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
}

func TestTranscribe_RejectsNonWAVWithoutCalling(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := newServer(t, http.StatusOK, `{"detection":"x"}`, &calls)
	_, err := mustNew(t, srv.URL).Transcribe(context.Background(), transcribe.Request{Path: writeAudio(t, "a.ogg")})
	if !errors.Is(err, transcribe.ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("server called %d times, want 0", n)
	}
}

func TestTranscribe_MissingFile(t *testing.T) {
	t.Parallel()
	srv := newServer(t, http.StatusOK, `{"detection":"x"}`, nil)
	_, err := mustNew(t, srv.URL).Transcribe(context.Background(), transcribe.Request{Path: filepath.Join(t.TempDir(), "gone.wav")})
	if !errors.Is(err, transcribe.ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
}

func TestTranscribe_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	p := mustNew(t, srv.URL, detection.WithTimeout(50*time.Millisecond))
	_, err := p.Transcribe(context.Background(), transcribe.Request{Path: writeAudio(t, "a.wav")})
	if !errors.Is(err, transcribe.ErrRequestFailed) {
		t.Fatalf("err = %v, want ErrRequestFailed", err)
	}
}
