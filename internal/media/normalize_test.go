package media

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeScript(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
}

func TestFFmpeg_Args(t *testing.T) {
	t.Parallel()
	got := strings.Join(NewFFmpeg("", "").Args("in.ogg", "out.wav"), " ")
	for _, want := range []string{"-y", "-i in.ogg", "-vn", "-b:a 192k", "out.wav"} {
		if !strings.Contains(got, want) {
			t.Errorf("args %q missing %q", got, want)
		}
	}
	if !strings.HasSuffix(got, "out.wav") {
		t.Errorf("args %q must end with the destination", got)
	}
}

func TestFFmpeg_NormalizeWritesDestination(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	// The fake ffmpeg copies its -i argument to the last argument.
	script := writeScript(t, "ffmpeg.sh", `#!/bin/sh
src=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then src="$a"; fi
  prev="$a"
  last="$a"
done
cp "$src" "$last"
`)
	dir := t.TempDir()
	src := filepath.Join(dir, "voice_1_10-00-00.ogg")
	dst := filepath.Join(dir, "voice_1_10-00-00.wav")
	if err := os.WriteFile(src, []byte("opus"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := NewFFmpeg(script, "128k").Normalize(context.Background(), src, dst); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "opus" {
		t.Fatalf("dst = %q, %v", data, err)
	}
}

func TestFFmpeg_NormalizeReportsStderr(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	script := writeScript(t, "fail.sh", "#!/bin/sh\necho 'Invalid data found' 1>&2\nexit 1\n")

	err := NewFFmpeg(script, "").Normalize(context.Background(), "in.ogg", "out.wav")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("err = %v, want stderr in message", err)
	}
}

func TestFFmpeg_MissingBinary(t *testing.T) {
	t.Parallel()
	err := NewFFmpeg(filepath.Join(t.TempDir(), "no-such-ffmpeg"), "").Normalize(context.Background(), "in.ogg", "out.wav")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestStore_WithRealNormalizerScript(t *testing.T) {
	t.Parallel()
	skipWithoutShell(t)
	script := writeScript(t, "ffmpeg.sh", "#!/bin/sh\nfor a in \"$@\"; do last=\"$a\"; done\nprintf 'RIFF' > \"$last\"\n")
	s := newTestStore(t, NewFFmpeg(script, ""))
	res := save(t, s, "voice", "audio/ogg", clockTime())
	if !res.Normalized || filepath.Ext(res.Path) != ".wav" {
		t.Fatalf("result = %+v", res)
	}
}
