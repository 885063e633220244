package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultAudioBitrate is passed to ffmpeg when none is configured.
const DefaultAudioBitrate = "192k"

// Normalizer re-encodes an audio file into WAV.
type Normalizer interface {
	Normalize(ctx context.Context, src, dst string) error
}

// FFmpeg normalizes audio by shelling out to ffmpeg.
type FFmpeg struct {
	command string
	bitrate string
}

// NewFFmpeg returns an FFmpeg normalizer. Empty arguments select "ffmpeg"
// from PATH and [DefaultAudioBitrate].
func NewFFmpeg(command, bitrate string) *FFmpeg {
	if command == "" {
		command = "ffmpeg"
	}
	if bitrate == "" {
		bitrate = DefaultAudioBitrate
	}
	return &FFmpeg{command: command, bitrate: bitrate}
}

// Args returns the ffmpeg arguments used to convert src into dst.
func (f *FFmpeg) Args(src, dst string) []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", src,
		"-vn",
		"-b:a", f.bitrate,
		dst,
	}
}

// Normalize implements [Normalizer].
func (f *FFmpeg) Normalize(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, f.command, f.Args(src, dst)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}
