package media

import (
	"mime"
	"strings"

	"github.com/rtemirbulat/voice-transcribing/pkg/store"
)

// FallbackExtension is used for content types missing from the table.
const FallbackExtension = ".media"

// extensions maps a bare content type to the stored file extension.
var extensions = map[string]string{
	// Audio
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/ogg":   ".ogg",
	"audio/opus":  ".opus",
	"audio/x-m4a": ".m4a",
	"audio/mp4":   ".m4a",
	"audio/aac":   ".aac",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/webm":  ".webm",
	"audio/amr":   ".amr",

	// Image
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/webp": ".webp",

	// Video
	"video/mp4":        ".mp4",
	"video/3gpp":       ".3gp",
	"video/quicktime":  ".mov",
	"video/x-msvideo":  ".avi",
	"video/x-matroska": ".mkv",

	// Documents
	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ".xlsx",
	"text/plain": ".txt",
}

// BaseContentType strips parameters such as "; codecs=opus" and lower-cases
// the result.
func BaseContentType(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// Extension returns the file extension for contentType, or
// [FallbackExtension].
func Extension(contentType string) string {
	if ext, ok := extensions[BaseContentType(contentType)]; ok {
		return ext
	}
	return FallbackExtension
}

// IsAudio reports whether kind is normalized to WAV on save.
func IsAudio(kind string) bool {
	return kind == store.KindAudio || kind == store.KindVoice
}

// IsAttachment reports whether kind carries an attachment that is downloaded
// and stored. Stickers are recorded like any other unsupported kind.
func IsAttachment(kind string) bool {
	switch kind {
	case store.KindAudio, store.KindVoice, store.KindImage, store.KindVideo,
		store.KindDocument:
		return true
	}
	return false
}
