package transcribe

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
)

// Field is an extra multipart form field.
type Field struct {
	Name  string
	Value string
}

// MultipartFile reads the file at path into a multipart/form-data body under
// fileField, declared with contentType, followed by fields. It returns the
// body and its Content-Type header value.
func MultipartFile(path, fileField, contentType string, fields ...Field) (*bytes.Buffer, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, fileField, filepath.Base(path)))
	h.Set("Content-Type", contentType)
	fw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}
	for _, fld := range fields {
		if fld.Value == "" {
			continue
		}
		if err := mw.WriteField(fld.Name, fld.Value); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", fld.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}
