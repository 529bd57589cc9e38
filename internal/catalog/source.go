package catalog

import (
	"bytes"
	"io"
	"mime"
	"os"
	"path/filepath"
)

const DefaultMimeType = "application/octet-stream"

// Source is a readable payload. Open must return an independent reader on
// every call so concurrent deliveries do not interfere.
type Source interface {
	MimeType() string
	Open() (io.ReadCloser, error)
}

type bytesSource struct {
	data     []byte
	mimeType string
}

// Bytes serves an in-memory payload. The slice is not copied.
func Bytes(data []byte, mimeType string) Source {
	return &bytesSource{data: data, mimeType: mimeType}
}

func (s *bytesSource) MimeType() string {
	return s.mimeType
}

func (s *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

type fileSource struct {
	path     string
	mimeType string
}

// File serves the file at path. It is opened on every delivery.
func File(path string) Source {
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	return &fileSource{path: path, mimeType: mimeType}
}

func (s *fileSource) MimeType() string {
	return s.mimeType
}

func (s *fileSource) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}
