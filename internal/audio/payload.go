package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MediaTypeWAV is the media type of payloads produced by a live recording.
const MediaTypeWAV = "audio/wav"

// Payload is one immutable unit of audio handed to the submission endpoint.
type Payload struct {
	data      []byte
	mediaType string
	filename  string
}

// NewPayload copies data into a payload tagged with media type and filename.
func NewPayload(data []byte, mediaType string, filename string) Payload {
	owned := make([]byte, len(data))
	copy(owned, data)
	return Payload{
		data:      owned,
		mediaType: strings.TrimSpace(mediaType),
		filename:  strings.TrimSpace(filename),
	}
}

// FromFile wraps a user-supplied audio file without re-encoding it.
func FromFile(path string) (Payload, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Payload{}, errors.New("audio file path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		return Payload{}, fmt.Errorf("stat audio file %q: %w", path, err)
	}
	if info.IsDir() {
		return Payload{}, fmt.Errorf("audio file %q is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, fmt.Errorf("read audio file %q: %w", path, err)
	}

	name := filepath.Base(path)
	return Payload{
		data:      data,
		mediaType: detectMediaType(name, data),
		filename:  name,
	}, nil
}

// detectMediaType prefers the extension mapping and falls back to sniffing.
func detectMediaType(name string, data []byte) string {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
		return byExt
	}
	if len(data) == 0 {
		return "application/octet-stream"
	}
	sniffed := http.DetectContentType(data)
	if mediaType, _, err := mime.ParseMediaType(sniffed); err == nil {
		return mediaType
	}
	return sniffed
}

// Filename is the logical name sent with the payload.
func (p Payload) Filename() string { return p.filename }

// MediaType is the declared content type of the payload bytes.
func (p Payload) MediaType() string { return p.mediaType }

// Size is the payload length in bytes.
func (p Payload) Size() int { return len(p.data) }

// Empty reports whether the payload carries no audio bytes.
func (p Payload) Empty() bool { return len(p.data) == 0 }

// Bytes returns a copy of the payload contents.
func (p Payload) Bytes() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// Reader streams the payload contents.
func (p Payload) Reader() io.Reader {
	return bytes.NewReader(p.data)
}
