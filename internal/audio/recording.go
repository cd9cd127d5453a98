// Package audio provides capture sources, recording buffers, and Pulse playback.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCaptureUnavailable indicates no usable capture device or audio server.
	ErrCaptureUnavailable = errors.New("microphone capture is unavailable")
	// ErrPermissionDenied indicates the audio server refused microphone access.
	ErrPermissionDenied = errors.New("microphone access was denied")
	// ErrRecordingClosed is returned for appends or stops after the recording ended.
	ErrRecordingClosed = errors.New("recording already stopped")
)

// Microphone is an injectable capture capability.
type Microphone interface {
	// Probe reports whether capture is possible without acquiring the device.
	Probe(context.Context) error
	// Acquire opens the device and returns the recording that owns it.
	Acquire(context.Context) (*Recording, error)
}

// Encoder turns the concatenated PCM of a recording into payload bytes.
type Encoder func(pcm []byte) ([]byte, error)

// Recording owns the ordered fragment buffer of one active capture and the
// device handle backing it. Fragments are only visible through Stop.
type Recording struct {
	release func() error
	encode  Encoder
	now     func() time.Time

	mu        sync.Mutex
	fragments [][]byte
	bytes     int64
	closed    bool
	stopped   chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

// NewRecording creates a WAV-encoding recording; release frees the device.
func NewRecording(release func() error) *Recording {
	return NewRecordingWithEncoder(release, func(pcm []byte) ([]byte, error) {
		return EncodeWAV(pcm, SampleRate, Channels)
	})
}

// NewRecordingWithEncoder creates a recording with a custom payload encoder.
func NewRecordingWithEncoder(release func() error, encode Encoder) *Recording {
	if release == nil {
		release = func() error { return nil }
	}
	return &Recording{
		release: release,
		encode:  encode,
		now:     time.Now,
		stopped: make(chan struct{}),
	}
}

// Append copies one fragment onto the end of the buffer.
func (r *Recording) Append(fragment []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecordingClosed
	}
	if len(fragment) == 0 {
		return nil
	}
	owned := make([]byte, len(fragment))
	copy(owned, fragment)
	r.fragments = append(r.fragments, owned)
	r.bytes += int64(len(owned))
	return nil
}

// BytesCaptured reports the total fragment bytes accepted so far.
func (r *Recording) BytesCaptured() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Done is closed once the recording stops or is discarded.
func (r *Recording) Done() <-chan struct{} {
	return r.stopped
}

// Stop locks the buffer, concatenates fragments in receipt order into one
// payload, and releases the device. Release runs even when encoding fails.
// A recording with no fragments stops with an empty payload.
func (r *Recording) Stop() (payload Payload, err error) {
	fragments, err := r.close()
	if err != nil {
		return Payload{}, err
	}
	defer func() {
		if releaseErr := r.releaseDevice(); releaseErr != nil && err == nil {
			payload = Payload{}
			err = fmt.Errorf("release microphone: %w", releaseErr)
		}
	}()

	filename := fmt.Sprintf("recording-%s.wav", r.now().Format("20060102-150405"))
	pcm := bytes.Join(fragments, nil)
	if len(pcm) == 0 {
		// No captured audio yields an empty payload, not a header-only file.
		return Payload{mediaType: MediaTypeWAV, filename: filename}, nil
	}

	data, err := r.encode(pcm)
	if err != nil {
		return Payload{}, fmt.Errorf("encode recording: %w", err)
	}
	return Payload{data: data, mediaType: MediaTypeWAV, filename: filename}, nil
}

// Discard drops buffered fragments and releases the device.
func (r *Recording) Discard() error {
	if _, err := r.close(); err != nil && !errors.Is(err, ErrRecordingClosed) {
		return err
	}
	return r.releaseDevice()
}

func (r *Recording) close() ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRecordingClosed
	}
	r.closed = true
	close(r.stopped)
	fragments := r.fragments
	r.fragments = nil
	return fragments, nil
}

func (r *Recording) releaseDevice() error {
	r.releaseOnce.Do(func() {
		r.releaseErr = r.release()
	})
	return r.releaseErr
}
