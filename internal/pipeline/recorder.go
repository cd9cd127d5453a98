// Package pipeline wires microphone capture into the session recorder contract.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbright/prompter/internal/audio"
	"github.com/rbright/prompter/internal/config"
	"github.com/rbright/prompter/internal/logging"
	"github.com/rbright/prompter/internal/session"
)

// Recorder owns at most one active microphone recording.
type Recorder struct {
	mic       audio.Microphone
	dumpAudio bool
	logger    *slog.Logger

	mu        sync.Mutex
	recording *audio.Recording
	startedAt time.Time
}

// NewRecorder builds a Pulse-backed recorder from runtime config.
func NewRecorder(cfg config.Config, logger *slog.Logger) *Recorder {
	mic := audio.PulseMicrophone{
		Input:    cfg.Audio.Input,
		Fallback: cfg.Audio.Fallback,
		Logger:   logger,
	}
	return NewRecorderWithMicrophone(mic, cfg.Debug.EnableAudioDump, logger)
}

// NewRecorderWithMicrophone builds a recorder over an injected capture capability.
func NewRecorderWithMicrophone(mic audio.Microphone, dumpAudio bool, logger *slog.Logger) *Recorder {
	return &Recorder{mic: mic, dumpAudio: dumpAudio, logger: logger}
}

// Start probes the microphone and acquires it for a new recording.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording != nil {
		return fmt.Errorf("recorder already started")
	}
	if r.mic == nil {
		return session.ErrPipelineUnavailable
	}

	if err := r.mic.Probe(ctx); err != nil {
		return err
	}
	recording, err := r.mic.Acquire(ctx)
	if err != nil {
		return err
	}

	r.recording = recording
	r.startedAt = time.Now()
	return nil
}

// Stop flushes the active recording into one payload and releases the microphone.
func (r *Recorder) Stop(_ context.Context) (audio.Payload, error) {
	recording, startedAt := r.take()
	if recording == nil {
		return audio.Payload{}, session.ErrPipelineUnavailable
	}

	captured := recording.BytesCaptured()
	payload, err := recording.Stop()
	if err != nil {
		return audio.Payload{}, err
	}

	if r.logger != nil {
		r.logger.Debug("recording stopped",
			"bytes_captured", captured,
			"payload_bytes", payload.Size(),
			"duration_ms", time.Since(startedAt).Milliseconds(),
		)
	}
	r.writeDebugAudio(payload)
	return payload, nil
}

// Cancel discards the active recording without producing a payload.
func (r *Recorder) Cancel(_ context.Context) error {
	recording, _ := r.take()
	if recording == nil {
		return nil
	}
	return recording.Discard()
}

// Active reports whether a recording currently owns the microphone.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording != nil
}

func (r *Recorder) take() (*audio.Recording, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	recording := r.recording
	startedAt := r.startedAt
	r.recording = nil
	r.startedAt = time.Time{}
	return recording, startedAt
}

// logWarn emits warning-level logs when logger is configured.
func (r *Recorder) logWarn(message string) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(message)
}

// writeDebugAudio stores the submitted WAV payload when debug.audio_dump is enabled.
func (r *Recorder) writeDebugAudio(payload audio.Payload) {
	if !r.dumpAudio || payload.Empty() {
		return
	}

	file, err := createDebugFile("audio", "wav")
	if err != nil {
		r.logWarn(fmt.Sprintf("unable to create debug audio dump: %v", err))
		return
	}
	defer file.Close()

	if _, err := file.Write(payload.Bytes()); err != nil {
		r.logWarn(fmt.Sprintf("unable to write debug audio dump: %v", err))
	}
}

// createDebugFile creates timestamped debug artifacts under state/prompter/debug.
func createDebugFile(prefix string, extension string) (*os.File, error) {
	stateDir, err := logging.StateDir()
	if err != nil {
		return nil, fmt.Errorf("resolve state directory: %w", err)
	}
	debugDir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0o700); err != nil {
		return nil, fmt.Errorf("create debug dir: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405.000")
	path := filepath.Join(debugDir, fmt.Sprintf("%s-%s.%s", prefix, timestamp, extension))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open debug file %q: %w", path, err)
	}
	return file, nil
}
