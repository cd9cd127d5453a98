package session

import (
	"context"
	"errors"

	"github.com/rbright/prompter/internal/audio"
)

var (
	// ErrPipelineUnavailable indicates no capture is running or no recorder is wired.
	ErrPipelineUnavailable = errors.New("audio capture pipeline is not available")
	// ErrBusy indicates a request arrived while a recording or submission is in progress.
	ErrBusy = errors.New("a recording or submission is already in progress")
)

// Recorder abstracts the capture lifecycle needed by session orchestration.
type Recorder interface {
	Start(context.Context) error
	Stop(context.Context) (audio.Payload, error)
	Cancel(context.Context) error
}

// PlaceholderRecorder is a no-op recorder used in tests/fallback wiring.
type PlaceholderRecorder struct{}

func (PlaceholderRecorder) Start(context.Context) error {
	return ErrPipelineUnavailable
}

func (PlaceholderRecorder) Stop(context.Context) (audio.Payload, error) {
	return audio.Payload{}, ErrPipelineUnavailable
}

func (PlaceholderRecorder) Cancel(context.Context) error {
	return nil
}
