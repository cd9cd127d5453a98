// Package speech provides best-effort speech synthesis capabilities.
package speech

import (
	"context"
	"log/slog"

	"github.com/rbright/prompter/internal/config"
)

// Speaker probes for and performs one utterance at a time.
type Speaker interface {
	Probe(ctx context.Context) error
	Speak(ctx context.Context, text string) error
}

// New builds the configured speaker, or nil when speech is disabled.
func New(cfg config.SpeechConfig, apiKey string, logger *slog.Logger) Speaker {
	if !cfg.Enable {
		return nil
	}
	switch cfg.Backend {
	case config.SpeechBackendOpenAI:
		return NewOpenAI(apiKey, cfg.Model, cfg.Voice, logger)
	default:
		return Command{Argv: cfg.Command.Argv}
	}
}
