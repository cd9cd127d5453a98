package speech

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Command speaks by piping text to an external synthesizer such as espeak-ng.
type Command struct {
	Argv []string
}

// Probe reports whether the synthesizer binary is installed.
func (c Command) Probe(_ context.Context) error {
	if len(c.Argv) == 0 {
		return errors.New("speech.command is empty")
	}
	if _, err := exec.LookPath(c.Argv[0]); err != nil {
		return fmt.Errorf("speech command %q not found: %w", c.Argv[0], err)
	}
	return nil
}

// Speak runs the synthesizer with text on stdin; cancelling ctx kills it.
func (c Command) Speak(ctx context.Context, text string) error {
	if len(c.Argv) == 0 {
		return errors.New("speech.command is empty")
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdin = strings.NewReader(text)
	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			return fmt.Errorf("speech command failed: %w", err)
		}
		return fmt.Errorf("speech command failed: %w: %s", err, msg)
	}
	return nil
}
