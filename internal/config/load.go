package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
)

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves, reads, parses, and validates the runtime configuration.
// A working-directory .env file and environment overrides are applied last.
func Load(explicitPath string) (Loaded, error) {
	warnings := loadDotEnv()

	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	base := Default()
	exists := true
	content, err := os.ReadFile(resolvedPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Loaded{}, fmt.Errorf("read config %q: %w", resolvedPath, err)
		}
		exists = false
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
		})
	}

	cfg := base
	if exists {
		parsed, parseWarnings, err := Parse(string(content), base)
		if err != nil {
			return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
		}
		cfg = parsed
		warnings = append(warnings, parseWarnings...)
	}

	applyEnvOverrides(&cfg)
	overrideWarnings, err := Validate(cfg)
	if err != nil {
		return Loaded{}, fmt.Errorf("apply environment overrides: %w", err)
	}
	warnings = mergeWarnings(warnings, overrideWarnings)

	return Loaded{
		Path:     resolvedPath,
		Config:   cfg,
		Warnings: warnings,
		Exists:   exists,
	}, nil
}

// mergeWarnings appends extra entries not already present in warnings.
func mergeWarnings(warnings []Warning, extra []Warning) []Warning {
	for _, w := range extra {
		if !slices.Contains(warnings, w) {
			warnings = append(warnings, w)
		}
	}
	return warnings
}
