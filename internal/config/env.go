package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables consulted on top of the config file.
const (
	EnvEndpoint     = "PROMPTER_API_URL"
	EnvSentryDSN    = "SENTRY_DSN"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// dotenvPath is the working-directory env file merged into the process environment.
var dotenvPath = ".env"

// loadDotEnv merges dotenvPath into the environment; variables already set win.
func loadDotEnv() []Warning {
	err := godotenv.Load(dotenvPath)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return []Warning{{Message: fmt.Sprintf("ignoring %s: %v", dotenvPath, err)}}
}

// applyEnvOverrides copies endpoint and telemetry settings from the environment.
func applyEnvOverrides(cfg *Config) {
	if endpoint := strings.TrimSpace(os.Getenv(EnvEndpoint)); endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvSentryDSN)); dsn != "" {
		cfg.Telemetry.SentryDSN = dsn
	}
}

// OpenAIAPIKey returns the API key used by OpenAI-backed speech and the backend.
func OpenAIAPIKey() string {
	return strings.TrimSpace(os.Getenv(EnvOpenAIAPIKey))
}
