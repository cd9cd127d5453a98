package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if err := validateEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}
	if endpointHasQuery(cfg.Endpoint) {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("endpoint %q: query and fragment are ignored", strings.TrimSpace(cfg.Endpoint))})
	}
	if !strings.HasPrefix(strings.TrimSpace(cfg.SubmitPath), "/") {
		return nil, fmt.Errorf("submit_path must start with '/'")
	}
	if strings.TrimSpace(cfg.SubmitField) == "" {
		return nil, fmt.Errorf("submit_field must not be empty")
	}
	if !strings.HasPrefix(strings.TrimSpace(cfg.HealthPath), "/") {
		return nil, fmt.Errorf("health_path must start with '/'")
	}
	if cfg.RequestTimeoutMS <= 0 {
		return nil, fmt.Errorf("request_timeout_ms must be > 0")
	}

	switch cfg.Delivery.Policy {
	case PolicyImmediate, PolicyDelay, PolicyTrigger:
	default:
		return nil, fmt.Errorf("delivery.policy must be one of: immediate, delay, trigger")
	}
	if cfg.Delivery.DelayMS < 0 {
		return nil, fmt.Errorf("delivery.delay_ms must be >= 0")
	}

	switch cfg.Speech.Backend {
	case SpeechBackendCommand, SpeechBackendOpenAI:
	default:
		return nil, fmt.Errorf("speech.backend must be one of: command, openai")
	}
	if cfg.Speech.Enable && cfg.Speech.Backend == SpeechBackendCommand && len(cfg.Speech.Command.Argv) == 0 {
		return nil, fmt.Errorf("speech.command must not be empty when speech.backend=command")
	}
	if cfg.Speech.Enable && cfg.Speech.Backend == SpeechBackendOpenAI {
		if strings.TrimSpace(cfg.Speech.Model) == "" {
			return nil, fmt.Errorf("speech.model must not be empty when speech.backend=openai")
		}
		if strings.TrimSpace(cfg.Speech.Voice) == "" {
			return nil, fmt.Errorf("speech.voice must not be empty when speech.backend=openai")
		}
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Indicator.Backend))
	if backend == "" {
		return nil, fmt.Errorf("indicator.backend must not be empty")
	}
	if backend != "hypr" && backend != "desktop" {
		return nil, fmt.Errorf("indicator.backend must be one of: hypr, desktop")
	}
	if backend == "desktop" && strings.TrimSpace(cfg.Indicator.DesktopAppName) == "" {
		return nil, fmt.Errorf("indicator.desktop_app_name must not be empty when indicator.backend=desktop")
	}
	if cfg.Indicator.ErrorTimeoutMS < 0 {
		return nil, fmt.Errorf("indicator.error_timeout_ms must be >= 0")
	}
	if cfg.Indicator.AdviceTimeoutMS < 0 {
		return nil, fmt.Errorf("indicator.advice_timeout_ms must be >= 0")
	}

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return nil, fmt.Errorf("server.addr must not be empty")
	}
	if strings.TrimSpace(cfg.Server.TranscriptionModel) == "" {
		return nil, fmt.Errorf("server.transcription_model must not be empty")
	}
	if strings.TrimSpace(cfg.Server.AdviceModel) == "" {
		return nil, fmt.Errorf("server.advice_model must not be empty")
	}
	if cfg.Server.Temperature < 0 || cfg.Server.Temperature > 2 {
		return nil, fmt.Errorf("server.temperature must be between 0 and 2")
	}
	if cfg.Server.MaxTokens <= 0 {
		return nil, fmt.Errorf("server.max_tokens must be > 0")
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		warnings = append(warnings, Warning{Message: "server.allowed_origins is empty; browser clients will be rejected by CORS"})
	}

	return warnings, nil
}

func validateEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("endpoint must not be empty")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint %q is not a valid URL: %w", endpoint, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("endpoint %q must use http or https", endpoint)
	}
	if parsed.Host == "" {
		return fmt.Errorf("endpoint %q must include a host", endpoint)
	}
	return nil
}

func endpointHasQuery(endpoint string) bool {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return false
	}
	return parsed.RawQuery != "" || parsed.ForceQuery || parsed.Fragment != ""
}
