// Package config resolves, parses, validates, and defaults prompter configuration.
package config

import (
	"strings"
	"time"
)

// Config is the fully materialized runtime configuration used by prompter.
type Config struct {
	Endpoint         string
	SubmitPath       string
	SubmitField      string
	HealthPath       string
	RequestTimeoutMS int
	Audio            AudioConfig
	Delivery         DeliveryConfig
	Speech           SpeechConfig
	Indicator        IndicatorConfig
	Server           ServerConfig
	Telemetry        TelemetryConfig
	Debug            DebugConfig
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input    string
	Fallback string
}

// Delivery policy names accepted by delivery.policy.
const (
	PolicyImmediate = "immediate"
	PolicyDelay     = "delay"
	PolicyTrigger   = "trigger"
)

// DeliveryConfig selects when returned advice is surfaced.
type DeliveryConfig struct {
	Policy  string
	DelayMS int
}

// Speech backend names accepted by speech.backend.
const (
	SpeechBackendCommand = "command"
	SpeechBackendOpenAI  = "openai"
)

// SpeechConfig controls best-effort spoken delivery of advice.
type SpeechConfig struct {
	Enable  bool
	Backend string
	Command CommandConfig
	Model   string
	Voice   string
}

// IndicatorConfig controls visual indicator and audio cue behavior.
type IndicatorConfig struct {
	Enable          bool
	Backend         string
	DesktopAppName  string
	SoundEnable     bool
	ErrorTimeoutMS  int
	AdviceTimeoutMS int
}

// ServerConfig controls the companion processing backend started by `serve`.
type ServerConfig struct {
	Addr               string
	AllowedOrigins     []string
	TranscriptionModel string
	AdviceModel        string
	Temperature        float64
	MaxTokens          int
	SystemPrompt       string
}

// TelemetryConfig controls optional Sentry error reporting.
type TelemetryConfig struct {
	SentryDSN   string
	Environment string
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// DebugConfig controls optional debug artifact output.
type DebugConfig struct {
	EnableAudioDump bool
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}

// SubmitURL joins the endpoint base address and submission path.
func (c Config) SubmitURL() string {
	return joinURL(c.Endpoint, c.SubmitPath)
}

// HealthURL joins the endpoint base address and health path.
func (c Config) HealthURL() string {
	return joinURL(c.Endpoint, c.HealthPath)
}

// RequestTimeout is the per-submission deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// DeliveryDelay is the wait applied by the delay policy.
func (c Config) DeliveryDelay() time.Duration {
	return time.Duration(c.Delivery.DelayMS) * time.Millisecond
}

// joinURL appends path to base; a query or fragment on base is dropped.
func joinURL(base string, path string) string {
	base = strings.TrimSpace(base)
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(strings.TrimSpace(path), "/")
}
