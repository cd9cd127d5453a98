// Package doctor runs runtime readiness diagnostics for config, audio, the
// advice endpoint, speech, and indicator tooling.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/prompter/internal/audio"
	"github.com/rbright/prompter/internal/config"
	"github.com/rbright/prompter/internal/speech"
)

const probeTimeout = 2 * time.Second

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(cfg config.Loaded) Report {
	checks := []Check{checkConfig(cfg)}

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "runtime dir available for the session socket", "XDG_RUNTIME_DIR is not set"))

	checks = append(checks, checkAudioSelection(cfg.Config))
	checks = append(checks, checkEndpoint(cfg.Config))
	checks = append(checks, checkSpeech(cfg.Config.Speech, speech.New(cfg.Config.Speech, config.OpenAIAPIKey(), nil)))
	checks = append(checks, checkIndicator(cfg.Config.Indicator)...)

	return Report{Checks: checks}
}

func checkConfig(cfg config.Loaded) Check {
	if !cfg.Exists {
		return Check{Name: "config", Pass: true, Message: fmt.Sprintf("%q not found; using defaults", cfg.Path)}
	}
	return Check{Name: "config", Pass: true, Message: fmt.Sprintf("loaded %q", cfg.Path)}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(cfg config.Config) Check {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	selection, err := audio.SelectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

// checkEndpoint probes the advice service health path.
func checkEndpoint(cfg config.Config) Check {
	base := strings.TrimSpace(cfg.Endpoint)
	if base == "" {
		return Check{Name: "endpoint", Pass: false, Message: "endpoint is empty"}
	}

	url := cfg.HealthURL()
	client := http.Client{Timeout: probeTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return Check{Name: "endpoint", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Check{Name: "endpoint", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url)}
	}

	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && strings.TrimSpace(payload.Message) != "" {
		return Check{Name: "endpoint", Pass: true, Message: fmt.Sprintf("%s (%s)", url, payload.Message)}
	}
	return Check{Name: "endpoint", Pass: true, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url)}
}

// checkSpeech probes the configured speech capability. Unavailable speech
// only degrades delivery to text, so it is reported but never fails.
func checkSpeech(cfg config.SpeechConfig, speaker speech.Speaker) Check {
	if !cfg.Enable || speaker == nil {
		return Check{Name: "speech", Pass: true, Message: "disabled"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := speaker.Probe(ctx); err != nil {
		return Check{Name: "speech", Pass: true, Message: fmt.Sprintf("%s unavailable, advice will be text only: %v", cfg.Backend, err)}
	}
	return Check{Name: "speech", Pass: true, Message: fmt.Sprintf("%s backend ready", cfg.Backend)}
}

// checkIndicator validates the tools behind the configured indicator backend.
func checkIndicator(cfg config.IndicatorConfig) []Check {
	if !cfg.Enable {
		return []Check{{Name: "indicator", Pass: true, Message: "disabled"}}
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Backend), "desktop") {
		return []Check{checkBinary("busctl", "desktop notifications")}
	}
	return []Check{
		checkEnv("HYPRLAND_INSTANCE_SIGNATURE", func(v string) bool {
			return strings.TrimSpace(v) != ""
		}, "Hyprland session detected", "HYPRLAND_INSTANCE_SIGNATURE is empty"),
		checkBinary("hyprctl", "hypr notifications"),
	}
}
