package doctor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rbright/prompter/internal/config"
	"github.com/stretchr/testify/require"
)

type fakeSpeaker struct {
	probeErr error
}

func (f fakeSpeaker) Probe(context.Context) error        { return f.probeErr }
func (fakeSpeaker) Speak(context.Context, string) error { return nil }

func TestReportOKAndString(t *testing.T) {
	report := Report{Checks: []Check{
		{Name: "one", Pass: true, Message: "good"},
		{Name: "two", Pass: false, Message: "bad"},
	}}

	require.False(t, report.OK())
	text := report.String()
	require.Contains(t, text, "[OK] one: good")
	require.Contains(t, text, "[FAIL] two: bad")
}

func TestReportOKAllPassing(t *testing.T) {
	report := Report{Checks: []Check{{Name: "one", Pass: true}, {Name: "two", Pass: true}}}
	require.True(t, report.OK())
}

func TestCheckConfigMissingFile(t *testing.T) {
	check := checkConfig(config.Loaded{Path: "/tmp/none.jsonc", Exists: false})
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "using defaults")

	check = checkConfig(config.Loaded{Path: "/tmp/config.jsonc", Exists: true})
	require.Equal(t, `loaded "/tmp/config.jsonc"`, check.Message)
}

func TestCheckEnv(t *testing.T) {
	t.Setenv("TEST_DOCTOR_ENV", "value")

	check := checkEnv(
		"TEST_DOCTOR_ENV",
		func(v string) bool { return v != "" },
		"looks good",
		"unexpected",
	)

	require.True(t, check.Pass)
	require.Equal(t, "looks good", check.Message)
}

func TestCheckBinaryFound(t *testing.T) {
	check := checkBinary("sh", "shell available")
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "shell available")
}

func TestCheckBinaryMissing(t *testing.T) {
	check := checkBinary("definitely-not-a-real-binary", "unused")
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "binary not found")
}

func TestCheckEndpointHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"prompter backend is running"}`))
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Endpoint = server.URL

	check := checkEndpoint(cfg)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "prompter backend is running")
}

func TestCheckEndpointNonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Endpoint = server.URL

	check := checkEndpoint(cfg)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "HTTP 200")
}

func TestCheckEndpointFailureStatusCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Endpoint = server.URL

	check := checkEndpoint(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "HTTP 503")
}

func TestCheckEndpointUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	cfg := config.Default()
	cfg.Endpoint = url

	check := checkEndpoint(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "request failed")
}

func TestCheckEndpointEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.Endpoint = " "

	check := checkEndpoint(cfg)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "endpoint is empty")
}

func TestCheckSpeech(t *testing.T) {
	cfg := config.Default().Speech

	disabled := cfg
	disabled.Enable = false
	require.Equal(t, "disabled", checkSpeech(disabled, nil).Message)

	ready := checkSpeech(cfg, fakeSpeaker{})
	require.True(t, ready.Pass)
	require.Contains(t, ready.Message, "backend ready")

	degraded := checkSpeech(cfg, fakeSpeaker{probeErr: errors.New("espeak-ng not found")})
	require.True(t, degraded.Pass)
	require.Contains(t, degraded.Message, "text only")
	require.Contains(t, degraded.Message, "espeak-ng not found")
}

func TestCheckIndicatorBackends(t *testing.T) {
	binDir := t.TempDir()
	for _, name := range []string{"hyprctl", "busctl"} {
		require.NoError(t, os.WriteFile(filepath.Join(binDir, name), []byte("#!/usr/bin/env sh\nexit 0\n"), 0o755))
	}
	t.Setenv("PATH", binDir+":"+os.Getenv("PATH"))
	t.Setenv("HYPRLAND_INSTANCE_SIGNATURE", "abc123")

	cfg := config.Default().Indicator

	hypr := checkIndicator(cfg)
	require.Len(t, hypr, 2)
	require.Equal(t, "HYPRLAND_INSTANCE_SIGNATURE", hypr[0].Name)
	require.Equal(t, "hyprctl", hypr[1].Name)
	require.True(t, hypr[1].Pass)

	cfg.Backend = "desktop"
	desktop := checkIndicator(cfg)
	require.Len(t, desktop, 1)
	require.Equal(t, "busctl", desktop[0].Name)
	require.True(t, desktop[0].Pass)

	cfg.Enable = false
	require.Equal(t, []Check{{Name: "indicator", Pass: true, Message: "disabled"}}, checkIndicator(cfg))
}

func TestRunCoversEveryArea(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	cfg := config.Default()
	cfg.Endpoint = ""
	cfg.Speech.Enable = false
	cfg.Indicator.Enable = false

	report := Run(config.Loaded{Path: "/tmp/config.jsonc", Config: cfg, Exists: true})

	var names []string
	for _, check := range report.Checks {
		names = append(names, check.Name)
	}
	require.Equal(t, "config,XDG_RUNTIME_DIR,audio.device,endpoint,speech,indicator", strings.Join(names, ","))
	require.False(t, report.OK())
}
