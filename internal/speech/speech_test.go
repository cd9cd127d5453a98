package speech

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rbright/prompter/internal/config"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func TestNewHonorsEnableAndBackend(t *testing.T) {
	cfg := config.Default().Speech
	cfg.Enable = false
	require.Nil(t, New(cfg, "", nil))

	cfg.Enable = true
	cmd, ok := New(cfg, "", nil).(Command)
	require.True(t, ok)
	require.Equal(t, []string{"espeak-ng", "--stdin"}, cmd.Argv)

	cfg.Backend = config.SpeechBackendOpenAI
	_, ok = New(cfg, "sk-test", nil).(*OpenAI)
	require.True(t, ok)
}

func TestCommandProbe(t *testing.T) {
	require.NoError(t, Command{Argv: []string{"cat"}}.Probe(context.Background()))

	err := Command{Argv: []string{"definitely-missing-synth"}}.Probe(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")

	require.Error(t, Command{}.Probe(context.Background()))
}

func TestCommandSpeakPipesTextToStdin(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spoken.txt")
	cmd := Command{Argv: []string{"sh", "-c", "cat > " + out}}

	require.NoError(t, cmd.Speak(context.Background(), "take a breath"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "take a breath", string(data))
}

func TestCommandSpeakReportsFailureOutput(t *testing.T) {
	cmd := Command{Argv: []string{"sh", "-c", "echo no audio device >&2; exit 3"}}
	err := cmd.Speak(context.Background(), "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no audio device")
}

func TestCommandSpeakCancelKillsProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	err := Command{Argv: []string{"sleep", "10"}}.Speak(ctx, "hello")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(started), 5*time.Second)
}

func TestOpenAIProbeRequiresKey(t *testing.T) {
	speaker := NewOpenAI("", "tts-1", "alloy", nil)
	err := speaker.Probe(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestOpenAIProbeChecksPlayback(t *testing.T) {
	speaker := NewOpenAI("sk-test", "tts-1", "alloy", nil)
	speaker.probe = func(context.Context) error { return nil }
	require.NoError(t, speaker.Probe(context.Background()))
}

func TestOpenAISpeakRequestsPCMAndPlaysSamples(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/speech", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "tts-1", body["model"])
		require.Equal(t, "nova", body["voice"])
		require.Equal(t, "pcm", body["response_format"])
		require.Equal(t, "take a breath", body["input"])

		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write([]byte{0x01, 0x00, 0xff, 0xff})
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = srv.URL + "/v1"
	speaker := newOpenAIWithConfig(cfg, "sk-test", "tts-1", "nova", nil)

	var played []int16
	var rate int
	speaker.play = func(_ context.Context, samples []int16, sampleRate int, _ string) error {
		played = samples
		rate = sampleRate
		return nil
	}

	require.NoError(t, speaker.Speak(context.Background(), "take a breath"))
	require.Equal(t, []int16{1, -1}, played)
	require.Equal(t, 24000, rate)
}

func TestOpenAISpeakSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("sk-bad")
	cfg.BaseURL = srv.URL + "/v1"
	speaker := newOpenAIWithConfig(cfg, "sk-bad", "tts-1", "alloy", nil)
	speaker.play = func(context.Context, []int16, int, string) error {
		t.Fatal("play should not run after an API error")
		return nil
	}

	err := speaker.Speak(context.Background(), "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "synthesize speech")
}
