package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/rbright/prompter/internal/audio"
	"github.com/sashabaranov/go-openai"
)

// openAIPCMRate is the sample rate of OpenAI "pcm" speech output.
const openAIPCMRate = 24000

const maxSpeechBytes = 16 << 20

// OpenAI synthesizes speech with the OpenAI audio API and plays it through Pulse.
type OpenAI struct {
	client *openai.Client
	apiKey string
	model  string
	voice  string
	logger *slog.Logger

	play  func(ctx context.Context, samples []int16, sampleRate int, mediaName string) error
	probe func(ctx context.Context) error
}

// NewOpenAI builds an OpenAI speaker.
func NewOpenAI(apiKey string, model string, voice string, logger *slog.Logger) *OpenAI {
	return newOpenAIWithConfig(openai.DefaultConfig(apiKey), apiKey, model, voice, logger)
}

func newOpenAIWithConfig(cfg openai.ClientConfig, apiKey string, model string, voice string, logger *slog.Logger) *OpenAI {
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		apiKey: strings.TrimSpace(apiKey),
		model:  model,
		voice:  voice,
		logger: logger,
		play:   audio.PlayPCM,
		probe:  audio.ProbePlayback,
	}
}

// Probe checks for an API key and a reachable audio server.
func (o *OpenAI) Probe(ctx context.Context) error {
	if o.apiKey == "" {
		return errors.New("OPENAI_API_KEY is not set")
	}
	return o.probe(ctx)
}

// Speak fetches raw PCM for text and plays it until done or ctx is cancelled.
func (o *OpenAI) Speak(ctx context.Context, text string) error {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          text,
		Voice:          openai.SpeechVoice(o.voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}
	defer resp.Close()

	pcm, err := io.ReadAll(io.LimitReader(resp, maxSpeechBytes))
	if err != nil {
		return fmt.Errorf("read synthesized speech: %w", err)
	}
	if o.logger != nil {
		o.logger.Debug("speech synthesized", "bytes", len(pcm), "voice", o.voice)
	}
	return o.play(ctx, audio.Int16Samples(pcm), openAIPCMRate, "prompter advice")
}
