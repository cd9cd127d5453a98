package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rbright/prompter/internal/config"
	"github.com/sashabaranov/go-openai"
)

const userPromptFormat = "Conversation transcript:\n\n%s\n\nWhat subtle piece of advice could you offer right now?"

// OpenAI transcribes with Whisper and generates advice with a chat model.
type OpenAI struct {
	client             *openai.Client
	transcriptionModel string
	adviceModel        string
	temperature        float32
	maxTokens          int
	systemPrompt       string
}

// NewOpenAI builds the OpenAI-backed transcriber and advisor.
func NewOpenAI(cfg config.ServerConfig, apiKey string) *OpenAI {
	return newOpenAIWithConfig(openai.DefaultConfig(apiKey), cfg)
}

func newOpenAIWithConfig(clientCfg openai.ClientConfig, cfg config.ServerConfig) *OpenAI {
	return &OpenAI{
		client:             openai.NewClientWithConfig(clientCfg),
		transcriptionModel: cfg.TranscriptionModel,
		adviceModel:        cfg.AdviceModel,
		temperature:        float32(cfg.Temperature),
		maxTokens:          cfg.MaxTokens,
		systemPrompt:       cfg.SystemPrompt,
	}
}

// Transcribe sends audio to the transcription model. filename must carry an
// extension the model recognizes.
func (o *OpenAI) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.transcriptionModel,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Advise asks the chat model for one short suggestion about transcript.
func (o *OpenAI) Advise(ctx context.Context, transcript string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.adviceModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(userPromptFormat, transcript)},
		},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// isProviderError reports failures returned by the OpenAI API itself.
func isProviderError(err error) bool {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	return errors.As(err, &apiErr) || errors.As(err, &reqErr)
}
