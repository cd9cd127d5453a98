package config

// DefaultEndpoint is the local backend address used when nothing else is configured.
const DefaultEndpoint = "http://localhost:8000"

// DefaultSystemPrompt frames the advice the companion backend asks the model for.
const DefaultSystemPrompt = "You are a helpful assistant providing concise advice based on a conversation transcript."

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	speechCommand := "espeak-ng --stdin"

	return Config{
		Endpoint:         DefaultEndpoint,
		SubmitPath:       "/process_audio",
		SubmitField:      "audio_file",
		HealthPath:       "/",
		RequestTimeoutMS: 60000,
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
		},
		Delivery: DeliveryConfig{
			Policy:  PolicyImmediate,
			DelayMS: 1500,
		},
		Speech: SpeechConfig{
			Enable:  true,
			Backend: SpeechBackendCommand,
			Command: CommandConfig{Raw: speechCommand, Argv: mustParseArgv(speechCommand)},
			Model:   "tts-1",
			Voice:   "alloy",
		},
		Indicator: IndicatorConfig{
			Enable:          true,
			Backend:         "hypr",
			DesktopAppName:  "prompter-indicator",
			SoundEnable:     true,
			ErrorTimeoutMS:  1600,
			AdviceTimeoutMS: 8000,
		},
		Server: ServerConfig{
			Addr:               ":8000",
			AllowedOrigins:     []string{"http://localhost:3000"},
			TranscriptionModel: "whisper-1",
			AdviceModel:        "gpt-4o",
			Temperature:        0.7,
			MaxTokens:          100,
			SystemPrompt:       DefaultSystemPrompt,
		},
		Telemetry: TelemetryConfig{Environment: "development"},
		Debug:     DebugConfig{},
	}
}
