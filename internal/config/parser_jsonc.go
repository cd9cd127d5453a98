package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type jsoncConfig struct {
	Endpoint         *string `json:"endpoint"`
	SubmitPath       *string `json:"submit_path"`
	SubmitField      *string `json:"submit_field"`
	HealthPath       *string `json:"health_path"`
	RequestTimeoutMS *int    `json:"request_timeout_ms"`

	Audio     *jsoncAudio     `json:"audio"`
	Delivery  *jsoncDelivery  `json:"delivery"`
	Speech    *jsoncSpeech    `json:"speech"`
	Indicator *jsoncIndicator `json:"indicator"`
	Server    *jsoncServer    `json:"server"`
	Telemetry *jsoncTelemetry `json:"telemetry"`
	Debug     *jsoncDebug     `json:"debug"`
}

type jsoncAudio struct {
	Input    *string `json:"input"`
	Fallback *string `json:"fallback"`
}

type jsoncDelivery struct {
	Policy  *string `json:"policy"`
	DelayMS *int    `json:"delay_ms"`
}

type jsoncSpeech struct {
	Enable  *bool   `json:"enable"`
	Backend *string `json:"backend"`
	Command *string `json:"command"`
	Model   *string `json:"model"`
	Voice   *string `json:"voice"`
}

type jsoncIndicator struct {
	Enable          *bool   `json:"enable"`
	Backend         *string `json:"backend"`
	DesktopAppName  *string `json:"desktop_app_name"`
	SoundEnable     *bool   `json:"sound_enable"`
	ErrorTimeoutMS  *int    `json:"error_timeout_ms"`
	AdviceTimeoutMS *int    `json:"advice_timeout_ms"`
}

type jsoncServer struct {
	Addr               *string          `json:"addr"`
	AllowedOrigins     *jsoncStringList `json:"allowed_origins"`
	TranscriptionModel *string          `json:"transcription_model"`
	AdviceModel        *string          `json:"advice_model"`
	Temperature        *float64         `json:"temperature"`
	MaxTokens          *int             `json:"max_tokens"`
	SystemPrompt       *string          `json:"system_prompt"`
}

type jsoncTelemetry struct {
	SentryDSN   *string `json:"sentry_dsn"`
	Environment *string `json:"environment"`
}

type jsoncDebug struct {
	AudioDump *bool `json:"audio_dump"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parts := strings.Split(single, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decoder.Decode(&payload); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}
	if err := ensureSingleJSONValue(decoder); err != nil {
		return Config{}, nil, wrapJSONDecodeError(normalized, err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	setString(&cfg.Endpoint, payload.Endpoint)
	setString(&cfg.SubmitPath, payload.SubmitPath)
	setString(&cfg.SubmitField, payload.SubmitField)
	setString(&cfg.HealthPath, payload.HealthPath)
	if payload.RequestTimeoutMS != nil {
		cfg.RequestTimeoutMS = *payload.RequestTimeoutMS
	}

	if payload.Audio != nil {
		if payload.Audio.Input != nil {
			cfg.Audio.Input = *payload.Audio.Input
		}
		if payload.Audio.Fallback != nil {
			cfg.Audio.Fallback = *payload.Audio.Fallback
		}
	}

	if payload.Delivery != nil {
		if payload.Delivery.Policy != nil {
			cfg.Delivery.Policy = strings.ToLower(strings.TrimSpace(*payload.Delivery.Policy))
		}
		if payload.Delivery.DelayMS != nil {
			cfg.Delivery.DelayMS = *payload.Delivery.DelayMS
		}
		if cfg.Delivery.Policy != PolicyDelay && payload.Delivery.DelayMS != nil {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("delivery.delay_ms is ignored when delivery.policy=%s", cfg.Delivery.Policy)})
		}
	}

	if payload.Speech != nil {
		if payload.Speech.Enable != nil {
			cfg.Speech.Enable = *payload.Speech.Enable
		}
		if payload.Speech.Backend != nil {
			cfg.Speech.Backend = strings.ToLower(strings.TrimSpace(*payload.Speech.Backend))
		}
		if payload.Speech.Command != nil {
			raw := *payload.Speech.Command
			argv, err := parseArgv(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid speech.command: %w", err)
			}
			cfg.Speech.Command = CommandConfig{Raw: raw, Argv: argv}
		}
		setString(&cfg.Speech.Model, payload.Speech.Model)
		setString(&cfg.Speech.Voice, payload.Speech.Voice)
	}

	if payload.Indicator != nil {
		if payload.Indicator.Enable != nil {
			cfg.Indicator.Enable = *payload.Indicator.Enable
		}
		setString(&cfg.Indicator.Backend, payload.Indicator.Backend)
		setString(&cfg.Indicator.DesktopAppName, payload.Indicator.DesktopAppName)
		if payload.Indicator.SoundEnable != nil {
			cfg.Indicator.SoundEnable = *payload.Indicator.SoundEnable
		}
		if payload.Indicator.ErrorTimeoutMS != nil {
			cfg.Indicator.ErrorTimeoutMS = *payload.Indicator.ErrorTimeoutMS
		}
		if payload.Indicator.AdviceTimeoutMS != nil {
			cfg.Indicator.AdviceTimeoutMS = *payload.Indicator.AdviceTimeoutMS
		}
	}

	if payload.Server != nil {
		setString(&cfg.Server.Addr, payload.Server.Addr)
		if payload.Server.AllowedOrigins != nil {
			cfg.Server.AllowedOrigins = append([]string(nil), (*payload.Server.AllowedOrigins)...)
		}
		setString(&cfg.Server.TranscriptionModel, payload.Server.TranscriptionModel)
		setString(&cfg.Server.AdviceModel, payload.Server.AdviceModel)
		if payload.Server.Temperature != nil {
			cfg.Server.Temperature = *payload.Server.Temperature
		}
		if payload.Server.MaxTokens != nil {
			cfg.Server.MaxTokens = *payload.Server.MaxTokens
		}
		setString(&cfg.Server.SystemPrompt, payload.Server.SystemPrompt)
	}

	if payload.Telemetry != nil {
		setString(&cfg.Telemetry.SentryDSN, payload.Telemetry.SentryDSN)
		setString(&cfg.Telemetry.Environment, payload.Telemetry.Environment)
	}

	if payload.Debug != nil && payload.Debug.AudioDump != nil {
		cfg.Debug.EnableAudioDump = *payload.Debug.AudioDump
	}

	return warnings, nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func normalizeJSONC(content string) (string, error) {
	withoutComments, err := stripJSONCComments(content)
	if err != nil {
		return "", err
	}
	return stripJSONCTrailingCommas(withoutComments), nil
}

func stripJSONCComments(content string) (string, error) {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false
	lineComment := false
	blockComment := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if lineComment {
			if ch == '\n' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			if ch == '\r' {
				lineComment = false
				out.WriteByte(ch)
				continue
			}
			out.WriteByte(' ')
			continue
		}

		if blockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				blockComment = false
				out.WriteString("  ")
				i++
				continue
			}
			if ch == '\n' || ch == '\r' || ch == '\t' {
				out.WriteByte(ch)
			} else {
				out.WriteByte(' ')
			}
			continue
		}

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(content) {
			next := content[i+1]
			if next == '/' {
				lineComment = true
				out.WriteString("  ")
				i++
				continue
			}
			if next == '*' {
				blockComment = true
				out.WriteString("  ")
				i++
				continue
			}
		}

		out.WriteByte(ch)
	}

	if blockComment {
		return "", fmt.Errorf("unterminated block comment in JSONC")
	}

	return out.String(), nil
}

func stripJSONCTrailingCommas(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	inString := false
	escape := false

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if inString {
			out.WriteByte(ch)
			if escape {
				escape = false
				continue
			}
			if ch == '\\' {
				escape = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			out.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(content) && isJSONWhitespace(content[j]) {
				j++
			}
			if j < len(content) && (content[j] == '}' || content[j] == ']') {
				continue
			}
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func isJSONWhitespace(ch byte) bool {
	switch ch {
	case ' ', '\n', '\r', '\t':
		return true
	default:
		return false
	}
}

func ensureSingleJSONValue(decoder *json.Decoder) error {
	var extra struct{}
	err := decoder.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err == nil {
		return fmt.Errorf("multiple JSON values are not allowed")
	}
	return err
}

func wrapJSONDecodeError(content string, err error) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, col := offsetToLineCol(content, syntaxErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		line, col := offsetToLineCol(content, typeErr.Offset)
		return fmt.Errorf("line %d column %d: %w", line, col, err)
	}

	return err
}

func offsetToLineCol(content string, offset int64) (int, int) {
	if offset <= 0 {
		return 1, 1
	}

	limit := int(offset)
	if limit > len(content) {
		limit = len(content)
	}

	line := 1
	col := 1
	for i := 0; i < limit-1; i++ {
		if content[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}
