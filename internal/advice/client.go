// Package advice submits captured audio to the processing endpoint and
// interprets its transcription and advice response.
package advice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rbright/prompter/internal/audio"
	"github.com/rbright/prompter/internal/config"
	"github.com/rbright/prompter/internal/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// PlaceholderTranscription replaces a missing or blank transcription.
	PlaceholderTranscription = "No transcription available."
	// PlaceholderAdvice replaces missing or blank advice.
	PlaceholderAdvice = "No advice generated."

	maxResponseBytes = 1 << 20
	defaultField     = "audio_file"
)

// Result is the processing outcome for one submitted payload.
type Result struct {
	Transcription string `json:"transcription"`
	Advice        string `json:"advice"`
}

// Client posts audio payloads to the advice endpoint.
type Client struct {
	BaseURL    string
	Path       string
	Field      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient builds a traced client from runtime config.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		BaseURL: cfg.Endpoint,
		Path:    cfg.SubmitPath,
		Field:   cfg.SubmitField,
		Timeout: cfg.RequestTimeout(),
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger: logger,
	}
}

// Submit sends one payload and returns the defaulted result. Exactly one
// error is returned for a failed call; nothing is retried.
func (c *Client) Submit(ctx context.Context, payload audio.Payload) (Result, error) {
	if payload.Empty() {
		return Result{}, ErrNoInput
	}

	ctx, span := tracer.Start(ctx, "submit audio", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("payload.filename", payload.Filename()),
		attribute.String("payload.media_type", payload.MediaType()),
		attribute.Int("payload.bytes", payload.Size()),
	)

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	body, contentType, err := c.encode(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), body)
	if err != nil {
		err = fmt.Errorf("build submit request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if id := RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
		span.SetAttributes(attribute.String("request.id", id))
	}

	started := time.Now()
	result, err := c.do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logDebug("submit failed", "error", err.Error(), "latency_ms", time.Since(started).Milliseconds())
		return Result{}, err
	}
	c.logDebug("submit complete", "latency_ms", time.Since(started).Milliseconds())
	return result, nil
}

func (c *Client) do(req *http.Request) (Result, error) {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Result{}, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &NetworkError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, decodeFailure(resp.StatusCode, data)
	}
	return decodeResult(resp.StatusCode, data)
}

// encode builds the multipart body; the boundary comes from the writer.
func (c *Client) encode(payload audio.Payload) (io.Reader, string, error) {
	field := strings.TrimSpace(c.Field)
	if field == "" {
		field = defaultField
	}
	filename := payload.Filename()
	if filename == "" {
		filename = "audio"
	}
	mediaType := payload.MediaType()
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, escapeQuotes(field), escapeQuotes(filename)))
	header.Set("Content-Type", mediaType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := io.Copy(part, payload.Reader()); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &body, writer.FormDataContentType(), nil
}

func (c *Client) url() string {
	path := c.Path
	if strings.TrimSpace(path) == "" {
		path = "/process_audio"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) logDebug(msg string, args ...any) {
	if c.Logger == nil {
		return
	}
	c.Logger.Debug(msg, args...)
}

// decodeResult parses a 2xx body and applies placeholders.
func decodeResult(code int, data []byte) (Result, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Result{}, &MalformedResponseError{Code: code, Reason: "expected a JSON object"}
	}

	var result Result
	if err := json.Unmarshal(trimmed, &result); err != nil {
		return Result{}, &MalformedResponseError{Code: code, Reason: err.Error()}
	}
	return withDefaults(result), nil
}

// decodeFailure maps a non-2xx body onto ServerError when it carries a detail.
func decodeFailure(code int, data []byte) error {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Detail) == 0 {
		return &MalformedResponseError{Code: code}
	}
	if detail := detailText(body.Detail); detail != "" {
		return &ServerError{Code: code, Detail: detail}
	}
	return &MalformedResponseError{Code: code}
}

// detailText accepts a plain string or a list of validation entries with "msg".
func detailText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var entries []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return ""
	}
	messages := make([]string, 0, len(entries))
	for _, entry := range entries {
		if msg := strings.TrimSpace(entry.Msg); msg != "" {
			messages = append(messages, msg)
		}
	}
	return strings.Join(messages, "; ")
}

func withDefaults(result Result) Result {
	if strings.TrimSpace(result.Transcription) == "" {
		result.Transcription = PlaceholderTranscription
	}
	if strings.TrimSpace(result.Advice) == "" {
		result.Advice = PlaceholderAdvice
	}
	return result
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
