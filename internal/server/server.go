// Package server implements the companion processing backend: it transcribes
// uploaded audio and asks a chat model for advice about the transcript.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rbright/prompter/internal/config"
)

const (
	uploadField   = "audio_file"
	maxUploadSize = 25 << 20

	adviceProviderFailed = "Error generating advice from LLM."
	adviceFailed         = "Error generating advice."
	adviceNoTranscript   = "Transcription failed, cannot generate advice."
)

// Transcriber turns uploaded audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Advisor produces a short suggestion for a transcript.
type Advisor interface {
	Advise(ctx context.Context, transcript string) (string, error)
}

// Reporter receives handler failures.
type Reporter interface {
	CaptureError(error, map[string]string)
}

// Server is the HTTP backend behind the advice endpoint.
type Server struct {
	app         *fiber.App
	addr        string
	transcriber Transcriber
	advisor     Advisor
	logger      *slog.Logger
	reporter    Reporter
}

// New wires routes and middleware. logger and reporter may be nil.
func New(cfg config.ServerConfig, transcriber Transcriber, advisor Advisor, logger *slog.Logger, reporter Reporter) *Server {
	s := &Server{
		addr:        cfg.Addr,
		transcriber: transcriber,
		advisor:     advisor,
		logger:      logger,
		reporter:    reporter,
	}

	app := fiber.New(fiber.Config{
		AppName:               "prompter",
		BodyLimit:             maxUploadSize,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{
		Header:    fiber.HeaderXRequestID,
		Generator: uuid.NewString,
	}))
	if len(cfg.AllowedOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     strings.Join(cfg.AllowedOrigins, ","),
			AllowCredentials: true,
		}))
	}

	app.Get("/", s.handleRoot)
	app.Post("/process_audio", s.handleProcessAudio)

	s.app = app
	return s
}

// App exposes the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until ctx ends, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return <-errCh
	}
}

func (s *Server) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "prompter backend is running"})
}

func (s *Server) handleProcessAudio(c *fiber.Ctx) error {
	requestID, _ := c.Locals("requestid").(string)

	header, err := c.FormFile(uploadField)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"detail": []fiber.Map{{
				"loc":  []string{"body", uploadField},
				"msg":  "Field required",
				"type": "missing",
			}},
		})
	}

	contentType := header.Header.Get(fiber.HeaderContentType)
	filename := uploadFilename(header.Filename, contentType)
	s.logInfo("audio received",
		"request_id", requestID,
		"filename", header.Filename,
		"content_type", contentType,
		"bytes", header.Size,
	)

	file, err := header.Open()
	if err != nil {
		return s.fail(c, requestID, "Failed to transcribe audio", err)
	}
	defer file.Close()

	transcript, err := s.transcriber.Transcribe(c.UserContext(), filename, file)
	if err != nil {
		if isProviderError(err) {
			return s.fail(c, requestID, "Whisper API error", err)
		}
		return s.fail(c, requestID, "Failed to transcribe audio", err)
	}
	s.logInfo("transcription complete", "request_id", requestID, "chars", len(transcript))

	advice := adviceNoTranscript
	if strings.TrimSpace(transcript) != "" {
		advice, err = s.advisor.Advise(c.UserContext(), transcript)
		if err != nil {
			s.logWarn("advice generation failed", "request_id", requestID, "error", err.Error())
			s.report(err, requestID)
			advice = adviceFailed
			if isProviderError(err) {
				advice = adviceProviderFailed
			}
		}
	} else {
		s.logWarn("skipping advice for empty transcription", "request_id", requestID)
	}

	return c.JSON(fiber.Map{
		"transcription": transcript,
		"advice":        advice,
	})
}

// fail reports err and answers with a 500 whose detail is "<prefix>: <err>".
func (s *Server) fail(c *fiber.Ctx, requestID string, prefix string, err error) error {
	detail := prefix + ": " + err.Error()
	s.logError("process audio failed", "request_id", requestID, "error", detail)
	s.report(err, requestID)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": detail})
}

// uploadFilename keeps the client name or derives one the transcriber accepts.
func uploadFilename(name string, contentType string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	switch contentType {
	case "audio/mpeg":
		return "audio.mp3"
	case "audio/wav":
		return "audio.wav"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/mp4", "video/mp4":
		return "audio.mp4"
	case "audio/m4a":
		return "audio.m4a"
	default:
		return "audio.webm"
	}
}

// errorHandler renders framework errors in the same {"detail"} shape.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}
	return c.Status(code).JSON(fiber.Map{"detail": err.Error()})
}

func (s *Server) report(err error, requestID string) {
	if s.reporter == nil {
		return
	}
	s.reporter.CaptureError(err, map[string]string{"request_id": requestID, "component": "server"})
}

func (s *Server) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Server) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Server) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
