package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rbright/prompter/internal/advice"
	"github.com/rbright/prompter/internal/audio"
	"github.com/rbright/prompter/internal/cli"
	"github.com/rbright/prompter/internal/config"
	"github.com/rbright/prompter/internal/delivery"
	"github.com/rbright/prompter/internal/doctor"
	"github.com/rbright/prompter/internal/indicator"
	"github.com/rbright/prompter/internal/ipc"
	"github.com/rbright/prompter/internal/logging"
	"github.com/rbright/prompter/internal/pipeline"
	"github.com/rbright/prompter/internal/server"
	"github.com/rbright/prompter/internal/session"
	"github.com/rbright/prompter/internal/speech"
	"github.com/rbright/prompter/internal/telemetry"
	"github.com/rbright/prompter/internal/version"
)

const noActiveSession = "no active prompter session"

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("prompter"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("prompter"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	reporter, err := telemetry.New(cfgLoaded.Config.Telemetry)
	if err != nil {
		fmt.Fprintf(r.Stderr, "warning: %v\n", err)
		logger.Warn("telemetry disabled", "error", err.Error())
		reporter = &telemetry.Reporter{}
	}
	defer reporter.Flush()

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
		"endpoint", cfgLoaded.Config.SubmitURL(),
		"delivery_policy", cfgLoaded.Config.Delivery.Policy,
		"telemetry", reporter.Enabled(),
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(cfgLoaded)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandStop:
		return r.forwardOrFail(ctx, ipc.Request{Command: "stop"})
	case cli.CommandCancel:
		return r.forwardOrFail(ctx, ipc.Request{Command: "cancel"})
	case cli.CommandDeliver:
		return r.forwardOrFail(ctx, ipc.Request{Command: "deliver"})
	case cli.CommandToggle, cli.CommandStart:
		return r.commandOwner(ctx, cfgLoaded.Config, logger, reporter, ipc.Request{Command: string(parsed.Command)})
	case cli.CommandSubmit:
		path, err := filepath.Abs(parsed.Path)
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: resolve %s: %v\n", parsed.Path, err)
			return 1
		}
		return r.commandOwner(ctx, cfgLoaded.Config, logger, reporter, ipc.Request{Command: "submit", Path: path})
	case cli.CommandDaemon:
		return r.commandDaemon(ctx, cfgLoaded.Config, logger, reporter)
	case cli.CommandServe:
		return r.commandServe(ctx, cfgLoaded.Config, logger, reporter)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: "status"})
	if !handled {
		fmt.Fprintln(r.Stdout, "idle")
		return 0
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.State == "" {
		resp.State = "idle"
	}
	fmt.Fprintln(r.Stdout, resp.State)
	if view := resp.Session; view != nil {
		if view.Transcription != "" {
			fmt.Fprintf(r.Stdout, "transcription: %s\n", view.Transcription)
		}
		if view.Advice != "" {
			fmt.Fprintf(r.Stdout, "advice: %s\n", view.Advice)
		}
		if view.Error != "" {
			fmt.Fprintf(r.Stdout, "error: %s\n", view.Error)
		}
	}
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: %s\n", noActiveSession)
		return 1
	}
	return r.printForwarded(resp, err)
}

func (r Runner) printForwarded(resp ipc.Response, err error) int {
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

// commandOwner forwards req to a running owner, or becomes a one-cycle owner
// that serves the socket until the cycle's advice is delivered.
func (r Runner) commandOwner(ctx context.Context, cfg config.Config, logger *slog.Logger, reporter *telemetry.Reporter, req ipc.Request) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req)
	if handled {
		return r.printForwarded(resp, err)
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			resp, _, forwardErr := tryForward(ctx, socketPath, req)
			return r.printForwarded(resp, forwardErr)
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	controller := newController(cfg, logger, reporter)
	defer func() { _ = controller.Close() }()

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, controller)
	}()

	result := controller.RunOnce(ctx, req)
	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}

	logCycleResult(logger, result)
	return r.printResult(result)
}

func (r Runner) printResult(result session.Result) int {
	if result.Cancelled {
		fmt.Fprintln(r.Stdout, "cancelled")
		return 0
	}
	if result.Err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", result.Err)
		return 1
	}
	if text := strings.TrimSpace(result.Transcription); text != "" {
		fmt.Fprintf(r.Stdout, "transcription: %s\n", text)
	}
	if text := strings.TrimSpace(result.Advice); text != "" {
		fmt.Fprintf(r.Stdout, "advice: %s\n", text)
	}
	return 0
}

// commandDaemon owns the socket and serves cycles until ctx ends.
func (r Runner) commandDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger, reporter *telemetry.Reporter) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, 180*time.Millisecond, 8, nil)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	controller := newController(cfg, logger, reporter)
	defer func() { _ = controller.Close() }()

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, controller)
	}()

	logger.Info("daemon listening", "socket", socketPath)
	runErr := controller.Run(ctx, func(result session.Result) {
		logCycleResult(logger, result)
	})
	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fmt.Fprintf(r.Stderr, "error: %v\n", runErr)
		return 1
	}
	return 0
}

func (r Runner) commandServe(ctx context.Context, cfg config.Config, logger *slog.Logger, reporter *telemetry.Reporter) int {
	apiKey := config.OpenAIAPIKey()
	if apiKey == "" {
		fmt.Fprintf(r.Stderr, "error: %s is not set\n", config.EnvOpenAIAPIKey)
		return 1
	}

	backend := server.NewOpenAI(cfg.Server, apiKey)
	srv := server.New(cfg.Server, backend, backend, logger, reporter)

	logger.Info("backend listening", "addr", cfg.Server.Addr)
	if err := srv.Listen(ctx); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("backend failed", "error", err.Error())
		return 1
	}
	return 0
}

func newController(cfg config.Config, logger *slog.Logger, reporter *telemetry.Reporter) *session.Controller {
	scheduler := delivery.NewScheduler(delivery.Options{
		Policy:  delivery.PolicyFromConfig(cfg),
		Speaker: speech.New(cfg.Speech, config.OpenAIAPIKey(), logger),
		Logger:  logger,
	})

	return session.NewController(session.Options{
		Logger:    logger,
		Recorder:  pipeline.NewRecorder(cfg, logger),
		Channel:   advice.NewClient(cfg, logger),
		Deliverer: scheduler,
		Indicator: indicator.NewHyprNotify(cfg.Indicator, logger),
		Reporter:  reporter,
	})
}

func logCycleResult(logger *slog.Logger, result session.Result) {
	if logger == nil {
		return
	}
	fields := []any{
		"cycle_id", result.CycleID,
		"state", result.State,
		"cancelled", result.Cancelled,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		"filename", result.Filename,
		"bytes_submitted", result.BytesSubmitted,
		"submit_latency_ms", result.SubmitLatency.Milliseconds(),
		"transcription_length", len(result.Transcription),
		"advice_length", len(result.Advice),
	}

	if result.Err != nil {
		logger.Error("cycle failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("cycle complete", fields...)
}

func tryForward(ctx context.Context, socketPath string, req ipc.Request) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, 220*time.Millisecond)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) {
		return ipc.Response{}, false, nil
	}
	if isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
