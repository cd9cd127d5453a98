// Package session coordinates capture, submission, and advice delivery state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbright/prompter/internal/advice"
	"github.com/rbright/prompter/internal/audio"
	"github.com/rbright/prompter/internal/delivery"
	"github.com/rbright/prompter/internal/fsm"
	"github.com/rbright/prompter/internal/ipc"
)

// ErrChannelUnavailable indicates no advice service client is wired.
var ErrChannelUnavailable = errors.New("advice service client is not configured")

type actionKind int

const (
	actionStart actionKind = iota + 1
	actionStop
	actionCancel
	actionSubmit
)

type action struct {
	kind    actionKind
	payload audio.Payload
}

// State is the presentation projection of the session.
// Recording and Loading are never both true.
type State struct {
	Phase         fsm.State
	Recording     bool
	Loading       bool
	Error         string
	Transcription string
	Advice        string
}

// Snapshot converts the projection to its IPC form.
func (s State) Snapshot() *ipc.Snapshot {
	return &ipc.Snapshot{
		Recording:     s.Recording,
		Loading:       s.Loading,
		Error:         s.Error,
		Transcription: s.Transcription,
		Advice:        s.Advice,
	}
}

// Result is the complete output of one capture/submit cycle.
type Result struct {
	CycleID        string
	State          fsm.State
	Transcription  string
	Advice         string
	Err            error
	Cancelled      bool
	Filename       string
	BytesSubmitted int
	SubmitLatency  time.Duration
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Channel submits one payload to the advice service.
type Channel interface {
	Submit(context.Context, audio.Payload) (advice.Result, error)
}

// Deliverer surfaces advice according to the configured delivery policy.
type Deliverer interface {
	Schedule(context.Context, string) <-chan delivery.Event
	Fire() bool
	CancelSpeech()
	Wait(context.Context) error
	Close() error
}

// Indicator is the session-facing subset of indicator behavior.
type Indicator interface {
	ShowRecording(context.Context)
	ShowSubmitting(context.Context)
	ShowError(context.Context, string)
	ShowAdvice(context.Context, string)
	CueStop(context.Context)
	CueComplete(context.Context)
	CueCancel(context.Context)
	Hide(context.Context)
}

// Reporter receives failed cycles for out-of-band error reporting.
type Reporter interface {
	CaptureError(error, map[string]string)
}

// noopIndicator preserves session flow when no indicator is wired.
type noopIndicator struct{}

func (noopIndicator) ShowRecording(context.Context)      {}
func (noopIndicator) ShowSubmitting(context.Context)     {}
func (noopIndicator) ShowError(context.Context, string)  {}
func (noopIndicator) ShowAdvice(context.Context, string) {}
func (noopIndicator) CueStop(context.Context)            {}
func (noopIndicator) CueComplete(context.Context)        {}
func (noopIndicator) CueCancel(context.Context)          {}
func (noopIndicator) Hide(context.Context)               {}

type noopReporter struct{}

func (noopReporter) CaptureError(error, map[string]string) {}

type unavailableChannel struct{}

func (unavailableChannel) Submit(context.Context, audio.Payload) (advice.Result, error) {
	return advice.Result{}, ErrChannelUnavailable
}

// Options wires a Controller. Nil collaborators fall back to safe defaults.
type Options struct {
	Logger    *slog.Logger
	Recorder  Recorder
	Channel   Channel
	Deliverer Deliverer
	Indicator Indicator
	Reporter  Reporter
	LoadFile  func(string) (audio.Payload, error)
}

// Controller orchestrates session state transitions and side effects.
// All state mutation happens on the goroutine running Run or RunOnce.
type Controller struct {
	logger    *slog.Logger
	recorder  Recorder
	channel   Channel
	deliverer Deliverer
	indicator Indicator
	reporter  Reporter
	loadFile  func(string) (audio.Payload, error)
	newID     func() string
	now       func() time.Time

	mu            sync.RWMutex
	phase         fsm.State
	errText       string
	transcription string
	advice        string

	actions    chan action
	deliveries sync.WaitGroup
}

// NewController constructs a session controller with safe default fallbacks.
func NewController(opts Options) *Controller {
	c := &Controller{
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		channel:   opts.Channel,
		deliverer: opts.Deliverer,
		indicator: opts.Indicator,
		reporter:  opts.Reporter,
		loadFile:  opts.LoadFile,
		newID:     uuid.NewString,
		now:       time.Now,
		phase:     fsm.StateIdle,
		actions:   make(chan action, 1),
	}
	if c.recorder == nil {
		c.recorder = PlaceholderRecorder{}
	}
	if c.channel == nil {
		c.channel = unavailableChannel{}
	}
	if c.deliverer == nil {
		c.deliverer = delivery.NewScheduler(delivery.Options{Policy: delivery.Immediate(), Logger: opts.Logger})
	}
	if c.indicator == nil {
		c.indicator = noopIndicator{}
	}
	if c.reporter == nil {
		c.reporter = noopReporter{}
	}
	if c.loadFile == nil {
		c.loadFile = audio.FromFile
	}
	return c
}

// Phase returns the current FSM state.
func (c *Controller) Phase() fsm.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// State returns the current presentation projection.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		Phase:         c.phase,
		Recording:     c.phase == fsm.StateRecording,
		Loading:       c.phase == fsm.StateSubmitting,
		Error:         c.errText,
		Transcription: c.transcription,
		Advice:        c.advice,
	}
}

// transition applies one FSM event to the controller state.
func (c *Controller) transition(event fsm.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fsm.Transition(c.phase, event)
	if err != nil {
		return err
	}
	c.phase = next
	return nil
}

// begin applies a cycle-opening event and clears the previous cycle's output.
func (c *Controller) begin(event fsm.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fsm.Transition(c.phase, event)
	if err != nil {
		return err
	}
	c.phase = next
	c.errText = ""
	c.transcription = ""
	c.advice = ""
	return nil
}

// resolve stores a successful result and leaves the submitting state atomically.
func (c *Controller) resolve(result advice.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := fsm.Transition(c.phase, fsm.EventResolve)
	if err != nil {
		return err
	}
	c.phase = next
	c.transcription = result.Transcription
	c.advice = result.Advice
	return nil
}

// Run serves queued actions until ctx ends, reporting each finished cycle.
func (c *Controller) Run(ctx context.Context, onCycle func(Result)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-c.actions:
			result, ok := c.apply(ctx, a)
			if ok && onCycle != nil {
				onCycle(result)
			}
		}
	}
}

// RunOnce handles req as the first command of a fresh owner, runs the cycle it
// opens, and waits for the resulting advice to be delivered.
func (c *Controller) RunOnce(ctx context.Context, req ipc.Request) Result {
	startedAt := c.now()
	resp := c.Handle(ctx, req)
	if !resp.OK {
		return Result{
			State:      c.Phase(),
			Err:        errors.New(resp.Error),
			StartedAt:  startedAt,
			FinishedAt: c.now(),
		}
	}

	var a action
	select {
	case a = <-c.actions:
	case <-ctx.Done():
		return Result{State: c.Phase(), Err: ctx.Err(), StartedAt: startedAt, FinishedAt: c.now()}
	}

	result, ok := c.apply(ctx, a)
	if !ok {
		return Result{
			State:      c.Phase(),
			Err:        fmt.Errorf("%s: nothing to do from state %s", req.Command, c.Phase()),
			StartedAt:  startedAt,
			FinishedAt: c.now(),
		}
	}
	if result.Err == nil && !result.Cancelled {
		if err := c.WaitDelivered(ctx); err != nil {
			c.logDebug("delivery wait ended early", "cycle_id", result.CycleID, "error", err.Error())
		}
	}
	return result
}

// WaitDelivered blocks until scheduled advice and its speech are finished.
func (c *Controller) WaitDelivered(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.deliverer.Wait(ctx)
}

// Close discards an active recording and stops pending delivery and speech.
func (c *Controller) Close() error {
	if c.Phase() == fsm.StateRecording {
		if err := c.recorder.Cancel(context.Background()); err != nil {
			c.logDebug("discard recording on close failed", "error", err.Error())
		}
		_ = c.transition(fsm.EventCancel)
	}
	err := c.deliverer.Close()
	c.deliveries.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()
	c.indicator.Hide(cleanupCtx)
	return err
}

// apply executes one dequeued action. It reports false for actions that no
// longer fit the current state.
func (c *Controller) apply(ctx context.Context, a action) (Result, bool) {
	switch a.kind {
	case actionStart:
		return c.record(ctx), true
	case actionSubmit:
		return c.submitFile(ctx, a.payload), true
	default:
		c.logDebug("ignoring stale action", "action", int(a.kind), "state", string(c.Phase()))
		return Result{}, false
	}
}

func (c *Controller) newResult() Result {
	return Result{CycleID: c.newID(), StartedAt: c.now()}
}

// record runs one capture from start through stop/cancel and submission.
func (c *Controller) record(ctx context.Context) Result {
	result := c.newResult()

	if err := c.begin(fsm.EventStart); err != nil {
		return c.finish(result, err)
	}

	c.deliverer.CancelSpeech()
	c.indicator.ShowRecording(ctx)

	if err := c.recorder.Start(ctx); err != nil {
		return c.fail(result, err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := c.recorder.Cancel(context.Background()); err != nil {
				c.logDebug("discard recording failed", "error", err.Error())
			}
			c.indicator.CueCancel(context.Background())
			c.indicator.Hide(context.Background())
			_ = c.transition(fsm.EventCancel)
			return c.finish(result, ctx.Err())
		case a := <-c.actions:
			switch a.kind {
			case actionCancel:
				if err := c.recorder.Cancel(context.Background()); err != nil {
					c.logDebug("discard recording failed", "error", err.Error())
				}
				c.indicator.CueCancel(context.Background())
				c.indicator.Hide(context.Background())
				_ = c.transition(fsm.EventCancel)
				result.Cancelled = true
				return c.finish(result, nil)
			case actionStop:
				if err := c.transition(fsm.EventStop); err != nil {
					return c.fail(result, err)
				}
				c.indicator.ShowSubmitting(ctx)

				payload, err := c.recorder.Stop(ctx)
				c.indicator.CueStop(context.Background())
				if err != nil {
					return c.fail(result, err)
				}
				return c.submit(ctx, result, payload)
			default:
				c.logDebug("ignoring action while recording", "action", int(a.kind))
			}
		}
	}
}

// submitFile submits a user-supplied payload, skipping capture.
func (c *Controller) submitFile(ctx context.Context, payload audio.Payload) Result {
	result := c.newResult()

	if err := c.begin(fsm.EventSubmit); err != nil {
		return c.finish(result, err)
	}
	c.deliverer.CancelSpeech()
	c.indicator.ShowSubmitting(ctx)
	return c.submit(ctx, result, payload)
}

// submit sends payload and schedules delivery of the returned advice.
// In-flight submissions are not cancelled by ctx.
func (c *Controller) submit(ctx context.Context, result Result, payload audio.Payload) Result {
	result.Filename = payload.Filename()
	result.BytesSubmitted = payload.Size()
	if payload.Empty() {
		return c.fail(result, advice.ErrNoInput)
	}

	submitCtx := advice.WithRequestID(context.WithoutCancel(ctx), result.CycleID)
	began := c.now()
	response, err := c.channel.Submit(submitCtx, payload)
	result.SubmitLatency = c.now().Sub(began)
	if err != nil {
		return c.fail(result, err)
	}

	if err := c.resolve(response); err != nil {
		return c.fail(result, err)
	}
	result.Transcription = response.Transcription
	result.Advice = response.Advice

	c.indicator.CueComplete(context.Background())
	c.indicator.Hide(context.Background())
	c.deliver(ctx, result.CycleID, response.Advice)
	return c.finish(result, nil)
}

// deliver schedules advice and surfaces the event once the policy releases it.
func (c *Controller) deliver(ctx context.Context, cycleID string, text string) {
	events := c.deliverer.Schedule(ctx, text)
	c.deliveries.Add(1)
	go func() {
		defer c.deliveries.Done()
		event, ok := <-events
		if !ok {
			return
		}
		c.indicator.ShowAdvice(context.Background(), event.Text)
		c.logDebug("advice delivered", "cycle_id", cycleID, "at", event.Timestamp)
	}()
}

// fail records err as the visible error and returns the session to idle.
func (c *Controller) fail(result Result, err error) Result {
	message := strings.TrimSpace(err.Error())
	failedIn := c.Phase()

	c.mu.Lock()
	c.errText = message
	c.mu.Unlock()
	c.toErrorAndReset()

	c.indicator.ShowError(context.Background(), message)
	c.reporter.CaptureError(err, map[string]string{
		"cycle_id": result.CycleID,
		"state":    string(failedIn),
		"filename": result.Filename,
	})
	return c.finish(result, err)
}

func (c *Controller) finish(result Result, err error) Result {
	result.Err = err
	result.State = c.Phase()
	result.FinishedAt = c.now()
	return result
}

// Handle serves IPC commands for the active owner session.
func (c *Controller) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case "status":
		state := c.State()
		return ipc.Response{OK: true, State: string(state.Phase), Message: "status", Session: state.Snapshot()}
	case "toggle":
		if c.Phase() == fsm.StateRecording {
			return c.requestStop("toggle")
		}
		return c.requestStart("toggle")
	case "start":
		return c.requestStart("start")
	case "stop":
		return c.requestStop("stop")
	case "cancel":
		return c.requestCancel()
	case "submit":
		return c.requestSubmit(req.Path)
	case "deliver":
		return c.requestDeliver()
	default:
		return ipc.Response{OK: false, State: string(c.Phase()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

// requestStart enqueues a start action when no cycle is in progress.
func (c *Controller) requestStart(source string) ipc.Response {
	state := c.Phase()
	if fsm.Busy(state) {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot %s: %v", source, ErrBusy)}
	}

	select {
	case c.actions <- action{kind: actionStart}:
		return ipc.Response{OK: true, State: string(state), Message: "start requested"}
	default:
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot %s: %v", source, ErrBusy)}
	}
}

// requestStop enqueues a stop action when state permits it.
func (c *Controller) requestStop(source string) ipc.Response {
	state := c.Phase()
	if state == fsm.StateSubmitting {
		return ipc.Response{OK: false, State: string(state), Error: "already submitting"}
	}
	if state != fsm.StateRecording {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot %s from state %s", source, state)}
	}

	select {
	case c.actions <- action{kind: actionStop}:
		return ipc.Response{OK: true, State: string(state), Message: "stop requested"}
	default:
		return ipc.Response{OK: true, State: string(state), Message: "stop already requested"}
	}
}

// requestCancel enqueues a cancel action when state permits it.
func (c *Controller) requestCancel() ipc.Response {
	state := c.Phase()
	if state == fsm.StateSubmitting {
		return ipc.Response{OK: false, State: string(state), Error: "cannot cancel while submitting"}
	}
	if state != fsm.StateRecording {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot cancel from state %s", state)}
	}

	select {
	case c.actions <- action{kind: actionCancel}:
		return ipc.Response{OK: true, State: string(state), Message: "cancel requested"}
	default:
		return ipc.Response{OK: true, State: string(state), Message: "cancel already requested"}
	}
}

// requestSubmit loads path and enqueues it for submission.
func (c *Controller) requestSubmit(path string) ipc.Response {
	state := c.Phase()
	if strings.TrimSpace(path) == "" {
		return ipc.Response{OK: false, State: string(state), Error: "submit requires a file path"}
	}
	if fsm.Busy(state) {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot submit: %v", ErrBusy)}
	}

	payload, err := c.loadFile(path)
	if err != nil {
		return ipc.Response{OK: false, State: string(state), Error: err.Error()}
	}

	select {
	case c.actions <- action{kind: actionSubmit, payload: payload}:
		return ipc.Response{OK: true, State: string(state), Message: "submit requested"}
	default:
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot submit: %v", ErrBusy)}
	}
}

// requestDeliver releases advice waiting on the trigger policy.
func (c *Controller) requestDeliver() ipc.Response {
	state := c.Phase()
	if !c.deliverer.Fire() {
		return ipc.Response{OK: false, State: string(state), Error: "no advice is waiting for a trigger"}
	}
	return ipc.Response{OK: true, State: string(state), Message: "advice released"}
}

// toErrorAndReset transitions to error and back to idle best-effort.
func (c *Controller) toErrorAndReset() {
	_ = c.transition(fsm.EventFail)
	_ = c.transition(fsm.EventReset)
}

func (c *Controller) logDebug(msg string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(msg, args...)
}

// IsPipelineUnavailable reports whether an error represents missing pipeline wiring.
func IsPipelineUnavailable(err error) bool {
	return errors.Is(err, ErrPipelineUnavailable)
}
