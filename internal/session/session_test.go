package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbright/prompter/internal/advice"
	"github.com/rbright/prompter/internal/audio"
	"github.com/rbright/prompter/internal/delivery"
	"github.com/rbright/prompter/internal/fsm"
	"github.com/rbright/prompter/internal/ipc"
	"github.com/stretchr/testify/require"
)

type fakeIndicator struct {
	recordings   atomic.Int32
	submittings  atomic.Int32
	stopCues     atomic.Int32
	completeCues atomic.Int32
	cancelCues   atomic.Int32

	mu     sync.Mutex
	errors []string
	advice chan string
}

func newFakeIndicator() *fakeIndicator {
	return &fakeIndicator{advice: make(chan string, 4)}
}

func (f *fakeIndicator) ShowRecording(context.Context)  { f.recordings.Add(1) }
func (f *fakeIndicator) ShowSubmitting(context.Context) { f.submittings.Add(1) }
func (f *fakeIndicator) ShowError(_ context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, text)
}
func (f *fakeIndicator) ShowAdvice(_ context.Context, text string) { f.advice <- text }
func (f *fakeIndicator) CueStop(context.Context)                   { f.stopCues.Add(1) }
func (f *fakeIndicator) CueComplete(context.Context)               { f.completeCues.Add(1) }
func (f *fakeIndicator) CueCancel(context.Context)                 { f.cancelCues.Add(1) }
func (*fakeIndicator) Hide(context.Context)                        {}

func (f *fakeIndicator) shownErrors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.errors...)
}

type fakeRecorder struct {
	startErr  error
	fragments [][]byte

	starts   atomic.Int32
	cancels  atomic.Int32
	released atomic.Int32

	mu        sync.Mutex
	recording *audio.Recording
}

func (f *fakeRecorder) Start(context.Context) error {
	f.starts.Add(1)
	if f.startErr != nil {
		return f.startErr
	}
	rec := audio.NewRecording(func() error {
		f.released.Add(1)
		return nil
	})
	for _, fragment := range f.fragments {
		if err := rec.Append(fragment); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.recording = rec
	f.mu.Unlock()
	return nil
}

func (f *fakeRecorder) take() *audio.Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.recording
	f.recording = nil
	return rec
}

func (f *fakeRecorder) Stop(context.Context) (audio.Payload, error) {
	rec := f.take()
	if rec == nil {
		return audio.Payload{}, ErrPipelineUnavailable
	}
	return rec.Stop()
}

func (f *fakeRecorder) Cancel(context.Context) error {
	f.cancels.Add(1)
	if rec := f.take(); rec != nil {
		return rec.Discard()
	}
	return nil
}

type channelFunc func(context.Context, audio.Payload) (advice.Result, error)

func (f channelFunc) Submit(ctx context.Context, payload audio.Payload) (advice.Result, error) {
	return f(ctx, payload)
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (f *fakeReporter) CaptureError(err error, tags map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
	f.tags = append(f.tags, tags)
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

// runController starts the daemon loop and returns its cycle results.
func runController(t *testing.T, ctrl *Controller) <-chan Result {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Result, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx, func(result Result) { results <- result })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = ctrl.Close()
	})
	return results
}

func waitForPhase(t *testing.T, ctrl *Controller, want fsm.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.Phase() == want
	}, 2*time.Second, 5*time.Millisecond, "phase never reached %s", want)
}

func receiveResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cycle result")
		return Result{}
	}
}

func receiveAdvice(t *testing.T, ind *fakeIndicator) string {
	t.Helper()
	select {
	case text := <-ind.advice:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for advice delivery")
		return ""
	}
}

func TestControllerRecordsSubmitsAndDeliversAdvice(t *testing.T) {
	var requestID atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID.Store(r.Header.Get("X-Request-ID"))
		file, _, err := r.FormFile("audio_file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if len(data) <= 44 || string(data[44:]) != "first-second" {
			http.Error(w, "unexpected payload "+string(data), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcription":"hello","advice":"take a breath"}`))
	}))
	defer server.Close()

	recorder := &fakeRecorder{fragments: [][]byte{[]byte("first-"), []byte("second")}}
	ind := newFakeIndicator()
	ctrl := NewController(Options{
		Recorder:  recorder,
		Channel:   &advice.Client{BaseURL: server.URL, Path: "/process_audio"},
		Indicator: ind,
	})
	results := runController(t, ctrl)

	resp := ctrl.Handle(context.Background(), ipc.Request{Command: "start"})
	require.True(t, resp.OK, resp.Error)
	waitForPhase(t, ctrl, fsm.StateRecording)
	require.True(t, ctrl.State().Recording)

	resp = ctrl.Handle(context.Background(), ipc.Request{Command: "stop"})
	require.True(t, resp.OK, resp.Error)

	result := receiveResult(t, results)
	require.NoError(t, result.Err)
	require.Equal(t, fsm.StateIdle, result.State)
	require.Equal(t, "hello", result.Transcription)
	require.Equal(t, "take a breath", result.Advice)
	require.Equal(t, 44+len("first-second"), result.BytesSubmitted)
	require.Regexp(t, `^recording-\d{8}-\d{6}\.wav$`, result.Filename)
	require.Equal(t, result.CycleID, requestID.Load())

	state := ctrl.State()
	require.Equal(t, "hello", state.Transcription)
	require.Equal(t, "take a breath", state.Advice)
	require.False(t, state.Loading)
	require.False(t, state.Recording)
	require.Empty(t, state.Error)

	require.Equal(t, "take a breath", receiveAdvice(t, ind))
	require.Equal(t, int32(1), recorder.released.Load())
	require.Equal(t, int32(1), ind.stopCues.Load())
	require.Equal(t, int32(1), ind.completeCues.Load())
	require.Equal(t, int32(0), ind.cancelCues.Load())
}

func TestControllerCancel(t *testing.T) {
	recorder := &fakeRecorder{fragments: [][]byte{[]byte("discarded")}}
	ind := newFakeIndicator()
	var submits atomic.Int32
	ctrl := NewController(Options{
		Recorder: recorder,
		Channel: channelFunc(func(context.Context, audio.Payload) (advice.Result, error) {
			submits.Add(1)
			return advice.Result{}, nil
		}),
		Indicator: ind,
	})
	results := runController(t, ctrl)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "toggle"}).OK)
	waitForPhase(t, ctrl, fsm.StateRecording)
	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "cancel"}).OK)

	result := receiveResult(t, results)
	require.True(t, result.Cancelled)
	require.NoError(t, result.Err)
	require.Equal(t, fsm.StateIdle, ctrl.Phase())
	require.Equal(t, int32(1), recorder.cancels.Load())
	require.Equal(t, int32(1), recorder.released.Load())
	require.Equal(t, int32(1), ind.cancelCues.Load())
	require.Equal(t, int32(0), ind.stopCues.Load())
	require.Equal(t, int32(0), submits.Load())
}

func TestControllerToggleStopsActiveRecording(t *testing.T) {
	recorder := &fakeRecorder{fragments: [][]byte{[]byte("pcm!")}}
	ctrl := NewController(Options{
		Recorder: recorder,
		Channel: channelFunc(func(context.Context, audio.Payload) (advice.Result, error) {
			return advice.Result{Transcription: "t", Advice: "a"}, nil
		}),
		Indicator: newFakeIndicator(),
	})
	results := runController(t, ctrl)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "toggle"}).OK)
	waitForPhase(t, ctrl, fsm.StateRecording)
	resp := ctrl.Handle(context.Background(), ipc.Request{Command: "toggle"})
	require.True(t, resp.OK)
	require.Equal(t, "stop requested", resp.Message)

	result := receiveResult(t, results)
	require.NoError(t, result.Err)
	require.Equal(t, "a", result.Advice)
}

func TestControllerStartFailureSurfacesCaptureError(t *testing.T) {
	recorder := &fakeRecorder{startErr: audio.ErrPermissionDenied}
	ind := newFakeIndicator()
	reporter := &fakeReporter{}
	ctrl := NewController(Options{Recorder: recorder, Indicator: ind, Reporter: reporter})
	results := runController(t, ctrl)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "start"}).OK)

	result := receiveResult(t, results)
	require.ErrorIs(t, result.Err, audio.ErrPermissionDenied)
	require.Equal(t, fsm.StateIdle, result.State)

	state := ctrl.State()
	require.False(t, state.Recording)
	require.False(t, state.Loading)
	require.Equal(t, audio.ErrPermissionDenied.Error(), state.Error)
	require.Equal(t, []string{audio.ErrPermissionDenied.Error()}, ind.shownErrors())
	require.Equal(t, 1, reporter.count())
	require.Equal(t, string(fsm.StateRecording), reporter.tags[0]["state"])
	require.Equal(t, int32(0), ind.stopCues.Load())
}

func TestControllerRejectsStartWhileLoading(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	ctrl := NewController(Options{
		Recorder: &fakeRecorder{fragments: [][]byte{[]byte("pcm!")}},
		Channel: channelFunc(func(context.Context, audio.Payload) (advice.Result, error) {
			close(entered)
			<-release
			return advice.Result{Transcription: "hello", Advice: "slow down"}, nil
		}),
		Indicator: newFakeIndicator(),
	})
	results := runController(t, ctrl)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "start"}).OK)
	waitForPhase(t, ctrl, fsm.StateRecording)
	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "stop"}).OK)
	<-entered

	before := ctrl.State()
	require.True(t, before.Loading)
	require.False(t, before.Recording)

	for _, command := range []string{"start", "toggle", "cancel", "stop"} {
		resp := ctrl.Handle(context.Background(), ipc.Request{Command: command})
		require.False(t, resp.OK, command)
		require.Equal(t, string(fsm.StateSubmitting), resp.State, command)
	}
	require.Equal(t, before, ctrl.State())

	close(release)
	result := receiveResult(t, results)
	require.NoError(t, result.Err)
	require.False(t, ctrl.State().Loading)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "start"}).OK)
	waitForPhase(t, ctrl, fsm.StateRecording)
}

func TestControllerRestartsAfterServerError(t *testing.T) {
	var calls atomic.Int32
	ind := newFakeIndicator()
	ctrl := NewController(Options{
		Recorder: &fakeRecorder{fragments: [][]byte{[]byte("pcm!")}},
		Channel: channelFunc(func(context.Context, audio.Payload) (advice.Result, error) {
			if calls.Add(1) == 1 {
				return advice.Result{}, &advice.ServerError{Code: 500, Detail: "Whisper API error: boom"}
			}
			return advice.Result{Transcription: "second", Advice: "breathe"}, nil
		}),
		Indicator: ind,
	})
	results := runController(t, ctrl)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "start"}).OK)
	waitForPhase(t, ctrl, fsm.StateRecording)
	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "stop"}).OK)

	failed := receiveResult(t, results)
	var serverErr *advice.ServerError
	require.ErrorAs(t, failed.Err, &serverErr)
	require.Equal(t, fsm.StateIdle, failed.State)

	state := ctrl.State()
	require.Contains(t, state.Error, "Whisper API error: boom")
	require.False(t, state.Loading)
	require.False(t, state.Recording)
	require.Empty(t, state.Advice)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "start"}).OK)
	waitForPhase(t, ctrl, fsm.StateRecording)
	require.Empty(t, ctrl.State().Error)
	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "stop"}).OK)

	succeeded := receiveResult(t, results)
	require.NoError(t, succeeded.Err)
	require.Equal(t, "breathe", ctrl.State().Advice)
	require.Empty(t, ctrl.State().Error)
}

func TestControllerEmptyRecordingFailsWithoutSubmitting(t *testing.T) {
	var submits atomic.Int32
	ctrl := NewController(Options{
		Recorder: &fakeRecorder{},
		Channel: channelFunc(func(context.Context, audio.Payload) (advice.Result, error) {
			submits.Add(1)
			return advice.Result{}, nil
		}),
		Indicator: newFakeIndicator(),
	})
	results := runController(t, ctrl)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "start"}).OK)
	waitForPhase(t, ctrl, fsm.StateRecording)
	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "stop"}).OK)

	result := receiveResult(t, results)
	require.ErrorIs(t, result.Err, advice.ErrNoInput)
	require.Equal(t, advice.ErrNoInput.Error(), ctrl.State().Error)
	require.Equal(t, int32(0), submits.Load())
}

func TestControllerSubmitFileSkipsRecording(t *testing.T) {
	recorder := &fakeRecorder{}
	ind := newFakeIndicator()
	var submitted audio.Payload
	ctrl := NewController(Options{
		Recorder: recorder,
		Channel: channelFunc(func(_ context.Context, payload audio.Payload) (advice.Result, error) {
			submitted = payload
			return advice.Result{Transcription: advice.PlaceholderTranscription, Advice: "smile"}, nil
		}),
		Indicator: ind,
		LoadFile: func(path string) (audio.Payload, error) {
			require.Equal(t, "/tmp/clip.webm", path)
			return audio.NewPayload([]byte("webm"), "audio/webm", "clip.webm"), nil
		},
	})
	results := runController(t, ctrl)

	resp := ctrl.Handle(context.Background(), ipc.Request{Command: "submit", Path: "/tmp/clip.webm"})
	require.True(t, resp.OK, resp.Error)

	result := receiveResult(t, results)
	require.NoError(t, result.Err)
	require.Equal(t, "clip.webm", result.Filename)
	require.Equal(t, "clip.webm", submitted.Filename())
	require.Equal(t, "audio/webm", submitted.MediaType())
	require.Equal(t, int32(0), recorder.starts.Load())
	require.Equal(t, int32(0), ind.recordings.Load())
	require.Equal(t, int32(1), ind.submittings.Load())
	require.Equal(t, "smile", receiveAdvice(t, ind))
}

func TestControllerTriggerPolicyHoldsAdviceUntilDeliver(t *testing.T) {
	ind := newFakeIndicator()
	scheduler := delivery.NewScheduler(delivery.Options{Policy: delivery.OnTrigger(delivery.NewTrigger())})
	ctrl := NewController(Options{
		Channel: channelFunc(func(context.Context, audio.Payload) (advice.Result, error) {
			return advice.Result{Transcription: "hi", Advice: "pause here"}, nil
		}),
		Deliverer: scheduler,
		Indicator: ind,
		LoadFile: func(string) (audio.Payload, error) {
			return audio.NewPayload([]byte("x"), audio.MediaTypeWAV, "x.wav"), nil
		},
	})
	results := runController(t, ctrl)

	nothing := ctrl.Handle(context.Background(), ipc.Request{Command: "deliver"})
	require.False(t, nothing.OK)

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "submit", Path: "x.wav"}).OK)
	result := receiveResult(t, results)
	require.NoError(t, result.Err)
	require.Eventually(t, scheduler.Pending, time.Second, 5*time.Millisecond)

	select {
	case text := <-ind.advice:
		t.Fatalf("advice %q delivered before trigger", text)
	case <-time.After(50 * time.Millisecond):
	}

	resp := ctrl.Handle(context.Background(), ipc.Request{Command: "deliver"})
	require.True(t, resp.OK, resp.Error)
	require.Equal(t, "pause here", receiveAdvice(t, ind))
}

func TestRunOnceSubmitWaitsForDelivery(t *testing.T) {
	ind := newFakeIndicator()
	ctrl := NewController(Options{
		Channel: channelFunc(func(context.Context, audio.Payload) (advice.Result, error) {
			return advice.Result{Transcription: "hello", Advice: "take a breath"}, nil
		}),
		Deliverer: delivery.NewScheduler(delivery.Options{Policy: delivery.After(20 * time.Millisecond)}),
		Indicator: ind,
		LoadFile: func(string) (audio.Payload, error) {
			return audio.NewPayload([]byte("x"), audio.MediaTypeWAV, "x.wav"), nil
		},
	})
	defer ctrl.Close()

	result := ctrl.RunOnce(context.Background(), ipc.Request{Command: "submit", Path: "x.wav"})
	require.NoError(t, result.Err)

	select {
	case text := <-ind.advice:
		require.Equal(t, "take a breath", text)
	default:
		t.Fatal("RunOnce returned before advice was delivered")
	}
}

func TestRunOnceReportsRejectedCommand(t *testing.T) {
	ctrl := NewController(Options{})
	defer ctrl.Close()

	result := ctrl.RunOnce(context.Background(), ipc.Request{Command: "submit"})
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "submit requires a file path")
	require.Equal(t, fsm.StateIdle, result.State)
}

func TestRunOnceContextCancelledWhileRecording(t *testing.T) {
	recorder := &fakeRecorder{fragments: [][]byte{[]byte("pcm!")}}
	ind := newFakeIndicator()
	ctrl := NewController(Options{Recorder: recorder, Indicator: ind})
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- ctrl.RunOnce(ctx, ipc.Request{Command: "toggle"})
	}()

	waitForPhase(t, ctrl, fsm.StateRecording)
	cancel()

	result := <-done
	require.ErrorIs(t, result.Err, context.Canceled)
	require.Equal(t, fsm.StateIdle, result.State)
	require.Equal(t, int32(1), recorder.released.Load())
	require.Equal(t, int32(1), ind.cancelCues.Load())
}

func TestCloseDiscardsActiveRecording(t *testing.T) {
	recorder := &fakeRecorder{fragments: [][]byte{[]byte("pcm!")}}
	ctrl := NewController(Options{Recorder: recorder})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, nil) }()

	require.True(t, ctrl.Handle(context.Background(), ipc.Request{Command: "start"}).OK)
	waitForPhase(t, ctrl, fsm.StateRecording)
	require.Eventually(t, func() bool { return recorder.starts.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, ctrl.Close())
	require.Equal(t, fsm.StateIdle, ctrl.Phase())
	require.Equal(t, int32(1), recorder.released.Load())
}

func TestFailureKeepsErrorVerbatim(t *testing.T) {
	ctrl := NewController(Options{
		Channel: channelFunc(func(context.Context, audio.Payload) (advice.Result, error) {
			return advice.Result{}, &advice.NetworkError{Err: errors.New("dial tcp: connection refused")}
		}),
		LoadFile: func(string) (audio.Payload, error) {
			return audio.NewPayload([]byte("x"), audio.MediaTypeWAV, "x.wav"), nil
		},
	})
	defer ctrl.Close()

	result := ctrl.RunOnce(context.Background(), ipc.Request{Command: "submit", Path: "x.wav"})
	require.Error(t, result.Err)
	require.Equal(t, result.Err.Error(), ctrl.State().Error)
	require.Contains(t, ctrl.State().Error, "could not reach advice service")
}
