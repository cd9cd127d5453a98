package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const fragmentSizeBytes = 640 // 20ms @ 16kHz mono s16

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// Selection is the resolved capture source plus optional fallback warning context.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

// PulseMicrophone captures 16kHz mono PCM from a PulseAudio/PipeWire source.
type PulseMicrophone struct {
	Input    string
	Fallback string
	Logger   *slog.Logger
}

// Probe resolves a usable input device without opening a record stream.
func (m PulseMicrophone) Probe(ctx context.Context) error {
	_, err := SelectDevice(ctx, m.Input, m.Fallback)
	return err
}

// Acquire selects a device and starts recording into a new Recording.
func (m PulseMicrophone) Acquire(ctx context.Context) (*Recording, error) {
	selection, err := SelectDevice(ctx, m.Input, m.Fallback)
	if err != nil {
		return nil, err
	}
	if selection.Warning != "" && m.Logger != nil {
		m.Logger.Warn(selection.Warning)
	}
	if m.Logger != nil {
		m.Logger.Debug("microphone acquired", "device", selection.Device.ID)
	}
	return StartCapture(ctx, selection.Device)
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("prompter"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, classifyPulseError("connect pulse server", err)
	}
	return client, nil
}

// ListDevices returns available Pulse input sources with default/availability metadata.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, classifyPulseError("read default source", err)
	}
	defaultID := defaultSource.ID()

	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, classifyPulseError("list sources", err)
	}

	devices := make([]Device, 0, len(sourceInfos))
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			State:       sourceStateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultID,
		})
	}
	return devices, nil
}

// SelectDevice resolves audio.input/audio.fallback preferences against live devices.
func SelectDevice(ctx context.Context, input string, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	selection, err := selectDeviceFromList(devices, input, fallback)
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	return selection, nil
}

// selectDeviceFromList applies selection policy to a pre-fetched device list.
func selectDeviceFromList(devices []Device, input string, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}

	input = normalizeTerm(input)
	fallback = normalizeTerm(fallback)

	var defaultDevice, byInput, byFallback *Device
	for i := range devices {
		dev := &devices[i]
		if dev.Default {
			defaultDevice = dev
		}
		if byInput == nil && input != "" && deviceMatches(*dev, input) {
			byInput = dev
		}
		if byFallback == nil && fallback != "" && deviceMatches(*dev, fallback) {
			byFallback = dev
		}
	}

	primary := byInput
	switch {
	case input == "":
		if defaultDevice == nil {
			return Selection{}, errors.New("default audio source is unavailable")
		}
		primary = defaultDevice
	case byInput == nil:
		return Selection{}, fmt.Errorf("audio.input %q did not match any device", input)
	}
	if usable(*primary) {
		return Selection{Device: *primary}, nil
	}

	reason := "unavailable"
	if primary.Muted {
		reason = "muted"
	}

	replacement := defaultDevice
	if fallback != "" {
		if byFallback == nil {
			return Selection{}, fmt.Errorf("primary input %q is %s and fallback %q not found", primary.ID, reason, fallback)
		}
		replacement = byFallback
	}
	if replacement == nil {
		return Selection{}, fmt.Errorf("primary input %q is %s and no usable fallback: default audio source is unavailable", primary.ID, reason)
	}
	if !replacement.Available {
		return Selection{}, fmt.Errorf("audio fallback device %q is not available", replacement.ID)
	}
	if replacement.Muted {
		return Selection{}, fmt.Errorf("audio fallback device %q is muted", replacement.ID)
	}

	return Selection{
		Device:   *replacement,
		Warning:  fmt.Sprintf("audio.input %q is %s; falling back to %q", primary.ID, reason, replacement.ID),
		Fallback: primary.ID != replacement.ID,
	}, nil
}

// normalizeTerm lowercases a device preference; "default" means no preference.
func normalizeTerm(term string) string {
	term = strings.TrimSpace(strings.ToLower(term))
	if term == "default" {
		return ""
	}
	return term
}

func usable(device Device) bool {
	return device.Available && !device.Muted
}

// deviceMatches reports whether a search term matches a device id or description.
func deviceMatches(device Device, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(device.ID), term) ||
		strings.Contains(strings.ToLower(device.Description), term)
}

// StartCapture opens a 16kHz mono s16 record stream feeding a new Recording.
// The stream and client are released when the recording stops, is discarded,
// or ctx ends.
func StartCapture(ctx context.Context, selected Device) (*Recording, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}

	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, classifyPulseError(fmt.Sprintf("resolve source %q", selected.ID), err)
	}

	var stream *pulse.RecordStream
	recording := NewRecording(func() error {
		if stream != nil {
			stream.Stop()
			stream.Close()
		}
		client.Close()
		return nil
	})

	writer := pulse.NewWriter(writerFunc(func(buffer []byte) (int, error) {
		if err := recording.Append(buffer); err != nil {
			return 0, io.EOF
		}
		return len(buffer), nil
	}), pulseproto.FormatInt16LE)

	stream, err = client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(fragmentSizeBytes),
		pulse.RecordMediaName("prompter capture"),
	)
	if err != nil {
		_ = recording.Discard()
		return nil, classifyPulseError("create pulse record stream", err)
	}
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			_ = recording.Discard()
		case <-recording.Done():
		}
	}()

	return recording, nil
}

// classifyPulseError maps audio-server failures onto the capture error taxonomy.
func classifyPulseError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, os.ErrPermission) || strings.Contains(msg, "access denied") || strings.Contains(msg, "permission denied") {
		return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrCaptureUnavailable, op, err)
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}

// sourceStateString maps Pulse source state constants to human-readable values.
func sourceStateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sourceAvailable maps Pulse source port availability to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available == 0 || port.Available == 2
	}
	return true
}
