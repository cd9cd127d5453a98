// Package delivery decides when returned advice is surfaced and forwards it
// to best-effort speech synthesis.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event is one surfaced piece of advice.
type Event struct {
	Text      string
	Timestamp time.Time
}

// Speaker is an optional speech capability, probed at each use.
type Speaker interface {
	Probe(ctx context.Context) error
	// Speak blocks until the utterance finishes or ctx is cancelled.
	Speak(ctx context.Context, text string) error
}

// Options configures a Scheduler. Only Policy is required.
type Options struct {
	Policy    Policy
	Speaker   Speaker
	OnDeliver func(Event)
	Logger    *slog.Logger
}

type pendingDelivery struct {
	cancel context.CancelFunc
}

type utterance struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler surfaces advice per its policy. At most one delivery is pending
// and at most one utterance is audible at any time.
type Scheduler struct {
	policy    Policy
	speaker   Speaker
	onDeliver func(Event)
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	pending   *pendingDelivery
	utterance *utterance
	closed    bool

	wg sync.WaitGroup
}

// NewScheduler builds a scheduler; a nil policy delivers immediately.
func NewScheduler(opts Options) *Scheduler {
	policy := opts.Policy
	if policy == nil {
		policy = Immediate()
	}
	return &Scheduler{
		policy:    policy,
		speaker:   opts.Speaker,
		onDeliver: opts.OnDeliver,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// Policy returns the active delivery policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Schedule queues advice for delivery. The returned channel yields at most one
// event and is then closed; blank advice, supersession by a newer Schedule, or
// ctx ending close it without an event.
func (s *Scheduler) Schedule(ctx context.Context, advice string) <-chan Event {
	out := make(chan Event, 1)
	if strings.TrimSpace(advice) == "" {
		close(out)
		return out
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(out)
		return out
	}
	s.dropPendingLocked()
	waitCtx, cancel := context.WithCancel(ctx)
	pending := &pendingDelivery{cancel: cancel}
	s.pending = pending
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(out)
		defer cancel()

		err := s.policy.Wait(waitCtx)

		s.mu.Lock()
		current := s.pending == pending
		if current {
			s.pending = nil
		}
		s.mu.Unlock()
		if err != nil || !current {
			return
		}

		event := Event{Text: advice, Timestamp: s.now()}
		out <- event
		if s.onDeliver != nil {
			s.onDeliver(event)
		}
		s.speak(ctx, advice)
	}()

	return out
}

// Fire releases a pending delivery when the policy is trigger-driven.
func (s *Scheduler) Fire() bool {
	p, ok := s.policy.(triggerPolicy)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	p.trigger.Fire()
	return true
}

// dropPendingLocked cancels the pending delivery and discards a trigger fire
// meant for it. s.mu must be held.
func (s *Scheduler) dropPendingLocked() {
	if s.pending == nil {
		return
	}
	s.pending.cancel()
	s.pending = nil
	if p, ok := s.policy.(triggerPolicy); ok {
		p.trigger.Reset()
	}
}

// Pending reports whether a delivery is waiting on its policy.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// CancelSpeech stops the in-flight utterance, if any, and waits for it to end.
func (s *Scheduler) CancelSpeech() {
	s.mu.Lock()
	current := s.utterance
	s.mu.Unlock()
	if current == nil {
		return
	}
	current.cancel()
	<-current.done
}

// Wait blocks until pending deliveries and their speech finish or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close abandons pending deliveries, cancels speech, and waits for both.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.dropPendingLocked()
	current := s.utterance
	s.mu.Unlock()

	if current != nil {
		current.cancel()
	}
	s.wg.Wait()
	return nil
}

// speak pre-empts any in-flight utterance before starting a new one.
func (s *Scheduler) speak(ctx context.Context, text string) {
	if s.speaker == nil {
		return
	}
	if err := s.speaker.Probe(ctx); err != nil {
		s.logDebug("speech unavailable; delivering text only", "error", err.Error())
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	previous := s.utterance
	speakCtx, cancel := context.WithCancel(ctx)
	current := &utterance{cancel: cancel, done: make(chan struct{})}
	s.utterance = current
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		if s.utterance == current {
			s.utterance = nil
		}
		s.mu.Unlock()
		close(current.done)
	}()

	if previous != nil {
		previous.cancel()
		<-previous.done
	}
	if speakCtx.Err() != nil {
		return
	}

	if err := s.speaker.Speak(speakCtx, text); err != nil && !errors.Is(err, context.Canceled) {
		s.logWarn("speech failed", "error", err.Error())
	}
}

func (s *Scheduler) logDebug(msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(msg, args...)
}

func (s *Scheduler) logWarn(msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, args...)
}
