package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rbright/prompter/internal/config"
)

// Policy decides when a scheduled delivery fires. Wait returns nil when the
// delivery should happen and ctx.Err() when it was abandoned.
type Policy interface {
	Wait(ctx context.Context) error
	String() string
}

type immediatePolicy struct{}

// Immediate fires as soon as advice is scheduled.
func Immediate() Policy { return immediatePolicy{} }

func (immediatePolicy) Wait(ctx context.Context) error { return ctx.Err() }

func (immediatePolicy) String() string { return config.PolicyImmediate }

type delayPolicy struct {
	delay time.Duration
}

// After fires once d has elapsed since scheduling.
func After(d time.Duration) Policy { return delayPolicy{delay: d} }

func (p delayPolicy) Wait(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p delayPolicy) String() string { return config.PolicyDelay + " " + p.delay.String() }

type triggerPolicy struct {
	trigger *Trigger
}

// OnTrigger fires when t is fired by an external caller.
func OnTrigger(t *Trigger) Policy { return triggerPolicy{trigger: t} }

func (p triggerPolicy) Wait(ctx context.Context) error { return p.trigger.Wait(ctx) }

func (triggerPolicy) String() string { return config.PolicyTrigger }

// PolicyFromConfig maps delivery.policy and delivery.delay_ms to a Policy.
func PolicyFromConfig(cfg config.Config) Policy {
	switch cfg.Delivery.Policy {
	case config.PolicyDelay:
		return After(cfg.DeliveryDelay())
	case config.PolicyTrigger:
		return OnTrigger(NewTrigger())
	default:
		return Immediate()
	}
}

// Trigger is an external "deliver now" signal. A Fire with no waiter is
// latched and consumed by the next Wait.
type Trigger struct {
	mu      sync.Mutex
	waiters []chan struct{}
	latched bool
}

// NewTrigger returns an unfired trigger.
func NewTrigger() *Trigger { return &Trigger{} }

// Wait blocks until the trigger fires or ctx ends.
func (t *Trigger) Wait(ctx context.Context) error {
	t.mu.Lock()
	if t.latched {
		t.latched = false
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		t.remove(ch)
		return ctx.Err()
	}
}

// Fire releases every current waiter, or latches when nobody is waiting.
func (t *Trigger) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.waiters) == 0 {
		t.latched = true
		return
	}
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

// Reset drops a latched fire.
func (t *Trigger) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latched = false
}

func (t *Trigger) remove(target chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ch := range t.waiters {
		if ch == target {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}
