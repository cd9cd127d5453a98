// Package telemetry wires optional Sentry error reporting.
package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rbright/prompter/internal/config"
	"github.com/rbright/prompter/internal/version"
)

const flushTimeout = 2 * time.Second

// Reporter forwards failures to Sentry. A nil or disabled Reporter drops them.
type Reporter struct {
	hub *sentry.Hub
}

// New builds a reporter from config. An empty DSN yields a disabled reporter.
func New(cfg config.TelemetryConfig) (*Reporter, error) {
	dsn := strings.TrimSpace(cfg.SentryDSN)
	if dsn == "" {
		return &Reporter{}, nil
	}
	return newReporter(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: cfg.Environment,
		Release:     version.UserAgent(),
	})
}

func newReporter(opts sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Enabled reports whether failures are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// CaptureError reports err tagged with tags.
func (r *Reporter) CaptureError(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			if value == "" {
				continue
			}
			scope.SetTag(key, value)
		}
		var wrapped interface{ Unwrap() error }
		if errors.As(err, &wrapped) {
			if cause := wrapped.Unwrap(); cause != nil {
				scope.SetExtra("cause", cause.Error())
			}
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be delivered.
func (r *Reporter) Flush() bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(flushTimeout)
}
