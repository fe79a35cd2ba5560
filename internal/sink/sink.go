// Package sink delivers notification payloads produced by the tracker.
//
// Every sink implements tracker.Sink. Failures are returned to the caller,
// which logs them; no sink retries.
package sink

import (
	"context"
	"errors"

	appLog "calnotify/internal/log"
)

// Sink is the delivery contract, identical to tracker.Sink.
type Sink interface {
	Notify(ctx context.Context, payload []byte) error
}

// Log writes every payload to the application log. It is the equivalent of
// "emitting an event" when nothing downstream is configured.
type Log struct {
	Calendar string
}

// Notify logs the payload at info level.
func (l Log) Notify(_ context.Context, payload []byte) error {
	appLog.Info("new calendar event", "calendar", l.Calendar, "payload", string(payload))
	return nil
}

// Multi fans a payload out to every sink. All sinks are called even when
// some fail; the errors are joined.
type Multi []Sink

// Notify calls each sink in order.
func (m Multi) Notify(ctx context.Context, payload []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, payload []byte) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}
