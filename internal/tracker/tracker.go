// Package tracker decides, per poll, which fetched calendar events have not
// been notified yet, emits one notification for each, and returns the
// compacted set of identities to persist until the next poll.
package tracker

import (
	"context"

	appLog "calnotify/internal/log"
	"calnotify/internal/model"
)

// Sink receives one payload per newly observed event. Errors are logged by
// the tracker and otherwise ignored; delivery is the sink's concern.
type Sink interface {
	Notify(ctx context.Context, payload []byte) error
}

// Result is the outcome of a single Poll.
type Result struct {
	// Notified lists the events a notification was emitted for, in input order.
	Notified []model.Event
	// State is the notified set to persist for the next poll.
	State NotifiedSet
}

// Tracker holds no state between polls; the caller passes the previous
// NotifiedSet in and stores the returned one.
type Tracker struct {
	sink  Sink
	debug bool
	name  string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithDebug enables per-event decision logging.
func WithDebug(debug bool) Option {
	return func(t *Tracker) { t.debug = debug }
}

// WithName sets the calendar name attached to log lines.
func WithName(name string) Option {
	return func(t *Tracker) { t.name = name }
}

// New returns a Tracker that notifies through sink.
func New(sink Sink, opts ...Option) *Tracker {
	t := &Tracker{sink: sink}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Poll runs one dedup cycle over the full fetch result. prev is not modified.
//
//   - An empty fetch resets the set: nothing is pending upstream.
//   - Events without an ID are skipped without touching state.
//   - An ID already in the set (from prev or earlier in this batch) is not
//     notified again.
//   - After the batch, IDs absent from fetched are dropped.
func (t *Tracker) Poll(ctx context.Context, prev NotifiedSet, fetched []model.Event) Result {
	if len(fetched) == 0 {
		if t.debug {
			appLog.Debug("no upcoming events found", "calendar", t.name, "dropped", prev.Len())
		}
		return Result{State: NewNotifiedSet()}
	}

	state := prev.Clone()
	current := make(map[string]struct{}, len(fetched))
	var notified []model.Event

	for _, ev := range fetched {
		if ev.ID == "" {
			if t.debug {
				appLog.Debug("skipping event without id", "calendar", t.name)
			}
			continue
		}
		current[ev.ID] = struct{}{}

		if state.Has(ev.ID) {
			if t.debug {
				appLog.Debug("already notified", "calendar", t.name, "id", ev.ID)
			}
			continue
		}

		if t.debug {
			appLog.Debug("not already notified", "calendar", t.name, "id", ev.ID)
		}
		t.notify(ctx, ev)
		state.Add(ev.ID)
		notified = append(notified, ev)
	}

	for id := range state {
		if _, ok := current[id]; !ok {
			delete(state, id)
		}
	}

	return Result{Notified: notified, State: state}
}

func (t *Tracker) notify(ctx context.Context, ev model.Event) {
	if t.sink == nil {
		return
	}
	if err := t.sink.Notify(ctx, ev.Payload); err != nil {
		appLog.Error("notification sink failed", err, "calendar", t.name, "id", ev.ID)
	}
}
