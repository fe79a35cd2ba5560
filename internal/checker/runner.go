package checker

import (
	"context"
	"errors"

	appLog "calnotify/internal/log"
	"calnotify/internal/state"
)

// Runner polls a fixed list of calendars, one after another.
type Runner struct {
	calendars []*Calendar
	store     state.Store
}

// NewRunner returns a Runner over calendars sharing store.
func NewRunner(store state.Store, calendars ...*Calendar) *Runner {
	return &Runner{calendars: calendars, store: store}
}

// Calendars returns the watched calendar names in configuration order.
func (r *Runner) Calendars() []string {
	out := make([]string, 0, len(r.calendars))
	for _, c := range r.calendars {
		out = append(out, c.Name())
	}
	return out
}

// Seed registers every calendar with its monitor. Load failures are logged
// and joined; the calendar still gets registered.
func (r *Runner) Seed(ctx context.Context) error {
	var errs []error
	for _, c := range r.calendars {
		if err := c.Seed(ctx); err != nil {
			appLog.Error("failed to seed calendar health", err, "calendar", c.Name())
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PollAll polls every calendar. A failing calendar does not stop the
// others; all errors are logged and joined.
func (r *Runner) PollAll(ctx context.Context) ([]PollResult, error) {
	results := make([]PollResult, 0, len(r.calendars))
	var errs []error
	for _, c := range r.calendars {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := c.Poll(ctx)
		if err != nil {
			appLog.Error("calendar poll failed", err, "calendar", c.Name())
			errs = append(errs, err)
			continue
		}
		if res.Notified > 0 {
			appLog.Info("calendar poll notified new events",
				"calendar", res.Calendar,
				"notified", res.Notified,
				"pending", res.Pending,
			)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Record returns the persisted record for one watched calendar.
func (r *Runner) Record(ctx context.Context, name string) (state.Record, bool, error) {
	for _, c := range r.calendars {
		if c.Name() == name {
			rec, err := r.store.Load(ctx, name)
			return rec, true, err
		}
	}
	return state.Record{}, false, nil
}
