// Package checker runs one load, fetch, dedup, save cycle per calendar.
package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calnotify/internal/config"
	"calnotify/internal/health"
	appLog "calnotify/internal/log"
	"calnotify/internal/metrics"
	"calnotify/internal/model"
	"calnotify/internal/state"
	"calnotify/internal/tracker"
)

const (
	defaultFetchTimeout = 30 * time.Second
	saveTimeout         = 10 * time.Second
)

// Fetcher returns the events starting within [now, now+horizonDays].
type Fetcher interface {
	FetchUpcoming(ctx context.Context, calendarID string, horizonDays int) ([]model.Event, error)
}

// PollResult summarizes one successful cycle.
type PollResult struct {
	Calendar string
	Fetched  int
	Notified int
	Pending  int
}

// Calendar watches a single calendar. Its state lives under its own key.
type Calendar struct {
	name        string
	calendarID  string
	horizonDays int
	expected    time.Duration

	fetcher Fetcher
	tracker *tracker.Tracker
	store   state.Store
	monitor *health.Monitor
	metrics *metrics.Metrics

	timeout time.Duration
	dryRun  bool
	now     func() time.Time
}

// Option configures a Calendar.
type Option func(*options)

type options struct {
	monitor *health.Monitor
	metrics *metrics.Metrics
	timeout time.Duration
	dryRun  bool
	debug   bool
	now     func() time.Time
}

// WithMonitor records poll outcomes in m.
func WithMonitor(m *health.Monitor) Option { return func(o *options) { o.monitor = m } }

// WithMetrics records poll outcomes in m.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithFetchTimeout bounds a single fetch. Zero keeps the default.
func WithFetchTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithDryRun skips saving state after a poll.
func WithDryRun(dryRun bool) Option { return func(o *options) { o.dryRun = dryRun } }

// WithDebug turns on the tracker's per-event decision log.
func WithDebug(debug bool) Option { return func(o *options) { o.debug = debug } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// NewCalendar wires a calendar to its fetcher, sink and store.
func NewCalendar(cfg config.CalendarConfig, fetcher Fetcher, sink tracker.Sink, store state.Store, opts ...Option) *Calendar {
	o := options{timeout: defaultFetchTimeout, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.timeout <= 0 {
		o.timeout = defaultFetchTimeout
	}

	// Seed replaces this entry with persisted timestamps.
	if o.monitor != nil {
		o.monitor.Register(cfg.Name, cfg.ExpectedReceivePeriod(), time.Time{}, time.Time{}, "")
	}

	counted := countingSink{next: sink, calendar: cfg.Name, metrics: o.metrics}
	return &Calendar{
		name:        cfg.Name,
		calendarID:  cfg.CalendarID,
		horizonDays: cfg.HorizonDays,
		expected:    cfg.ExpectedReceivePeriod(),
		fetcher:     fetcher,
		tracker:     tracker.New(counted, tracker.WithDebug(o.debug), tracker.WithName(cfg.Name)),
		store:       store,
		monitor:     o.monitor,
		metrics:     o.metrics,
		timeout:     o.timeout,
		dryRun:      o.dryRun,
		now:         o.now,
	}
}

// Name is the calendar's state key.
func (c *Calendar) Name() string { return c.name }

// Seed registers the calendar with the health monitor using its persisted
// record, so a restart does not forget when it last notified.
func (c *Calendar) Seed(ctx context.Context) error {
	rec, err := c.store.Load(ctx, c.name)
	if err != nil {
		if c.monitor != nil {
			c.monitor.Register(c.name, c.expected, time.Time{}, time.Time{}, "")
		}
		return fmt.Errorf("load state %s: %w", c.name, err)
	}
	if c.monitor != nil {
		c.monitor.Register(c.name, c.expected, rec.LastNotifiedAt, rec.LastErrorAt, rec.LastError)
	}
	return nil
}

// Poll runs one cycle. A fetch failure leaves the persisted set untouched.
func (c *Calendar) Poll(ctx context.Context) (PollResult, error) {
	res := PollResult{Calendar: c.name}

	rec, err := c.store.Load(ctx, c.name)
	if err != nil {
		c.metrics.ObservePoll(c.name, metrics.ResultStateError, 0)
		return res, fmt.Errorf("load state %s: %w", c.name, err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	started := time.Now()
	events, err := c.fetcher.FetchUpcoming(fetchCtx, c.calendarID, c.horizonDays)
	took := time.Since(started)
	cancel()

	now := c.now()
	if err != nil {
		err = fmt.Errorf("fetch %s: %w", c.name, err)
		c.metrics.ObservePoll(c.name, metrics.ResultFetchError, took)
		if c.monitor != nil {
			c.monitor.RecordError(c.name, now, err)
		}
		if !c.dryRun {
			rec.LastErrorAt = now
			rec.LastError = err.Error()
			if saveErr := c.save(ctx, rec); saveErr != nil {
				err = errors.Join(err, fmt.Errorf("save state %s: %w", c.name, saveErr))
			}
		}
		return res, err
	}

	out := c.tracker.Poll(ctx, rec.Notified, events)
	res.Fetched = len(events)
	res.Notified = len(out.Notified)
	res.Pending = out.State.Len()

	rec.Notified = out.State
	if res.Notified > 0 {
		rec.LastNotifiedAt = now
	}

	c.metrics.ObserveState(c.name, res.Notified, res.Pending, now)
	if c.monitor != nil {
		c.monitor.RecordPoll(c.name, now, res.Notified, res.Pending)
	}

	if c.dryRun {
		c.metrics.ObservePoll(c.name, metrics.ResultOK, took)
		return res, nil
	}
	if err := c.save(ctx, rec); err != nil {
		c.metrics.ObservePoll(c.name, metrics.ResultStateError, took)
		return res, fmt.Errorf("save state %s: %w", c.name, err)
	}
	c.metrics.ObservePoll(c.name, metrics.ResultOK, took)

	appLog.Debug("poll completed",
		"calendar", c.name,
		"fetched", res.Fetched,
		"notified", res.Notified,
		"pending", res.Pending,
	)
	return res, nil
}

// save ignores cancellation of ctx. Once sinks have fired the set must be
// stored, or a restart notifies the same events again.
func (c *Calendar) save(ctx context.Context, rec state.Record) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	return c.store.Save(saveCtx, c.name, rec)
}

// countingSink counts delivery failures before handing them to the tracker,
// which logs and drops them.
type countingSink struct {
	next     tracker.Sink
	calendar string
	metrics  *metrics.Metrics
}

func (s countingSink) Notify(ctx context.Context, payload []byte) error {
	if s.next == nil {
		return nil
	}
	err := s.next.Notify(ctx, payload)
	if err != nil {
		s.metrics.SinkError(s.calendar)
	}
	return err
}
