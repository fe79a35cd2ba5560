// Package gcal fetches upcoming events from the Google Calendar API v3.
package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	appLog "calnotify/internal/log"
	"calnotify/internal/model"
)

// Fetcher lists upcoming single events (recurrences expanded by Google).
type Fetcher struct {
	svc        *calendar.Service
	maxResults int
	now        func() time.Time
	name       string
}

// Option configures a Fetcher.
type Option func(*fetcherOptions)

type fetcherOptions struct {
	client     []option.ClientOption
	maxResults int
	now        func() time.Time
	name       string
}

// WithClientOptions passes extra options to calendar.NewService (endpoint,
// HTTP client, ...).
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *fetcherOptions) { o.client = append(o.client, opts...) }
}

// WithMaxResults limits one fetch to a single page of n events. Zero pages
// through everything in the window.
func WithMaxResults(n int) Option {
	return func(o *fetcherOptions) { o.maxResults = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *fetcherOptions) { o.now = now }
}

// WithName sets the calendar name attached to log lines.
func WithName(name string) Option {
	return func(o *fetcherOptions) { o.name = name }
}

// NewFetcher authenticates with a service account JSON key (read-only
// calendar scope). credentialsJSON may be nil when the client options
// already carry authentication.
func NewFetcher(ctx context.Context, credentialsJSON []byte, opts ...Option) (*Fetcher, error) {
	o := fetcherOptions{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	clientOpts := make([]option.ClientOption, 0, len(o.client)+2)
	if len(credentialsJSON) > 0 {
		clientOpts = append(clientOpts,
			option.WithCredentialsJSON(credentialsJSON),
			option.WithScopes(calendar.CalendarReadonlyScope),
		)
	}
	clientOpts = append(clientOpts, o.client...)
	if len(clientOpts) == 0 {
		return nil, errors.New("gcal: no credentials configured")
	}

	svc, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcal: creating calendar service: %w", err)
	}

	return &Fetcher{
		svc:        svc,
		maxResults: o.maxResults,
		now:        o.now,
		name:       o.name,
	}, nil
}

// FetchUpcoming lists events overlapping [now, now+horizonDays] ordered by
// start time and keeps those that start within the window.
func (f *Fetcher) FetchUpcoming(ctx context.Context, calendarID string, horizonDays int) ([]model.Event, error) {
	now := f.now()
	rangeEnd := now.AddDate(0, 0, horizonDays)

	call := f.svc.Events.List(calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(now.Format(time.RFC3339)).
		TimeMax(rangeEnd.Format(time.RFC3339))

	var items []*calendar.Event
	if f.maxResults > 0 {
		resp, err := call.MaxResults(int64(f.maxResults)).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("gcal: listing events: %w", err)
		}
		items = resp.Items
	} else {
		err := call.Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("gcal: listing events: %w", err)
		}
	}

	events := make([]model.Event, 0, len(items))
	for _, item := range items {
		start := eventStart(item)
		// timeMin filters on end time, so events already in progress come back.
		if !start.IsZero() && start.Before(now) {
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("gcal: encoding event %s: %w", item.Id, err)
		}
		events = append(events, model.Event{
			ID:      item.Id,
			Start:   start,
			Payload: payload,
		})
	}

	appLog.Debug("gcal fetch completed", "calendar", f.name, "items", len(items), "events", len(events))
	return events, nil
}

// eventStart returns the event's start, or the zero time when the API did
// not provide a parseable one.
func eventStart(ev *calendar.Event) time.Time {
	if ev == nil || ev.Start == nil {
		return time.Time{}
	}
	if ev.Start.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
			return t
		}
	}
	if ev.Start.Date != "" {
		loc := time.UTC
		if ev.Start.TimeZone != "" {
			if l, err := time.LoadLocation(ev.Start.TimeZone); err == nil {
				loc = l
			}
		}
		if t, err := time.ParseInLocation("2006-01-02", ev.Start.Date, loc); err == nil {
			return t
		}
	}
	return time.Time{}
}
