package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calnotify/internal/log"
)

// FeedEvent is one VEVENT with the properties expansion needs. Recurrences
// are kept unexpanded.
type FeedEvent struct {
	SourceID string

	UID         string
	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time

	// RecurrenceID is set on a VEVENT that replaces one instance of a
	// recurring series.
	RecurrenceID *time.Time
}

// Overrides reports whether ev replaces an instance of a series.
func (ev FeedEvent) Overrides() bool { return ev.RecurrenceID != nil }

// ParseFeed decodes an ICS body. A VEVENT that cannot be read is logged and
// skipped; only an unreadable calendar is an error.
func ParseFeed(src Source, body []byte) ([]FeedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing calendar %s: %w", src.ID, err)
	}

	var events []FeedEvent
	for _, ve := range cal.Events() {
		ev, err := readVEvent(ve)
		if err != nil {
			appLog.Warn("skipping unreadable VEVENT", "id", src.ID, "err", err.Error())
			continue
		}
		ev.SourceID = src.ID
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func readVEvent(ve *ical.VEvent) (FeedEvent, error) {
	var ev FeedEvent

	// A missing UID is kept empty. Its occurrences carry no identity and the
	// tracker skips them.
	ev.UID = strings.TrimSpace(propValue(ve, ical.ComponentPropertyUniqueId))
	ev.Summary = propValue(ve, ical.ComponentPropertySummary)
	ev.Description = propValue(ve, ical.ComponentPropertyDescription)
	ev.Location = propValue(ve, ical.ComponentPropertyLocation)
	ev.RRule = propValue(ve, ical.ComponentPropertyRrule)

	start, err := ve.GetStartAt()
	if err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil || end.Before(start) {
		end = start
	}
	ev.Start, ev.End = start, end

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		ev.AllDay = isDateValue(p)
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, v := range strings.Split(p.Value, ",") {
			if t, err := parseDateTime(v, p.ICalParameters, start.Location()); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, err := parseDateTime(p.Value, p.ICalParameters, start.Location())
		if err != nil {
			return ev, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		ev.RecurrenceID = &t
	}
	return ev, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

// isDateValue reports whether a DTSTART holds a DATE rather than a
// DATE-TIME.
func isDateValue(p *ical.IANAProperty) bool {
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// parseDateTime reads an EXDATE or RECURRENCE-ID value. Floating and
// date-only values are placed in TZID when given, else in fallback, which
// is the zone of the event's DTSTART.
func parseDateTime(v string, params map[string][]string, fallback *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	loc := fallback
	if tz := params["TZID"]; len(tz) > 0 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			loc = l
		}
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
