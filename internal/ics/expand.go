package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calnotify/internal/log"
	"calnotify/internal/model"
)

// defaultInstanceLimit bounds how many instances one series may produce in
// a single window.
const defaultInstanceLimit = 5000

// Window selects occurrences that overlap [Start, End].
type Window struct {
	Start time.Time
	End   time.Time

	// Location is the zone occurrence times are reported in. Nil means UTC.
	Location *time.Location

	// Limit caps instances per series. Zero means defaultInstanceLimit.
	Limit int
}

// series is a base event with the overrides sharing its UID, keyed by the
// unix second of their RECURRENCE-ID.
type series struct {
	bases     []FeedEvent
	overrides map[int64]FeedEvent
}

func (s *series) override(originalStart time.Time) (FeedEvent, bool) {
	ov, ok := s.overrides[originalStart.Unix()]
	return ov, ok
}

// Expand turns parsed events into concrete occurrences within w. RRULE and
// EXDATE are applied, and an override replaces the instance whose original
// start equals its RECURRENCE-ID. Output order is unspecified.
func Expand(events []FeedEvent, w Window) ([]model.Occurrence, error) {
	if w.End.Before(w.Start) {
		return nil, errors.New("expand: window ends before it starts")
	}
	if w.Location == nil {
		w.Location = time.UTC
	}
	if w.Limit <= 0 {
		w.Limit = defaultInstanceLimit
	}

	byUID := make(map[string]*series)
	for _, ev := range events {
		s, ok := byUID[ev.UID]
		if !ok {
			s = &series{overrides: make(map[int64]FeedEvent)}
			byUID[ev.UID] = s
		}
		if ev.Overrides() {
			s.overrides[ev.RecurrenceID.Unix()] = ev
		} else {
			s.bases = append(s.bases, ev)
		}
	}

	var out []model.Occurrence
	for uid, s := range byUID {
		for _, base := range s.bases {
			if base.RRule == "" {
				out = append(out, w.single(base, s)...)
				continue
			}
			occs, err := w.recurring(base, s)
			if err != nil {
				appLog.Warn("skipping series with bad RRULE", "uid", uid, "rrule", base.RRule, "err", err.Error())
				continue
			}
			out = append(out, occs...)
		}
	}
	return out, nil
}

func (w Window) single(ev FeedEvent, s *series) []model.Occurrence {
	if ev.End.Before(w.Start) || w.End.Before(ev.Start) {
		return nil
	}
	if ov, ok := s.override(ev.Start); ok {
		ev = ov
	}
	return []model.Occurrence{w.occurrence(ev, ev.Start, ev.End, "")}
}

func (w Window) recurring(ev FeedEvent, s *series) ([]model.Occurrence, error) {
	rule, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, err
	}
	zone := ev.Start.Location()
	rule.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(zone))
	}

	starts := set.Between(w.Start.In(zone), w.End.In(zone), true)
	if len(starts) > w.Limit {
		appLog.Warn("series truncated", "uid", ev.UID, "instances", len(starts), "limit", w.Limit)
		starts = starts[:w.Limit]
	}

	span := ev.End.Sub(ev.Start)
	days := int(span.Hours()+12) / 24
	if days < 1 {
		days = 1
	}

	out := make([]model.Occurrence, 0, len(starts))
	for _, start := range starts {
		var end time.Time
		if ev.AllDay {
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			end = start.AddDate(0, 0, days)
		} else {
			end = start.Add(span)
		}

		key := instanceKey(start, ev.AllDay)
		if ov, ok := s.override(start); ok {
			out = append(out, w.occurrence(ov, ov.Start, ov.End, key))
			continue
		}
		out = append(out, w.occurrence(ev, start, end, key))
	}
	return out, nil
}

func (w Window) occurrence(ev FeedEvent, start, end time.Time, key string) model.Occurrence {
	return model.Occurrence{
		SourceID:    ev.SourceID,
		UID:         ev.UID,
		InstanceKey: key,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		AllDay:      ev.AllDay,
		Start:       start.In(w.Location),
		End:         end.In(w.Location),
	}
}

// instanceKey names one recurrence instance by its original start, so an
// override that moves the instance keeps its identity.
func instanceKey(originalStart time.Time, allDay bool) string {
	if allDay {
		return originalStart.Format("20060102")
	}
	return originalStart.UTC().Format("20060102T150405Z")
}
