package ics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"calnotify/internal/model"
)

// occurrenceDocument is the JSON payload emitted for an ICS occurrence.
type occurrenceDocument struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// FetchUpcoming fetches the feed at calendarID (an ICS URL) and returns the
// occurrences starting within [now, now+horizonDays], ordered by start.
func (f *Fetcher) FetchUpcoming(ctx context.Context, calendarID string, horizonDays int) ([]model.Event, error) {
	src := Source{ID: f.name, URL: calendarID}
	if src.ID == "" {
		src.ID = redactURL(calendarID)
	}

	res, err := f.FetchOne(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("ics fetch: %w", err)
	}

	parsed, err := ParseFeed(src, res.Body)
	if err != nil {
		return nil, fmt.Errorf("ics parse: %w", err)
	}

	now := f.now().In(f.loc)
	rangeEnd := now.AddDate(0, 0, horizonDays)

	expanded, err := Expand(parsed, Window{Start: now, End: rangeEnd, Location: f.loc})
	if err != nil {
		return nil, fmt.Errorf("ics expand: %w", err)
	}

	occs := make([]model.Occurrence, 0, len(expanded))
	for _, occ := range expanded {
		// Expansion keeps anything overlapping the window; only events that
		// have not started yet count as upcoming.
		if occ.Start.Before(now) || occ.Start.After(rangeEnd) {
			continue
		}
		occs = append(occs, occ)
	}
	sort.SliceStable(occs, func(i, j int) bool {
		if !occs[i].Start.Equal(occs[j].Start) {
			return occs[i].Start.Before(occs[j].Start)
		}
		return occs[i].OccurrenceID() < occs[j].OccurrenceID()
	})
	if f.max > 0 && len(occs) > f.max {
		occs = occs[:f.max]
	}

	events := make([]model.Event, 0, len(occs))
	for _, occ := range occs {
		payload, err := json.Marshal(occurrenceDocument{
			ID:          occ.OccurrenceID(),
			SourceID:    occ.SourceID,
			UID:         occ.UID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Description: occ.Description,
			Location:    occ.Location,
			AllDay:      occ.AllDay,
			Start:       occ.Start,
			End:         occ.End,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding occurrence: %w", err)
		}
		events = append(events, model.Event{
			ID:      occ.OccurrenceID(),
			Start:   occ.Start,
			Payload: payload,
		})
	}
	return events, nil
}
