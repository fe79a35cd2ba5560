package ics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnotify/internal/model"
)

var testNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

const testFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calnotify//test//EN
BEGIN:VEVENT
UID:single-1
DTSTAMP:20260501T000000Z
DTSTART:20260603T090000Z
DTEND:20260603T100000Z
SUMMARY:Planning
DESCRIPTION:Quarterly planning
LOCATION:Room 4
END:VEVENT
BEGIN:VEVENT
UID:past-1
DTSTAMP:20260501T000000Z
DTSTART:20260520T090000Z
DTEND:20260520T100000Z
SUMMARY:Already happened
END:VEVENT
BEGIN:VEVENT
UID:far-1
DTSTAMP:20260501T000000Z
DTSTART:20260701T090000Z
DTEND:20260701T100000Z
SUMMARY:Beyond horizon
END:VEVENT
BEGIN:VEVENT
UID:weekly-1
DTSTAMP:20260501T000000Z
DTSTART:20260525T100000Z
DTEND:20260525T103000Z
RRULE:FREQ=WEEKLY;COUNT=4
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20260501T000000Z
DTSTART:20260602T120000Z
DTEND:20260602T130000Z
SUMMARY:No identity
END:VEVENT
END:VCALENDAR
`

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func eventIDs(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return testNow }), WithName("test")}
	return NewFetcher(t.TempDir(), append(base, opts...)...)
}

func TestFetchUpcoming_WindowAndIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(crlf(testFeed)))
	}))
	defer srv.Close()

	events, err := newTestFetcher(t).FetchUpcoming(context.Background(), srv.URL+"/cal.ics", 10)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"weekly-1_20260601T100000Z",
		"",
		"single-1",
		"weekly-1_20260608T100000Z",
	}, eventIDs(events))

	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Start.Before(events[i-1].Start), "events must be ordered by start")
	}

	var doc map[string]any
	require.NoError(t, json.Unmarshal(events[2].Payload, &doc))
	assert.Equal(t, "single-1", doc["id"])
	assert.Equal(t, "Planning", doc["summary"])
	assert.Equal(t, "Quarterly planning", doc["description"])
	assert.Equal(t, "Room 4", doc["location"])
}

func TestFetchUpcoming_WithLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(crlf(testFeed)))
	}))
	defer srv.Close()

	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	events, err := newTestFetcher(t, WithLocation(seoul)).FetchUpcoming(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)

	// Identities stay in UTC whatever the display zone is.
	assert.Equal(t, "weekly-1_20260601T100000Z", events[0].ID)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(events[2].Payload, &doc))
	assert.Equal(t, "single-1", doc["id"])
	assert.Equal(t, "2026-06-03T18:00:00+09:00", doc["start"])
}

func TestFetchUpcoming_MaxResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(crlf(testFeed)))
	}))
	defer srv.Close()

	events, err := newTestFetcher(t, WithMaxResults(2)).FetchUpcoming(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"weekly-1_20260601T100000Z", ""}, eventIDs(events))
}

func TestFetchUpcoming_ConditionalRequestUsesCache(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(crlf(testFeed)))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	first, err := f.FetchUpcoming(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	second, err := f.FetchUpcoming(context.Background(), srv.URL, 10)
	require.NoError(t, err)

	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, eventIDs(first), eventIDs(second))
}

func TestFetchUpcoming_ServerErrorFallsBackToCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(crlf(testFeed)))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.FetchUpcoming(context.Background(), srv.URL, 10)
	require.NoError(t, err)

	fail.Store(true)
	events, err := f.FetchUpcoming(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestFetchUpcoming_ErrorWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).FetchUpcoming(context.Background(), srv.URL, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestFetchUpcoming_EmptyWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(crlf(testFeed)))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), WithClock(func() time.Time {
		return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	events, err := f.FetchUpcoming(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseFeed_EmptyBody(t *testing.T) {
	_, err := ParseFeed(Source{ID: "x"}, nil)
	assert.Error(t, err)
}

func TestParseFeed_ExDateAndOverride(t *testing.T) {
	const feed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calnotify//test//EN
BEGIN:VEVENT
UID:w
DTSTAMP:20260501T000000Z
DTSTART;TZID=Asia/Seoul:20260601T090000
DTEND;TZID=Asia/Seoul:20260601T093000
RRULE:FREQ=DAILY;COUNT=5
EXDATE;TZID=Asia/Seoul:20260602T090000
SUMMARY:Daily
END:VEVENT
BEGIN:VEVENT
UID:w
DTSTAMP:20260501T000000Z
RECURRENCE-ID;TZID=Asia/Seoul:20260603T090000
DTSTART;TZID=Asia/Seoul:20260603T150000
DTEND;TZID=Asia/Seoul:20260603T153000
SUMMARY:Daily (moved)
END:VEVENT
BEGIN:VEVENT
UID:holiday
DTSTAMP:20260501T000000Z
DTSTART;VALUE=DATE:20260606
DTEND;VALUE=DATE:20260607
SUMMARY:Holiday
END:VEVENT
END:VCALENDAR
`
	events, err := ParseFeed(Source{ID: "team"}, []byte(crlf(feed)))
	require.NoError(t, err)
	require.Len(t, events, 3)

	base := events[0]
	assert.Equal(t, "team", base.SourceID)
	assert.False(t, base.Overrides())
	require.Len(t, base.ExDates, 1)
	assert.True(t, time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC).Equal(base.ExDates[0]), base.ExDates[0])

	ov := events[1]
	require.True(t, ov.Overrides())
	assert.True(t, time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC).Equal(*ov.RecurrenceID), *ov.RecurrenceID)

	assert.True(t, events[2].AllDay)

	occs, err := Expand(events, Window{
		Start: time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	byID := make(map[string]model.Occurrence, len(occs))
	for _, o := range occs {
		byID[o.OccurrenceID()] = o
	}
	assert.Len(t, byID, 5)
	assert.NotContains(t, byID, "w_20260602T000000Z")
	require.Contains(t, byID, "w_20260603T000000Z")
	assert.Equal(t, "Daily (moved)", byID["w_20260603T000000Z"].Summary)
	assert.Equal(t, 6, byID["w_20260603T000000Z"].Start.Hour())
	assert.Contains(t, byID, "holiday")
}

func TestExpand_Override(t *testing.T) {
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	rid := base.AddDate(0, 0, 7)
	events := []FeedEvent{
		{UID: "w", Start: base, End: base.Add(30 * time.Minute), RRule: "FREQ=WEEKLY;COUNT=3", Summary: "Standup"},
		{UID: "w", Start: rid.Add(2 * time.Hour), End: rid.Add(150 * time.Minute), RecurrenceID: &rid, Summary: "Moved standup"},
	}

	occs, err := Expand(events, Window{
		Start: base.Add(-time.Hour),
		End:   base.AddDate(0, 0, 30),
	})
	require.NoError(t, err)
	require.Len(t, occs, 3)

	moved := occs[1]
	assert.Equal(t, "Moved standup", moved.Summary)
	assert.Equal(t, "w_20260608T100000Z", moved.OccurrenceID())
	assert.True(t, rid.Add(2*time.Hour).Equal(moved.Start))
}

func TestExpand_Limit(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	events := []FeedEvent{{UID: "h", Start: start, End: start.Add(time.Minute), RRule: "FREQ=HOURLY"}}

	occs, err := Expand(events, Window{Start: start, End: start.AddDate(0, 0, 30), Limit: 10})
	require.NoError(t, err)
	assert.Len(t, occs, 10)
}

func TestExpand_InvalidWindow(t *testing.T) {
	now := time.Now()
	_, err := Expand(nil, Window{Start: now, End: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/private.ics?token=abc"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
