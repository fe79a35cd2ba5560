package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

var testNow = time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC)

const eventsPage = `{
  "kind": "calendar#events",
  "items": [
    {
      "kind": "calendar#event",
      "id": "inprogress",
      "summary": "Started an hour ago",
      "start": {"dateTime": "2026-06-02T07:00:00Z"},
      "end": {"dateTime": "2026-06-02T09:00:00Z"}
    },
    {
      "kind": "calendar#event",
      "id": "evt1",
      "status": "confirmed",
      "summary": "test new event",
      "start": {"dateTime": "2026-06-02T13:00:00+02:00", "timeZone": "Europe/Paris"},
      "end": {"dateTime": "2026-06-02T14:00:00+02:00", "timeZone": "Europe/Paris"}
    },
    {
      "kind": "calendar#event",
      "id": "allday",
      "summary": "Holiday",
      "start": {"date": "2026-06-05"},
      "end": {"date": "2026-06-06"}
    },
    {
      "kind": "calendar#event",
      "summary": "No id",
      "start": {"dateTime": "2026-06-06T10:00:00Z"}
    }
  ]
}`

func newTestFetcher(t *testing.T, handler http.HandlerFunc, opts ...Option) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithClientOptions(
			option.WithEndpoint(srv.URL+"/"),
			option.WithHTTPClient(srv.Client()),
			option.WithoutAuthentication(),
		),
	}
	f, err := NewFetcher(context.Background(), nil, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func TestFetchUpcoming_RequestAndMapping(t *testing.T) {
	var query url.Values
	var path string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(eventsPage))
	}, WithMaxResults(10))

	events, err := f.FetchUpcoming(context.Background(), "team@group.calendar.google.com", 10)
	require.NoError(t, err)

	assert.Equal(t, "/calendars/team@group.calendar.google.com/events", path)
	assert.Equal(t, "10", query.Get("maxResults"))
	assert.Equal(t, "true", query.Get("singleEvents"))
	assert.Equal(t, "startTime", query.Get("orderBy"))
	assert.Equal(t, "2026-06-02T08:00:00Z", query.Get("timeMin"))
	assert.Equal(t, "2026-06-12T08:00:00Z", query.Get("timeMax"))

	require.Len(t, events, 3)
	assert.Equal(t, "evt1", events[0].ID)
	assert.True(t, time.Date(2026, 6, 2, 11, 0, 0, 0, time.UTC).Equal(events[0].Start))
	assert.Equal(t, "allday", events[1].ID)
	assert.Equal(t, "2026-06-05", events[1].Start.Format("2006-01-02"))
	assert.Equal(t, "", events[2].ID)

	var item calendar.Event
	require.NoError(t, json.Unmarshal(events[0].Payload, &item))
	assert.Equal(t, "test new event", item.Summary)
	assert.Equal(t, "Europe/Paris", item.Start.TimeZone)
}

func TestFetchUpcoming_PagesWithoutMaxResults(t *testing.T) {
	calls := 0
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			assert.Empty(t, r.URL.Query().Get("maxResults"))
			_, _ = w.Write([]byte(`{"items":[{"id":"a","start":{"dateTime":"2026-06-03T10:00:00Z"}}],"nextPageToken":"p2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"b","start":{"dateTime":"2026-06-04T10:00:00Z"}}]}`))
	})

	events, err := f.FetchUpcoming(context.Background(), "primary", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
}

func TestFetchUpcoming_APIError(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
	}, WithMaxResults(10))

	_, err := f.FetchUpcoming(context.Background(), "missing", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcal: listing events")
}

func TestNewFetcher_NoCredentials(t *testing.T) {
	_, err := NewFetcher(context.Background(), nil)
	assert.Error(t, err)
}

func TestEventStart(t *testing.T) {
	assert.True(t, eventStart(nil).IsZero())
	assert.True(t, eventStart(&calendar.Event{}).IsZero())
	assert.True(t, eventStart(&calendar.Event{Start: &calendar.EventDateTime{DateTime: "garbage"}}).IsZero())

	got := eventStart(&calendar.Event{Start: &calendar.EventDateTime{Date: "2026-06-05", TimeZone: "Asia/Seoul"}})
	assert.Equal(t, "2026-06-05T00:00:00+09:00", got.Format(time.RFC3339))
}
