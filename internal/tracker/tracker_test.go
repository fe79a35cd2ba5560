package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calnotify/internal/model"
)

type recordingSink struct {
	payloads []string
	err      error
}

func (s *recordingSink) Notify(_ context.Context, payload []byte) error {
	s.payloads = append(s.payloads, string(payload))
	return s.err
}

func ev(id string) model.Event {
	return model.Event{ID: id, Payload: json.RawMessage(`{"id":"` + id + `"}`)}
}

func ids(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestPoll_Scenarios(t *testing.T) {
	sink := &recordingSink{}
	tr := New(sink)
	ctx := context.Background()

	// F1: first sighting of a and b.
	res := tr.Poll(ctx, NewNotifiedSet(), []model.Event{ev("a"), ev("b")})
	assert.Equal(t, []string{"a", "b"}, ids(res.Notified))
	assert.Equal(t, []string{"a", "b"}, res.State.IDs())

	// F2: b repeats, c is new, a falls out.
	res = tr.Poll(ctx, res.State, []model.Event{ev("b"), ev("c")})
	assert.Equal(t, []string{"c"}, ids(res.Notified))
	assert.Equal(t, []string{"b", "c"}, res.State.IDs())

	// F3: empty window resets everything.
	res = tr.Poll(ctx, res.State, nil)
	assert.Empty(t, res.Notified)
	assert.Equal(t, 0, res.State.Len())

	// F4: an event without id is ignored.
	res = tr.Poll(ctx, res.State, []model.Event{ev(""), ev("d")})
	assert.Equal(t, []string{"d"}, ids(res.Notified))
	assert.Equal(t, []string{"d"}, res.State.IDs())

	assert.Equal(t, []string{
		`{"id":"a"}`, `{"id":"b"}`, `{"id":"c"}`, `{"id":"d"}`,
	}, sink.payloads)
}

func TestPoll_Idempotent(t *testing.T) {
	sink := &recordingSink{}
	tr := New(sink)
	batch := []model.Event{ev("x"), ev("y")}

	first := tr.Poll(context.Background(), nil, batch)
	second := tr.Poll(context.Background(), first.State, batch)

	assert.Len(t, first.Notified, 2)
	assert.Empty(t, second.Notified)
	assert.Len(t, sink.payloads, 2)
	assert.Equal(t, first.State.IDs(), second.State.IDs())
}

func TestPoll_EmptyResetsAnyState(t *testing.T) {
	for _, prev := range []NotifiedSet{
		NewNotifiedSet("a"),
		NewNotifiedSet("a", "b", "c"),
	} {
		sink := &recordingSink{}
		res := New(sink).Poll(context.Background(), prev, []model.Event{})
		assert.Empty(t, res.Notified)
		assert.Empty(t, sink.payloads)
		assert.Equal(t, 0, res.State.Len())
	}
}

func TestPoll_CompactionDropsStaleIDs(t *testing.T) {
	prev := NewNotifiedSet("old-1", "old-2", "keep")
	res := New(&recordingSink{}).Poll(context.Background(), prev, []model.Event{ev("keep"), ev("new")})

	assert.Equal(t, []string{"new"}, ids(res.Notified))
	assert.Equal(t, []string{"keep", "new"}, res.State.IDs())
	for _, id := range res.State.IDs() {
		assert.Contains(t, []string{"keep", "new"}, id)
	}
}

func TestPoll_MalformedNeverTracked(t *testing.T) {
	positions := [][]model.Event{
		{ev(""), ev("a")},
		{ev("a"), ev("")},
		{ev(""), ev(""), ev("")},
	}
	for _, batch := range positions {
		sink := &recordingSink{}
		res := New(sink).Poll(context.Background(), NewNotifiedSet(), batch)
		assert.False(t, res.State.Has(""))
		for _, n := range res.Notified {
			assert.NotEmpty(t, n.ID)
		}
		assert.Len(t, sink.payloads, len(res.Notified))
	}
}

func TestPoll_DuplicateWithinBatch(t *testing.T) {
	sink := &recordingSink{}
	first := model.Event{ID: "dup", Payload: json.RawMessage(`"first"`)}
	second := model.Event{ID: "dup", Payload: json.RawMessage(`"second"`)}

	res := New(sink).Poll(context.Background(), nil, []model.Event{first, second})

	require.Len(t, res.Notified, 1)
	assert.Equal(t, []string{`"first"`}, sink.payloads)
	assert.Equal(t, []string{"dup"}, res.State.IDs())
}

func TestPoll_DoesNotMutatePrev(t *testing.T) {
	prev := NewNotifiedSet("a", "stale")
	New(&recordingSink{}).Poll(context.Background(), prev, []model.Event{ev("a"), ev("b")})

	assert.Equal(t, []string{"a", "stale"}, prev.IDs())
}

func TestPoll_SinkErrorIsSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("downstream unavailable")}
	res := New(sink, WithDebug(true), WithName("team")).Poll(context.Background(), nil, []model.Event{ev("a")})

	assert.Equal(t, []string{"a"}, ids(res.Notified))
	assert.True(t, res.State.Has("a"))
}

func TestPoll_NilSink(t *testing.T) {
	res := New(nil).Poll(context.Background(), nil, []model.Event{ev("a")})
	assert.True(t, res.State.Has("a"))
}

func TestNotifiedSetJSON(t *testing.T) {
	data, err := json.Marshal(NewNotifiedSet("b", "a", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))

	var s NotifiedSet
	require.NoError(t, json.Unmarshal([]byte(`["x","y","x"]`), &s))
	assert.Equal(t, []string{"x", "y"}, s.IDs())

	var empty NotifiedSet
	require.NoError(t, json.Unmarshal([]byte(`null`), &empty))
	assert.Equal(t, 0, empty.Len())
	empty.Add("z")
	assert.True(t, empty.Has("z"))
}
