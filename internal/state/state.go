// Package state persists one Record per watched calendar between polls.
//
// A Record wraps the tracker's NotifiedSet together with the timestamps the
// health check needs. Stores are keyed by calendar name; keys never collide
// across calendars, so calendars never share state.
package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"calnotify/internal/tracker"
)

// ErrInvalidKey is returned for an empty key or one containing NUL.
var ErrInvalidKey = errors.New("state: invalid key")

// Record is the persisted slot for one calendar.
type Record struct {
	Notified       tracker.NotifiedSet `json:"notified"`
	LastNotifiedAt time.Time           `json:"last_notified_at,omitzero"`
	LastErrorAt    time.Time           `json:"last_error_at,omitzero"`
	LastError      string              `json:"last_error,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Store loads and saves Records. Load of an unknown key returns a zero
// Record with an empty NotifiedSet and no error.
type Store interface {
	Load(ctx context.Context, key string) (Record, error)
	Save(ctx context.Context, key string, rec Record) error
	Close() error
}

// HealthChecker is implemented by stores that can report whether their
// backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// emptyRecord is what Load returns for a key that was never saved.
func emptyRecord() Record {
	return Record{Notified: tracker.NewNotifiedSet()}
}

// fixup makes sure a decoded record always has a usable set.
func fixup(rec Record) Record {
	if rec.Notified == nil {
		rec.Notified = tracker.NewNotifiedSet()
	}
	return rec
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, "\x00") {
		return ErrInvalidKey
	}
	return nil
}
