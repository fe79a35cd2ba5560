package model

import (
	"encoding/json"
	"time"
)

// Event is one upcoming calendar entry as handed to the notification tracker.
// Fetchers create a fresh slice per poll; the tracker never modifies it.
type Event struct {
	// ID is the provider-assigned identity, stable across polls. It may be
	// empty when the provider failed to assign one.
	ID string

	// Start is only an ordering key.
	Start time.Time

	// Payload is forwarded verbatim to the notification sink.
	Payload json.RawMessage
}

// Occurrence represents a single concrete instance of an ICS event
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	SourceID string // calendar source ID
	UID      string // iCalendar UID

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event. Empty for non-recurring events.
	InstanceKey string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are in the configured display timezone.
	Start time.Time
	End   time.Time
}

// OccurrenceID returns the identity used for deduplication: the UID for
// single events, UID_<instance> for recurrence instances.
func (o Occurrence) OccurrenceID() string {
	if o.UID == "" {
		return ""
	}
	if o.InstanceKey == "" {
		return o.UID
	}
	return o.UID + "_" + o.InstanceKey
}
