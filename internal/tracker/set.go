package tracker

import (
	"encoding/json"
	"sort"
)

// NotifiedSet holds the identities that have been notified and are still
// present upstream. The zero value is an empty set ready for reads; use
// NewNotifiedSet before adding.
type NotifiedSet map[string]struct{}

// NewNotifiedSet builds a set from ids, ignoring empty strings.
func NewNotifiedSet(ids ...string) NotifiedSet {
	s := make(NotifiedSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// Has reports whether id is in the set.
func (s NotifiedSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts id.
func (s NotifiedSet) Add(id string) {
	s[id] = struct{}{}
}

// Len returns the number of identities.
func (s NotifiedSet) Len() int {
	return len(s)
}

// IDs returns the identities in sorted order.
func (s NotifiedSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns an independent copy.
func (s NotifiedSet) Clone() NotifiedSet {
	out := make(NotifiedSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted array of strings.
func (s NotifiedSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

// UnmarshalJSON accepts an array of strings. null decodes to an empty set.
func (s *NotifiedSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewNotifiedSet(ids...)
	return nil
}
