// Package health decides whether each watched calendar is "working": it
// produced a notification within its expected receive period and has not
// logged an error since.
package health

import (
	"sort"
	"sync"
	"time"
)

// errorGrace mirrors the two-minute overlap between an error log and the
// last emitted notification that still counts as "recent".
const errorGrace = 2 * time.Minute

// Status is the health view of one calendar.
type Status struct {
	Name           string        `json:"name"`
	Working        bool          `json:"working"`
	ExpectedPeriod time.Duration `json:"-"`
	ExpectedDays   int           `json:"expected_receive_period_days"`
	LastNotifiedAt time.Time     `json:"last_notified_at,omitzero"`
	LastPollAt     time.Time     `json:"last_poll_at,omitzero"`
	LastErrorAt    time.Time     `json:"last_error_at,omitzero"`
	LastError      string        `json:"last_error,omitempty"`
	Notified       int           `json:"notified"`
}

type entry struct {
	expected       time.Duration
	lastNotifiedAt time.Time
	lastPollAt     time.Time
	lastErrorAt    time.Time
	lastError      string
	notified       int
}

// Monitor is safe for concurrent use: the scheduler writes while the HTTP
// status handler reads.
type Monitor struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewMonitor returns an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{entries: make(map[string]*entry), now: time.Now}
}

// Register declares a calendar and seeds it with persisted timestamps so
// health survives restarts.
func (m *Monitor) Register(name string, expected time.Duration, lastNotifiedAt, lastErrorAt time.Time, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = &entry{
		expected:       expected,
		lastNotifiedAt: lastNotifiedAt,
		lastErrorAt:    lastErrorAt,
		lastError:      lastError,
	}
}

func (m *Monitor) get(name string) *entry {
	e, ok := m.entries[name]
	if !ok {
		e = &entry{}
		m.entries[name] = e
	}
	return e
}

// RecordPoll notes a successful poll and how many identities are pending.
func (m *Monitor) RecordPoll(name string, at time.Time, notifiedNow, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(name)
	e.lastPollAt = at
	e.notified = pending
	if notifiedNow > 0 {
		e.lastNotifiedAt = at
	}
}

// RecordError notes a failed poll.
func (m *Monitor) RecordError(name string, at time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.get(name)
	e.lastErrorAt = at
	if err != nil {
		e.lastError = err.Error()
	}
}

// Status reports one calendar. Unknown names report not working.
func (m *Monitor) Status(name string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[name]
	if !ok {
		return Status{Name: name}
	}
	return e.status(name, m.now())
}

// All reports every calendar, sorted by name.
func (m *Monitor) All() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]Status, 0, len(m.entries))
	for name, e := range m.entries {
		out = append(out, e.status(name, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Working reports whether every registered calendar is working.
func (m *Monitor) Working() bool {
	for _, s := range m.All() {
		if !s.Working {
			return false
		}
	}
	return true
}

func (e *entry) status(name string, now time.Time) Status {
	return Status{
		Name:           name,
		Working:        e.receivedWithin(now) && !e.recentError(),
		ExpectedPeriod: e.expected,
		ExpectedDays:   int(e.expected / (24 * time.Hour)),
		LastNotifiedAt: e.lastNotifiedAt,
		LastPollAt:     e.lastPollAt,
		LastErrorAt:    e.lastErrorAt,
		LastError:      e.lastError,
		Notified:       e.notified,
	}
}

func (e *entry) receivedWithin(now time.Time) bool {
	if e.lastNotifiedAt.IsZero() || e.expected <= 0 {
		return false
	}
	return e.lastNotifiedAt.After(now.Add(-e.expected))
}

func (e *entry) recentError() bool {
	if e.lastErrorAt.IsZero() {
		return false
	}
	if e.lastNotifiedAt.IsZero() {
		return true
	}
	return e.lastErrorAt.After(e.lastNotifiedAt.Add(-errorGrace))
}
