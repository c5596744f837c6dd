package security

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the monitor's event buffer.
const DefaultCapacity = 1000

// Event types recorded by the rest of the subsystem.
const (
	EventAuthStarted   = "auth_started"
	EventAuthSuccess   = "auth_success"
	EventAuthFailed    = "auth_failed"
	EventTokenStored   = "token_stored"
	EventTokenRefresh  = "token_refreshed"
	EventRefreshFailed = "refresh_failed"
	EventTokenRevoked  = "token_revoked"
	EventRevokeFailed  = "revoke_failed"
	EventDisconnected  = "disconnected"
	EventHealthCheck   = "health_check"
)

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one immutable entry in the monitor's log.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Provider  string            `json:"provider,omitempty"`
	Severity  string            `json:"severity"`
	Message   string            `json:"message,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// Stats are aggregate counts computed over the buffered events at query
// time; there is no background aggregation.
type Stats struct {
	Total    int `json:"total"`
	Last24h  int `json:"last_24h"`
	Critical int `json:"critical"`
	Warnings int `json:"warnings"`
}

// Monitor is an append-only bounded event log. Eviction is O(1): the backing
// array is used as a ring, the oldest slot is overwritten once full.
type Monitor struct {
	mu     sync.Mutex
	events []Event
	next   int // ring write position
	size   int
}

// NewMonitor creates a monitor holding at most capacity events; capacity <= 0
// uses DefaultCapacity.
func NewMonitor(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{events: make([]Event, capacity)}
}

// Log appends an event, filling in id and timestamp if unset and evicting
// the oldest entry past capacity.
func (m *Monitor) Log(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	m.mu.Lock()
	m.events[m.next] = e
	m.next = (m.next + 1) % len(m.events)
	if m.size < len(m.events) {
		m.size++
	}
	m.mu.Unlock()
}

// RecentEvents returns up to n events, most recent first.
func (m *Monitor) RecentEvents(n int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > m.size {
		n = m.size
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.events)) % len(m.events)
		out = append(out, m.events[idx])
	}
	return out
}

// Stats counts buffered events by recency and severity.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	stats := Stats{Total: m.size}
	for i := 1; i <= m.size; i++ {
		idx := (m.next - i + len(m.events)) % len(m.events)
		e := m.events[idx]
		if e.Timestamp.After(cutoff) {
			stats.Last24h++
		}
		switch e.Severity {
		case SeverityCritical:
			stats.Critical++
		case SeverityWarning:
			stats.Warnings++
		}
	}
	return stats
}
