package sentinel

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

// EventType classifies ledger entries.
type EventType string

const (
	EventModeChange     EventType = "mode_change"
	EventAutoBlock      EventType = "auto_block"
	EventManualBlock    EventType = "manual_block"
	EventManualOverride EventType = "manual_override"
	EventConfigRejected EventType = "config_rejected"
	EventConfigApplied  EventType = "config_applied"
	EventTickSkipped    EventType = "tick_skipped"
	EventStorageLagging EventType = "storage_lagging"
)

// EventSeverity ranks events for log routing.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// SecurityEvent is one recorded sentinel decision.
type SecurityEvent struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Severity   EventSeverity     `json:"severity"`
	SourceIP   string            `json:"sourceIP,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// EventLedger is a bounded, TTL-evicted record of sentinel decisions: mode
// transitions, auto-blocks, rejected configs. Each record is also routed to
// the structured log at its severity.
type EventLedger struct {
	mu         sync.RWMutex
	ttl        time.Duration
	maxEntries int
	entries    []SecurityEvent
	logger     *log.Logger
}

func NewEventLedger(ttl time.Duration, maxEntries int, logger *log.Logger) *EventLedger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &EventLedger{ttl: ttl, maxEntries: maxEntries, logger: logger}
}

// Record appends an event, assigns it an ID and logs it.
func (l *EventLedger) Record(eventType EventType, severity EventSeverity, sourceIP string, details map[string]string) SecurityEvent {
	event := SecurityEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Severity:   severity,
		SourceIP:   sourceIP,
		Details:    details,
		RecordedAt: time.Now(),
	}

	l.mu.Lock()
	l.entries = append(l.entries, event)
	if len(l.entries) > l.maxEntries {
		l.entries = append(l.entries[:0:0], l.entries[len(l.entries)-l.maxEntries/2:]...)
	}
	l.mu.Unlock()

	if l.logger != nil {
		entry := l.logger.Info()
		switch severity {
		case SeverityWarning:
			entry = l.logger.Warn()
		case SeverityCritical:
			entry = l.logger.Error()
		}
		entry = entry.Str("event", string(eventType)).Str("id", event.ID)
		if sourceIP != "" {
			entry = entry.Str("ip", sourceIP)
		}
		for k, v := range details {
			entry = entry.Str(k, v)
		}
		entry.Msg("security event")
	}
	return event
}

// Snapshot returns the unexpired events, newest first, capped at limit
// (limit <= 0 means all).
func (l *EventLedger) Snapshot(limit int) []SecurityEvent {
	cutoff := time.Now().Add(-l.ttl)
	l.mu.RLock()
	events := make([]SecurityEvent, 0, len(l.entries))
	for _, e := range l.entries {
		if e.RecordedAt.After(cutoff) {
			events = append(events, e)
		}
	}
	l.mu.RUnlock()
	sort.Slice(events, func(i, j int) bool { return events[i].RecordedAt.After(events[j].RecordedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// Cleanup drops expired events; called once per tick.
func (l *EventLedger) Cleanup(now time.Time) {
	cutoff := now.Add(-l.ttl)
	l.mu.Lock()
	idx := 0
	for idx < len(l.entries) && !l.entries[idx].RecordedAt.After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.entries = append(l.entries[:0:0], l.entries[idx:]...)
	}
	l.mu.Unlock()
}
