package domain

import "time"

// EventLogStatus is the settled outcome of one publish.
type EventLogStatus string

const (
	EventLogProcessing     EventLogStatus = "processing"
	EventLogCompleted      EventLogStatus = "completed"
	EventLogPartialFailure EventLogStatus = "partial_failure"
	EventLogFailed         EventLogStatus = "failed"
)

// HandlerResult is the outcome of one subscribed handler.
type HandlerResult struct {
	Handler  string        `json:"handler"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// EventLogEntry is the durable audit record of a published event.
type EventLogEntry struct {
	EventID          string          `json:"event_id"`
	Type             string          `json:"type"`
	Version          int             `json:"version"`
	TenantID         string          `json:"tenant_id"`
	AggregateID      string          `json:"aggregate_id,omitempty"`
	AggregateVersion int64           `json:"aggregate_version,omitempty"`
	Payload          map[string]any  `json:"payload"`
	Metadata         EventMetadata   `json:"metadata"`
	Status           EventLogStatus  `json:"status"`
	HandlerResults   []HandlerResult `json:"handler_results"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// NewEventLogEntry starts a processing entry for event.
func NewEventLogEntry(event DomainEvent, now time.Time, retention time.Duration) *EventLogEntry {
	return &EventLogEntry{
		EventID:          event.ID,
		Type:             event.Type,
		Version:          event.Version,
		TenantID:         event.TenantID,
		AggregateID:      event.AggregateID,
		AggregateVersion: event.AggregateVersion,
		Payload:          event.Payload,
		Metadata:         event.Metadata,
		Status:           EventLogProcessing,
		HandlerResults:   []HandlerResult{},
		CreatedAt:        now,
		ExpiresAt:        now.Add(retention),
	}
}

// Event rebuilds the published event from the log entry.
func (e *EventLogEntry) Event() DomainEvent {
	return DomainEvent{
		ID:               e.EventID,
		Type:             e.Type,
		Version:          e.Version,
		TenantID:         e.TenantID,
		AggregateID:      e.AggregateID,
		AggregateVersion: e.AggregateVersion,
		Payload:          e.Payload,
		Metadata:         e.Metadata,
	}
}

// SettleStatus derives the final status from handler outcomes.
// No subscribed handlers counts as completed.
func SettleStatus(results []HandlerResult) EventLogStatus {
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	switch {
	case failed == 0:
		return EventLogCompleted
	case failed == len(results):
		return EventLogFailed
	default:
		return EventLogPartialFailure
	}
}

// EventLogFilter narrows admin listings of the event log.
type EventLogFilter struct {
	Type     string
	TenantID string
	Status   *EventLogStatus
	Limit    int
	Offset   int
}
