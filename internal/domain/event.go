package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types published by the orchestration core itself.
const (
	EventSagaStarted       = "saga.started"
	EventSagaCompleted     = "saga.completed"
	EventSagaFailed        = "saga.failed"
	EventApprovalRequested = "approval.requested"
	EventApprovalApproved  = "approval.approved"
	EventApprovalRejected  = "approval.rejected"
	EventApprovalEscalated = "approval.escalated"
)

var reservedEventPrefixes = []string{"saga.", "approval."}

// IsReservedEventType reports whether only the core itself may publish the type.
func IsReservedEventType(eventType string) bool {
	for _, prefix := range reservedEventPrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// EventMetadata carries tracing and correlation data alongside an event.
type EventMetadata struct {
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SagaID        string    `json:"saga_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DomainEvent is an immutable fact published by a module.
type DomainEvent struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Version          int            `json:"version"`
	TenantID         string         `json:"tenant_id"`
	AggregateID      string         `json:"aggregate_id,omitempty"`
	AggregateVersion int64          `json:"aggregate_version,omitempty"`
	Payload          map[string]any `json:"payload"`
	Metadata         EventMetadata  `json:"metadata"`
}

// NewDomainEvent creates an event with a fresh id and timestamp.
func NewDomainEvent(eventType, tenantID string, payload map[string]any) DomainEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return DomainEvent{
		ID:       uuid.NewString(),
		Type:     eventType,
		Version:  1,
		TenantID: tenantID,
		Payload:  payload,
		Metadata: EventMetadata{Timestamp: time.Now().UTC()},
	}
}

// Validate checks the fields every published event must carry.
func (e DomainEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return NewValidationError("id", "event id is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return NewValidationError("type", "event type is required")
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return NewValidationError("tenant_id", "tenant id is required")
	}
	return nil
}

// CorrelationKey returns the id that ties this event to one business transaction.
func (e DomainEvent) CorrelationKey() string {
	if e.Metadata.CorrelationID != "" {
		return e.Metadata.CorrelationID
	}
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// Caused returns a new event of eventType that inherits tenant and correlation from e.
func (e DomainEvent) Caused(eventType, source string, payload map[string]any) DomainEvent {
	next := NewDomainEvent(eventType, e.TenantID, payload)
	next.Metadata.Source = source
	next.Metadata.CorrelationID = e.CorrelationKey()
	next.Metadata.SagaID = e.Metadata.SagaID
	next.Metadata.TraceID = e.Metadata.TraceID
	return next
}

// PayloadString reads a string payload field, returning "" when absent.
func (e DomainEvent) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
