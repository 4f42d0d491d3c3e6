package domain

import (
	"errors"
	"testing"
	"time"
)

func TestDomainEvent_Validate(t *testing.T) {
	event := NewDomainEvent("order.placed", "acme", nil)
	if err := event.Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if event.Payload == nil {
		t.Error("Expected payload to default to an empty map")
	}

	missingTenant := event
	missingTenant.TenantID = ""
	if err := missingTenant.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}

	missingType := event
	missingType.Type = " "
	if err := missingType.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestDomainEvent_CorrelationKey(t *testing.T) {
	event := NewDomainEvent("order.placed", "acme", nil)
	if event.CorrelationKey() != event.ID {
		t.Errorf("Expected event id fallback, got %s", event.CorrelationKey())
	}

	event.AggregateID = "order-1"
	if event.CorrelationKey() != "order-1" {
		t.Errorf("Expected aggregate id, got %s", event.CorrelationKey())
	}

	event.Metadata.CorrelationID = "corr-1"
	if event.CorrelationKey() != "corr-1" {
		t.Errorf("Expected metadata correlation id, got %s", event.CorrelationKey())
	}
}

func TestDomainEvent_Caused(t *testing.T) {
	parent := NewDomainEvent("order.placed", "acme", nil)
	parent.AggregateID = "order-1"
	parent.Metadata.SagaID = "s1"

	child := parent.Caused(EventSagaStarted, "saga-orchestrator", map[string]any{"saga": "x"})

	if child.ID == parent.ID {
		t.Error("Expected a fresh event id")
	}
	if child.TenantID != "acme" || child.Metadata.CorrelationID != "order-1" || child.Metadata.SagaID != "s1" {
		t.Errorf("Expected inherited tenant and correlation, got %+v", child)
	}
	if child.PayloadString("saga") != "x" || child.PayloadString("missing") != "" {
		t.Error("Unexpected payload lookup result")
	}
}

func TestSettleStatus(t *testing.T) {
	tests := []struct {
		name    string
		results []HandlerResult
		want    EventLogStatus
	}{
		{"no handlers", nil, EventLogCompleted},
		{"all succeeded", []HandlerResult{{Success: true}, {Success: true}}, EventLogCompleted},
		{"some failed", []HandlerResult{{Success: true}, {Error: "boom"}}, EventLogPartialFailure},
		{"all failed", []HandlerResult{{Error: "a"}, {Error: "b"}}, EventLogFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SettleStatus(tt.results); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEventLogEntry_RoundTripsEvent(t *testing.T) {
	now := time.Now().UTC()
	event := NewDomainEvent("order.placed", "acme", map[string]any{"order_id": "o-1"})
	entry := NewEventLogEntry(event, now, time.Hour)

	if entry.Status != EventLogProcessing {
		t.Errorf("Expected processing, got %s", entry.Status)
	}
	if !entry.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("Expected expiry one hour out, got %v", entry.ExpiresAt)
	}
	if rebuilt := entry.Event(); rebuilt.ID != event.ID || rebuilt.PayloadString("order_id") != "o-1" {
		t.Errorf("Unexpected rebuilt event %+v", rebuilt)
	}
}
