package domain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noopStep(ctx context.Context, sagaCtx map[string]any, event DomainEvent) (map[string]any, error) {
	return nil, nil
}

func validDefinition() *SagaDefinition {
	return &SagaDefinition{
		Name:         "order-fulfillment",
		TriggerEvent: "order.placed",
		Timeout:      time.Minute,
		Steps: []SagaStep{
			{Name: "reserve_stock", Kind: StepKindExecute, Execute: noopStep},
			{Name: "charge_payment", Kind: StepKindApproval, ApprovalRoles: []string{"finance"}, ApprovalTimeoutAction: TimeoutActionReject},
		},
	}
}

func TestSagaDefinition_Validate(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(d *SagaDefinition)
		field  string
	}{
		{"missing name", func(d *SagaDefinition) { d.Name = " " }, "name"},
		{"missing trigger", func(d *SagaDefinition) { d.TriggerEvent = "" }, "trigger_event"},
		{"no steps", func(d *SagaDefinition) { d.Steps = nil }, "steps"},
		{"zero timeout", func(d *SagaDefinition) { d.Timeout = 0 }, "timeout"},
		{"duplicate step", func(d *SagaDefinition) { d.Steps[1].Name = "reserve_stock" }, "steps[1].name"},
		{"reserved step name", func(d *SagaDefinition) { d.Steps[0].Name = TimeoutStepName }, "steps[0].name"},
		{"execute without func", func(d *SagaDefinition) { d.Steps[0].Execute = nil }, "steps[0].execute"},
		{"approval without roles", func(d *SagaDefinition) { d.Steps[1].ApprovalRoles = nil }, "steps[1].approval_roles"},
		{"unknown timeout action", func(d *SagaDefinition) { d.Steps[1].ApprovalTimeoutAction = "ignore" }, "steps[1].approval_timeout_action"},
		{"unknown kind", func(d *SagaDefinition) { d.Steps[0].Kind = "manual" }, "steps[0].kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(d)
			err := d.Validate()
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("Expected field %s, got %v", tt.field, err)
			}
		})
	}
}

func TestNewSagaInstance(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	event := NewDomainEvent("order.placed", "acme", map[string]any{"order_id": "o-1"})
	event.AggregateID = "order-1"

	inst := NewSagaInstance("s1", validDefinition(), event, now)

	if inst.Status != SagaStatusRunning || inst.Version != 1 || inst.CurrentStep != 0 {
		t.Errorf("Unexpected initial state: %+v", inst)
	}
	if inst.CorrelationID != "order-1" {
		t.Errorf("Expected correlation order-1, got %s", inst.CorrelationID)
	}
	if !inst.TimeoutAt.Equal(now.Add(time.Minute)) {
		t.Errorf("Expected timeout %v, got %v", now.Add(time.Minute), inst.TimeoutAt)
	}
	if !inst.IsActive() || inst.IsTerminal() {
		t.Error("Expected a new instance to be active")
	}
}

func TestSagaInstance_CloneIsDeep(t *testing.T) {
	inst := &SagaInstance{
		ID:      "s1",
		Context: map[string]any{"items": []any{"a"}},
	}
	inst.AppendResult(StepResult{StepName: "reserve_stock", Status: StepStatusSuccess, Result: map[string]any{"id": "r-1"}})

	clone := inst.Clone()
	clone.MergeContext(map[string]any{"extra": true})
	clone.StepResults[0].Status = StepStatusCompensated
	clone.StepResults[0].Result["id"] = "changed"

	if _, ok := inst.Context["extra"]; ok {
		t.Error("Expected original context to be untouched")
	}
	if inst.StepResults[0].Status != StepStatusSuccess {
		t.Error("Expected original step status to be untouched")
	}
	if inst.StepResults[0].Result["id"] != "r-1" {
		t.Error("Expected original step result to be untouched")
	}
}

func TestSagaInstance_Approval(t *testing.T) {
	inst := &SagaInstance{Approvals: []ApprovalRecord{{StepName: "charge_payment", Approved: true, DecidedBy: "u1"}}}

	rec, ok := inst.Approval("charge_payment")
	if !ok || rec.DecidedBy != "u1" {
		t.Errorf("Expected approval record for charge_payment, got %+v", rec)
	}
	if _, ok := inst.Approval("ship_order"); ok {
		t.Error("Expected no approval record for ship_order")
	}
}
