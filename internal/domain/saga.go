package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	SagaStatusRunning         SagaStatus = "running"
	SagaStatusWaitingApproval SagaStatus = "waiting_approval"
	SagaStatusCompensating    SagaStatus = "compensating"
	SagaStatusCompleted       SagaStatus = "completed"
	SagaStatusFailed          SagaStatus = "failed"
)

// ActiveSagaStatuses are the statuses counted by the one-active-instance rule.
var ActiveSagaStatuses = []SagaStatus{SagaStatusRunning, SagaStatusWaitingApproval, SagaStatusCompensating}

// StepKind distinguishes plain steps from human approval gates.
type StepKind string

const (
	StepKindExecute  StepKind = "execute"
	StepKindApproval StepKind = "approval"
)

// TimeoutAction is applied by the approval service when a gate deadline passes.
type TimeoutAction string

const (
	TimeoutActionApprove  TimeoutAction = "approve"
	TimeoutActionReject   TimeoutAction = "reject"
	TimeoutActionEscalate TimeoutAction = "escalate"
)

// StepStatus is the outcome recorded for one attempted step.
type StepStatus string

const (
	StepStatusSuccess            StepStatus = "success"
	StepStatusFailed             StepStatus = "failed"
	StepStatusRejected           StepStatus = "rejected"
	StepStatusCompensated        StepStatus = "compensated"
	StepStatusCompensationFailed StepStatus = "compensation_failed"
)

// TimeoutStepName marks the result appended by the recovery sweep.
const TimeoutStepName = "timeout"

// StepFunc executes a step and returns the keys to merge into the saga context.
type StepFunc func(ctx context.Context, sagaCtx map[string]any, event DomainEvent) (map[string]any, error)

// CompensateFunc semantically undoes a previously successful step.
type CompensateFunc func(ctx context.Context, sagaCtx map[string]any, event DomainEvent) error

// SagaStep is one entry of a definition. Approval steps park the saga until a
// decision is made; their Execute, when set, runs once approval is granted.
type SagaStep struct {
	Name                  string
	Kind                  StepKind
	Execute               StepFunc
	Compensate            CompensateFunc
	ApprovalRoles         []string
	EscalationRoles       []string
	ApprovalTimeoutAction TimeoutAction
	ApprovalTimeout       time.Duration
}

// SagaDefinition is a static, process-lifetime registry entry.
type SagaDefinition struct {
	Name             string
	TriggerEvent     string
	Steps            []SagaStep
	Timeout          time.Duration
	ApprovalDeadline time.Duration
}

// Validate checks a definition before registration.
func (d *SagaDefinition) Validate() error {
	if d == nil {
		return NewValidationError("definition", "saga definition is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return NewValidationError("name", "saga name is required")
	}
	if strings.TrimSpace(d.TriggerEvent) == "" {
		return NewValidationError("trigger_event", "trigger event type is required")
	}
	if len(d.Steps) == 0 {
		return NewValidationError("steps", "at least one step is required")
	}
	if d.Timeout <= 0 {
		return NewValidationError("timeout", "timeout must be positive")
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return NewValidationError(fmt.Sprintf("steps[%d].name", i), "step name is required")
		}
		if step.Name == TimeoutStepName {
			return NewValidationError(fmt.Sprintf("steps[%d].name", i), "step name is reserved")
		}
		if seen[step.Name] {
			return NewValidationError(fmt.Sprintf("steps[%d].name", i), "duplicate step name "+step.Name)
		}
		seen[step.Name] = true
		switch step.Kind {
		case StepKindExecute:
			if step.Execute == nil {
				return NewValidationError(fmt.Sprintf("steps[%d].execute", i), "execute steps need an execute function")
			}
		case StepKindApproval:
			if len(step.ApprovalRoles) == 0 {
				return NewValidationError(fmt.Sprintf("steps[%d].approval_roles", i), "approval steps need eligible roles")
			}
			switch step.ApprovalTimeoutAction {
			case TimeoutActionApprove, TimeoutActionReject, TimeoutActionEscalate:
			default:
				return NewValidationError(fmt.Sprintf("steps[%d].approval_timeout_action", i), "unknown timeout action")
			}
		default:
			return NewValidationError(fmt.Sprintf("steps[%d].kind", i), "unknown step kind")
		}
	}
	return nil
}

// Step looks up a step by name.
func (d *SagaDefinition) Step(name string) (SagaStep, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return SagaStep{}, false
}

// StepResult records the outcome of one attempted step.
type StepResult struct {
	StepName          string         `json:"step_name"`
	Status            StepStatus     `json:"status"`
	Result            map[string]any `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	CompletedAt       time.Time      `json:"completed_at"`
	CompensatedAt     *time.Time     `json:"compensated_at,omitempty"`
	CompensationError string         `json:"compensation_error,omitempty"`
}

// ApprovalRecord is the decision that released (or rejected) an approval step.
type ApprovalRecord struct {
	StepName  string    `json:"step_name"`
	GateID    string    `json:"gate_id,omitempty"`
	Approved  bool      `json:"approved"`
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
}

// SagaInstance is the durable, version-guarded state of one running saga.
type SagaInstance struct {
	ID             string           `json:"id"`
	SagaName       string           `json:"saga_name"`
	TriggerEventID string           `json:"trigger_event_id"`
	TenantID       string           `json:"tenant_id"`
	CorrelationID  string           `json:"correlation_id"`
	CurrentStep    int              `json:"current_step"`
	Status         SagaStatus       `json:"status"`
	Version        int64            `json:"version"`
	Context        map[string]any   `json:"context"`
	StepResults    []StepResult     `json:"step_results"`
	Approvals      []ApprovalRecord `json:"approvals,omitempty"`
	TimeoutAt      time.Time        `json:"timeout_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// NewSagaInstance creates the running instance for a matching trigger event.
func NewSagaInstance(id string, def *SagaDefinition, event DomainEvent, now time.Time) *SagaInstance {
	return &SagaInstance{
		ID:             id,
		SagaName:       def.Name,
		TriggerEventID: event.ID,
		TenantID:       event.TenantID,
		CorrelationID:  event.CorrelationKey(),
		CurrentStep:    0,
		Status:         SagaStatusRunning,
		Version:        1,
		Context:        map[string]any{},
		StepResults:    []StepResult{},
		TimeoutAt:      now.Add(def.Timeout),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsActive reports whether the instance still counts toward the uniqueness rule.
func (s *SagaInstance) IsActive() bool {
	for _, status := range ActiveSagaStatuses {
		if s.Status == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the instance is completed or failed.
func (s *SagaInstance) IsTerminal() bool {
	return s.Status == SagaStatusCompleted || s.Status == SagaStatusFailed
}

// MergeContext merges a step's partial output into the accumulated context.
func (s *SagaInstance) MergeContext(partial map[string]any) {
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	for k, v := range partial {
		s.Context[k] = v
	}
}

// AppendResult appends a step outcome.
func (s *SagaInstance) AppendResult(result StepResult) {
	s.StepResults = append(s.StepResults, result)
}

// Approval returns the recorded decision for an approval step.
func (s *SagaInstance) Approval(stepName string) (ApprovalRecord, bool) {
	for _, a := range s.Approvals {
		if a.StepName == stepName {
			return a, true
		}
	}
	return ApprovalRecord{}, false
}

// Clone deep-copies the instance so a write can be computed off the read.
func (s *SagaInstance) Clone() *SagaInstance {
	if s == nil {
		return nil
	}
	out := *s
	out.Context = cloneMap(s.Context)
	out.StepResults = make([]StepResult, len(s.StepResults))
	for i, r := range s.StepResults {
		r.Result = cloneMap(r.Result)
		if r.CompensatedAt != nil {
			at := *r.CompensatedAt
			r.CompensatedAt = &at
		}
		out.StepResults[i] = r
	}
	out.Approvals = append([]ApprovalRecord(nil), s.Approvals...)
	return &out
}

// cloneMap copies through JSON so nested values are not shared between copies.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return in
	}
	return out
}

// SagaFilter narrows admin listings of saga instances.
type SagaFilter struct {
	Status   *SagaStatus
	SagaName string
	TenantID string
	Limit    int
	Offset   int
}
