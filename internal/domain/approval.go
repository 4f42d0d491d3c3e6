package domain

import (
	"time"
)

// Decision is the state of an approval gate.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ParseDecision accepts the two decisions a human may submit.
func ParseDecision(v string) (Decision, error) {
	switch Decision(v) {
	case DecisionApproved, DecisionRejected:
		return Decision(v), nil
	default:
		return "", NewValidationError("decision", "decision must be approved or rejected")
	}
}

// SystemTimeoutActor is recorded as decided_by for automatic timeout decisions.
const SystemTimeoutActor = "system:timeout"

// ApprovalGate is a pause point requiring a human decision before a saga may continue.
type ApprovalGate struct {
	ID              string        `json:"id"`
	SagaInstanceID  string        `json:"saga_instance_id"`
	SagaName        string        `json:"saga_name"`
	StepName        string        `json:"step_name"`
	TenantID        string        `json:"tenant_id"`
	CorrelationID   string        `json:"correlation_id"`
	EligibleRoles   []string      `json:"eligible_roles"`
	EscalationRoles []string      `json:"escalation_roles,omitempty"`
	Deadline        time.Time     `json:"deadline"`
	TimeoutAction   TimeoutAction `json:"timeout_action"`
	Decision        Decision      `json:"decision"`
	DecidedBy       string        `json:"decided_by,omitempty"`
	DecidedAt       *time.Time    `json:"decided_at,omitempty"`
	Escalated       bool          `json:"escalated"`
	CreatedAt       time.Time     `json:"created_at"`
}

// IsPending reports whether the gate is still open.
func (g *ApprovalGate) IsPending() bool {
	return g.Decision == DecisionPending
}

// Expired reports whether a pending gate has passed its deadline.
func (g *ApprovalGate) Expired(now time.Time) bool {
	return g.IsPending() && !g.Deadline.After(now)
}

// CanDecide reports whether a user holding roles may decide this gate.
// The system timeout actor is always eligible.
func (g *ApprovalGate) CanDecide(userID string, roles []string) bool {
	if userID == SystemTimeoutActor {
		return true
	}
	for _, held := range roles {
		for _, eligible := range g.EligibleRoles {
			if held == eligible {
				return true
			}
		}
	}
	return false
}

// Approver identifies who is submitting a decision.
type Approver struct {
	UserID string
	Roles  []string
}
