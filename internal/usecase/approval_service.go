package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/metrics"
	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
)

const approvalTimeoutsKey = "sagacore:approval-timeouts"

// ApprovalConfig holds gate deadline defaults
type ApprovalConfig struct {
	DefaultDeadline     time.Duration
	EscalationExtension time.Duration
	LockTTL             time.Duration
}

// ApprovalService manages human approval gates tied to saga steps. Decisions
// reach the orchestrator only through approval.* events on the bus.
type ApprovalService struct {
	repo      ports.ApprovalRepository
	publisher ports.EventPublisher
	locker    ports.Locker
	logger    logger.Logger
	metrics   *metrics.Metrics
	cfg       ApprovalConfig
	now       func() time.Time
	flight    singleflight.Group
}

// NewApprovalService creates a new approval service. locker may be nil, in
// which case timeout processing is single-flight within this process only.
func NewApprovalService(
	repo ports.ApprovalRepository,
	publisher ports.EventPublisher,
	locker ports.Locker,
	log logger.Logger,
	m *metrics.Metrics,
	cfg ApprovalConfig,
) *ApprovalService {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 24 * time.Hour
	}
	if cfg.EscalationExtension <= 0 {
		cfg.EscalationExtension = cfg.DefaultDeadline / 2
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &ApprovalService{
		repo:      repo,
		publisher: publisher,
		locker:    locker,
		logger:    log.WithFields(map[string]interface{}{"component": "approval_service"}),
		metrics:   m,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RequestApproval opens a gate for the instance's current approval step. It is
// idempotent: an existing open gate for the same step is returned unchanged.
func (s *ApprovalService) RequestApproval(ctx context.Context, instance *domain.SagaInstance, step domain.SagaStep, def *domain.SagaDefinition) (*domain.ApprovalGate, error) {
	existing, err := s.repo.FindPending(ctx, instance.ID, step.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up approval gate: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	deadline := step.ApprovalTimeout
	if deadline <= 0 {
		deadline = def.ApprovalDeadline
	}
	if deadline <= 0 {
		deadline = s.cfg.DefaultDeadline
	}
	action := step.ApprovalTimeoutAction
	if action == "" {
		action = domain.TimeoutActionReject
	}

	now := s.now()
	gate := &domain.ApprovalGate{
		ID:              uuid.NewString(),
		SagaInstanceID:  instance.ID,
		SagaName:        instance.SagaName,
		StepName:        step.Name,
		TenantID:        instance.TenantID,
		CorrelationID:   instance.CorrelationID,
		EligibleRoles:   append([]string(nil), step.ApprovalRoles...),
		EscalationRoles: append([]string(nil), step.EscalationRoles...),
		Deadline:        now.Add(deadline),
		TimeoutAction:   action,
		Decision:        domain.DecisionPending,
		CreatedAt:       now,
	}
	if err := s.repo.Create(ctx, gate); err != nil {
		return nil, fmt.Errorf("failed to create approval gate: %w", err)
	}

	s.logger.Info(ctx, "Approval requested", map[string]interface{}{
		"gate_id":          gate.ID,
		"saga_instance_id": instance.ID,
		"step_name":        step.Name,
		"deadline":         gate.Deadline,
	})
	s.publish(ctx, gate, domain.EventApprovalRequested, map[string]any{
		"eligible_roles": gate.EligibleRoles,
		"deadline":       gate.Deadline.Format(time.RFC3339),
		"timeout_action": string(gate.TimeoutAction),
	})
	return gate, nil
}

// Decide records a human decision on a pending gate and publishes the
// matching approval event.
func (s *ApprovalService) Decide(ctx context.Context, gateID string, decision domain.Decision, approver domain.Approver) (*domain.ApprovalGate, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return nil, domain.NewValidationError("decision", "decision must be approved or rejected")
	}
	if approver.UserID == "" {
		return nil, domain.NewValidationError("user_id", "approver is required")
	}

	gate, err := s.repo.Get(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if !gate.IsPending() {
		return nil, domain.ErrGateClosed
	}
	if approver.UserID == domain.SystemTimeoutActor || !gate.CanDecide(approver.UserID, approver.Roles) {
		return nil, fmt.Errorf("user %s on gate %s: %w", approver.UserID, gateID, domain.ErrNotEligible)
	}
	return s.record(ctx, gate, decision, approver.UserID)
}

func (s *ApprovalService) record(ctx context.Context, gate *domain.ApprovalGate, decision domain.Decision, decidedBy string) (*domain.ApprovalGate, error) {
	now := s.now()
	if err := s.repo.Decide(ctx, gate.ID, decision, decidedBy, now); err != nil {
		return nil, err
	}
	gate.Decision = decision
	gate.DecidedBy = decidedBy
	gate.DecidedAt = &now
	s.metrics.ObserveApprovalDecision(string(decision))

	eventType := domain.EventApprovalApproved
	if decision == domain.DecisionRejected {
		eventType = domain.EventApprovalRejected
	}
	s.logger.Info(ctx, "Approval decided", map[string]interface{}{
		"gate_id":          gate.ID,
		"saga_instance_id": gate.SagaInstanceID,
		"decision":         string(decision),
		"decided_by":       decidedBy,
	})
	if err := s.publish(ctx, gate, eventType, map[string]any{
		"decision":   string(decision),
		"decided_by": decidedBy,
	}); err != nil {
		return gate, fmt.Errorf("decision recorded but not published: %w", err)
	}
	return gate, nil
}

// ProcessTimeouts applies the timeout action of every pending gate past its
// deadline and returns how many gates it handled. Overlapping calls share one
// run in this process; the optional locker extends that across processes.
func (s *ApprovalService) ProcessTimeouts(ctx context.Context) (int, error) {
	v, err, _ := s.flight.Do(approvalTimeoutsKey, func() (interface{}, error) {
		if s.locker != nil {
			release, ok, err := s.locker.TryLock(ctx, approvalTimeoutsKey, s.cfg.LockTTL)
			if err != nil {
				return 0, fmt.Errorf("failed to acquire approval timeout lock: %w", err)
			}
			if !ok {
				s.logger.Debug(ctx, "Approval timeouts already running elsewhere", nil)
				return 0, nil
			}
			defer release()
		}
		return s.processTimeouts(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (s *ApprovalService) processTimeouts(ctx context.Context) (int, error) {
	gates, err := s.repo.ListExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired gates: %w", err)
	}

	processed := 0
	var errs []error
	for _, gate := range gates {
		action, err := s.applyTimeout(ctx, gate)
		if errors.Is(err, domain.ErrGateClosed) {
			// decided or escalated concurrently
			continue
		}
		if err != nil {
			s.logger.Error(ctx, "Failed to apply approval timeout", err, map[string]interface{}{"gate_id": gate.ID})
			errs = append(errs, err)
			continue
		}
		s.metrics.ObserveApprovalTimeout(action)
		processed++
	}
	return processed, errors.Join(errs...)
}

func (s *ApprovalService) applyTimeout(ctx context.Context, gate *domain.ApprovalGate) (string, error) {
	switch {
	case gate.TimeoutAction == domain.TimeoutActionApprove:
		_, err := s.record(ctx, gate, domain.DecisionApproved, domain.SystemTimeoutActor)
		return string(domain.TimeoutActionApprove), err
	case gate.TimeoutAction == domain.TimeoutActionEscalate && !gate.Escalated:
		return string(domain.TimeoutActionEscalate), s.escalate(ctx, gate)
	default:
		// reject, or an escalated gate that missed its extended deadline
		_, err := s.record(ctx, gate, domain.DecisionRejected, domain.SystemTimeoutActor)
		return string(domain.TimeoutActionReject), err
	}
}

func (s *ApprovalService) escalate(ctx context.Context, gate *domain.ApprovalGate) error {
	deadline := s.now().Add(s.cfg.EscalationExtension)
	if err := s.repo.Escalate(ctx, gate.ID, deadline, gate.EscalationRoles); err != nil {
		return err
	}
	gate.Escalated = true
	gate.Deadline = deadline

	s.logger.Warn(ctx, "Approval escalated", map[string]interface{}{
		"gate_id":          gate.ID,
		"saga_instance_id": gate.SagaInstanceID,
		"escalation_roles": gate.EscalationRoles,
	})
	s.publish(ctx, gate, domain.EventApprovalEscalated, map[string]any{
		"escalation_roles": gate.EscalationRoles,
		"deadline":         deadline.Format(time.RFC3339),
	})
	return nil
}

// Get returns a gate by id.
func (s *ApprovalService) Get(ctx context.Context, id string) (*domain.ApprovalGate, error) {
	return s.repo.Get(ctx, id)
}

// ListPending lists open gates, optionally for one tenant.
func (s *ApprovalService) ListPending(ctx context.Context, tenantID string) ([]*domain.ApprovalGate, error) {
	return s.repo.ListPending(ctx, tenantID)
}

func (s *ApprovalService) publish(ctx context.Context, gate *domain.ApprovalGate, eventType string, extra map[string]any) error {
	payload := map[string]any{
		"gate_id":          gate.ID,
		"saga_instance_id": gate.SagaInstanceID,
		"saga_name":        gate.SagaName,
		"step_name":        gate.StepName,
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := domain.NewDomainEvent(eventType, gate.TenantID, payload)
	event.AggregateID = gate.SagaInstanceID
	event.Metadata.Source = "approval-service"
	event.Metadata.CorrelationID = gate.CorrelationID
	event.Metadata.SagaID = gate.SagaInstanceID

	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error(ctx, "Failed to publish approval event", err, map[string]interface{}{
			"event_type": eventType,
			"gate_id":    gate.ID,
		})
		return err
	}
	return nil
}
