package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/metrics"
	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
)

// ApprovalRequester opens approval gates for parked saga steps and reads
// them back when a decision arrives.
type ApprovalRequester interface {
	RequestApproval(ctx context.Context, instance *domain.SagaInstance, step domain.SagaStep, def *domain.SagaDefinition) (*domain.ApprovalGate, error)
	Get(ctx context.Context, id string) (*domain.ApprovalGate, error)
}

// SagaOrchestrator drives saga definitions for their trigger events. Every
// instance write is a version-checked compare-and-write; a transition whose
// precondition no longer holds after reloading is abandoned.
type SagaOrchestrator struct {
	sagas      ports.SagaRepository
	eventLog   ports.EventLogRepository
	approvals  ApprovalRequester
	publisher  ports.EventPublisher
	logger     logger.Logger
	metrics    *metrics.Metrics
	maxRetries int
	now        func() time.Time

	mu        sync.RWMutex
	byTrigger map[string]*domain.SagaDefinition
	byName    map[string]*domain.SagaDefinition
}

// NewSagaOrchestrator creates a new saga orchestrator
func NewSagaOrchestrator(
	sagas ports.SagaRepository,
	eventLog ports.EventLogRepository,
	approvals ApprovalRequester,
	publisher ports.EventPublisher,
	log logger.Logger,
	m *metrics.Metrics,
	maxRetries int,
) *SagaOrchestrator {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &SagaOrchestrator{
		sagas:      sagas,
		eventLog:   eventLog,
		approvals:  approvals,
		publisher:  publisher,
		logger:     log.WithFields(map[string]interface{}{"component": "saga_orchestrator"}),
		metrics:    m,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		byTrigger:  make(map[string]*domain.SagaDefinition),
		byName:     make(map[string]*domain.SagaDefinition),
	}
}

// Register adds a definition to the registry. One definition per trigger type.
func (o *SagaOrchestrator) Register(def *domain.SagaDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.byName[def.Name]; ok {
		return domain.NewValidationError("name", "saga "+def.Name+" is already registered")
	}
	if existing, ok := o.byTrigger[def.TriggerEvent]; ok {
		return domain.NewValidationError("trigger_event", fmt.Sprintf("event %s already triggers saga %s", def.TriggerEvent, existing.Name))
	}
	o.byName[def.Name] = def
	o.byTrigger[def.TriggerEvent] = def
	return nil
}

// Attach subscribes the trigger listener of every registered definition.
func (o *SagaOrchestrator) Attach(sub ports.EventSubscriber) {
	for _, def := range o.Definitions() {
		sub.Subscribe(def.TriggerEvent, "saga:"+def.Name, o.OnTrigger)
	}
}

// Definitions returns the registered definitions sorted by name.
func (o *SagaOrchestrator) Definitions() []*domain.SagaDefinition {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*domain.SagaDefinition, 0, len(o.byName))
	for _, def := range o.byName {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (o *SagaOrchestrator) definition(name string) (*domain.SagaDefinition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.byName[name]
	if !ok {
		return nil, domain.NewValidationError("saga_name", "no saga definition named "+name)
	}
	return def, nil
}

// OnTrigger starts a saga for event unless an active instance already exists
// for the same correlation id.
func (o *SagaOrchestrator) OnTrigger(ctx context.Context, event domain.DomainEvent) error {
	o.mu.RLock()
	def, ok := o.byTrigger[event.Type]
	o.mu.RUnlock()
	if !ok {
		return domain.NewValidationError("type", "no saga definition for event type "+event.Type)
	}

	correlationID := event.CorrelationKey()
	active, err := o.sagas.FindActive(ctx, def.Name, correlationID)
	if err != nil {
		return fmt.Errorf("failed to check active saga: %w", err)
	}
	if active != nil {
		o.logger.Info(ctx, "Saga already active for correlation id, trigger ignored", map[string]interface{}{
			"saga_name":        def.Name,
			"correlation_id":   correlationID,
			"saga_instance_id": active.ID,
			"event_id":         event.ID,
		})
		return nil
	}

	instance := domain.NewSagaInstance(uuid.NewString(), def, event, o.now())
	if err := o.sagas.Create(ctx, instance); err != nil {
		if errors.Is(err, domain.ErrActiveSagaExists) {
			o.logger.Info(ctx, "Concurrent trigger lost the race, ignored", map[string]interface{}{
				"saga_name":      def.Name,
				"correlation_id": correlationID,
			})
			return nil
		}
		return fmt.Errorf("failed to create saga instance: %w", err)
	}

	ctx = logger.WithSagaID(ctx, instance.ID)
	o.metrics.ObserveSagaTransition(def.Name, string(domain.SagaStatusRunning))
	o.logger.Info(ctx, "Saga started", map[string]interface{}{
		"saga_name":        def.Name,
		"saga_instance_id": instance.ID,
		"trigger_event_id": event.ID,
	})
	o.publishLifecycle(ctx, instance, domain.EventSagaStarted, map[string]any{"trigger_event_id": event.ID})

	return o.advance(ctx, def, instance, o.stepEvent(event, instance))
}

// ResumeAfterApproval applies an approval decision to a waiting instance. The
// decision and its author are taken from the stored gate, which must belong to
// the instance's current step and be decided consistently with approved. A
// decision for an instance that is no longer waiting is ignored.
func (o *SagaOrchestrator) ResumeAfterApproval(ctx context.Context, instanceID string, approved bool, decidedBy, gateID string) error {
	instance, err := o.sagas.Get(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load saga instance: %w", err)
	}
	def, err := o.definition(instance.SagaName)
	if err != nil {
		return err
	}
	ctx = logger.WithSagaID(ctx, instance.ID)

	if instance.Status != domain.SagaStatusWaitingApproval {
		o.logger.Warn(ctx, "Approval decision ignored, saga is not waiting", map[string]interface{}{
			"saga_instance_id": instance.ID,
			"status":           string(instance.Status),
			"gate_id":          gateID,
		})
		return nil
	}

	idx := instance.CurrentStep
	if idx >= len(def.Steps) {
		return fmt.Errorf("saga %s waiting at step %d beyond definition", instance.ID, idx)
	}
	step := def.Steps[idx]

	gate, err := o.verifiedGate(ctx, instance, step, gateID, approved)
	if err != nil {
		o.logger.Warn(ctx, "Approval decision refused", map[string]interface{}{
			"gate_id":    gateID,
			"decided_by": decidedBy,
			"error":      err.Error(),
		})
		return err
	}
	decidedBy = gate.DecidedBy
	gateID = gate.ID
	now := o.now()
	record := domain.ApprovalRecord{StepName: step.Name, GateID: gateID, Approved: approved, DecidedBy: decidedBy, DecidedAt: now}
	event := o.loadTrigger(ctx, def, instance)

	if approved {
		updated, err := o.transition(ctx, instance, func(s *domain.SagaInstance) bool {
			if s.Status != domain.SagaStatusWaitingApproval || s.CurrentStep != idx {
				return false
			}
			s.Approvals = append(s.Approvals, record)
			s.Status = domain.SagaStatusRunning
			s.TimeoutAt = now.Add(def.Timeout)
			return true
		})
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		o.metrics.ObserveSagaTransition(def.Name, string(domain.SagaStatusRunning))
		o.logger.Info(ctx, "Saga resumed after approval", map[string]interface{}{"step_name": step.Name, "decided_by": decidedBy})
		return o.advance(ctx, def, updated, event)
	}

	updated, err := o.transition(ctx, instance, func(s *domain.SagaInstance) bool {
		if s.Status != domain.SagaStatusWaitingApproval || s.CurrentStep != idx {
			return false
		}
		s.Approvals = append(s.Approvals, record)
		s.AppendResult(domain.StepResult{
			StepName:    step.Name,
			Status:      domain.StepStatusRejected,
			Result:      map[string]any{"decided_by": decidedBy},
			Error:       "approval rejected by " + decidedBy,
			CompletedAt: now,
		})
		s.Status = domain.SagaStatusCompensating
		s.TimeoutAt = now.Add(def.Timeout)
		return true
	})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	o.metrics.ObserveSagaTransition(def.Name, string(domain.SagaStatusCompensating))
	o.logger.Info(ctx, "Saga approval rejected, compensating", map[string]interface{}{"step_name": step.Name, "decided_by": decidedBy})
	return o.compensate(ctx, def, updated, event, "approval rejected at "+step.Name)
}

// verifiedGate loads the gate a decision event names and checks it was
// decided for this instance's current step.
func (o *SagaOrchestrator) verifiedGate(ctx context.Context, instance *domain.SagaInstance, step domain.SagaStep, gateID string, approved bool) (*domain.ApprovalGate, error) {
	if gateID == "" {
		return nil, domain.NewValidationError("gate_id", "approval decision without gate")
	}
	gate, err := o.approvals.Get(ctx, gateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load approval gate: %w", err)
	}
	switch {
	case gate.SagaInstanceID != instance.ID:
		return nil, domain.NewValidationError("gate_id", "gate belongs to another saga instance")
	case gate.StepName != step.Name:
		return nil, domain.NewValidationError("gate_id", "gate is not for the current step")
	case gate.IsPending():
		return nil, domain.NewValidationError("gate_id", "gate has not been decided")
	case (gate.Decision == domain.DecisionApproved) != approved:
		return nil, domain.NewValidationError("decision", "decision does not match gate")
	}
	return gate, nil
}

// advance runs steps while the instance is running. It returns nil once the
// instance completes, parks at an approval gate, fails, or is taken over by a
// concurrent writer.
func (o *SagaOrchestrator) advance(ctx context.Context, def *domain.SagaDefinition, instance *domain.SagaInstance, event domain.DomainEvent) error {
	for instance.Status == domain.SagaStatusRunning {
		idx := instance.CurrentStep
		if idx >= len(def.Steps) {
			updated, err := o.transition(ctx, instance, func(s *domain.SagaInstance) bool {
				if s.Status != domain.SagaStatusRunning || s.CurrentStep != idx {
					return false
				}
				s.Status = domain.SagaStatusCompleted
				return true
			})
			if err != nil || updated == nil {
				return err
			}
			instance = updated
			break
		}

		step := def.Steps[idx]
		if needsApproval(instance, step) {
			updated, err := o.transition(ctx, instance, func(s *domain.SagaInstance) bool {
				if s.Status != domain.SagaStatusRunning || s.CurrentStep != idx {
					return false
				}
				s.Status = domain.SagaStatusWaitingApproval
				return true
			})
			if err != nil || updated == nil {
				return err
			}
			instance = updated
			break
		}

		start := time.Now()
		output, stepErr := o.execute(ctx, step, instance, event)
		now := o.now()

		if stepErr != nil {
			o.metrics.ObserveStep(def.Name, step.Name, "failed", time.Since(start))
			execErr := &domain.StepExecutionError{Saga: def.Name, Step: step.Name, Err: stepErr}
			o.logger.Error(ctx, "Saga step failed", execErr, map[string]interface{}{"step_name": step.Name, "step_index": idx})

			updated, err := o.transition(ctx, instance, func(s *domain.SagaInstance) bool {
				if s.Status != domain.SagaStatusRunning || s.CurrentStep != idx {
					return false
				}
				s.AppendResult(domain.StepResult{StepName: step.Name, Status: domain.StepStatusFailed, Error: stepErr.Error(), CompletedAt: now})
				s.Status = domain.SagaStatusCompensating
				return true
			})
			if err != nil {
				return fmt.Errorf("cannot begin compensation: %w", err)
			}
			if updated == nil {
				return nil
			}
			o.metrics.ObserveSagaTransition(def.Name, string(domain.SagaStatusCompensating))
			return o.compensate(ctx, def, updated, event, execErr.Error())
		}

		o.metrics.ObserveStep(def.Name, step.Name, "success", time.Since(start))
		updated, err := o.transition(ctx, instance, func(s *domain.SagaInstance) bool {
			if s.Status != domain.SagaStatusRunning || s.CurrentStep != idx {
				return false
			}
			s.AppendResult(domain.StepResult{StepName: step.Name, Status: domain.StepStatusSuccess, Result: output, CompletedAt: now})
			s.MergeContext(output)
			s.CurrentStep++
			switch {
			case s.CurrentStep >= len(def.Steps):
				s.Status = domain.SagaStatusCompleted
			case needsApproval(s, def.Steps[s.CurrentStep]):
				s.Status = domain.SagaStatusWaitingApproval
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("failed to record step %s: %w", step.Name, err)
		}
		if updated == nil {
			o.compensateOrphan(ctx, def, step, instance, event)
			return nil
		}
		instance = updated
	}

	switch instance.Status {
	case domain.SagaStatusCompleted:
		o.metrics.ObserveSagaTransition(def.Name, string(domain.SagaStatusCompleted))
		o.logger.Info(ctx, "Saga completed", map[string]interface{}{"saga_instance_id": instance.ID, "steps": len(instance.StepResults)})
		o.publishLifecycle(ctx, instance, domain.EventSagaCompleted, map[string]any{"context": instance.Context})
	case domain.SagaStatusWaitingApproval:
		o.metrics.ObserveSagaTransition(def.Name, string(domain.SagaStatusWaitingApproval))
		return o.requestApproval(ctx, def, instance, event)
	}
	return nil
}

func needsApproval(instance *domain.SagaInstance, step domain.SagaStep) bool {
	if step.Kind != domain.StepKindApproval {
		return false
	}
	record, ok := instance.Approval(step.Name)
	return !ok || !record.Approved
}

// execute runs the step's action. An approved approval step without its own
// action records who approved it.
func (o *SagaOrchestrator) execute(ctx context.Context, step domain.SagaStep, instance *domain.SagaInstance, event domain.DomainEvent) (out map[string]any, err error) {
	if step.Execute == nil {
		record, _ := instance.Approval(step.Name)
		return map[string]any{"approved_by": record.DecidedBy}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step %s: %v", step.Name, r)
		}
	}()
	return step.Execute(ctx, instance.Clone().Context, event)
}

func (o *SagaOrchestrator) requestApproval(ctx context.Context, def *domain.SagaDefinition, instance *domain.SagaInstance, event domain.DomainEvent) error {
	idx := instance.CurrentStep
	step := def.Steps[idx]
	_, reqErr := o.approvals.RequestApproval(ctx, instance, step, def)
	if reqErr == nil {
		return nil
	}

	o.logger.Error(ctx, "Failed to open approval gate, compensating", reqErr, map[string]interface{}{"step_name": step.Name})
	now := o.now()
	updated, err := o.transition(ctx, instance, func(s *domain.SagaInstance) bool {
		if s.Status != domain.SagaStatusWaitingApproval || s.CurrentStep != idx {
			return false
		}
		s.AppendResult(domain.StepResult{StepName: step.Name, Status: domain.StepStatusFailed, Error: reqErr.Error(), CompletedAt: now})
		s.Status = domain.SagaStatusCompensating
		return true
	})
	if err != nil {
		return fmt.Errorf("cannot begin compensation: %w", err)
	}
	if updated == nil {
		return nil
	}
	return o.compensate(ctx, def, updated, event, "approval request failed: "+reqErr.Error())
}

// compensate undoes every successful step in reverse order. Only the caller
// that moved the instance into compensating runs it. Compensation errors are
// recorded on the step and never stop the remaining compensations.
func (o *SagaOrchestrator) compensate(ctx context.Context, def *domain.SagaDefinition, instance *domain.SagaInstance, event domain.DomainEvent, reason string) error {
	var compensationErrors []string

	for i := len(instance.StepResults) - 1; i >= 0; i-- {
		result := instance.StepResults[i]
		if result.Status != domain.StepStatusSuccess {
			continue
		}
		step, ok := def.Step(result.StepName)
		if !ok || step.Compensate == nil {
			continue
		}

		compErr := o.runCompensate(ctx, step, instance, event)
		o.metrics.ObserveCompensation(def.Name, step.Name, compErr == nil)
		if compErr != nil {
			wrapped := &domain.CompensationError{Saga: def.Name, Step: step.Name, Err: compErr}
			o.logger.Error(ctx, "Compensation failed, continuing", wrapped, map[string]interface{}{"step_name": step.Name})
			compensationErrors = append(compensationErrors, wrapped.Error())
		} else {
			o.logger.Info(ctx, "Step compensated", map[string]interface{}{"step_name": step.Name})
		}

		now := o.now()
		idx := i
		apply := func(s *domain.SagaInstance) bool {
			if s.Status != domain.SagaStatusCompensating || idx >= len(s.StepResults) || s.StepResults[idx].Status != domain.StepStatusSuccess {
				return false
			}
			r := &s.StepResults[idx]
			r.CompensatedAt = &now
			if compErr != nil {
				r.Status = domain.StepStatusCompensationFailed
				r.CompensationError = compErr.Error()
			} else {
				r.Status = domain.StepStatusCompensated
			}
			return true
		}
		updated, err := o.transition(ctx, instance, apply)
		switch {
		case err != nil:
			// keep going on the local copy; the final write carries it
			o.logger.Error(ctx, "Failed to persist compensation record", err, map[string]interface{}{"step_name": step.Name})
			local := instance.Clone()
			if apply(local) {
				instance = local
			}
		case updated == nil:
			o.logger.Warn(ctx, "Saga left compensating concurrently, stopping", map[string]interface{}{"saga_instance_id": instance.ID})
			return nil
		default:
			instance = updated
		}
	}

	updated, err := o.transition(ctx, instance, func(s *domain.SagaInstance) bool {
		if s.Status != domain.SagaStatusCompensating {
			return false
		}
		s.Status = domain.SagaStatusFailed
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to mark saga %s failed: %w", instance.ID, err)
	}
	if updated == nil {
		return nil
	}

	o.metrics.ObserveSagaTransition(def.Name, string(domain.SagaStatusFailed))
	o.logger.Warn(ctx, "Saga failed", map[string]interface{}{
		"saga_instance_id":    updated.ID,
		"reason":              reason,
		"compensation_errors": len(compensationErrors),
	})
	payload := map[string]any{"reason": reason}
	if len(compensationErrors) > 0 {
		payload["compensation_errors"] = compensationErrors
	}
	o.publishLifecycle(ctx, updated, domain.EventSagaFailed, payload)
	return nil
}

func (o *SagaOrchestrator) runCompensate(ctx context.Context, step domain.SagaStep, instance *domain.SagaInstance, event domain.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in compensation of %s: %v", step.Name, r)
		}
	}()
	return step.Compensate(ctx, instance.Clone().Context, event)
}

// compensateOrphan undoes a step whose success could not be recorded because
// the instance was moved on concurrently (typically failed by recovery).
func (o *SagaOrchestrator) compensateOrphan(ctx context.Context, def *domain.SagaDefinition, step domain.SagaStep, instance *domain.SagaInstance, event domain.DomainEvent) {
	o.logger.Warn(ctx, "Step result discarded, saga changed concurrently", map[string]interface{}{"step_name": step.Name})
	if step.Compensate == nil {
		return
	}
	err := o.runCompensate(ctx, step, instance, event)
	o.metrics.ObserveCompensation(def.Name, step.Name, err == nil)
	if err != nil {
		o.logger.Error(ctx, "Compensation of discarded step failed", &domain.CompensationError{Saga: def.Name, Step: step.Name, Err: err}, nil)
	}
}

// transition applies mutate to a fresh copy and writes it if the stored
// version is unchanged. On a version conflict the instance is reloaded and
// mutate re-evaluated. A nil instance with a nil error means mutate declined.
func (o *SagaOrchestrator) transition(ctx context.Context, instance *domain.SagaInstance, mutate func(*domain.SagaInstance) bool) (*domain.SagaInstance, error) {
	current := instance
	for attempt := 1; ; attempt++ {
		next := current.Clone()
		if !mutate(next) {
			return nil, nil
		}
		err := o.sagas.Update(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to update saga instance: %w", err)
		}

		o.metrics.ObserveConcurrencyConflict()
		o.logger.Debug(ctx, "Saga version conflict, reloading", map[string]interface{}{
			"saga_instance_id": instance.ID,
			"expected_version": current.Version,
			"attempt":          attempt,
		})
		if attempt >= o.maxRetries {
			return nil, err
		}
		current, err = o.sagas.Get(ctx, instance.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload saga instance: %w", err)
		}
	}
}

// loadTrigger reloads the original trigger event so resumed steps see the
// same input as the first run.
func (o *SagaOrchestrator) loadTrigger(ctx context.Context, def *domain.SagaDefinition, instance *domain.SagaInstance) domain.DomainEvent {
	entry, err := o.eventLog.Get(ctx, instance.TriggerEventID)
	if err == nil {
		return o.stepEvent(entry.Event(), instance)
	}
	o.logger.Warn(ctx, "Trigger event not in log, using a placeholder", map[string]interface{}{
		"trigger_event_id": instance.TriggerEventID,
		"error":            err.Error(),
	})
	return o.stepEvent(domain.DomainEvent{
		ID:       instance.TriggerEventID,
		Type:     def.TriggerEvent,
		Version:  1,
		TenantID: instance.TenantID,
		Payload:  map[string]any{},
		Metadata: domain.EventMetadata{CorrelationID: instance.CorrelationID, Timestamp: instance.CreatedAt},
	}, instance)
}

func (o *SagaOrchestrator) stepEvent(event domain.DomainEvent, instance *domain.SagaInstance) domain.DomainEvent {
	event.Metadata.SagaID = instance.ID
	if event.Metadata.CorrelationID == "" {
		event.Metadata.CorrelationID = instance.CorrelationID
	}
	return event
}

func (o *SagaOrchestrator) publishLifecycle(ctx context.Context, instance *domain.SagaInstance, eventType string, extra map[string]any) {
	payload := map[string]any{
		"saga_instance_id": instance.ID,
		"saga_name":        instance.SagaName,
		"status":           string(instance.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	event := domain.NewDomainEvent(eventType, instance.TenantID, payload)
	event.AggregateID = instance.ID
	event.AggregateVersion = instance.Version
	event.Metadata.Source = "saga-orchestrator"
	event.Metadata.CorrelationID = instance.CorrelationID
	event.Metadata.SagaID = instance.ID

	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Error(ctx, "Failed to publish saga lifecycle event", err, map[string]interface{}{"event_type": eventType})
	}
}

// Get returns a saga instance by id.
func (o *SagaOrchestrator) Get(ctx context.Context, id string) (*domain.SagaInstance, error) {
	return o.sagas.Get(ctx, id)
}

// List returns saga instances matching filter.
func (o *SagaOrchestrator) List(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaInstance, error) {
	return o.sagas.List(ctx, filter)
}
