// Package memory provides in-process implementations of the repository ports.
// They back local runs with DB_DRIVER=memory and the use case tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/ports"
)

// Store holds every table behind a single mutex so multi-table operations
// (failing a saga and closing its gate) are atomic, as they are in SQL.
type Store struct {
	mu         sync.RWMutex
	now        func() time.Time
	sagas      map[string]*domain.SagaInstance
	events     map[string]*domain.EventLogEntry
	gates      map[string]*domain.ApprovalGate
	webhooks   map[string]*domain.WebhookRegistration
	deliveries []*domain.WebhookDelivery
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		sagas:    make(map[string]*domain.SagaInstance),
		events:   make(map[string]*domain.EventLogEntry),
		gates:    make(map[string]*domain.ApprovalGate),
		webhooks: make(map[string]*domain.WebhookRegistration),
	}
}

// WithClock overrides the clock used for updated_at stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Sagas() ports.SagaRepository         { return &sagaRepo{s} }
func (s *Store) EventLog() ports.EventLogRepository  { return &eventLogRepo{s} }
func (s *Store) Approvals() ports.ApprovalRepository { return &approvalRepo{s} }
func (s *Store) Webhooks() ports.WebhookRepository   { return &webhookRepo{s} }

type sagaRepo struct{ s *Store }

func (r *sagaRepo) Create(_ context.Context, instance *domain.SagaInstance) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.sagas[instance.ID]; ok {
		return fmt.Errorf("saga instance %s already exists", instance.ID)
	}
	for _, existing := range r.s.sagas {
		if existing.SagaName == instance.SagaName && existing.CorrelationID == instance.CorrelationID && existing.IsActive() {
			return domain.ErrActiveSagaExists
		}
	}
	r.s.sagas[instance.ID] = instance.Clone()
	return nil
}

func (r *sagaRepo) Get(_ context.Context, id string) (*domain.SagaInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	instance, ok := r.s.sagas[id]
	if !ok {
		return nil, domain.NewNotFoundError("saga instance", id)
	}
	return instance.Clone(), nil
}

func (r *sagaRepo) FindActive(_ context.Context, sagaName, correlationID string) (*domain.SagaInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, instance := range r.s.sagas {
		if instance.SagaName == sagaName && instance.CorrelationID == correlationID && instance.IsActive() {
			return instance.Clone(), nil
		}
	}
	return nil, nil
}

func (r *sagaRepo) Update(_ context.Context, instance *domain.SagaInstance, expectedVersion int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.sagas[instance.ID]
	if !ok {
		return domain.NewNotFoundError("saga instance", instance.ID)
	}
	if stored.Version != expectedVersion {
		return &domain.ConcurrencyError{Resource: "saga instance", ID: instance.ID, ExpectedVersion: expectedVersion}
	}
	instance.Version = expectedVersion + 1
	instance.UpdatedAt = r.s.now()
	r.s.sagas[instance.ID] = instance.Clone()
	return nil
}

func (r *sagaRepo) List(_ context.Context, filter domain.SagaFilter) ([]*domain.SagaInstance, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.SagaInstance, 0)
	for _, instance := range r.s.sagas {
		if filter.Status != nil && instance.Status != *filter.Status {
			continue
		}
		if filter.SagaName != "" && instance.SagaName != filter.SagaName {
			continue
		}
		if filter.TenantID != "" && instance.TenantID != filter.TenantID {
			continue
		}
		out = append(out, instance.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (r *sagaRepo) FailTimedOut(_ context.Context, now time.Time) ([]*domain.SagaInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var failed []*domain.SagaInstance
	for _, instance := range r.s.sagas {
		if instance.Status != domain.SagaStatusRunning || instance.TimeoutAt.After(now) {
			continue
		}
		instance.Status = domain.SagaStatusFailed
		instance.AppendResult(domain.StepResult{
			StepName:    domain.TimeoutStepName,
			Status:      domain.StepStatusFailed,
			Error:       "saga timed out",
			CompletedAt: now,
		})
		instance.Version++
		instance.UpdatedAt = now
		failed = append(failed, instance.Clone())
	}
	return failed, nil
}

func (r *sagaRepo) FailExpiredApprovals(_ context.Context, cutoff time.Time) ([]*domain.SagaInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	var failed []*domain.SagaInstance
	for _, gate := range r.s.gates {
		instance, ok := r.s.sagas[gate.SagaInstanceID]
		if !ok || instance.Status != domain.SagaStatusWaitingApproval {
			continue
		}

		var reason string
		switch {
		case gate.IsPending() && gate.Deadline.Before(cutoff):
			gate.Decision = domain.DecisionRejected
			gate.DecidedBy = domain.SystemTimeoutActor
			gate.DecidedAt = &now
			reason = "approval deadline missed for step " + gate.StepName
		case r.stranded(gate, instance, cutoff):
			reason = "approval decided for step " + gate.StepName + " but saga never resumed"
		default:
			continue
		}

		instance.Status = domain.SagaStatusFailed
		instance.AppendResult(domain.StepResult{
			StepName:    domain.TimeoutStepName,
			Status:      domain.StepStatusFailed,
			Error:       reason,
			CompletedAt: now,
		})
		instance.Version++
		instance.UpdatedAt = now
		failed = append(failed, instance.Clone())
	}
	return failed, nil
}

// stranded reports whether gate is the instance's latest gate and was decided
// before cutoff while the instance kept waiting.
func (r *sagaRepo) stranded(gate *domain.ApprovalGate, instance *domain.SagaInstance, cutoff time.Time) bool {
	if gate.IsPending() || gate.DecidedAt == nil || !gate.DecidedAt.Before(cutoff) || !instance.UpdatedAt.Before(cutoff) {
		return false
	}
	for _, other := range r.s.gates {
		if other.SagaInstanceID == gate.SagaInstanceID && other.CreatedAt.After(gate.CreatedAt) {
			return false
		}
	}
	return true
}

type eventLogRepo struct{ s *Store }

func (r *eventLogRepo) Begin(_ context.Context, entry *domain.EventLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.events[entry.EventID]; ok {
		return domain.ErrDuplicateEvent
	}
	r.s.events[entry.EventID] = cloneEntry(entry)
	return nil
}

func (r *eventLogRepo) Complete(_ context.Context, eventID string, status domain.EventLogStatus, results []domain.HandlerResult) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	entry, ok := r.s.events[eventID]
	if !ok {
		return domain.NewNotFoundError("event", eventID)
	}
	entry.Status = status
	entry.HandlerResults = append([]domain.HandlerResult(nil), results...)
	return nil
}

func (r *eventLogRepo) Get(_ context.Context, eventID string) (*domain.EventLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	entry, ok := r.s.events[eventID]
	if !ok {
		return nil, domain.NewNotFoundError("event", eventID)
	}
	return cloneEntry(entry), nil
}

func (r *eventLogRepo) List(_ context.Context, filter domain.EventLogFilter) ([]*domain.EventLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.EventLogEntry, 0)
	for _, entry := range r.s.events {
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		if filter.TenantID != "" && entry.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && entry.Status != *filter.Status {
			continue
		}
		out = append(out, cloneEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (r *eventLogRepo) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, entry := range r.s.events {
		if !entry.ExpiresAt.After(now) {
			delete(r.s.events, id)
			n++
		}
	}
	return n, nil
}

type approvalRepo struct{ s *Store }

func (r *approvalRepo) Create(_ context.Context, gate *domain.ApprovalGate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.gates {
		if existing.SagaInstanceID == gate.SagaInstanceID && existing.IsPending() {
			return fmt.Errorf("saga instance %s already has an open gate: %w", gate.SagaInstanceID, domain.ErrGateClosed)
		}
	}
	r.s.gates[gate.ID] = cloneGate(gate)
	return nil
}

func (r *approvalRepo) Get(_ context.Context, id string) (*domain.ApprovalGate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	gate, ok := r.s.gates[id]
	if !ok {
		return nil, domain.NewNotFoundError("approval gate", id)
	}
	return cloneGate(gate), nil
}

func (r *approvalRepo) FindPending(_ context.Context, sagaInstanceID, stepName string) (*domain.ApprovalGate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, gate := range r.s.gates {
		if gate.SagaInstanceID == sagaInstanceID && gate.StepName == stepName && gate.IsPending() {
			return cloneGate(gate), nil
		}
	}
	return nil, nil
}

func (r *approvalRepo) Decide(_ context.Context, id string, decision domain.Decision, decidedBy string, decidedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	gate, ok := r.s.gates[id]
	if !ok {
		return domain.NewNotFoundError("approval gate", id)
	}
	if !gate.IsPending() {
		return domain.ErrGateClosed
	}
	gate.Decision = decision
	gate.DecidedBy = decidedBy
	gate.DecidedAt = &decidedAt
	return nil
}

func (r *approvalRepo) Escalate(_ context.Context, id string, deadline time.Time, roles []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	gate, ok := r.s.gates[id]
	if !ok {
		return domain.NewNotFoundError("approval gate", id)
	}
	if !gate.IsPending() || gate.Escalated {
		return domain.ErrGateClosed
	}
	gate.Escalated = true
	gate.Deadline = deadline
	gate.EligibleRoles = mergeRoles(gate.EligibleRoles, roles)
	return nil
}

func (r *approvalRepo) ListPending(_ context.Context, tenantID string) ([]*domain.ApprovalGate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.ApprovalGate, 0)
	for _, gate := range r.s.gates {
		if gate.IsPending() && (tenantID == "" || gate.TenantID == tenantID) {
			out = append(out, cloneGate(gate))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (r *approvalRepo) ListExpired(_ context.Context, now time.Time) ([]*domain.ApprovalGate, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.ApprovalGate, 0)
	for _, gate := range r.s.gates {
		if gate.Expired(now) {
			out = append(out, cloneGate(gate))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

type webhookRepo struct{ s *Store }

func (r *webhookRepo) Register(_ context.Context, registration *domain.WebhookRegistration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *registration
	cp.EventTypes = append([]string(nil), registration.EventTypes...)
	r.s.webhooks[registration.ID] = &cp
	return nil
}

func (r *webhookRepo) ListActiveForEvent(_ context.Context, tenantID, eventType string) ([]*domain.WebhookRegistration, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.WebhookRegistration, 0)
	for _, reg := range r.s.webhooks {
		if reg.Active && reg.TenantID == tenantID && reg.Subscribes(eventType) {
			cp := *reg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *webhookRepo) RecordDelivery(_ context.Context, delivery *domain.WebhookDelivery) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *delivery
	r.s.deliveries = append(r.s.deliveries, &cp)
	return nil
}

func (r *webhookRepo) ListDeliveries(_ context.Context, eventID string) ([]*domain.WebhookDelivery, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*domain.WebhookDelivery, 0)
	for _, d := range r.s.deliveries {
		if eventID == "" || d.EventID == eventID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func cloneEntry(e *domain.EventLogEntry) *domain.EventLogEntry {
	cp := *e
	cp.HandlerResults = append([]domain.HandlerResult(nil), e.HandlerResults...)
	return &cp
}

func cloneGate(g *domain.ApprovalGate) *domain.ApprovalGate {
	cp := *g
	cp.EligibleRoles = append([]string(nil), g.EligibleRoles...)
	cp.EscalationRoles = append([]string(nil), g.EscalationRoles...)
	if g.DecidedAt != nil {
		at := *g.DecidedAt
		cp.DecidedAt = &at
	}
	return &cp
}

func mergeRoles(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, role := range b {
		found := false
		for _, existing := range out {
			if existing == role {
				found = true
				break
			}
		}
		if !found {
			out = append(out, role)
		}
	}
	return out
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
