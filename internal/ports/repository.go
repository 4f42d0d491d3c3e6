package ports

import (
	"context"
	"time"

	"github.com/fixora/sagacore/internal/domain"
)

// SagaRepository defines the interface for saga instance persistence
type SagaRepository interface {
	// Create saves a new instance; returns domain.ErrActiveSagaExists when an
	// active instance already exists for the same saga name and correlation id
	Create(ctx context.Context, instance *domain.SagaInstance) error

	// Get retrieves an instance by its ID
	Get(ctx context.Context, id string) (*domain.SagaInstance, error)

	// FindActive returns the active instance for (sagaName, correlationID), or nil
	FindActive(ctx context.Context, sagaName, correlationID string) (*domain.SagaInstance, error)

	// Update writes the instance only if its stored version equals expectedVersion,
	// and bumps the version on success. A mismatch returns a *domain.ConcurrencyError
	Update(ctx context.Context, instance *domain.SagaInstance, expectedVersion int64) error

	// List retrieves instances based on filter criteria
	List(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaInstance, error)

	// FailTimedOut atomically fails every running instance whose timeout_at <= now,
	// appending a timeout step result, and returns the instances it transitioned
	FailTimedOut(ctx context.Context, now time.Time) ([]*domain.SagaInstance, error)

	// FailExpiredApprovals atomically fails waiting_approval instances whose pending
	// gate deadline is older than cutoff, closing the gate as rejected. Instances
	// still waiting on a gate decided before cutoff are failed too.
	FailExpiredApprovals(ctx context.Context, cutoff time.Time) ([]*domain.SagaInstance, error)
}

// EventLogRepository defines the interface for the domain event log
type EventLogRepository interface {
	// Begin inserts a processing entry; returns domain.ErrDuplicateEvent if the id exists
	Begin(ctx context.Context, entry *domain.EventLogEntry) error

	// Complete records the settled status and handler results
	Complete(ctx context.Context, eventID string, status domain.EventLogStatus, results []domain.HandlerResult) error

	Get(ctx context.Context, eventID string) (*domain.EventLogEntry, error)

	List(ctx context.Context, filter domain.EventLogFilter) ([]*domain.EventLogEntry, error)

	// PurgeExpired deletes entries whose retention window ended before now
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// ApprovalRepository defines the interface for approval gate persistence
type ApprovalRepository interface {
	// Create saves a new pending gate
	Create(ctx context.Context, gate *domain.ApprovalGate) error

	Get(ctx context.Context, id string) (*domain.ApprovalGate, error)

	// FindPending returns the open gate for an instance step, or nil
	FindPending(ctx context.Context, sagaInstanceID, stepName string) (*domain.ApprovalGate, error)

	// Decide closes a pending gate. Returns domain.ErrGateClosed when the gate
	// was already decided
	Decide(ctx context.Context, id string, decision domain.Decision, decidedBy string, decidedAt time.Time) error

	// Escalate extends a pending, not yet escalated gate once. Returns
	// domain.ErrGateClosed when the gate is no longer eligible
	Escalate(ctx context.Context, id string, deadline time.Time, roles []string) error

	// ListPending lists open gates; an empty tenantID lists all tenants
	ListPending(ctx context.Context, tenantID string) ([]*domain.ApprovalGate, error)

	// ListExpired lists pending gates whose deadline is at or before now
	ListExpired(ctx context.Context, now time.Time) ([]*domain.ApprovalGate, error)
}

// WebhookRepository defines the interface for webhook registrations and the delivery log
type WebhookRepository interface {
	Register(ctx context.Context, registration *domain.WebhookRegistration) error

	// ListActiveForEvent returns active registrations of tenantID subscribed to eventType
	ListActiveForEvent(ctx context.Context, tenantID, eventType string) ([]*domain.WebhookRegistration, error)

	// RecordDelivery appends one delivery attempt
	RecordDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error

	ListDeliveries(ctx context.Context, eventID string) ([]*domain.WebhookDelivery, error)
}
