//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fixora/sagacore/internal/domain"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("sagacore"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(container))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, dsn, PoolConfig{MaxConnections: 5})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db, "sagacore"))
	// applying again is a no-op
	require.NoError(t, Migrate(db, "sagacore"))
	return NewStore(db)
}

func newInstance(id, correlationID string, timeoutAt time.Time) *domain.SagaInstance {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.SagaInstance{
		ID:             id,
		SagaName:       "order-fulfillment",
		TriggerEventID: "evt-" + id,
		TenantID:       "acme",
		CorrelationID:  correlationID,
		Status:         domain.SagaStatusRunning,
		Version:        1,
		Context:        map[string]any{},
		StepResults:    []domain.StepResult{},
		TimeoutAt:      timeoutAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestIntegration_SagaRepository(t *testing.T) {
	store := setupStore(t)
	repo := store.Sagas()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newInstance("s1", "order-1", now.Add(time.Hour))))
	err := repo.Create(ctx, newInstance("s2", "order-1", now.Add(time.Hour)))
	assert.ErrorIs(t, err, domain.ErrActiveSagaExists)

	active, err := repo.FindActive(ctx, "order-fulfillment", "order-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "s1", active.ID)

	missing, err := repo.FindActive(ctx, "order-fulfillment", "order-404")
	require.NoError(t, err)
	assert.Nil(t, missing)

	stale, err := repo.Get(ctx, "s1")
	require.NoError(t, err)

	active.CurrentStep = 1
	active.MergeContext(map[string]any{"reservation_id": "r-1"})
	active.AppendResult(domain.StepResult{StepName: "reserve_stock", Status: domain.StepStatusSuccess, CompletedAt: now})
	require.NoError(t, repo.Update(ctx, active, 1))
	assert.Equal(t, int64(2), active.Version)

	stale.Status = domain.SagaStatusFailed
	err = repo.Update(ctx, stale, 1)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	stored, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentStep)
	assert.Equal(t, "r-1", stored.Context["reservation_id"])
	require.Len(t, stored.StepResults, 1)

	_, err = repo.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	running := domain.SagaStatusRunning
	listed, err := repo.List(ctx, domain.SagaFilter{Status: &running, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestIntegration_FailTimedOut(t *testing.T) {
	store := setupStore(t)
	repo := store.Sagas()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newInstance("late", "order-1", now.Add(-time.Second))))
	require.NoError(t, repo.Create(ctx, newInstance("fresh", "order-2", now.Add(time.Hour))))

	failed, err := repo.FailTimedOut(ctx, now)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "late", failed[0].ID)
	assert.Equal(t, domain.SagaStatusFailed, failed[0].Status)
	assert.Equal(t, int64(2), failed[0].Version)
	require.Len(t, failed[0].StepResults, 1)
	assert.Equal(t, domain.TimeoutStepName, failed[0].StepResults[0].StepName)

	again, err := repo.FailTimedOut(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestIntegration_ApprovalsAndExpiredApprovals(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	instance := newInstance("s1", "order-1", now.Add(time.Hour))
	instance.Status = domain.SagaStatusWaitingApproval
	require.NoError(t, store.Sagas().Create(ctx, instance))

	gates := store.Approvals()
	gate := &domain.ApprovalGate{
		ID:             "g1",
		SagaInstanceID: "s1",
		SagaName:       "order-fulfillment",
		StepName:       "charge_payment",
		TenantID:       "acme",
		EligibleRoles:  []string{"finance"},
		Deadline:       now.Add(-time.Hour),
		TimeoutAction:  domain.TimeoutActionEscalate,
		Decision:       domain.DecisionPending,
		CreatedAt:      now,
	}
	require.NoError(t, gates.Create(ctx, gate))
	second := *gate
	second.ID = "g2"
	assert.ErrorIs(t, gates.Create(ctx, &second), domain.ErrGateClosed)

	pending, err := gates.FindPending(ctx, "s1", "charge_payment")
	require.NoError(t, err)
	require.NotNil(t, pending)

	expired, err := gates.ListExpired(ctx, now)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	require.NoError(t, gates.Escalate(ctx, "g1", now.Add(-30*time.Minute), []string{"cfo", "finance"}))
	assert.ErrorIs(t, gates.Escalate(ctx, "g1", now, []string{"cfo"}), domain.ErrGateClosed)
	escalated, err := gates.Get(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, escalated.Escalated)
	assert.Equal(t, []string{"finance", "cfo"}, escalated.EligibleRoles)

	failed, err := store.Sagas().FailExpiredApprovals(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.SagaStatusFailed, failed[0].Status)
	require.Len(t, failed[0].StepResults, 1)
	assert.Contains(t, failed[0].StepResults[0].Error, "charge_payment")

	closed, err := gates.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, closed.Decision)
	assert.Equal(t, domain.SystemTimeoutActor, closed.DecidedBy)
	assert.ErrorIs(t, gates.Decide(ctx, "g1", domain.DecisionApproved, "u1", now), domain.ErrGateClosed)
	assert.ErrorIs(t, gates.Decide(ctx, "nope", domain.DecisionApproved, "u1", now), domain.ErrNotFound)
}

func TestIntegration_FailExpiredApprovalsSweepsDecidedGateThatNeverResumed(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	waiting := func(id string) {
		instance := newInstance(id, "order-"+id, now.Add(time.Hour))
		instance.Status = domain.SagaStatusWaitingApproval
		instance.UpdatedAt = now.Add(-2 * time.Hour)
		require.NoError(t, store.Sagas().Create(ctx, instance))
	}
	gates := store.Approvals()
	decided := func(id, instanceID string, decidedAt time.Time) {
		require.NoError(t, gates.Create(ctx, &domain.ApprovalGate{
			ID: id, SagaInstanceID: instanceID, SagaName: "order-fulfillment", StepName: "charge_payment",
			TenantID: "acme", EligibleRoles: []string{"finance"}, Deadline: now.Add(time.Hour),
			TimeoutAction: domain.TimeoutActionReject, Decision: domain.DecisionPending, CreatedAt: now.Add(-2 * time.Hour),
		}))
		require.NoError(t, gates.Decide(ctx, id, domain.DecisionApproved, "u1", decidedAt))
	}
	waiting("stuck")
	decided("g-stuck", "stuck", now.Add(-time.Hour))
	waiting("fresh")
	decided("g-fresh", "fresh", now.Add(-time.Minute))

	failed, err := store.Sagas().FailExpiredApprovals(ctx, now.Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "stuck", failed[0].ID)
	require.Len(t, failed[0].StepResults, 1)
	assert.Contains(t, failed[0].StepResults[0].Error, "never resumed")

	fresh, err := store.Sagas().Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusWaitingApproval, fresh.Status)
}

func TestIntegration_EventLogAndWebhooks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	event := domain.NewDomainEvent("order.placed", "acme", map[string]any{"order_id": "o-1"})
	log := store.EventLog()
	require.NoError(t, log.Begin(ctx, domain.NewEventLogEntry(event, now, time.Hour)))
	assert.ErrorIs(t, log.Begin(ctx, domain.NewEventLogEntry(event, now, time.Hour)), domain.ErrDuplicateEvent)
	require.NoError(t, log.Complete(ctx, event.ID, domain.EventLogPartialFailure, []domain.HandlerResult{
		{Handler: "a", Success: true},
		{Handler: "b", Error: "boom"},
	}))

	entry, err := log.Get(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventLogPartialFailure, entry.Status)
	assert.Equal(t, "o-1", entry.Payload["order_id"])
	assert.Len(t, entry.HandlerResults, 2)

	hooks := store.Webhooks()
	require.NoError(t, hooks.Register(ctx, &domain.WebhookRegistration{
		ID: "w1", TenantID: "acme", URL: "https://example.test/hook", Secret: "s",
		EventTypes: []string{"*"}, Active: true, Retry: domain.RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
		CreatedAt: now,
	}))
	regs, err := hooks.ListActiveForEvent(ctx, "acme", "order.placed")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, time.Second, regs[0].Retry.Backoff)

	require.NoError(t, hooks.RecordDelivery(ctx, &domain.WebhookDelivery{
		ID: "d1", EventID: event.ID, RegistrationID: "w1", URL: "https://example.test/hook",
		Status: domain.DeliveryStatusCircuitOpen, Attempt: 1, Error: "circuit_open", CreatedAt: now,
	}))
	deliveries, err := hooks.ListDeliveries(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "circuit_open", deliveries[0].Error)

	n, err := log.PurgeExpired(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
