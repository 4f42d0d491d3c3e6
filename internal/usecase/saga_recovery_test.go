package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixora/sagacore/internal/domain"
)

func TestSagaRecovery_FailsTimedOutInstanceOnce(t *testing.T) {
	h := newFulfillmentHarness(t, fulfillmentOptions{})
	ctx := context.Background()
	def, err := h.orchestrator.definition("order-fulfillment")
	require.NoError(t, err)
	def.Timeout = 60 * time.Second

	start := time.Now().UTC()
	event := domain.NewDomainEvent("order.placed", "acme", nil)
	stuck := domain.NewSagaInstance("stuck-1", def, event, start)
	require.NoError(t, h.store.Sagas().Create(ctx, stuck))

	h.recovery.now = func() time.Time { return start.Add(59 * time.Second) }
	n, err := h.recovery.RecoverStuckSagas(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.recovery.now = func() time.Time { return start.Add(61 * time.Second) }
	n, err = h.recovery.RecoverStuckSagas(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	instance, err := h.orchestrator.Get(ctx, "stuck-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStatusFailed, instance.Status)
	require.Len(t, instance.StepResults, 1)
	assert.Equal(t, domain.TimeoutStepName, instance.StepResults[0].StepName)
	assert.Equal(t, domain.StepStatusFailed, instance.StepResults[0].Status)

	n, err = h.recovery.RecoverStuckSagas(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	failed := h.logged(t, domain.EventSagaFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "timeout", failed[0].Payload["reason"])
	assert.Equal(t, "saga-recovery", failed[0].Metadata.Source)
}

func TestSagaRecovery_FailsMissedApprovalsAfterGrace(t *testing.T) {
	h := newFulfillmentHarness(t, fulfillmentOptions{})
	ctx := context.Background()
	h.trigger(t, "order-1")
	gate := h.pendingGate(t)

	// within the grace period nothing happens
	h.recovery.now = func() time.Time { return gate.Deadline.Add(5 * time.Minute) }
	n, err := h.recovery.RecoverStuckSagas(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.recovery.now = func() time.Time { return gate.Deadline.Add(11 * time.Minute) }
	n, err = h.recovery.RecoverStuckSagas(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	instance := h.only(t)
	assert.Equal(t, domain.SagaStatusFailed, instance.Status)

	closed, err := h.approvals.Get(ctx, gate.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRejected, closed.Decision)

	// a late human decision cannot reopen it
	_, err = h.approvals.Decide(ctx, gate.ID, domain.DecisionApproved, domain.Approver{UserID: "userX", Roles: []string{"finance"}})
	assert.ErrorIs(t, err, domain.ErrGateClosed)
}

func TestSagaRecovery_FailsWaitingSagaWhoseDecisionNeverResumed(t *testing.T) {
	h := newFulfillmentHarness(t, fulfillmentOptions{})
	ctx := context.Background()
	h.trigger(t, "order-1")
	gate := h.pendingGate(t)

	// the decision is stored but its event never reaches the orchestrator
	decidedAt := time.Now().UTC()
	require.NoError(t, h.store.Approvals().Decide(ctx, gate.ID, domain.DecisionApproved, "userX", decidedAt))

	h.recovery.now = func() time.Time { return decidedAt.Add(5 * time.Minute) }
	n, err := h.recovery.RecoverStuckSagas(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.SagaStatusWaitingApproval, h.only(t).Status)

	h.recovery.now = func() time.Time { return decidedAt.Add(11 * time.Minute) }
	n, err = h.recovery.RecoverStuckSagas(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	instance := h.only(t)
	assert.Equal(t, domain.SagaStatusFailed, instance.Status)
	last := instance.StepResults[len(instance.StepResults)-1]
	assert.Equal(t, domain.TimeoutStepName, last.StepName)
	assert.Contains(t, last.Error, "never resumed")
	assert.Len(t, h.logged(t, domain.EventSagaFailed), 1)
}
