package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/metrics"
	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
)

// SagaRecovery fails instances that outlived their deadline. Each failure is a
// single conditional write in the repository, so concurrent recovery runs and
// live orchestration never fail the same instance twice.
type SagaRecovery struct {
	sagas     ports.SagaRepository
	publisher ports.EventPublisher
	logger    logger.Logger
	metrics   *metrics.Metrics
	grace     time.Duration
	now       func() time.Time
}

// NewSagaRecovery creates a recovery service. A zero grace disables the
// expired-approval sweep.
func NewSagaRecovery(sagas ports.SagaRepository, publisher ports.EventPublisher, log logger.Logger, m *metrics.Metrics, grace time.Duration) *SagaRecovery {
	return &SagaRecovery{
		sagas:     sagas,
		publisher: publisher,
		logger:    log.WithFields(map[string]interface{}{"component": "saga_recovery"}),
		metrics:   m,
		grace:     grace,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecoverStuckSagas fails timed-out running instances and waiting instances
// whose approval deadline passed more than the grace period ago. It returns
// the number of instances failed.
func (r *SagaRecovery) RecoverStuckSagas(ctx context.Context) (int, error) {
	now := r.now()

	timedOut, err := r.sagas.FailTimedOut(ctx, now)
	if err != nil {
		r.logger.Error(ctx, "Failed to recover timed out sagas", err, nil)
		return 0, fmt.Errorf("failed to recover timed out sagas: %w", err)
	}
	r.announce(ctx, timedOut, "timeout")
	recovered := len(timedOut)

	if r.grace <= 0 {
		return recovered, nil
	}
	expired, err := r.sagas.FailExpiredApprovals(ctx, now.Add(-r.grace))
	if err != nil {
		r.logger.Error(ctx, "Failed to recover sagas with missed approvals", err, nil)
		return recovered, fmt.Errorf("failed to recover expired approvals: %w", err)
	}
	r.announce(ctx, expired, "approval_deadline_missed")
	return recovered + len(expired), nil
}

func (r *SagaRecovery) announce(ctx context.Context, instances []*domain.SagaInstance, reason string) {
	if len(instances) == 0 {
		return
	}
	r.metrics.ObserveRecovered(reason, len(instances))

	for _, instance := range instances {
		r.metrics.ObserveSagaTransition(instance.SagaName, string(domain.SagaStatusFailed))
		r.logger.Warn(ctx, "Saga recovered as failed", map[string]interface{}{
			"saga_instance_id": instance.ID,
			"saga_name":        instance.SagaName,
			"reason":           reason,
		})

		event := domain.NewDomainEvent(domain.EventSagaFailed, instance.TenantID, map[string]any{
			"saga_instance_id": instance.ID,
			"saga_name":        instance.SagaName,
			"status":           string(instance.Status),
			"reason":           reason,
		})
		event.AggregateID = instance.ID
		event.AggregateVersion = instance.Version
		event.Metadata.Source = "saga-recovery"
		event.Metadata.CorrelationID = instance.CorrelationID
		event.Metadata.SagaID = instance.ID
		if err := r.publisher.Publish(ctx, event); err != nil && !errors.Is(err, domain.ErrDuplicateEvent) {
			r.logger.Error(ctx, "Failed to publish recovery event", err, map[string]interface{}{"saga_instance_id": instance.ID})
		}
	}
}
