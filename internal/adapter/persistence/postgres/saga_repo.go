package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fixora/sagacore/internal/domain"
)

const sagaColumns = `id, saga_name, trigger_event_id, tenant_id, correlation_id, current_step, status, version,
	context, step_results, approvals, timeout_at, created_at, updated_at`

// SagaRepository implements ports.SagaRepository using PostgreSQL
type SagaRepository struct {
	db  *sql.DB
	now func() time.Time
}

// Create inserts a new instance. The partial unique index on active
// (saga_name, correlation_id) turns a concurrent duplicate into ErrActiveSagaExists.
func (r *SagaRepository) Create(ctx context.Context, instance *domain.SagaInstance) error {
	query := `
		INSERT INTO saga_instances (` + sagaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	contextJSON, results, approvals, err := encodeInstance(instance)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.SagaName,
		instance.TriggerEventID,
		instance.TenantID,
		instance.CorrelationID,
		instance.CurrentStep,
		string(instance.Status),
		instance.Version,
		contextJSON,
		results,
		approvals,
		instance.TimeoutAt,
		instance.CreatedAt,
		instance.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "saga_instances_active_correlation_idx") {
			return fmt.Errorf("saga %s for %s: %w", instance.SagaName, instance.CorrelationID, domain.ErrActiveSagaExists)
		}
		return fmt.Errorf("failed to create saga instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by id
func (r *SagaRepository) Get(ctx context.Context, id string) (*domain.SagaInstance, error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_instances WHERE id = $1`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("saga instance", id)
		}
		return nil, fmt.Errorf("failed to get saga instance: %w", err)
	}
	return instance, nil
}

// FindActive returns the active instance for a correlation id, or nil.
func (r *SagaRepository) FindActive(ctx context.Context, sagaName, correlationID string) (*domain.SagaInstance, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM saga_instances
		WHERE saga_name = $1 AND correlation_id = $2
		  AND status IN ('running', 'waiting_approval', 'compensating')
	`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, sagaName, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active saga: %w", err)
	}
	return instance, nil
}

// Update writes instance only if the stored version equals expectedVersion.
// On success instance.Version and UpdatedAt carry the stored values.
func (r *SagaRepository) Update(ctx context.Context, instance *domain.SagaInstance, expectedVersion int64) error {
	query := `
		UPDATE saga_instances
		SET current_step = $3, status = $4, context = $5, step_results = $6, approvals = $7,
			version = version + 1, updated_at = $8
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	contextJSON, results, approvals, err := encodeInstance(instance)
	if err != nil {
		return err
	}

	var version int64
	var updatedAt time.Time
	err = r.db.QueryRowContext(ctx, query,
		instance.ID,
		expectedVersion,
		instance.CurrentStep,
		string(instance.Status),
		contextJSON,
		results,
		approvals,
		r.now(),
	).Scan(&version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := r.Get(ctx, instance.ID); getErr != nil {
				return getErr
			}
			return &domain.ConcurrencyError{Resource: "saga instance", ID: instance.ID, ExpectedVersion: expectedVersion}
		}
		return fmt.Errorf("failed to update saga instance: %w", err)
	}

	instance.Version = version
	instance.UpdatedAt = updatedAt
	return nil
}

// List returns instances newest first
func (r *SagaRepository) List(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaInstance, error) {
	var w whereBuilder
	if filter.Status != nil {
		w.add("status = $%d", string(*filter.Status))
	}
	if filter.SagaName != "" {
		w.add("saga_name = $%d", filter.SagaName)
	}
	if filter.TenantID != "" {
		w.add("tenant_id = $%d", filter.TenantID)
	}
	query := `SELECT ` + sagaColumns + ` FROM saga_instances` + w.clause() + ` ORDER BY created_at DESC`
	query += w.page(filter.Limit, filter.Offset)

	return r.query(ctx, query, w.args...)
}

// FailTimedOut fails every running instance past its timeout in one
// conditional statement and returns the rows it changed.
func (r *SagaRepository) FailTimedOut(ctx context.Context, now time.Time) ([]*domain.SagaInstance, error) {
	result, err := marshalJSON(domain.StepResult{
		StepName:    domain.TimeoutStepName,
		Status:      domain.StepStatusFailed,
		Error:       "saga timed out",
		CompletedAt: now,
	}, "timeout result")
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE saga_instances
		SET status = 'failed',
			step_results = step_results || jsonb_build_array($2::jsonb),
			version = version + 1,
			updated_at = $1
		WHERE status = 'running' AND timeout_at <= $1
		RETURNING ` + sagaColumns

	instances, err := r.query(ctx, query, now, string(result))
	if err != nil {
		return nil, fmt.Errorf("failed to fail timed out sagas: %w", err)
	}
	return instances, nil
}

// FailExpiredApprovals rejects pending gates whose deadline is before cutoff
// and fails their waiting instances, in one statement. Instances whose latest
// gate was decided before cutoff without resuming are failed as well.
func (r *SagaRepository) FailExpiredApprovals(ctx context.Context, cutoff time.Time) ([]*domain.SagaInstance, error) {
	query := `
		WITH expired AS (
			UPDATE approval_gates g
			SET decision = 'rejected', decided_by = $2, decided_at = $3
			FROM saga_instances s
			WHERE g.saga_instance_id = s.id
			  AND g.decision = 'pending'
			  AND g.deadline < $1
			  AND s.status = 'waiting_approval'
			RETURNING g.saga_instance_id, 'approval deadline missed for step ' || g.step_name AS reason
		),
		stranded AS (
			SELECT g.saga_instance_id, 'approval decided for step ' || g.step_name || ' but saga never resumed' AS reason
			FROM approval_gates g
			JOIN saga_instances s ON s.id = g.saga_instance_id
			WHERE g.decision <> 'pending'
			  AND g.decided_at < $1
			  AND s.status = 'waiting_approval'
			  AND s.updated_at < $1
			  AND NOT EXISTS (
				SELECT 1 FROM approval_gates n
				WHERE n.saga_instance_id = g.saga_instance_id AND n.created_at > g.created_at
			  )
		),
		closed AS (
			SELECT saga_instance_id, reason FROM expired
			UNION ALL
			SELECT saga_instance_id, reason FROM stranded
		)
		UPDATE saga_instances s
		SET status = 'failed',
			step_results = s.step_results || jsonb_build_array(jsonb_build_object(
				'step_name', $4::text,
				'status', 'failed',
				'error', c.reason,
				'completed_at', to_jsonb($3::timestamptz))),
			version = s.version + 1,
			updated_at = $3
		FROM closed c
		WHERE s.id = c.saga_instance_id AND s.status = 'waiting_approval'
		RETURNING ` + prefixed("s.", sagaColumns)

	instances, err := r.query(ctx, query, cutoff, domain.SystemTimeoutActor, r.now(), domain.TimeoutStepName)
	if err != nil {
		return nil, fmt.Errorf("failed to fail sagas with expired approvals: %w", err)
	}
	return instances, nil
}

func (r *SagaRepository) query(ctx context.Context, query string, args ...any) ([]*domain.SagaInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]*domain.SagaInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga instance: %w", err)
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

func encodeInstance(instance *domain.SagaInstance) (contextJSON, results, approvals []byte, err error) {
	sagaCtx := instance.Context
	if sagaCtx == nil {
		sagaCtx = map[string]any{}
	}
	if contextJSON, err = marshalJSON(sagaCtx, "saga context"); err != nil {
		return
	}
	stepResults := instance.StepResults
	if stepResults == nil {
		stepResults = []domain.StepResult{}
	}
	if results, err = marshalJSON(stepResults, "step results"); err != nil {
		return
	}
	records := instance.Approvals
	if records == nil {
		records = []domain.ApprovalRecord{}
	}
	approvals, err = marshalJSON(records, "approvals")
	return
}

func scanInstance(row scanner) (*domain.SagaInstance, error) {
	var instance domain.SagaInstance
	var contextJSON, results, approvals []byte

	err := row.Scan(
		&instance.ID,
		&instance.SagaName,
		&instance.TriggerEventID,
		&instance.TenantID,
		&instance.CorrelationID,
		&instance.CurrentStep,
		&instance.Status,
		&instance.Version,
		&contextJSON,
		&results,
		&approvals,
		&instance.TimeoutAt,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.Context = map[string]any{}
	if err := unmarshalJSON(contextJSON, &instance.Context, "saga context"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(results, &instance.StepResults, "step results"); err != nil {
		return nil, err
	}
	if instance.StepResults == nil {
		instance.StepResults = []domain.StepResult{}
	}
	if err := unmarshalJSON(approvals, &instance.Approvals, "approvals"); err != nil {
		return nil, err
	}
	return &instance, nil
}
