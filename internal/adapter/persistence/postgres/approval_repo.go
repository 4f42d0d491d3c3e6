package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fixora/sagacore/internal/domain"
)

const gateColumns = `id, saga_instance_id, saga_name, step_name, tenant_id, correlation_id, eligible_roles,
	escalation_roles, deadline, timeout_action, decision, decided_by, decided_at, escalated, created_at`

// ApprovalRepository implements ports.ApprovalRepository using PostgreSQL
type ApprovalRepository struct {
	db *sql.DB
}

// Create inserts a pending gate. One pending gate per instance is enforced by
// a partial unique index.
func (r *ApprovalRepository) Create(ctx context.Context, gate *domain.ApprovalGate) error {
	query := `
		INSERT INTO approval_gates (` + gateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.ExecContext(ctx, query,
		gate.ID,
		gate.SagaInstanceID,
		gate.SagaName,
		gate.StepName,
		gate.TenantID,
		gate.CorrelationID,
		pq.Array(nonNilStrings(gate.EligibleRoles)),
		pq.Array(nonNilStrings(gate.EscalationRoles)),
		gate.Deadline,
		string(gate.TimeoutAction),
		string(gate.Decision),
		nullString(gate.DecidedBy),
		gate.DecidedAt,
		gate.Escalated,
		gate.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "approval_gates_pending_instance_idx") {
			return fmt.Errorf("instance %s already has an open gate: %w", gate.SagaInstanceID, domain.ErrGateClosed)
		}
		return fmt.Errorf("failed to create approval gate: %w", err)
	}
	return nil
}

// Get retrieves a gate by id
func (r *ApprovalRepository) Get(ctx context.Context, id string) (*domain.ApprovalGate, error) {
	query := `SELECT ` + gateColumns + ` FROM approval_gates WHERE id = $1`

	gate, err := scanGate(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("approval gate", id)
		}
		return nil, fmt.Errorf("failed to get approval gate: %w", err)
	}
	return gate, nil
}

// FindPending returns the open gate for an instance step, or nil.
func (r *ApprovalRepository) FindPending(ctx context.Context, sagaInstanceID, stepName string) (*domain.ApprovalGate, error) {
	query := `
		SELECT ` + gateColumns + `
		FROM approval_gates
		WHERE saga_instance_id = $1 AND step_name = $2 AND decision = 'pending'
	`

	gate, err := scanGate(r.db.QueryRowContext(ctx, query, sagaInstanceID, stepName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find pending gate: %w", err)
	}
	return gate, nil
}

// Decide closes a pending gate. A gate that is no longer pending yields ErrGateClosed.
func (r *ApprovalRepository) Decide(ctx context.Context, id string, decision domain.Decision, decidedBy string, decidedAt time.Time) error {
	query := `
		UPDATE approval_gates
		SET decision = $2, decided_by = $3, decided_at = $4
		WHERE id = $1 AND decision = 'pending'
	`

	res, err := r.db.ExecContext(ctx, query, id, string(decision), decidedBy, decidedAt)
	if err != nil {
		return fmt.Errorf("failed to decide approval gate: %w", err)
	}
	return r.checkClosed(ctx, res, id)
}

// Escalate extends the deadline of a pending, not yet escalated gate and
// adds roles to its eligible roles.
func (r *ApprovalRepository) Escalate(ctx context.Context, id string, deadline time.Time, roles []string) error {
	query := `
		UPDATE approval_gates
		SET escalated = TRUE,
			deadline = $2,
			eligible_roles = eligible_roles || ARRAY(
				SELECT role FROM unnest($3::text[]) AS role WHERE NOT role = ANY(eligible_roles))
		WHERE id = $1 AND decision = 'pending' AND NOT escalated
	`

	res, err := r.db.ExecContext(ctx, query, id, deadline, pq.Array(nonNilStrings(roles)))
	if err != nil {
		return fmt.Errorf("failed to escalate approval gate: %w", err)
	}
	return r.checkClosed(ctx, res, id)
}

func (r *ApprovalRepository) checkClosed(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check approval gate update: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrGateClosed
}

// ListPending lists open gates, optionally for one tenant, oldest first
func (r *ApprovalRepository) ListPending(ctx context.Context, tenantID string) ([]*domain.ApprovalGate, error) {
	var w whereBuilder
	w.add("decision = $%d", string(domain.DecisionPending))
	if tenantID != "" {
		w.add("tenant_id = $%d", tenantID)
	}
	return r.query(ctx, `SELECT `+gateColumns+` FROM approval_gates`+w.clause()+` ORDER BY created_at`, w.args...)
}

// ListExpired lists pending gates whose deadline is not after now
func (r *ApprovalRepository) ListExpired(ctx context.Context, now time.Time) ([]*domain.ApprovalGate, error) {
	query := `
		SELECT ` + gateColumns + `
		FROM approval_gates
		WHERE decision = 'pending' AND deadline <= $1
		ORDER BY deadline
	`
	return r.query(ctx, query, now)
}

func (r *ApprovalRepository) query(ctx context.Context, query string, args ...any) ([]*domain.ApprovalGate, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval gates: %w", err)
	}
	defer rows.Close()

	gates := make([]*domain.ApprovalGate, 0)
	for rows.Next() {
		gate, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval gate: %w", err)
		}
		gates = append(gates, gate)
	}
	return gates, rows.Err()
}

func scanGate(row scanner) (*domain.ApprovalGate, error) {
	var gate domain.ApprovalGate
	var decidedBy sql.NullString
	var decidedAt sql.NullTime

	err := row.Scan(
		&gate.ID,
		&gate.SagaInstanceID,
		&gate.SagaName,
		&gate.StepName,
		&gate.TenantID,
		&gate.CorrelationID,
		pq.Array(&gate.EligibleRoles),
		pq.Array(&gate.EscalationRoles),
		&gate.Deadline,
		&gate.TimeoutAction,
		&gate.Decision,
		&decidedBy,
		&decidedAt,
		&gate.Escalated,
		&gate.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	gate.DecidedBy = decidedBy.String
	if decidedAt.Valid {
		at := decidedAt.Time
		gate.DecidedAt = &at
	}
	return &gate, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
