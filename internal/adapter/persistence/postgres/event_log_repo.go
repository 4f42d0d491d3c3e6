package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fixora/sagacore/internal/domain"
)

const eventLogColumns = `event_id, type, version, tenant_id, aggregate_id, aggregate_version, payload, metadata,
	status, handler_results, created_at, expires_at`

// EventLogRepository implements ports.EventLogRepository using PostgreSQL
type EventLogRepository struct {
	db *sql.DB
}

// Begin inserts a processing entry. The primary key on event_id makes a
// second publish of the same id fail with ErrDuplicateEvent.
func (r *EventLogRepository) Begin(ctx context.Context, entry *domain.EventLogEntry) error {
	query := `
		INSERT INTO domain_event_log (` + eventLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`

	payload, err := marshalJSON(entry.Payload, "event payload")
	if err != nil {
		return err
	}
	metadata, err := marshalJSON(entry.Metadata, "event metadata")
	if err != nil {
		return err
	}
	results, err := marshalJSON(nonNilResults(entry.HandlerResults), "handler results")
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, query,
		entry.EventID,
		entry.Type,
		entry.Version,
		entry.TenantID,
		nullString(entry.AggregateID),
		entry.AggregateVersion,
		payload,
		metadata,
		string(entry.Status),
		results,
		entry.CreatedAt,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event log entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check event log insert: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicateEvent
	}
	return nil
}

// Complete stores the settled status and handler outcomes
func (r *EventLogRepository) Complete(ctx context.Context, eventID string, status domain.EventLogStatus, handlerResults []domain.HandlerResult) error {
	query := `UPDATE domain_event_log SET status = $2, handler_results = $3 WHERE event_id = $1`

	results, err := marshalJSON(nonNilResults(handlerResults), "handler results")
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, query, eventID, string(status), results)
	if err != nil {
		return fmt.Errorf("failed to complete event log entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check event log update: %w", err)
	}
	if n == 0 {
		return domain.NewNotFoundError("event", eventID)
	}
	return nil
}

// Get retrieves an entry by event id
func (r *EventLogRepository) Get(ctx context.Context, eventID string) (*domain.EventLogEntry, error) {
	query := `SELECT ` + eventLogColumns + ` FROM domain_event_log WHERE event_id = $1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("event", eventID)
		}
		return nil, fmt.Errorf("failed to get event log entry: %w", err)
	}
	return entry, nil
}

// List returns entries newest first
func (r *EventLogRepository) List(ctx context.Context, filter domain.EventLogFilter) ([]*domain.EventLogEntry, error) {
	var w whereBuilder
	if filter.Type != "" {
		w.add("type = $%d", filter.Type)
	}
	if filter.TenantID != "" {
		w.add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Status != nil {
		w.add("status = $%d", string(*filter.Status))
	}
	query := `SELECT ` + eventLogColumns + ` FROM domain_event_log` + w.clause() + ` ORDER BY created_at DESC`
	query += w.page(filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list event log: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.EventLogEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// PurgeExpired deletes entries whose retention ended
func (r *EventLogRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM domain_event_log WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge event log: %w", err)
	}
	return res.RowsAffected()
}

func nonNilResults(results []domain.HandlerResult) []domain.HandlerResult {
	if results == nil {
		return []domain.HandlerResult{}
	}
	return results
}

func scanEntry(row scanner) (*domain.EventLogEntry, error) {
	var entry domain.EventLogEntry
	var aggregateID sql.NullString
	var aggregateVersion sql.NullInt64
	var payload, metadata, results []byte

	err := row.Scan(
		&entry.EventID,
		&entry.Type,
		&entry.Version,
		&entry.TenantID,
		&aggregateID,
		&aggregateVersion,
		&payload,
		&metadata,
		&entry.Status,
		&results,
		&entry.CreatedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	entry.AggregateID = aggregateID.String
	entry.AggregateVersion = aggregateVersion.Int64
	entry.Payload = map[string]any{}
	if err := unmarshalJSON(payload, &entry.Payload, "event payload"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &entry.Metadata, "event metadata"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(results, &entry.HandlerResults, "handler results"); err != nil {
		return nil, err
	}
	return &entry, nil
}
