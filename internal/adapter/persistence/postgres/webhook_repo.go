package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fixora/sagacore/internal/domain"
)

// WebhookRepository implements ports.WebhookRepository using PostgreSQL
type WebhookRepository struct {
	db *sql.DB
}

// Register upserts a registration
func (r *WebhookRepository) Register(ctx context.Context, registration *domain.WebhookRegistration) error {
	query := `
		INSERT INTO webhook_registrations (id, tenant_id, url, secret, event_types, active, headers,
			max_attempts, backoff_ms, max_backoff_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET url = EXCLUDED.url, secret = EXCLUDED.secret, event_types = EXCLUDED.event_types,
			active = EXCLUDED.active, headers = EXCLUDED.headers, max_attempts = EXCLUDED.max_attempts,
			backoff_ms = EXCLUDED.backoff_ms, max_backoff_ms = EXCLUDED.max_backoff_ms
	`

	headers := registration.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := marshalJSON(headers, "webhook headers")
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		registration.ID,
		registration.TenantID,
		registration.URL,
		registration.Secret,
		pq.Array(registration.EventTypes),
		registration.Active,
		headersJSON,
		registration.Retry.MaxAttempts,
		registration.Retry.Backoff.Milliseconds(),
		registration.Retry.MaxBackoff.Milliseconds(),
		registration.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	return nil
}

// ListActiveForEvent returns active registrations of a tenant subscribed to
// eventType directly or through the wildcard.
func (r *WebhookRepository) ListActiveForEvent(ctx context.Context, tenantID, eventType string) ([]*domain.WebhookRegistration, error) {
	query := `
		SELECT id, tenant_id, url, secret, event_types, active, headers, max_attempts, backoff_ms, max_backoff_ms, created_at
		FROM webhook_registrations
		WHERE active AND tenant_id = $1 AND ($2 = ANY(event_types) OR $3 = ANY(event_types))
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, eventType, domain.WildcardEventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook registrations: %w", err)
	}
	defer rows.Close()

	registrations := make([]*domain.WebhookRegistration, 0)
	for rows.Next() {
		var reg domain.WebhookRegistration
		var headersJSON []byte
		var backoffMS, maxBackoffMS int64
		if err := rows.Scan(
			&reg.ID,
			&reg.TenantID,
			&reg.URL,
			&reg.Secret,
			pq.Array(&reg.EventTypes),
			&reg.Active,
			&headersJSON,
			&reg.Retry.MaxAttempts,
			&backoffMS,
			&maxBackoffMS,
			&reg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook registration: %w", err)
		}
		if err := unmarshalJSON(headersJSON, &reg.Headers, "webhook headers"); err != nil {
			return nil, err
		}
		reg.Retry.Backoff = time.Duration(backoffMS) * time.Millisecond
		reg.Retry.MaxBackoff = time.Duration(maxBackoffMS) * time.Millisecond
		registrations = append(registrations, &reg)
	}
	return registrations, rows.Err()
}

// RecordDelivery appends a delivery attempt
func (r *WebhookRepository) RecordDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (id, event_id, registration_id, url, status, attempt, status_code,
			duration_ms, error, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	var statusCode sql.NullInt64
	if delivery.StatusCode != 0 {
		statusCode = sql.NullInt64{Int64: int64(delivery.StatusCode), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		delivery.ID,
		delivery.EventID,
		delivery.RegistrationID,
		delivery.URL,
		string(delivery.Status),
		delivery.Attempt,
		statusCode,
		delivery.Duration.Milliseconds(),
		nullString(delivery.Error),
		delivery.NextRetryAt,
		delivery.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns delivery attempts oldest first, for one event or all.
func (r *WebhookRepository) ListDeliveries(ctx context.Context, eventID string) ([]*domain.WebhookDelivery, error) {
	var w whereBuilder
	if eventID != "" {
		w.add("event_id = $%d", eventID)
	}
	query := `
		SELECT id, event_id, registration_id, url, status, attempt, status_code, duration_ms, error, next_retry_at, created_at
		FROM webhook_deliveries` + w.clause() + ` ORDER BY created_at, attempt`

	rows, err := r.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := make([]*domain.WebhookDelivery, 0)
	for rows.Next() {
		var d domain.WebhookDelivery
		var statusCode sql.NullInt64
		var durationMS int64
		var errText sql.NullString
		var nextRetryAt sql.NullTime
		if err := rows.Scan(
			&d.ID,
			&d.EventID,
			&d.RegistrationID,
			&d.URL,
			&d.Status,
			&d.Attempt,
			&statusCode,
			&durationMS,
			&errText,
			&nextRetryAt,
			&d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		d.StatusCode = int(statusCode.Int64)
		d.Duration = time.Duration(durationMS) * time.Millisecond
		d.Error = errText.String
		if nextRetryAt.Valid {
			at := nextRetryAt.Time
			d.NextRetryAt = &at
		}
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}
