package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/metrics"
	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
)

type subscription struct {
	eventType string
	name      string
	handler   ports.EventHandler
}

// EventBus is the in-process publish/subscribe dispatcher. Every publish is
// recorded in the domain event log together with each handler's outcome.
type EventBus struct {
	eventLog  ports.EventLogRepository
	logger    logger.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	retention time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	subs []subscription
}

// NewEventBus creates a new event bus
func NewEventBus(eventLog ports.EventLogRepository, log logger.Logger, m *metrics.Metrics, retention time.Duration) *EventBus {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &EventBus{
		eventLog:  eventLog,
		logger:    log.WithFields(map[string]interface{}{"component": "eventbus"}),
		metrics:   m,
		tracer:    otel.Tracer("github.com/fixora/sagacore/eventbus"),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a named handler for eventType, or every type with "*".
// Handlers for one event run in subscription order.
func (b *EventBus) Subscribe(eventType, name string, handler ports.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{eventType: eventType, name: name, handler: handler})
}

// Publish records the event, runs every matching handler and settles the
// log entry. Handler failures are isolated and recorded, never returned.
// Publishing an id that is already logged returns domain.ErrDuplicateEvent
// without running handlers again.
func (b *EventBus) Publish(ctx context.Context, event domain.DomainEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Version == 0 {
		event.Version = 1
	}
	if event.Metadata.Timestamp.IsZero() {
		event.Metadata.Timestamp = b.now()
	}

	ctx, span := b.tracer.Start(ctx, "eventbus.publish", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", event.Type),
		attribute.String("tenant.id", event.TenantID),
	))
	defer span.End()

	if event.Metadata.TraceID == "" && span.SpanContext().HasTraceID() {
		event.Metadata.TraceID = span.SpanContext().TraceID().String()
	}
	ctx = logger.WithCorrelationID(ctx, event.CorrelationKey())

	if err := b.eventLog.Begin(ctx, domain.NewEventLogEntry(event, b.now(), b.retention)); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			b.logger.Debug(ctx, "Duplicate event ignored", map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
			})
			b.metrics.ObservePublish(event.Type, "duplicate")
			return fmt.Errorf("event %s: %w", event.ID, domain.ErrDuplicateEvent)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "event log write failed")
		return fmt.Errorf("failed to record event %s: %w", event.ID, err)
	}

	results := make([]domain.HandlerResult, 0)
	for _, sub := range b.handlersFor(event.Type) {
		results = append(results, b.invoke(ctx, sub, event))
	}

	status := domain.SettleStatus(results)
	b.metrics.ObservePublish(event.Type, string(status))
	span.SetAttributes(attribute.String("event.status", string(status)))
	if status != domain.EventLogCompleted {
		span.SetStatus(codes.Error, string(status))
	}

	if err := b.eventLog.Complete(ctx, event.ID, status, results); err != nil {
		b.logger.Error(ctx, "Failed to settle event log entry", err, map[string]interface{}{
			"event_id": event.ID,
			"status":   string(status),
		})
		return fmt.Errorf("failed to settle event %s: %w", event.ID, err)
	}
	return nil
}

func (b *EventBus) handlersFor(eventType string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == eventType || sub.eventType == domain.WildcardEventType {
			matched = append(matched, sub)
		}
	}
	return matched
}

func (b *EventBus) invoke(ctx context.Context, sub subscription, event domain.DomainEvent) (result domain.HandlerResult) {
	start := time.Now()
	result.Handler = sub.name

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		result.Duration = time.Since(start)
		b.metrics.ObserveHandler(sub.name, result.Duration, result.Success)
		if !result.Success {
			b.logger.Warn(ctx, "Event handler failed", map[string]interface{}{
				"handler":    sub.name,
				"event_id":   event.ID,
				"event_type": event.Type,
				"error":      result.Error,
			})
		}
	}()

	if err := sub.handler(ctx, event); err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// PurgeExpired deletes event log entries past their retention window.
func (b *EventBus) PurgeExpired(ctx context.Context) (int, error) {
	n, err := b.eventLog.PurgeExpired(ctx, b.now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge event log: %w", err)
	}
	b.metrics.ObservePurged(n)
	if n > 0 {
		b.logger.Info(ctx, "Purged expired event log entries", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// Get returns the log entry of a published event.
func (b *EventBus) Get(ctx context.Context, eventID string) (*domain.EventLogEntry, error) {
	return b.eventLog.Get(ctx, eventID)
}

// List returns log entries matching filter, newest first.
func (b *EventBus) List(ctx context.Context, filter domain.EventLogFilter) ([]*domain.EventLogEntry, error) {
	return b.eventLog.List(ctx, filter)
}
