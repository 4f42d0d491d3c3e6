package usecase

import (
	"context"
	"fmt"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
)

// ApprovalResumer continues a saga after its gate is decided.
type ApprovalResumer interface {
	ResumeAfterApproval(ctx context.Context, instanceID string, approved bool, decidedBy, gateID string) error
}

// EventDispatcher pushes events to external destinations.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event domain.DomainEvent) error
}

// AttachApprovalResume routes approval decisions back into the orchestrator.
func AttachApprovalResume(sub ports.EventSubscriber, resumer ApprovalResumer) {
	handler := func(approved bool) ports.EventHandler {
		return func(ctx context.Context, event domain.DomainEvent) error {
			instanceID := event.PayloadString("saga_instance_id")
			if instanceID == "" {
				return domain.NewValidationError("saga_instance_id", "approval event without saga instance")
			}
			return resumer.ResumeAfterApproval(ctx, instanceID, approved, event.PayloadString("decided_by"), event.PayloadString("gate_id"))
		}
	}
	sub.Subscribe(domain.EventApprovalApproved, "approval-resume", handler(true))
	sub.Subscribe(domain.EventApprovalRejected, "approval-resume", handler(false))
}

// AttachWebhooks forwards every published event to the dispatcher.
func AttachWebhooks(sub ports.EventSubscriber, dispatcher EventDispatcher) {
	sub.Subscribe(domain.WildcardEventType, "webhooks", dispatcher.Dispatch)
}

// AttachNotifications pushes saga and approval lifecycle events to operators.
func AttachNotifications(sub ports.EventSubscriber, notifier ports.Notifier, log logger.Logger) {
	notify := func(ctx context.Context, event domain.DomainEvent) error {
		n := notificationFor(event)
		if err := notifier.Notify(ctx, n); err != nil {
			log.Error(ctx, "Failed to push notification", err, map[string]interface{}{
				"event_id":   event.ID,
				"event_type": event.Type,
			})
			return err
		}
		return nil
	}

	for _, eventType := range []string{
		domain.EventSagaCompleted,
		domain.EventSagaFailed,
		domain.EventApprovalRequested,
		domain.EventApprovalEscalated,
		domain.EventApprovalApproved,
		domain.EventApprovalRejected,
	} {
		sub.Subscribe(eventType, "notifications", notify)
	}
}

func notificationFor(event domain.DomainEvent) ports.Notification {
	sagaName := event.PayloadString("saga_name")
	instanceID := event.PayloadString("saga_instance_id")
	step := event.PayloadString("step_name")

	n := ports.Notification{
		Type:      event.Type,
		TenantID:  event.TenantID,
		Data:      event.Payload,
		CreatedAt: event.Metadata.Timestamp,
	}
	switch event.Type {
	case domain.EventSagaCompleted:
		n.Title = "Saga completed"
		n.Message = fmt.Sprintf("%s %s completed", sagaName, instanceID)
	case domain.EventSagaFailed:
		n.Title = "Saga failed"
		n.Message = fmt.Sprintf("%s %s failed: %s", sagaName, instanceID, event.PayloadString("reason"))
	case domain.EventApprovalRequested:
		n.Title = "Approval requested"
		n.Message = fmt.Sprintf("%s is waiting for approval of %s", sagaName, step)
		n.Roles = stringSlice(event.Payload["eligible_roles"])
	case domain.EventApprovalEscalated:
		n.Title = "Approval escalated"
		n.Message = fmt.Sprintf("Approval of %s in %s missed its deadline", step, sagaName)
		n.Roles = stringSlice(event.Payload["escalation_roles"])
	case domain.EventApprovalApproved:
		n.Title = "Approval granted"
		n.Message = fmt.Sprintf("%s approved by %s", step, event.PayloadString("decided_by"))
	case domain.EventApprovalRejected:
		n.Title = "Approval rejected"
		n.Message = fmt.Sprintf("%s rejected by %s", step, event.PayloadString("decided_by"))
	}
	return n
}

// stringSlice accepts []string as published in-process and []interface{} as
// decoded from the event log.
func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []interface{}:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
