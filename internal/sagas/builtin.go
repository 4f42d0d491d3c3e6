package sagas

import (
	"context"
	"fmt"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/ports"
)

const emitSource = "saga-step"

// NewDefaultCatalog returns a catalog holding the built-in actions:
//
//	emit     publish a command event for a collaborator module
//	require  copy required trigger payload fields into the saga context
//	set      merge constant values into the saga context
//
// and the built-in "emit" compensation.
func NewDefaultCatalog(publisher ports.EventPublisher) *Catalog {
	c := NewCatalog()
	_ = c.RegisterAction("emit", emitAction(publisher))
	_ = c.RegisterAction("require", requireAction)
	_ = c.RegisterAction("set", setAction)
	_ = c.RegisterCompensation("emit", emitCompensation(publisher))
	return c
}

func emitAction(publisher ports.EventPublisher) ActionFactory {
	return func(params map[string]any) (domain.StepFunc, error) {
		eventType, err := stringParam(params, "event")
		if err != nil {
			return nil, err
		}
		resultKey, _ := params["result_key"].(string)
		if resultKey == "" {
			resultKey = eventType + ".event_id"
		}

		return func(ctx context.Context, sagaCtx map[string]any, event domain.DomainEvent) (map[string]any, error) {
			id, err := emit(ctx, publisher, eventType, sagaCtx, event)
			if err != nil {
				return nil, err
			}
			return map[string]any{resultKey: id}, nil
		}, nil
	}
}

func emitCompensation(publisher ports.EventPublisher) CompensationFactory {
	return func(params map[string]any) (domain.CompensateFunc, error) {
		eventType, err := stringParam(params, "event")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, sagaCtx map[string]any, event domain.DomainEvent) error {
			_, err := emit(ctx, publisher, eventType, sagaCtx, event)
			return err
		}, nil
	}
}

// emit publishes eventType carrying the trigger payload overlaid with the saga context.
func emit(ctx context.Context, publisher ports.EventPublisher, eventType string, sagaCtx map[string]any, trigger domain.DomainEvent) (string, error) {
	payload := make(map[string]any, len(trigger.Payload)+len(sagaCtx)+1)
	for k, v := range trigger.Payload {
		payload[k] = v
	}
	for k, v := range sagaCtx {
		payload[k] = v
	}
	if trigger.Metadata.SagaID != "" {
		payload["saga_instance_id"] = trigger.Metadata.SagaID
	}

	out := trigger.Caused(eventType, emitSource, payload)
	if err := publisher.Publish(ctx, out); err != nil {
		return "", fmt.Errorf("failed to emit %s: %w", eventType, err)
	}
	return out.ID, nil
}

func requireAction(params map[string]any) (domain.StepFunc, error) {
	fields, err := stringsParam(params, "fields")
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, _ map[string]any, event domain.DomainEvent) (map[string]any, error) {
		out := make(map[string]any, len(fields))
		for _, field := range fields {
			v, ok := event.Payload[field]
			if !ok || v == nil {
				return nil, domain.NewValidationError(field, "trigger payload is missing "+field)
			}
			out[field] = v
		}
		return out, nil
	}, nil
}

func setAction(params map[string]any) (domain.StepFunc, error) {
	values, ok := params["values"].(map[string]any)
	if !ok || len(values) == 0 {
		return nil, domain.NewValidationError("params.values", "set needs a values object")
	}
	return func(context.Context, map[string]any, domain.DomainEvent) (map[string]any, error) {
		out := make(map[string]any, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out, nil
	}, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, _ := params[key].(string)
	if v == "" {
		return "", domain.NewValidationError("params."+key, key+" is required")
	}
	return v, nil
}

func stringsParam(params map[string]any, key string) ([]string, error) {
	raw, _ := params[key].([]any)
	if len(raw) == 0 {
		return nil, domain.NewValidationError("params."+key, key+" must be a non-empty list")
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, domain.NewValidationError("params."+key, key+" must contain strings")
		}
		out = append(out, s)
	}
	return out, nil
}
