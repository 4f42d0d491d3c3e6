package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/ports"
)

// EventHandler accepts events published by collaborator modules.
type EventHandler struct {
	publisher ports.EventPublisher
}

func NewEventHandler(publisher ports.EventPublisher) *EventHandler {
	return &EventHandler{publisher: publisher}
}

// RegisterRoutes registers the inbound publish route on a guarded subrouter.
func (h *EventHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/events", h.Publish).Methods("POST")
}

type publishRequest struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	TenantID         string         `json:"tenant_id"`
	AggregateID      string         `json:"aggregate_id"`
	AggregateVersion int64          `json:"aggregate_version"`
	Payload          map[string]any `json:"payload"`
	CorrelationID    string         `json:"correlation_id"`
	Source           string         `json:"source"`
}

// Publish records the event and runs its handlers before responding. A
// client supplied id is the idempotency key: publishing it again is
// acknowledged without running handlers.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if domain.IsReservedEventType(req.Type) {
		badRequest(w, "Event type "+req.Type+" is reserved")
		return
	}

	event := domain.NewDomainEvent(req.Type, req.TenantID, req.Payload)
	if req.ID != "" {
		event.ID = req.ID
	}
	event.AggregateID = req.AggregateID
	event.AggregateVersion = req.AggregateVersion
	event.Metadata.CorrelationID = req.CorrelationID
	event.Metadata.Source = req.Source
	if event.Metadata.Source == "" {
		if p := PrincipalFrom(r.Context()); p != nil {
			event.Metadata.Source = p.Subject
		}
	}

	err := h.publisher.Publish(context.WithoutCancel(r.Context()), event)
	if errors.Is(err, domain.ErrDuplicateEvent) {
		success(w, http.StatusOK, "Event already published", map[string]string{"event_id": event.ID})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusAccepted, "Event published", map[string]string{"event_id": event.ID})
}
