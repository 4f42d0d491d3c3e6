package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/breaker"
	"github.com/fixora/sagacore/internal/usecase"
)

// EventLogReader reads the domain event log.
type EventLogReader interface {
	Get(ctx context.Context, eventID string) (*domain.EventLogEntry, error)
	List(ctx context.Context, filter domain.EventLogFilter) ([]*domain.EventLogEntry, error)
}

// SagaReader reads saga instances and registered definitions.
type SagaReader interface {
	Get(ctx context.Context, id string) (*domain.SagaInstance, error)
	List(ctx context.Context, filter domain.SagaFilter) ([]*domain.SagaInstance, error)
	Definitions() []*domain.SagaDefinition
}

// SagaRecoverer runs the stuck-saga sweep on demand.
type SagaRecoverer interface {
	RecoverStuckSagas(ctx context.Context) (int, error)
}

// PollerAdmin inspects and controls background pollers.
type PollerAdmin interface {
	List() []usecase.PollerStatus
	Stop(name string) error
	RunNow(ctx context.Context, name string) (bool, error)
}

// WebhookAdmin manages webhook subscriptions and delivery.
type WebhookAdmin interface {
	Register(ctx context.Context, reg *domain.WebhookRegistration) (*domain.WebhookRegistration, error)
	Redeliver(ctx context.Context, eventID string) error
	Deliveries(ctx context.Context, eventID string) ([]*domain.WebhookDelivery, error)
	BreakerStats() []breaker.Stats
	ResetBreaker(destination string)
}

// AdminHandler serves the operator API under /api/v1/admin.
type AdminHandler struct {
	events   EventLogReader
	sagas    SagaReader
	recovery SagaRecoverer
	pollers  PollerAdmin
	webhooks WebhookAdmin
}

func NewAdminHandler(events EventLogReader, sagas SagaReader, recovery SagaRecoverer, pollers PollerAdmin, webhooks WebhookAdmin) *AdminHandler {
	return &AdminHandler{
		events:   events,
		sagas:    sagas,
		recovery: recovery,
		pollers:  pollers,
		webhooks: webhooks,
	}
}

// RegisterRoutes registers admin routes on a subrouter already guarded by auth.
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/events", h.ListEvents).Methods("GET")
	router.HandleFunc("/events/{id}", h.GetEvent).Methods("GET")
	router.HandleFunc("/events/{id}/deliveries", h.ListDeliveries).Methods("GET")
	router.HandleFunc("/events/{id}/redeliver", h.RedeliverEvent).Methods("POST")

	router.HandleFunc("/sagas", h.ListSagas).Methods("GET")
	router.HandleFunc("/sagas/definitions", h.ListDefinitions).Methods("GET")
	router.HandleFunc("/sagas/recover", h.RecoverSagas).Methods("POST")
	router.HandleFunc("/sagas/{id}", h.GetSaga).Methods("GET")

	router.HandleFunc("/pollers", h.ListPollers).Methods("GET")
	router.HandleFunc("/pollers/{name}/stop", h.StopPoller).Methods("POST")
	router.HandleFunc("/pollers/{name}/run", h.RunPoller).Methods("POST")

	router.HandleFunc("/webhooks", h.RegisterWebhook).Methods("POST")
	router.HandleFunc("/webhooks/breakers", h.ListBreakers).Methods("GET")
	router.HandleFunc("/webhooks/breakers/reset", h.ResetBreaker).Methods("POST")
}

// ListEvents handles GET /events?type=&tenant_id=&status=&limit=&offset=
func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.EventLogFilter{
		Type:     q.Get("type"),
		TenantID: q.Get("tenant_id"),
	}
	if status := q.Get("status"); status != "" {
		s := domain.EventLogStatus(status)
		filter.Status = &s
	}
	var err error
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		badRequest(w, err.Error())
		return
	}

	entries, err := h.events.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Events retrieved", entries)
}

func (h *AdminHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	entry, err := h.events.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Event retrieved", entry)
}

func (h *AdminHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.webhooks.Deliveries(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Deliveries retrieved", deliveries)
}

// RedeliverEvent re-triggers webhook delivery of a logged event.
func (h *AdminHandler) RedeliverEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.webhooks.Redeliver(context.WithoutCancel(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusAccepted, "Redelivery started", map[string]string{"event_id": id})
}

// ListSagas handles GET /sagas?status=&saga_name=&tenant_id=&limit=&offset=
func (h *AdminHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.SagaFilter{
		SagaName: q.Get("saga_name"),
		TenantID: q.Get("tenant_id"),
	}
	if status := q.Get("status"); status != "" {
		s := domain.SagaStatus(status)
		filter.Status = &s
	}
	var err error
	if filter.Limit, filter.Offset, err = pagination(r); err != nil {
		badRequest(w, err.Error())
		return
	}

	instances, err := h.sagas.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Sagas retrieved", instances)
}

func (h *AdminHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	instance, err := h.sagas.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Saga retrieved", instance)
}

type stepView struct {
	Name            string               `json:"name"`
	Kind            domain.StepKind      `json:"kind"`
	Compensates     bool                 `json:"compensates"`
	ApprovalRoles   []string             `json:"approval_roles,omitempty"`
	EscalationRoles []string             `json:"escalation_roles,omitempty"`
	TimeoutAction   domain.TimeoutAction `json:"timeout_action,omitempty"`
	ApprovalTimeout string               `json:"approval_timeout,omitempty"`
}

type definitionView struct {
	Name             string     `json:"name"`
	TriggerEvent     string     `json:"trigger_event"`
	Timeout          string     `json:"timeout"`
	ApprovalDeadline string     `json:"approval_deadline,omitempty"`
	Steps            []stepView `json:"steps"`
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func (h *AdminHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs := h.sagas.Definitions()
	views := make([]definitionView, 0, len(defs))
	for _, def := range defs {
		view := definitionView{
			Name:             def.Name,
			TriggerEvent:     def.TriggerEvent,
			Timeout:          def.Timeout.String(),
			ApprovalDeadline: durationString(def.ApprovalDeadline),
			Steps:            make([]stepView, 0, len(def.Steps)),
		}
		for _, step := range def.Steps {
			view.Steps = append(view.Steps, stepView{
				Name:            step.Name,
				Kind:            step.Kind,
				Compensates:     step.Compensate != nil,
				ApprovalRoles:   step.ApprovalRoles,
				EscalationRoles: step.EscalationRoles,
				TimeoutAction:   step.ApprovalTimeoutAction,
				ApprovalTimeout: durationString(step.ApprovalTimeout),
			})
		}
		views = append(views, view)
	}
	success(w, http.StatusOK, "Definitions retrieved", views)
}

// RecoverSagas runs the stuck-saga sweep immediately.
func (h *AdminHandler) RecoverSagas(w http.ResponseWriter, r *http.Request) {
	n, err := h.recovery.RecoverStuckSagas(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Recovery completed", map[string]int{"recovered": n})
}

func (h *AdminHandler) ListPollers(w http.ResponseWriter, r *http.Request) {
	success(w, http.StatusOK, "Pollers retrieved", h.pollers.List())
}

func (h *AdminHandler) StopPoller(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.pollers.Stop(name); err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Poller stopped", map[string]string{"name": name})
}

func (h *AdminHandler) RunPoller(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	ran, err := h.pollers.RunNow(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Poller triggered", map[string]interface{}{"name": name, "ran": ran})
}

type registerWebhookRequest struct {
	TenantID    string            `json:"tenant_id"`
	URL         string            `json:"url"`
	Secret      string            `json:"secret"`
	EventTypes  []string          `json:"event_types"`
	Headers     map[string]string `json:"headers"`
	MaxAttempts int               `json:"max_attempts"`
	Backoff     string            `json:"backoff"`
	MaxBackoff  string            `json:"max_backoff"`
}

// RegisterWebhook subscribes an external endpoint to event types.
func (h *AdminHandler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	reg := &domain.WebhookRegistration{
		TenantID:   req.TenantID,
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Headers:    req.Headers,
		Active:     true,
		Retry:      domain.RetryPolicy{MaxAttempts: req.MaxAttempts},
	}
	var err error
	if reg.Retry.Backoff, err = parseOptionalDuration(req.Backoff); err != nil {
		badRequest(w, "backoff: "+err.Error())
		return
	}
	if reg.Retry.MaxBackoff, err = parseOptionalDuration(req.MaxBackoff); err != nil {
		badRequest(w, "max_backoff: "+err.Error())
		return
	}

	created, err := h.webhooks.Register(r.Context(), reg)
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusCreated, "Webhook registered", created)
}

func (h *AdminHandler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	success(w, http.StatusOK, "Breakers retrieved", h.webhooks.BreakerStats())
}

// ResetBreaker closes the breaker named by ?destination=.
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	destination := r.URL.Query().Get("destination")
	if destination == "" {
		badRequest(w, "destination is required")
		return
	}
	h.webhooks.ResetBreaker(destination)
	success(w, http.StatusOK, "Breaker reset", map[string]string{"destination": destination})
}

func parseOptionalDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

const maxPageSize = 500

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, domain.NewValidationError("limit", "limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, domain.NewValidationError("offset", "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
