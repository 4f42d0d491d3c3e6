package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/breaker"
	"github.com/fixora/sagacore/internal/usecase"
)

const testSecret = "test-secret"

type MockApprovals struct {
	mock.Mock
}

func (m *MockApprovals) ListPending(ctx context.Context, tenantID string) ([]*domain.ApprovalGate, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).([]*domain.ApprovalGate), args.Error(1)
}

func (m *MockApprovals) Get(ctx context.Context, id string) (*domain.ApprovalGate, error) {
	args := m.Called(ctx, id)
	gate, _ := args.Get(0).(*domain.ApprovalGate)
	return gate, args.Error(1)
}

func (m *MockApprovals) Decide(ctx context.Context, gateID string, decision domain.Decision, approver domain.Approver) (*domain.ApprovalGate, error) {
	args := m.Called(ctx, gateID, decision, approver)
	gate, _ := args.Get(0).(*domain.ApprovalGate)
	return gate, args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event domain.DomainEvent) error {
	return m.Called(ctx, event).Error(0)
}

type MockEventLog struct {
	mock.Mock
}

func (m *MockEventLog) Get(ctx context.Context, eventID string) (*domain.EventLogEntry, error) {
	args := m.Called(ctx, eventID)
	entry, _ := args.Get(0).(*domain.EventLogEntry)
	return entry, args.Error(1)
}

func (m *MockEventLog) List(ctx context.Context, filter domain.EventLogFilter) ([]*domain.EventLogEntry, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]*domain.EventLogEntry), args.Error(1)
}

type fakeSagas struct {
	defs []*domain.SagaDefinition
}

func (f *fakeSagas) Get(_ context.Context, id string) (*domain.SagaInstance, error) {
	return nil, domain.NewNotFoundError("saga instance", id)
}

func (f *fakeSagas) List(context.Context, domain.SagaFilter) ([]*domain.SagaInstance, error) {
	return []*domain.SagaInstance{}, nil
}

func (f *fakeSagas) Definitions() []*domain.SagaDefinition { return f.defs }

type fakeRecovery struct{ n int }

func (f *fakeRecovery) RecoverStuckSagas(context.Context) (int, error) { return f.n, nil }

type fakePollers struct{ stopped []string }

func (f *fakePollers) List() []usecase.PollerStatus {
	return []usecase.PollerStatus{{Name: "saga-recovery", Interval: "1m0s", Running: true}}
}

func (f *fakePollers) Stop(name string) error {
	if name != "saga-recovery" {
		return domain.NewNotFoundError("poller", name)
	}
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakePollers) RunNow(context.Context, string) (bool, error) { return true, nil }

type fakeWebhooks struct {
	registered *domain.WebhookRegistration
	reset      string
}

func (f *fakeWebhooks) Register(_ context.Context, reg *domain.WebhookRegistration) (*domain.WebhookRegistration, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	reg.ID = "w1"
	f.registered = reg
	return reg, nil
}

func (f *fakeWebhooks) Redeliver(context.Context, string) error { return nil }

func (f *fakeWebhooks) Deliveries(context.Context, string) ([]*domain.WebhookDelivery, error) {
	return []*domain.WebhookDelivery{}, nil
}

func (f *fakeWebhooks) BreakerStats() []breaker.Stats {
	return []breaker.Stats{{Destination: "https://hooks.example.com", State: breaker.StateOpen}}
}

func (f *fakeWebhooks) ResetBreaker(destination string) { f.reset = destination }

type harness struct {
	handler   http.Handler
	verifier  *TokenVerifier
	approvals *MockApprovals
	publisher *MockPublisher
	events    *MockEventLog
	pollers   *fakePollers
	webhooks  *fakeWebhooks
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		verifier:  NewTokenVerifier(testSecret),
		approvals: &MockApprovals{},
		publisher: &MockPublisher{},
		events:    &MockEventLog{},
		pollers:   &fakePollers{},
		webhooks:  &fakeWebhooks{},
	}
	step := func(context.Context, map[string]any, domain.DomainEvent) (map[string]any, error) { return nil, nil }
	server := NewServer(ServerConfig{Port: "0", CORSOrigins: []string{"https://ops.example.com"}}, Dependencies{
		Events:    h.events,
		Publisher: h.publisher,
		Sagas: &fakeSagas{defs: []*domain.SagaDefinition{{
			Name: "order-fulfillment", TriggerEvent: "order.placed", Timeout: time.Minute,
			Steps: []domain.SagaStep{{Name: "reserve_stock", Kind: domain.StepKindExecute, Execute: step}},
		}}},
		Recovery:      &fakeRecovery{n: 2},
		Pollers:       h.pollers,
		Webhooks:      h.webhooks,
		Approvals:     h.approvals,
		Notifications: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
		Metrics:       http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) }),
		Auth:          NewAuthMiddleware(h.verifier, "admin"),
	})
	h.handler = server.Handler()
	return h
}

func (h *harness) token(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token, err := h.verifier.Issue(subject, roles, time.Hour)
	require.NoError(t, err)
	return token
}

func (h *harness) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestServer_HealthAndCorrelation(t *testing.T) {
	h := newHarness(t)

	rec := h.do("GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))
	assert.True(t, decode(t, rec).Status)

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set(CorrelationIDHeader, "corr-1")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "corr-1", rec.Header().Get(CorrelationIDHeader))

	rec = h.do("GET", "/metrics", "", "")
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestServer_CORSPreflight(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/approvals/g1/decision", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/v1/events", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_AdminRequiresAdminRole(t *testing.T) {
	h := newHarness(t)
	h.events.On("List", mock.Anything, domain.EventLogFilter{Type: "order.placed", Limit: 10}).
		Return([]*domain.EventLogEntry{{EventID: "e1", Type: "order.placed"}}, nil)

	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/api/v1/admin/events", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/api/v1/admin/events", "garbage", "").Code)
	assert.Equal(t, http.StatusForbidden, h.do("GET", "/api/v1/admin/events", h.token(t, "u1", "finance"), "").Code)

	rec := h.do("GET", "/api/v1/admin/events?type=order.placed&limit=10", h.token(t, "ops", "admin"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.True(t, env.Status)
	assert.Len(t, env.Data, 1)
	h.events.AssertExpectations(t)

	rec = h.do("GET", "/api/v1/admin/events?limit=-1", h.token(t, "ops", "admin"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AdminOperations(t *testing.T) {
	h := newHarness(t)
	admin := h.token(t, "ops", "admin")

	h.events.On("Get", mock.Anything, "missing").Return(nil, domain.NewNotFoundError("event", "missing"))
	assert.Equal(t, http.StatusNotFound, h.do("GET", "/api/v1/admin/events/missing", admin, "").Code)
	assert.Equal(t, http.StatusNotFound, h.do("GET", "/api/v1/admin/sagas/nope", admin, "").Code)

	rec := h.do("POST", "/api/v1/admin/sagas/recover", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]interface{}{"recovered": float64(2)}, decode(t, rec).Data)

	rec = h.do("GET", "/api/v1/admin/sagas/definitions", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	defs := decode(t, rec).Data.([]interface{})
	require.Len(t, defs, 1)
	assert.Equal(t, "order-fulfillment", defs[0].(map[string]interface{})["name"])

	assert.Equal(t, http.StatusOK, h.do("POST", "/api/v1/admin/pollers/saga-recovery/stop", admin, "").Code)
	assert.Equal(t, []string{"saga-recovery"}, h.pollers.stopped)
	assert.Equal(t, http.StatusNotFound, h.do("POST", "/api/v1/admin/pollers/unknown/stop", admin, "").Code)

	rec = h.do("POST", "/api/v1/admin/webhooks", admin,
		`{"tenant_id":"acme","url":"https://hooks.example.com","secret":"s","event_types":["saga.failed"],"backoff":"5s"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 5*time.Second, h.webhooks.registered.Retry.Backoff)
	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/api/v1/admin/webhooks", admin, `{"tenant_id":"acme"}`).Code)

	rec = h.do("GET", "/api/v1/admin/webhooks/breakers", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"open"`)

	assert.Equal(t, http.StatusOK, h.do("POST", "/api/v1/admin/webhooks/breakers/reset?destination=https://hooks.example.com", admin, "").Code)
	assert.Equal(t, "https://hooks.example.com", h.webhooks.reset)
}

func TestServer_ApprovalDecision(t *testing.T) {
	h := newHarness(t)
	approver := domain.Approver{UserID: "alice", Roles: []string{"finance"}}
	token := h.token(t, "alice", "finance")

	h.approvals.On("Decide", mock.Anything, "g1", domain.DecisionApproved, approver).
		Return(&domain.ApprovalGate{ID: "g1", Decision: domain.DecisionApproved, DecidedBy: "alice"}, nil).Once()
	h.approvals.On("Decide", mock.Anything, "g2", domain.DecisionRejected, approver).
		Return(nil, domain.ErrGateClosed).Once()
	h.approvals.On("Decide", mock.Anything, "g3", domain.DecisionApproved, approver).
		Return(nil, errors.Join(errors.New("user alice"), domain.ErrNotEligible)).Once()

	tests := []struct {
		name           string
		path           string
		body           string
		token          string
		expectedStatus int
	}{
		{"approved", "/api/v1/approvals/g1/decision", `{"decision":"approved"}`, token, http.StatusOK},
		{"already decided", "/api/v1/approvals/g2/decision", `{"decision":"rejected"}`, token, http.StatusConflict},
		{"not eligible", "/api/v1/approvals/g3/decision", `{"decision":"approved"}`, token, http.StatusForbidden},
		{"bad decision", "/api/v1/approvals/g1/decision", `{"decision":"maybe"}`, token, http.StatusBadRequest},
		{"bad body", "/api/v1/approvals/g1/decision", `{`, token, http.StatusBadRequest},
		{"no token", "/api/v1/approvals/g1/decision", `{"decision":"approved"}`, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do("POST", tt.path, tt.token, tt.body)
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}
	h.approvals.AssertExpectations(t)
}

func TestServer_PublishEvent(t *testing.T) {
	h := newHarness(t)
	token := h.token(t, "orders-service", "service")

	h.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e domain.DomainEvent) bool {
		return e.ID == "evt-1"
	})).Return(nil).Once()
	h.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e domain.DomainEvent) bool {
		return e.ID == "evt-dup"
	})).Return(domain.ErrDuplicateEvent).Once()
	h.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e domain.DomainEvent) bool {
		return e.TenantID == ""
	})).Return(domain.NewValidationError("tenant_id", "tenant id is required")).Once()

	rec := h.do("POST", "/api/v1/events", token,
		`{"id":"evt-1","type":"order.placed","tenant_id":"acme","aggregate_id":"order-1","payload":{"order_id":"o-1"}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = h.do("POST", "/api/v1/events", token, `{"id":"evt-dup","type":"order.placed","tenant_id":"acme"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Event already published", decode(t, rec).Message)

	rec = h.do("POST", "/api/v1/events", token, `{"type":"order.placed"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.publisher.AssertExpectations(t)
	published := h.publisher.Calls[0].Arguments.Get(1).(domain.DomainEvent)
	assert.Equal(t, "orders-service", published.Metadata.Source)
	assert.Equal(t, "order-1", published.CorrelationKey())
}

func TestServer_PublishRejectsReservedTypes(t *testing.T) {
	h := newHarness(t)
	token := h.token(t, "orders-service", "service")

	for _, eventType := range []string{domain.EventApprovalApproved, domain.EventApprovalRejected, domain.EventSagaCompleted} {
		rec := h.do("POST", "/api/v1/events", token,
			`{"type":"`+eventType+`","tenant_id":"acme","payload":{"saga_instance_id":"s-1","decided_by":"mallory"}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, eventType)
		assert.Contains(t, decode(t, rec).Message, "reserved")
	}
	h.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestServer_NotificationStreamAcceptsQueryToken(t *testing.T) {
	h := newHarness(t)
	token := h.token(t, "alice", "finance")

	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/api/v1/notifications/stream", "", "").Code)
	assert.Equal(t, http.StatusOK, h.do("GET", "/api/v1/notifications/stream?access_token="+token, "", "").Code)
}

func TestTokenVerifier(t *testing.T) {
	verifier := NewTokenVerifier(testSecret)

	token, err := verifier.Issue("alice", []string{"finance"}, time.Minute)
	require.NoError(t, err)
	principal, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.Subject)
	assert.True(t, principal.HasRole("finance"))
	assert.False(t, principal.HasRole("admin"))

	_, err = NewTokenVerifier("other-secret").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	verifier.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := verifier.Issue("alice", nil, time.Minute)
	require.NoError(t, err)
	_, err = NewTokenVerifier(testSecret).Verify(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{domain.NewValidationError("f", "bad"), http.StatusBadRequest},
		{domain.NewNotFoundError("saga", "s1"), http.StatusNotFound},
		{domain.ErrNotEligible, http.StatusForbidden},
		{domain.ErrGateClosed, http.StatusConflict},
		{&domain.ConcurrencyError{Resource: "saga", ID: "s1", ExpectedVersion: 1}, http.StatusConflict},
		{NewUnauthorized("nope"), http.StatusUnauthorized},
		{errors.New("db exploded"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		appErr := MapError(tt.err)
		assert.Equal(t, tt.status, appErr.Status, tt.err.Error())
	}
	assert.Equal(t, "An unexpected error occurred", MapError(errors.New("secret detail")).Message)
}

type fakeLimiter struct {
	budget int
	keys   []string
	err    error
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return false, 0, f.err
	}
	if f.budget <= 0 {
		return false, 90 * time.Second, nil
	}
	f.budget--
	return true, 0, nil
}

func TestServer_PublishIsRateLimited(t *testing.T) {
	verifier := NewTokenVerifier(testSecret)
	publisher := &MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)
	limiter := &fakeLimiter{budget: 1}

	server := NewServer(ServerConfig{Port: "0"}, Dependencies{
		Publisher:   publisher,
		Approvals:   &MockApprovals{},
		Auth:        NewAuthMiddleware(verifier, "admin"),
		RateLimiter: limiter,
	})
	token, err := verifier.Issue("orders-service", nil, time.Hour)
	require.NoError(t, err)

	publish := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/events", bytes.NewBufferString(`{"type":"order.placed","tenant_id":"acme"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, publish().Code)

	rec := publish()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"sub:orders-service", "sub:orders-service"}, limiter.keys)

	// a failing limiter does not block publishing
	limiter.err = errors.New("redis down")
	assert.Equal(t, http.StatusAccepted, publish().Code)
	publisher.AssertNumberOfCalls(t, "Publish", 2)
	assert.Len(t, limiter.keys, 3)
}
