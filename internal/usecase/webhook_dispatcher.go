package usecase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fixora/sagacore/internal/domain"
	"github.com/fixora/sagacore/internal/infra/breaker"
	"github.com/fixora/sagacore/internal/infra/metrics"
	"github.com/fixora/sagacore/internal/logger"
	"github.com/fixora/sagacore/internal/ports"
)

const (
	signatureHeader  = "X-Webhook-Signature"
	signaturePrefix  = "sha256="
	maxResponseDrain = 64 << 10
)

// DispatcherConfig holds webhook delivery settings
type DispatcherConfig struct {
	Breaker        breaker.Config
	RequestTimeout time.Duration
	DefaultRetry   domain.RetryPolicy
	// RetryJitter spreads each retry delay by up to this fraction either way.
	RetryJitter    float64
	MaxConcurrency int
}

type pendingRetry struct {
	registration *domain.WebhookRegistration
	event        domain.DomainEvent
	attempt      int
}

// WebhookDispatcher delivers events to registered endpoints. Each
// destination has its own circuit breaker; failed deliveries are retried in
// the background with exponential backoff until the registration's policy is
// exhausted.
type WebhookDispatcher struct {
	repo     ports.WebhookRepository
	eventLog ports.EventLogRepository
	breakers *breaker.Registry
	client   *http.Client
	logger   logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	cfg      DispatcherConfig
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	timers  map[*pendingRetry]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

// NewWebhookDispatcher creates a dispatcher that owns its breaker registry.
func NewWebhookDispatcher(
	repo ports.WebhookRepository,
	eventLog ports.EventLogRepository,
	log logger.Logger,
	m *metrics.Metrics,
	cfg DispatcherConfig,
) *WebhookDispatcher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.DefaultRetry.MaxAttempts <= 0 {
		cfg.DefaultRetry.MaxAttempts = 5
	}
	if cfg.DefaultRetry.Backoff <= 0 {
		cfg.DefaultRetry.Backoff = 2 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}

	d := &WebhookDispatcher{
		repo:     repo,
		eventLog: eventLog,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   log.WithFields(map[string]interface{}{"component": "webhook_dispatcher"}),
		metrics:  m,
		tracer:   otel.Tracer("github.com/fixora/sagacore/webhooks"),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		timers:   make(map[*pendingRetry]*time.Timer),
	}
	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	d.breakers = breaker.NewRegistry(cfg.Breaker, d.onBreakerChange)
	return d
}

// onBreakerChange runs under the breaker's lock and must not call back into it.
func (d *WebhookDispatcher) onBreakerChange(destination string, from, to breaker.State) {
	d.metrics.ObserveBreakerTransition(string(to))
	d.logger.Warn(context.Background(), "Webhook circuit breaker state changed", map[string]interface{}{
		"destination": destination,
		"from":        string(from),
		"to":          string(to),
	})
}

// Dispatch delivers event to every active registration of its tenant that
// subscribes to its type. Delivery failures are recorded and retried, never
// returned.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, event domain.DomainEvent) error {
	registrations, err := d.repo.ListActiveForEvent(ctx, event.TenantID, event.Type)
	if err != nil {
		return fmt.Errorf("failed to list webhook registrations: %w", err)
	}
	if len(registrations) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrency)
	for _, reg := range registrations {
		reg := reg
		g.Go(func() error {
			d.deliver(gctx, reg, event, 1)
			return nil
		})
	}
	return g.Wait()
}

// Redeliver dispatches a logged event again.
func (d *WebhookDispatcher) Redeliver(ctx context.Context, eventID string) error {
	entry, err := d.eventLog.Get(ctx, eventID)
	if err != nil {
		return err
	}
	d.logger.Info(ctx, "Redelivering event", map[string]interface{}{"event_id": eventID, "event_type": entry.Type})
	return d.Dispatch(ctx, entry.Event())
}

// Register validates and stores a webhook subscription. A missing id is
// generated; the retry policy falls back to the dispatcher default.
func (d *WebhookDispatcher) Register(ctx context.Context, reg *domain.WebhookRegistration) (*domain.WebhookRegistration, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = d.now()
	}
	reg.Retry = d.policy(reg)

	if err := d.repo.Register(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}
	d.logger.Info(ctx, "Webhook registered", map[string]interface{}{
		"registration_id": reg.ID,
		"tenant_id":       reg.TenantID,
		"url":             reg.URL,
		"event_types":     reg.EventTypes,
	})
	return reg, nil
}

// Deliveries lists recorded attempts for eventID.
func (d *WebhookDispatcher) Deliveries(ctx context.Context, eventID string) ([]*domain.WebhookDelivery, error) {
	return d.repo.ListDeliveries(ctx, eventID)
}

func (d *WebhookDispatcher) policy(reg *domain.WebhookRegistration) domain.RetryPolicy {
	p := reg.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.cfg.DefaultRetry.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = d.cfg.DefaultRetry.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.cfg.DefaultRetry.MaxBackoff
	}
	return p
}

func (d *WebhookDispatcher) deliver(ctx context.Context, reg *domain.WebhookRegistration, event domain.DomainEvent, attempt int) {
	policy := d.policy(reg)
	cb := d.breakers.Get(reg.URL)
	fields := map[string]interface{}{
		"registration_id": reg.ID,
		"url":             reg.URL,
		"event_id":        event.ID,
		"attempt":         attempt,
	}

	done, err := cb.Allow()
	if err != nil {
		d.logger.Warn(ctx, "Webhook delivery skipped, circuit open", fields)
		delivery := d.newDelivery(reg, event, attempt)
		delivery.Error = "circuit_open"
		d.settleFailure(ctx, delivery, reg, event, policy, domain.DeliveryStatusCircuitOpen)
		return
	}

	start := time.Now()
	statusCode, sendErr := d.send(ctx, reg, event, attempt)
	elapsed := time.Since(start)

	delivery := d.newDelivery(reg, event, attempt)
	delivery.StatusCode = statusCode
	delivery.Duration = elapsed

	if sendErr == nil {
		done(true)
		delivery.Status = domain.DeliveryStatusSuccess
		d.metrics.ObserveDelivery(string(delivery.Status), elapsed)
		d.record(ctx, delivery)
		d.logger.Info(ctx, "Webhook delivered", mergeFields(fields, map[string]interface{}{
			"status_code": statusCode,
			"duration_ms": elapsed.Milliseconds(),
		}))
		return
	}

	done(false)
	delivery.Error = sendErr.Error()
	d.logger.Error(ctx, "Webhook delivery failed", &domain.DeliveryError{URL: reg.URL, Attempt: attempt, StatusCode: statusCode, Err: sendErr}, fields)
	d.settleFailure(ctx, delivery, reg, event, policy, domain.DeliveryStatusRetrying)
}

// settleFailure records a failed attempt and schedules the next one, or marks
// the delivery permanently failed when the policy is exhausted. An exhausted
// delivery is permanently failed even when its last attempt was refused by the
// breaker; the error keeps circuit_open in that case.
func (d *WebhookDispatcher) settleFailure(ctx context.Context, delivery *domain.WebhookDelivery, reg *domain.WebhookRegistration, event domain.DomainEvent, policy domain.RetryPolicy, status domain.DeliveryStatus) {
	if delivery.Attempt >= policy.MaxAttempts {
		delivery.Status = domain.DeliveryStatusPermanentlyFailed
		d.metrics.ObserveDelivery(string(delivery.Status), delivery.Duration)
		d.record(ctx, delivery)
		d.logger.Warn(ctx, "Webhook delivery permanently failed", map[string]interface{}{
			"registration_id": reg.ID,
			"event_id":        event.ID,
			"attempts":        delivery.Attempt,
			"last_error":      delivery.Error,
		})
		return
	}

	delay := policy.JitteredDelay(delivery.Attempt+1, d.cfg.RetryJitter)
	next := d.now().Add(delay)
	delivery.Status = status
	delivery.NextRetryAt = &next
	d.metrics.ObserveDelivery(string(status), delivery.Duration)
	d.record(ctx, delivery)
	d.schedule(&pendingRetry{registration: reg, event: event, attempt: delivery.Attempt + 1}, delay)
}

func (d *WebhookDispatcher) schedule(p *pendingRetry, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	d.timers[p] = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		_, live := d.timers[p]
		delete(d.timers, p)
		d.mu.Unlock()
		if !live || d.baseCtx.Err() != nil {
			return
		}
		d.deliver(d.baseCtx, p.registration, p.event, p.attempt)
	})
}

func (d *WebhookDispatcher) send(ctx context.Context, reg *domain.WebhookRegistration, event domain.DomainEvent, attempt int) (int, error) {
	ctx, span := d.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("webhook.url", reg.URL),
		attribute.Int("webhook.attempt", attempt),
	))
	defer span.End()

	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range reg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sagacore-webhooks/1.0")
	req.Header.Set("X-Webhook-Id", event.ID)
	req.Header.Set("X-Webhook-Event", event.Type)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(d.now().Unix(), 10))
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(attempt))
	req.Header.Set(signatureHeader, signaturePrefix+SignPayload(reg.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseDrain))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *WebhookDispatcher) newDelivery(reg *domain.WebhookRegistration, event domain.DomainEvent, attempt int) *domain.WebhookDelivery {
	return &domain.WebhookDelivery{
		ID:             uuid.NewString(),
		EventID:        event.ID,
		RegistrationID: reg.ID,
		URL:            reg.URL,
		Attempt:        attempt,
		CreatedAt:      d.now(),
	}
}

func (d *WebhookDispatcher) record(ctx context.Context, delivery *domain.WebhookDelivery) {
	if err := d.repo.RecordDelivery(ctx, delivery); err != nil {
		d.logger.Error(ctx, "Failed to record webhook delivery", err, map[string]interface{}{
			"delivery_id": delivery.ID,
			"status":      string(delivery.Status),
		})
	}
}

// BreakerStats returns the state of every destination breaker.
func (d *WebhookDispatcher) BreakerStats() []breaker.Stats {
	return d.breakers.Stats()
}

// ResetBreaker closes the breaker for destination.
func (d *WebhookDispatcher) ResetBreaker(destination string) {
	d.breakers.Reset(destination)
}

// Pending returns the number of scheduled retries.
func (d *WebhookDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Close cancels pending retries and waits for in-flight ones to finish.
func (d *WebhookDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for p, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, p)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// SignPayload returns the hex HMAC-SHA256 of body keyed by secret.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an X-Webhook-Signature header value against body.
func VerifySignature(secret string, body []byte, header string) bool {
	if len(header) <= len(signaturePrefix) || header[:len(signaturePrefix)] != signaturePrefix {
		return false
	}
	expected, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

func mergeFields(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
