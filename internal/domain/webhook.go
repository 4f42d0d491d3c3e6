package domain

import (
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WildcardEventType subscribes a registration or handler to every event type.
const WildcardEventType = "*"

// RetryPolicy controls redelivery of a failed webhook.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// DefaultMaxBackoff caps the retry schedule of a policy without MaxBackoff.
const DefaultMaxBackoff = time.Hour

// BackOff returns the policy's schedule: Backoff doubling per attempt up to
// MaxBackoff, spread by jitter (0 to 1) around each interval.
func (p RetryPolicy) BackOff(jitter float64) *backoff.ExponentialBackOff {
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if limit < p.Backoff {
		limit = p.Backoff
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.Backoff,
		RandomizationFactor: jitter,
		Multiplier:          2,
		MaxInterval:         limit,
	}
}

// Delay returns the wait before the given attempt number (2 for the first retry).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.JitteredDelay(attempt, 0)
}

// JitteredDelay is Delay randomized by up to jitter of the interval either way.
func (p RetryPolicy) JitteredDelay(attempt int, jitter float64) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	schedule := p.BackOff(0)
	d := schedule.NextBackOff()
	for i := 2; i < attempt && d < schedule.MaxInterval; i++ {
		d = schedule.NextBackOff()
	}
	if jitter <= 0 {
		return d
	}
	spread := &backoff.ExponentialBackOff{InitialInterval: d, RandomizationFactor: jitter, Multiplier: 1, MaxInterval: d}
	return spread.NextBackOff()
}

// WebhookRegistration is an external endpoint subscribed to event types.
type WebhookRegistration struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	URL        string            `json:"url"`
	Secret     string            `json:"-"`
	EventTypes []string          `json:"event_types"`
	Active     bool              `json:"active"`
	Headers    map[string]string `json:"headers,omitempty"`
	Retry      RetryPolicy       `json:"retry_policy"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks a registration before it is stored.
func (r *WebhookRegistration) Validate() error {
	if r.TenantID == "" {
		return NewValidationError("tenant_id", "tenant id is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewValidationError("url", "url must be an absolute http(s) url")
	}
	if r.Secret == "" {
		return NewValidationError("secret", "secret is required")
	}
	if len(r.EventTypes) == 0 {
		return NewValidationError("event_types", "at least one event type is required")
	}
	return nil
}

// Subscribes reports whether the registration wants events of eventType.
func (r *WebhookRegistration) Subscribes(eventType string) bool {
	for _, t := range r.EventTypes {
		if t == eventType || t == WildcardEventType {
			return true
		}
	}
	return false
}

// DeliveryStatus is the outcome of one delivery attempt.
type DeliveryStatus string

const (
	DeliveryStatusSuccess           DeliveryStatus = "success"
	DeliveryStatusRetrying          DeliveryStatus = "retrying"
	DeliveryStatusCircuitOpen       DeliveryStatus = "circuit_open"
	DeliveryStatusPermanentlyFailed DeliveryStatus = "permanently_failed"
)

// WebhookDelivery is one append-only delivery attempt record.
type WebhookDelivery struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	RegistrationID string         `json:"registration_id"`
	URL            string         `json:"url"`
	Status         DeliveryStatus `json:"status"`
	Attempt        int            `json:"attempt"`
	StatusCode     int            `json:"status_code,omitempty"`
	Duration       time.Duration  `json:"duration"`
	Error          string         `json:"error,omitempty"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
