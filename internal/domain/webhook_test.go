package domain

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, Backoff: time.Second, MaxBackoff: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := policy.Delay(tt.attempt); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}

	uncapped := RetryPolicy{Backoff: 100 * time.Millisecond}
	if got := uncapped.Delay(4); got != 400*time.Millisecond {
		t.Errorf("Expected 400ms uncapped, got %v", got)
	}
}

func TestRetryPolicy_DelayNeverOverflows(t *testing.T) {
	uncapped := RetryPolicy{Backoff: time.Second}
	for _, attempt := range []int{40, 64, 200, 1 << 20} {
		got := uncapped.Delay(attempt)
		if got != DefaultMaxBackoff {
			t.Errorf("attempt %d: expected %v, got %v", attempt, DefaultMaxBackoff, got)
		}
	}

	// a cap below the initial backoff never shortens it
	inverted := RetryPolicy{Backoff: time.Minute, MaxBackoff: time.Second}
	if got := inverted.Delay(100); got != time.Minute {
		t.Errorf("Expected 1m, got %v", got)
	}

	if got := (RetryPolicy{}).Delay(3); got != 0 {
		t.Errorf("Expected no delay without backoff, got %v", got)
	}
}

func TestRetryPolicy_JitteredDelay(t *testing.T) {
	policy := RetryPolicy{Backoff: time.Second, MaxBackoff: 10 * time.Second}
	for i := 0; i < 100; i++ {
		got := policy.JitteredDelay(3, 0.5)
		if got < time.Second || got > 3*time.Second {
			t.Fatalf("Expected delay within 1s..3s, got %v", got)
		}
	}
	if got := policy.JitteredDelay(300, 0.5); got <= 0 || got > 15*time.Second {
		t.Errorf("Expected capped positive delay, got %v", got)
	}
}

func TestWebhookRegistration_Validate(t *testing.T) {
	valid := func() *WebhookRegistration {
		return &WebhookRegistration{
			TenantID:   "acme",
			URL:        "https://hooks.example.com/saga",
			Secret:     "s3cret",
			EventTypes: []string{EventSagaFailed},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	bad := []func(r *WebhookRegistration){
		func(r *WebhookRegistration) { r.TenantID = "" },
		func(r *WebhookRegistration) { r.URL = "ftp://hooks.example.com" },
		func(r *WebhookRegistration) { r.URL = "/relative" },
		func(r *WebhookRegistration) { r.Secret = "" },
		func(r *WebhookRegistration) { r.EventTypes = nil },
	}
	for i, mutate := range bad {
		r := valid()
		mutate(r)
		if err := r.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestWebhookRegistration_Subscribes(t *testing.T) {
	r := &WebhookRegistration{EventTypes: []string{EventSagaFailed}}
	if !r.Subscribes(EventSagaFailed) || r.Subscribes(EventSagaCompleted) {
		t.Error("Unexpected subscription match")
	}

	r.EventTypes = []string{WildcardEventType}
	if !r.Subscribes("anything.at.all") {
		t.Error("Expected wildcard to match every type")
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	if !errors.Is(NewNotFoundError("saga", "s1"), ErrNotFound) {
		t.Error("Expected not found sentinel")
	}
	if !errors.Is(&ConcurrencyError{Resource: "saga", ID: "s1", ExpectedVersion: 2}, ErrVersionConflict) {
		t.Error("Expected version conflict sentinel")
	}
	if !errors.Is(&CircuitOpenError{Destination: "https://x"}, ErrCircuitOpen) {
		t.Error("Expected circuit open sentinel")
	}
	cause := errors.New("boom")
	if !errors.Is(&StepExecutionError{Saga: "a", Step: "b", Err: cause}, cause) {
		t.Error("Expected step error to unwrap its cause")
	}
}
