package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseDecision(t *testing.T) {
	for _, v := range []string{"approved", "rejected"} {
		if d, err := ParseDecision(v); err != nil || string(d) != v {
			t.Errorf("Expected %s to parse, got %v %v", v, d, err)
		}
	}
	if _, err := ParseDecision("pending"); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected pending to be rejected, got %v", err)
	}
}

func TestApprovalGate_CanDecide(t *testing.T) {
	gate := &ApprovalGate{EligibleRoles: []string{"finance", "cfo"}, Decision: DecisionPending}

	if !gate.CanDecide("u1", []string{"support", "finance"}) {
		t.Error("Expected finance to be eligible")
	}
	if gate.CanDecide("u2", []string{"support"}) {
		t.Error("Expected support to be ineligible")
	}
	if gate.CanDecide("u3", nil) {
		t.Error("Expected a user without roles to be ineligible")
	}
	if !gate.CanDecide(SystemTimeoutActor, nil) {
		t.Error("Expected the timeout actor to be eligible")
	}
}

func TestApprovalGate_Expired(t *testing.T) {
	now := time.Now()
	gate := &ApprovalGate{Decision: DecisionPending, Deadline: now}

	if !gate.Expired(now) {
		t.Error("Expected a gate at its deadline to be expired")
	}
	if gate.Expired(now.Add(-time.Second)) {
		t.Error("Expected a gate before its deadline not to be expired")
	}

	gate.Decision = DecisionApproved
	if gate.Expired(now.Add(time.Hour)) || gate.IsPending() {
		t.Error("Expected a decided gate never to expire")
	}
}
