package sagas

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixora/sagacore/internal/domain"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DomainEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

const orderDoc = `{
  "sagas": [{
    "name": "order-fulfillment",
    "trigger_event": "order.placed",
    "timeout": "30m",
    "steps": [
      {"name": "validate_order", "action": "require", "params": {"fields": ["order_id"]}},
      {"name": "reserve_stock", "action": "emit",
       "params": {"event": "inventory.reserve.requested", "result_key": "reservation_event_id"},
       "compensation": "emit", "compensation_params": {"event": "inventory.release.requested"}},
      {"name": "approve_payment", "kind": "approval", "approval_roles": ["finance"], "approval_timeout": 60},
      {"name": "tag", "action": "set", "params": {"values": {"channel": "web"}}}
    ]
  }]
}`

func buildOrder(t *testing.T, publisher *recordingPublisher) *domain.SagaDefinition {
	t.Helper()
	specs, err := Decode(strings.NewReader(orderDoc))
	require.NoError(t, err)
	require.Len(t, specs, 1)

	def, err := NewDefaultCatalog(publisher).Build(specs[0], Defaults{ApprovalDeadline: 2 * time.Hour})
	require.NoError(t, err)
	return def
}

func TestBuild_ResolvesStepsAndDefaults(t *testing.T) {
	def := buildOrder(t, &recordingPublisher{})

	assert.Equal(t, "order.placed", def.TriggerEvent)
	assert.Equal(t, 30*time.Minute, def.Timeout)
	assert.Equal(t, 2*time.Hour, def.ApprovalDeadline)
	require.Len(t, def.Steps, 4)

	assert.Equal(t, domain.StepKindExecute, def.Steps[0].Kind)
	assert.NotNil(t, def.Steps[1].Execute)
	assert.NotNil(t, def.Steps[1].Compensate)

	approval := def.Steps[2]
	assert.Equal(t, domain.StepKindApproval, approval.Kind)
	assert.Equal(t, domain.TimeoutActionReject, approval.ApprovalTimeoutAction)
	assert.Equal(t, time.Minute, approval.ApprovalTimeout)
	assert.Nil(t, approval.Execute)
}

func TestBuiltinActions(t *testing.T) {
	publisher := &recordingPublisher{}
	def := buildOrder(t, publisher)
	ctx := context.Background()

	trigger := domain.NewDomainEvent("order.placed", "acme", map[string]any{"order_id": "o-1", "amount": 42.0})
	trigger.Metadata.SagaID = "s1"
	trigger.AggregateID = "order-1"

	out, err := def.Steps[0].Execute(ctx, map[string]any{}, trigger)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order_id": "o-1"}, out)

	_, err = def.Steps[0].Execute(ctx, map[string]any{}, domain.NewDomainEvent("order.placed", "acme", nil))
	assert.ErrorIs(t, err, domain.ErrValidation)

	out, err = def.Steps[1].Execute(ctx, map[string]any{"order_id": "o-1"}, trigger)
	require.NoError(t, err)
	require.Len(t, publisher.events, 1)
	emitted := publisher.events[0]
	assert.Equal(t, "inventory.reserve.requested", emitted.Type)
	assert.Equal(t, emitted.ID, out["reservation_event_id"])
	assert.Equal(t, "order-1", emitted.Metadata.CorrelationID)
	assert.Equal(t, "s1", emitted.Payload["saga_instance_id"])
	assert.Equal(t, 42.0, emitted.Payload["amount"])

	require.NoError(t, def.Steps[1].Compensate(ctx, map[string]any{}, trigger))
	require.Len(t, publisher.events, 2)
	assert.Equal(t, "inventory.release.requested", publisher.events[1].Type)

	out, err = def.Steps[3].Execute(ctx, map[string]any{}, trigger)
	require.NoError(t, err)
	assert.Equal(t, "web", out["channel"])
}

func TestEmit_PropagatesPublishError(t *testing.T) {
	publisher := &recordingPublisher{}
	def := buildOrder(t, publisher)
	publisher.err = errors.New("bus down")

	_, err := def.Steps[1].Execute(context.Background(), map[string]any{}, domain.NewDomainEvent("order.placed", "acme", nil))
	assert.ErrorContains(t, err, "bus down")
}

func TestBuild_Rejects(t *testing.T) {
	catalog := NewDefaultCatalog(&recordingPublisher{})

	tests := []struct {
		name string
		spec DefinitionSpec
	}{
		{"unknown action", DefinitionSpec{Name: "a", TriggerEvent: "x", Timeout: Duration(time.Minute),
			Steps: []StepSpec{{Name: "s", Action: "teleport"}}}},
		{"unknown compensation", DefinitionSpec{Name: "a", TriggerEvent: "x", Timeout: Duration(time.Minute),
			Steps: []StepSpec{{Name: "s", Action: "set", Params: map[string]any{"values": map[string]any{"k": 1}}, Compensation: "undo"}}}},
		{"emit without event", DefinitionSpec{Name: "a", TriggerEvent: "x", Timeout: Duration(time.Minute),
			Steps: []StepSpec{{Name: "s", Action: "emit"}}}},
		{"execute step without action", DefinitionSpec{Name: "a", TriggerEvent: "x", Timeout: Duration(time.Minute),
			Steps: []StepSpec{{Name: "s"}}}},
		{"no timeout and no default", DefinitionSpec{Name: "a", TriggerEvent: "x",
			Steps: []StepSpec{{Name: "s", Action: "set", Params: map[string]any{"values": map[string]any{"k": 1}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Build(tt.spec, Defaults{})
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCatalog_RegisterRejectsDuplicates(t *testing.T) {
	catalog := NewDefaultCatalog(&recordingPublisher{})
	assert.ErrorIs(t, catalog.RegisterAction("emit", requireAction), domain.ErrValidation)
	assert.ErrorIs(t, catalog.RegisterCompensation("", nil), domain.ErrValidation)
	assert.Equal(t, []string{"emit", "require", "set"}, catalog.Actions())
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader(`{"sagas":[{"name":"a","trigger":"x"}]}`))
	assert.Error(t, err)

	_, err = Decode(strings.NewReader(`{"sagas":[{"name":"a","trigger_event":"x","timeout":"soon"}]}`))
	assert.Error(t, err)
}

func TestLoadFile_ShippedDefinitions(t *testing.T) {
	if _, err := os.Stat("../../configs/sagas.json"); err != nil {
		t.Skip("shipped definitions not present")
	}
	specs, err := LoadFile("../../configs/sagas.json")
	require.NoError(t, err)

	defs, err := NewDefaultCatalog(&recordingPublisher{}).BuildAll(specs, Defaults{Timeout: time.Hour, ApprovalDeadline: time.Hour})
	require.NoError(t, err)
	assert.NotEmpty(t, defs)
}
