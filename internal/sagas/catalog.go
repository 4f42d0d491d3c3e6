// Package sagas turns declarative saga definitions into registered
// domain.SagaDefinition values. Step behavior is never loaded dynamically:
// every action a definition may name is a Go function registered in a
// Catalog at startup.
package sagas

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fixora/sagacore/internal/domain"
)

// ActionFactory builds a step function from the params of one step entry.
type ActionFactory func(params map[string]any) (domain.StepFunc, error)

// CompensationFactory builds a compensate function from the params of one step entry.
type CompensationFactory func(params map[string]any) (domain.CompensateFunc, error)

// Defaults fill in durations a definition leaves empty.
type Defaults struct {
	Timeout          time.Duration
	ApprovalDeadline time.Duration
}

// Catalog is the static registry of step implementations.
type Catalog struct {
	mu            sync.RWMutex
	actions       map[string]ActionFactory
	compensations map[string]CompensationFactory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		actions:       make(map[string]ActionFactory),
		compensations: make(map[string]CompensationFactory),
	}
}

// RegisterAction adds a named action. Names are unique.
func (c *Catalog) RegisterAction(name string, factory ActionFactory) error {
	if strings.TrimSpace(name) == "" || factory == nil {
		return domain.NewValidationError("action", "action name and factory are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.actions[name]; exists {
		return domain.NewValidationError("action", "action "+name+" already registered")
	}
	c.actions[name] = factory
	return nil
}

// RegisterCompensation adds a named compensation. Names are unique.
func (c *Catalog) RegisterCompensation(name string, factory CompensationFactory) error {
	if strings.TrimSpace(name) == "" || factory == nil {
		return domain.NewValidationError("compensation", "compensation name and factory are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.compensations[name]; exists {
		return domain.NewValidationError("compensation", "compensation "+name+" already registered")
	}
	c.compensations[name] = factory
	return nil
}

// Actions lists registered action names.
func (c *Catalog) Actions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves a definition spec against the catalog and validates the result.
func (c *Catalog) Build(spec DefinitionSpec, defaults Defaults) (*domain.SagaDefinition, error) {
	def := &domain.SagaDefinition{
		Name:             spec.Name,
		TriggerEvent:     spec.TriggerEvent,
		Timeout:          spec.Timeout.Or(defaults.Timeout),
		ApprovalDeadline: spec.ApprovalDeadline.Or(defaults.ApprovalDeadline),
		Steps:            make([]domain.SagaStep, 0, len(spec.Steps)),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, s := range spec.Steps {
		step := domain.SagaStep{
			Name:                  s.Name,
			Kind:                  s.Kind,
			ApprovalRoles:         s.ApprovalRoles,
			EscalationRoles:       s.EscalationRoles,
			ApprovalTimeoutAction: s.TimeoutAction,
			ApprovalTimeout:       time.Duration(s.ApprovalTimeout),
		}
		if step.Kind == "" {
			step.Kind = domain.StepKindExecute
		}
		if step.Kind == domain.StepKindApproval && step.ApprovalTimeoutAction == "" {
			step.ApprovalTimeoutAction = domain.TimeoutActionReject
		}

		if s.Action != "" {
			factory, ok := c.actions[s.Action]
			if !ok {
				return nil, domain.NewValidationError(fmt.Sprintf("steps[%d].action", i), "unknown action "+s.Action)
			}
			fn, err := factory(s.Params)
			if err != nil {
				return nil, fmt.Errorf("saga %s step %s: %w", spec.Name, s.Name, err)
			}
			step.Execute = fn
		}
		if s.Compensation != "" {
			factory, ok := c.compensations[s.Compensation]
			if !ok {
				return nil, domain.NewValidationError(fmt.Sprintf("steps[%d].compensation", i), "unknown compensation "+s.Compensation)
			}
			fn, err := factory(s.CompensationParams)
			if err != nil {
				return nil, fmt.Errorf("saga %s step %s compensation: %w", spec.Name, s.Name, err)
			}
			step.Compensate = fn
		}
		def.Steps = append(def.Steps, step)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// BuildAll builds every spec, stopping at the first invalid one.
func (c *Catalog) BuildAll(specs []DefinitionSpec, defaults Defaults) ([]*domain.SagaDefinition, error) {
	defs := make([]*domain.SagaDefinition, 0, len(specs))
	for _, spec := range specs {
		def, err := c.Build(spec, defaults)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
