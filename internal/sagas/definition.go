package sagas

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fixora/sagacore/internal/domain"
)

// Duration is a time.Duration written as a Go duration string ("30m").
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value * float64(time.Second)))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// MarshalJSON writes the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Or returns fallback when d is not positive.
func (d Duration) Or(fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return time.Duration(d)
}

// StepSpec is one step entry of a definition file.
type StepSpec struct {
	Name               string               `json:"name"`
	Kind               domain.StepKind      `json:"kind,omitempty"`
	Action             string               `json:"action,omitempty"`
	Params             map[string]any       `json:"params,omitempty"`
	Compensation       string               `json:"compensation,omitempty"`
	CompensationParams map[string]any       `json:"compensation_params,omitempty"`
	ApprovalRoles      []string             `json:"approval_roles,omitempty"`
	EscalationRoles    []string             `json:"escalation_roles,omitempty"`
	TimeoutAction      domain.TimeoutAction `json:"timeout_action,omitempty"`
	ApprovalTimeout    Duration             `json:"approval_timeout,omitempty"`
}

// DefinitionSpec is the declarative form of a saga definition.
type DefinitionSpec struct {
	Name             string     `json:"name"`
	TriggerEvent     string     `json:"trigger_event"`
	Timeout          Duration   `json:"timeout,omitempty"`
	ApprovalDeadline Duration   `json:"approval_deadline,omitempty"`
	Steps            []StepSpec `json:"steps"`
}

type definitionFile struct {
	Sagas []DefinitionSpec `json:"sagas"`
}

// Decode reads a definitions document.
func Decode(r io.Reader) ([]DefinitionSpec, error) {
	var file definitionFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode saga definitions: %w", err)
	}
	return file.Sagas, nil
}

// LoadFile reads a definitions document from path.
func LoadFile(path string) ([]DefinitionSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open saga definitions: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
