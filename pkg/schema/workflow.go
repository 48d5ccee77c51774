package schema

import (
	"fmt"
	"sort"
)

// DefinitionDocument is the YAML/JSON form of a workflow definition. The
// loader turns it into an engine definition by binding actions and compiling
// conditions.
type DefinitionDocument struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string         `json:"category,omitempty" yaml:"category,omitempty"`
	Tags        []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Schedule    string         `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron spec
	Inputs      map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`     // name -> type string or descriptor
	Steps       []StepDocument `json:"steps" yaml:"steps"`
}

// StepDocument describes a single step in a DefinitionDocument.
type StepDocument struct {
	ID           string         `json:"id" yaml:"id"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Action       string         `json:"action" yaml:"action"`
	Params       map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Condition    string         `json:"condition,omitempty" yaml:"condition,omitempty"` // CEL
	Retries      int            `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryDelayMs *int           `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	OnError      *ErrorDocument `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

// ErrorDocument declares how a step recovers once its retries are exhausted:
// either a constant fallback value or a fallback action.
type ErrorDocument struct {
	Value  any            `json:"value,omitempty" yaml:"value,omitempty"`
	Action string         `json:"action,omitempty" yaml:"action,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// InputSpec is the canonical descriptor of a declared workflow input.
// A nil Default means no default is declared.
type InputSpec struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// NormalizeInputs folds the two accepted input declaration shapes (a bare
// type string, or a descriptor object) into InputSpec values.
func NormalizeInputs(raw map[string]any) (map[string]InputSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]InputSpec, len(raw))
	result := &ValidationResult{}
	for _, name := range names {
		path := "/inputs/" + name
		switch v := raw[name].(type) {
		case string:
			out[name] = InputSpec{Type: v}
		case map[string]any:
			spec, err := inputSpecFromMap(v)
			if err != nil {
				result.Add(path, err.Error())
				continue
			}
			out[name] = spec
		case nil:
			out[name] = InputSpec{}
		default:
			result.Addf(path, "expected type name or descriptor, got %T", v)
		}
	}
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return out, nil
}

func inputSpecFromMap(m map[string]any) (InputSpec, error) {
	var spec InputSpec
	if v, ok := m["type"]; ok {
		s, ok := v.(string)
		if !ok {
			return spec, fmt.Errorf("type must be a string, got %T", v)
		}
		spec.Type = s
	}
	if v, ok := m["description"]; ok {
		s, ok := v.(string)
		if !ok {
			return spec, fmt.Errorf("description must be a string, got %T", v)
		}
		spec.Description = s
	}
	if v, ok := m["required"]; ok {
		b, ok := v.(bool)
		if !ok {
			return spec, fmt.Errorf("required must be a boolean, got %T", v)
		}
		spec.Required = b
	}
	spec.Default = m["default"]
	return spec, nil
}
