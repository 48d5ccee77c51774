package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Definition is a named, ordered recipe of steps plus declared inputs.
type Definition struct {
	Name        string
	Description string
	Steps       []Step
	Inputs      map[string]schema.InputSpec
	Tags        []string
	Category    string
}

// Validate checks the structural invariants required for registration and
// reports every violation found.
func (d *Definition) Validate() error {
	result := &schema.ValidationResult{}
	if d == nil {
		result.Add("/", "definition is nil")
		return result.ToError()
	}

	if strings.TrimSpace(d.Name) == "" {
		result.Add("/name", "name is required")
	}
	if len(d.Steps) == 0 {
		result.Add("/steps", "at least one step is required")
	}

	seen := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		path := fmt.Sprintf("/steps/%d", i)
		if step.ID == "" {
			result.Add(path+"/id", "step id is required")
		} else if first, dup := seen[step.ID]; dup {
			result.Addf(path+"/id", "duplicate step id %q (first declared at /steps/%d)", step.ID, first)
		} else {
			seen[step.ID] = i
		}
		if step.Action == nil {
			result.Add(path+"/action", "action is required")
		}
		if step.Retries < 0 {
			result.Addf(path+"/retries", "retries must be >= 0, got %d", step.Retries)
		}
		if step.RetryDelay < 0 {
			result.Addf(path+"/retry_delay", "retry delay must be >= 0, got %s", step.RetryDelay)
		}
	}

	return result.ToError()
}

// clone copies the definition so later changes to the caller's slices and
// maps do not reach the registered value.
func (d *Definition) clone() *Definition {
	cp := *d
	cp.Steps = slices.Clone(d.Steps)
	cp.Inputs = maps.Clone(d.Inputs)
	cp.Tags = slices.Clone(d.Tags)
	return &cp
}

// StepIDs returns the step ids in definition order.
func (d *Definition) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}
