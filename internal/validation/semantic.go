package validation

import (
	"fmt"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// validateSemantic checks what the document schema cannot express: action
// names are registered, conditions compile, step ids are unique, and
// ${{ steps.<id> }} references point at steps that run earlier.
func validateSemantic(doc *schema.DefinitionDocument, actions ActionLookup, conditions ConditionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if _, err := schema.NormalizeInputs(doc.Inputs); err != nil {
		mergeError(result, "/inputs", err)
	}

	position := make(map[string]int, len(doc.Steps))
	for i := range doc.Steps {
		step := &doc.Steps[i]
		path := fmt.Sprintf("/steps/%d", i)

		if first, dup := position[step.ID]; dup {
			result.Addf(path+"/id", "duplicate step id %q (first declared at /steps/%d)", step.ID, first)
		} else {
			position[step.ID] = i
		}

		checkAction(result, path+"/action", step.Action, actions)
		checkRefs(result, path+"/params", step.ID, step.Params, i, position)

		if step.Condition != "" && conditions != nil {
			if err := conditions.Compile(step.Condition); err != nil {
				mergeError(result, path+"/condition", err)
			}
		}

		if step.OnError != nil && step.OnError.Action != "" {
			checkAction(result, path+"/on_error/action", step.OnError.Action, actions)
			checkRefs(result, path+"/on_error/params", step.ID, step.OnError.Params, i, position)
		}
	}

	return result
}

func checkAction(result *schema.ValidationResult, path, name string, actions ActionLookup) {
	if name == "" || actions == nil {
		return
	}
	if !actions.Has(name) {
		result.Addf(path, "action %q not registered", name)
	}
}

// checkRefs reports references to the step itself or to steps declared
// after it; their results can never exist when the params are resolved.
func checkRefs(result *schema.ValidationResult, path, stepID string, params map[string]any, index int, position map[string]int) {
	if len(params) == 0 {
		return
	}
	for _, ref := range expressions.StepRefs(params) {
		at, seen := position[ref]
		switch {
		case ref == stepID:
			result.Addf(path, "step %q references its own result", stepID)
		case !seen || at >= index:
			result.Addf(path, "references step %q which does not run before %q", ref, stepID)
		}
	}
}

// mergeError folds a validation error into result under path.
func mergeError(result *schema.ValidationResult, path string, err error) {
	se, ok := err.(*schema.Error)
	if !ok {
		result.Add(path, err.Error())
		return
	}
	if issues, ok := se.Details["issues"].([]schema.ValidationIssue); ok && len(issues) > 0 {
		for _, is := range issues {
			if is.Path == "" || is.Path == "/" {
				is.Path = path
			}
			result.Issues = append(result.Issues, is)
		}
		return
	}
	result.Add(path, se.Message)
}
