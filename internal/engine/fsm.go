package engine

import (
	"slices"

	"github.com/rendis/stepflow/pkg/schema"
)

// ValidRunTransitions lists the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {schema.RunStatusRunning},
	schema.RunStatusRunning: {schema.RunStatusSuccess, schema.RunStatusFailed},
}

// ValidateRunTransition returns an INVALID_TRANSITION error unless from -> to
// is allowed. Terminal states have no outgoing transitions.
func ValidateRunTransition(runID string, from, to schema.RunStatus) error {
	if slices.Contains(ValidRunTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
}
