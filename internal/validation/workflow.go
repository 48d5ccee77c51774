package validation

import "github.com/rendis/stepflow/pkg/schema"

// DocumentValidator runs the two validation stages for definition documents:
//  1. Structural (JSON Schema) on the raw decoded document
//  2. Semantic (actions, conditions, step ids, step references)
//
// Structural errors short-circuit the semantic stage.
type DocumentValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
	conditions ConditionCompiler
}

// NewDocumentValidator creates a DocumentValidator. actions and conditions
// may be nil to skip the corresponding checks.
func NewDocumentValidator(actions ActionLookup, conditions ConditionCompiler) (*DocumentValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DocumentValidator{
		jsonSchema: jsv,
		actions:    actions,
		conditions: conditions,
	}, nil
}

// Validate checks raw, the document as decoded into generic values, and doc,
// the same document decoded into its typed form.
func (v *DocumentValidator) Validate(raw any, doc *schema.DefinitionDocument) *schema.ValidationResult {
	result := v.jsonSchema.ValidateDocument(raw)
	if !result.Valid() {
		return result
	}
	if doc == nil {
		result.Add("/", "document is empty")
		return result
	}
	result.Merge(validateSemantic(doc, v.actions, v.conditions))
	return result
}

// Schema exposes the underlying JSON Schema validator.
func (v *DocumentValidator) Schema() *JSONSchemaValidator {
	return v.jsonSchema
}
