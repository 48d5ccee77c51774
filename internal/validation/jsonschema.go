package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepflow/pkg/schema"
)

const documentSchemaURL = "https://stepflow.dev/schemas/definition.json"

// documentSchemaJSON describes a definition document as read from YAML or
// JSON, before actions are bound.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "category": { "type": "string" },
    "tags": { "type": "array", "items": { "type": "string" } },
    "schedule": { "type": "string", "minLength": 1 },
    "inputs": {
      "type": "object",
      "additionalProperties": {
        "oneOf": [
          { "type": "string" },
          { "type": "null" },
          { "$ref": "#/$defs/input" }
        ]
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "input": {
      "type": "object",
      "properties": {
        "type": { "type": "string" },
        "description": { "type": "string" },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "action": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "condition": { "type": "string", "minLength": 1 },
        "retries": { "type": "integer", "minimum": 0 },
        "retry_delay_ms": { "type": "integer", "minimum": 0 },
        "on_error": { "$ref": "#/$defs/on_error" }
      },
      "additionalProperties": false
    },
    "on_error": {
      "type": "object",
      "properties": {
        "value": {},
        "action": { "type": "string", "minLength": 1 },
        "params": { "type": "object" }
      },
      "additionalProperties": false,
      "not": { "required": ["value", "action"] }
    }
  }
}`

// JSONSchemaValidator validates definition documents and arbitrary data
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	documentSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the definition document schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	if err := c.AddResource(documentSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add document schema resource: %w", err)
	}
	compiled, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}

	return &JSONSchemaValidator{
		documentSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks the shape of a decoded definition document.
func (v *JSONSchemaValidator) ValidateDocument(raw any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(raw)
	if err != nil {
		result.Addf("/", "document is not representable as JSON: %s", err.Error())
		return result
	}
	if err := v.documentSchema.Validate(doc); err != nil {
		result.Merge(violations(err))
	}
	return result
}

// ValidateData checks data against a JSON Schema given as a decoded value
// (typically a map read from a definition). Compiled schemas are cached.
func (v *JSONSchemaValidator) ValidateData(data any, schemaDoc any) error {
	compiled, err := v.compileSchema(schemaDoc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "data is not representable as JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return violations(err).ToError()
	}
	return nil
}

func (v *JSONSchemaValidator) compileSchema(schemaDoc any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// One compiler per schema so resource URLs never collide.
	url := fmt.Sprintf("stepflow://schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violations flattens a jsonschema error tree into one issue per leaf.
func violations(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.Add("/", err.Error())
		return result
	}
	collectViolations(verr, result)
	if result.Valid() {
		result.Add("/", verr.Error())
	}
	return result
}

func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.Add(loc, leafMessage(verr))
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, result)
	}
}

// leafMessage drops the "at '<location>':" prefix the library puts on
// messages, since the location is reported separately.
func leafMessage(verr *jsonschema.ValidationError) string {
	msg := verr.Error()
	if _, rest, ok := strings.Cut(msg, ": "); ok && strings.HasPrefix(msg, "at ") {
		return rest
	}
	return msg
}
