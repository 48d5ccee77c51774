// Package loader turns YAML or JSON workflow documents into engine
// definitions. Step actions are bound from the action registry, conditions
// compile to CEL, and params are interpolated against the run on every
// attempt.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Extensions lists the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml", ".json"}

// Loaded is a definition ready for registration, plus document metadata the
// engine does not use.
type Loaded struct {
	Definition *engine.Definition
	Schedule   string
	Source     string
}

// Loader parses, validates and binds definition documents.
type Loader struct {
	actions   *actions.Registry
	cel       *expressions.CELEngine
	validator *validation.DocumentValidator
	logger    *slog.Logger
	secrets   expressions.SecretResolver
}

// New creates a Loader that binds steps to actions in reg.
func New(reg *actions.Registry, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("init cel: %w", err)
	}
	validator, err := validation.NewDocumentValidator(reg, cel)
	if err != nil {
		return nil, fmt.Errorf("init validator: %w", err)
	}
	return &Loader{
		actions:   reg,
		cel:       cel,
		validator: validator,
		logger:    logger,
	}, nil
}

// UseSecrets makes ${{ secrets.KEY }} resolvable in step params. Call it
// before runs start.
func (l *Loader) UseSecrets(r expressions.SecretResolver) {
	l.secrets = r
}

// Schema returns the JSON Schema validator shared with assert.schema.
func (l *Loader) Schema() *validation.JSONSchemaValidator {
	return l.validator.Schema()
}

// Validate decodes data and reports every problem without building a
// definition.
func (l *Loader) Validate(data []byte) *schema.ValidationResult {
	_, result := l.decode(data)
	return result
}

// Parse decodes, validates and binds one document.
func (l *Loader) Parse(data []byte) (*Loaded, error) {
	doc, result := l.decode(data)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return l.build(doc)
}

// LoadFile parses the document at path.
func (l *Loader) LoadFile(path string) (*Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read %s: %s", path, err.Error()).WithCause(err)
	}
	loaded, err := l.Parse(data)
	if err != nil {
		return nil, fileError(path, err)
	}
	loaded.Source = path
	return loaded, nil
}

// LoadDir parses every document directly inside dir, in file name order.
// Any invalid document fails the whole load.
func (l *Loader) LoadDir(dir string) ([]*Loaded, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read dir %s: %s", dir, err.Error()).WithCause(err)
	}

	var out []*Loaded
	names := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(Extensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		loaded, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := names[loaded.Definition.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %q defined in both %s and %s", loaded.Definition.Name, prev, path)
		}
		names[loaded.Definition.Name] = path
		out = append(out, loaded)
		l.logger.Debug("workflow loaded", slog.String("workflow", loaded.Definition.Name), slog.String("file", path))
	}
	return out, nil
}

func fileError(path string, err error) error {
	if se, ok := err.(*schema.Error); ok {
		cp := *se
		cp.Message = path + ": " + se.Message
		return &cp
	}
	return fmt.Errorf("%s: %w", path, err)
}

// decode reads data twice: as generic values for the JSON Schema stage and
// into the typed document for the semantic stage. JSON is valid YAML, so
// one decoder serves both formats.
func (l *Loader) decode(data []byte) (*schema.DefinitionDocument, *schema.ValidationResult) {
	result := &schema.ValidationResult{}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		result.Addf("/", "parse document: %s", err.Error())
		return nil, result
	}
	if raw == nil {
		result.Add("/", "document is empty")
		return nil, result
	}

	var doc schema.DefinitionDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		result.Addf("/", "decode document: %s", err.Error())
		return nil, result
	}

	result.Merge(l.validator.Validate(raw, &doc))
	if result.Valid() {
		l.checkParams(&doc, result)
	}
	return &doc, result
}

// checkParams runs each action's own param validation when the params are
// fully static. Params holding ${{ }} references are only known per run.
func (l *Loader) checkParams(doc *schema.DefinitionDocument, result *schema.ValidationResult) {
	check := func(path, name string, params map[string]any) {
		if expressions.ContainsRefs(params) {
			return
		}
		act, err := l.actions.Get(name)
		if err != nil {
			return
		}
		if params == nil {
			params = map[string]any{}
		}
		if err := act.Validate(params); err != nil {
			result.Add(path, issueMessage(err))
		}
	}

	for i, step := range doc.Steps {
		check(fmt.Sprintf("/steps/%d/params", i), step.Action, step.Params)
		if step.OnError != nil && step.OnError.Action != "" {
			check(fmt.Sprintf("/steps/%d/on_error/params", i), step.OnError.Action, step.OnError.Params)
		}
	}
}

func issueMessage(err error) string {
	if se, ok := err.(*schema.Error); ok {
		return se.Message
	}
	return err.Error()
}

func (l *Loader) build(doc *schema.DefinitionDocument) (*Loaded, error) {
	inputs, err := schema.NormalizeInputs(doc.Inputs)
	if err != nil {
		return nil, err
	}

	def := &engine.Definition{
		Name:        doc.Name,
		Description: doc.Description,
		Inputs:      inputs,
		Tags:        doc.Tags,
		Category:    doc.Category,
		Steps:       make([]engine.Step, 0, len(doc.Steps)),
	}
	for _, sd := range doc.Steps {
		step, err := l.bindStep(sd)
		if err != nil {
			return nil, err
		}
		def.Steps = append(def.Steps, step)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &Loaded{Definition: def, Schedule: doc.Schedule}, nil
}

func (l *Loader) bindStep(sd schema.StepDocument) (engine.Step, error) {
	act, err := l.actions.Get(sd.Action)
	if err != nil {
		return engine.Step{}, err
	}

	opts := []engine.StepOption{
		engine.WithDescription(sd.Description),
		engine.WithRetries(sd.Retries),
	}
	if sd.RetryDelayMs != nil {
		opts = append(opts, engine.WithRetryDelay(time.Duration(*sd.RetryDelayMs)*time.Millisecond))
	}
	if sd.Condition != "" {
		opts = append(opts, engine.WithCondition(l.condition(sd.ID, sd.Condition)))
	}
	if sd.OnError != nil {
		handler, err := l.errorHandler(sd.ID, sd.OnError)
		if err != nil {
			return engine.Step{}, err
		}
		opts = append(opts, engine.WithOnError(handler))
	}

	return engine.NewStep(sd.ID, l.bindAction(sd.ID, act, sd.Params), opts...), nil
}

func (l *Loader) bindAction(stepID string, act actions.Action, params map[string]any) engine.ActionFunc {
	return func(ctx context.Context, wc *engine.WorkflowContext) (any, error) {
		return l.invoke(ctx, stepID, act, params, wc)
	}
}

// condition evaluates expression against the run scope. An evaluation error
// skips the step and is logged.
func (l *Loader) condition(stepID, expression string) engine.ConditionFunc {
	return func(wc *engine.WorkflowContext) bool {
		ctx := logging.WithStepID(logging.WithRun(context.Background(), wc.RunID(), wc.Workflow()), stepID)
		ok, err := l.cel.EvaluateBool(ctx, expression, scopeOf(wc).Map())
		if err != nil {
			l.logger.WarnContext(ctx, "condition evaluation failed",
				slog.String("condition", expression), slog.String("error", err.Error()))
			wc.Log("Condition of step %s failed to evaluate: %s", stepID, issueMessage(err))
			return false
		}
		return ok
	}
}

// errorHandler recovers with a constant value, or by running a fallback
// action. The fallback sees the failure message as params.error unless
// params already set it.
func (l *Loader) errorHandler(stepID string, ed *schema.ErrorDocument) (engine.ErrorHandlerFunc, error) {
	if ed.Action == "" {
		value := ed.Value
		return func(context.Context, error, *engine.WorkflowContext) (any, error) {
			return value, nil
		}, nil
	}

	act, err := l.actions.Get(ed.Action)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, cause error, wc *engine.WorkflowContext) (any, error) {
		params := make(map[string]any, len(ed.Params)+1)
		for k, v := range ed.Params {
			params[k] = v
		}
		if _, ok := params["error"]; !ok {
			params["error"] = cause.Error()
		}
		return l.invoke(ctx, stepID, act, params, wc)
	}, nil
}

func scopeOf(wc *engine.WorkflowContext) expressions.Scope {
	return expressions.Scope{
		Workflow: wc.Workflow(),
		RunID:    wc.RunID(),
		Steps:    wc.Results(),
		Inputs:   wc.Inputs(),
		State:    wc.State(),
	}
}

func (l *Loader) invoke(ctx context.Context, stepID string, act actions.Action, params map[string]any, wc *engine.WorkflowContext) (any, error) {
	scope := scopeOf(wc)
	scope.Secrets = l.secrets
	resolved, err := expressions.Interpolate(ctx, params, scope)
	if err != nil {
		return nil, err
	}
	p, _ := resolved.(map[string]any)
	if p == nil {
		p = map[string]any{}
	}
	return act.Execute(ctx, actions.Input{
		StepID: stepID,
		Params: p,
		Scope:  scope,
		State:  wc.State(),
		Log:    wc.Log,
	})
}
