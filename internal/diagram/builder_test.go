package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
)

func noop() engine.ActionFunc {
	return func(context.Context, *engine.WorkflowContext) (any, error) { return nil, nil }
}

func linearWorkflow() *engine.Definition {
	return &engine.Definition{
		Name: "ETL Pipeline",
		Steps: []engine.Step{
			engine.NewStep("fetch", noop(), engine.WithDescription("Fetch rows")),
			engine.NewStep("transform", noop()),
			engine.NewStep("store", noop(), engine.WithRetries(2)),
		},
	}
}

func branchingWorkflow() *engine.Definition {
	always := engine.ConditionFunc(func(*engine.WorkflowContext) bool { return true })
	fallback := engine.ErrorHandlerFunc(func(context.Context, error, *engine.WorkflowContext) (any, error) {
		return "cached", nil
	})
	return &engine.Definition{
		Name: "notify",
		Steps: []engine.Step{
			engine.NewStep("load", noop()),
			engine.NewStep("email", noop(), engine.WithCondition(always), engine.WithOnError(fallback)),
			engine.NewStep("audit", noop()),
		},
	}
}

func TestBuildLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "ETL Pipeline", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, StartID, model.Nodes[0].ID)
	assert.Equal(t, EndID, model.Nodes[4].ID)
	assert.Equal(t, "fetch\nFetch rows", model.Nodes[1].Label)
	assert.Equal(t, 2, model.Nodes[3].Retries)

	assert.Equal(t, []Edge{
		{From: StartID, To: "fetch"},
		{From: "fetch", To: "transform"},
		{From: "transform", To: "store"},
		{From: "store", To: EndID},
	}, model.Edges)

	for _, n := range model.Nodes {
		assert.Nil(t, n.Status)
	}
}

func TestBuildConditionalAndFallback(t *testing.T) {
	model, err := Build(branchingWorkflow(), nil)
	require.NoError(t, err)

	email := model.Nodes[2]
	assert.Equal(t, NodeKindConditional, email.Kind)
	require.Len(t, email.Children, 1)
	assert.Equal(t, "on_error", email.Children[0].Label)
	assert.Equal(t, NodeKindFallback, email.Children[0].Nodes[0].Kind)

	assert.Contains(t, model.Edges, Edge{From: "load", To: "email", Label: "when"})
	assert.Contains(t, model.Edges, Edge{From: "load", To: "audit", Label: "skip"})
}

func TestBuildWithTraces(t *testing.T) {
	traces := map[string]*store.StepTrace{
		"load":  {StepID: "load", Status: store.TraceCompleted},
		"email": {StepID: "email", Status: store.TraceCompleted, Retries: 2, Recovered: true, LastError: "smtp down"},
	}

	model, err := Build(branchingWorkflow(), traces)
	require.NoError(t, err)

	assert.Equal(t, &StatusOverlay{Status: "completed"}, model.Nodes[1].Status)
	assert.Equal(t, &StatusOverlay{Status: StatusRecovered, RetryCount: 2, Error: "smtp down"}, model.Nodes[2].Status)
	assert.Equal(t, StatusPending, model.Nodes[3].Status.Status)
	assert.Nil(t, model.Nodes[0].Status)
}

func TestBuildRejectsEmpty(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)
	_, err = Build(&engine.Definition{Name: "empty"}, nil)
	require.Error(t, err)
}
