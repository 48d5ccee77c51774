package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% ETL Pipeline")
	assert.Contains(t, output, `fetch["fetch"]`)
	assert.Contains(t, output, `store["store (retries: 2)"]`)
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, "transform --> store")
	assert.Contains(t, output, "classDef completed")
	assert.NotContains(t, output, "class fetch")
}

func TestRenderMermaidBranching(t *testing.T) {
	model, err := Build(branchingWorkflow(), map[string]*store.StepTrace{
		"load": {StepID: "load", Status: store.TraceCompleted},
	})
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, `email{"email"}`)
	assert.Contains(t, output, "load -->|when| email")
	assert.Contains(t, output, "load -.->|skip| audit")
	assert.Contains(t, output, `subgraph email_on_error["email: on_error"]`)
	assert.Contains(t, output, `email_fallback(["fallback"])`)
	assert.Contains(t, output, "email -.->|exhausted| email_fallback")
	assert.Contains(t, output, "class load completed")
	assert.Contains(t, output, "class email pending")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d", mermaidSafeID("a.b-c d"))
}
