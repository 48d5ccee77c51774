package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.True(t, strings.HasPrefix(output, "=== ETL Pipeline ===\n"))
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "│ retries: 2 │")
	assert.Equal(t, 4, strings.Count(output, "▼"))

	start := strings.Index(output, "Start")
	fetch := strings.Index(output, "fetch")
	end := strings.Index(output, "End")
	assert.Less(t, start, fetch)
	assert.Less(t, fetch, end)
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: StartID, Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "step-a", Kind: NodeKindAction, Status: &StatusOverlay{Status: "completed"}},
			{ID: "b", Label: "step-b", Kind: NodeKindConditional, Status: &StatusOverlay{Status: "skipped"}},
			{ID: "c", Label: "step-c", Kind: NodeKindAction, Status: &StatusOverlay{Status: StatusRecovered, RetryCount: 1}},
			{ID: "d", Label: "step-d", Kind: NodeKindAction, Status: &StatusOverlay{Status: "failed", Error: "boom"}},
			{ID: "e", Label: "step-e", Kind: NodeKindAction, Status: &StatusOverlay{Status: StatusPending}},
			{ID: EndID, Label: "End", Kind: NodeKindEnd},
		},
	}

	output := RenderASCII(model)

	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[SKIP]")
	assert.Contains(t, output, "[RECOVERED] x2")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "boom")
	assert.Contains(t, output, "[PEND]")
	assert.Contains(t, output, "(conditional)")
	assert.Contains(t, output, "when (else skip)")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
