package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "=== deploy ===")

	assert.Contains(t, output, "┌") // ┌
	assert.Contains(t, output, "┘") // ┘
	assert.Contains(t, output, "▼") // ▼

	assert.Contains(t, output, "Start")
	assert.Contains(t, output, "End")
	assert.Contains(t, output, "fetch")
	assert.Contains(t, output, "http get ${url}")
	assert.Contains(t, output, "publish")
}

func TestRenderASCIIWithStatus(t *testing.T) {
	model := &DiagramModel{
		Title: "Test",
		Nodes: []*Node{
			{ID: "s", Label: "Start", Kind: NodeKindStart},
			{ID: "a", Label: "step-a", Kind: NodeKindStep, Status: &StatusOverlay{Status: "succeeded", DurationMs: 100}},
			{ID: "b", Label: "step-b", Kind: NodeKindStep, Status: &StatusOverlay{Status: "failed", Attempts: 3}},
			{ID: "c", Label: "step-c", Kind: NodeKindStep, Status: &StatusOverlay{Status: "running"}},
			{ID: "d", Label: "step-d", Kind: NodeKindStep, Status: &StatusOverlay{Status: "retrying"}},
			{ID: "e", Label: "step-e", Kind: NodeKindStep, Status: &StatusOverlay{Status: "skipped"}},
			{ID: "f", Label: "step-f", Kind: NodeKindStep, Status: &StatusOverlay{Status: "pending"}},
			{ID: "end", Label: "End", Kind: NodeKindEnd},
		},
		Levels: [][]string{{"s"}, {"a", "b", "c"}, {"d", "e", "f"}, {"end"}},
	}

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "[FAIL]")
	assert.Contains(t, output, "[RUN]")
	assert.Contains(t, output, "[RETRY]")
	assert.Contains(t, output, "[SKIP]")
	assert.Contains(t, output, "[PEND]")
	assert.Contains(t, output, "100ms")
	assert.Contains(t, output, "3 attempts")
}

func TestRenderASCIIJumpsAndSubgraphs(t *testing.T) {
	model, err := Build(branchingWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "next → done")
	assert.Contains(t, output, "skipped → repair")
	assert.Contains(t, output, "--- repair ---")
	assert.Contains(t, output, "[on-error]")
	assert.Contains(t, output, "1-retry: retry limit 3")
	assert.Contains(t, output, "--- workflow ---")
}
