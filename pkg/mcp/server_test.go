package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s, err := NewServer(ServerDeps{})
	require.NoError(t, err)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"stepwise.run", "Execute a workflow, optionally against an entity"},
		{"stepwise.status", "Get a run's snapshot, step states and events"},
		{"stepwise.list", "List persisted runs"},
		{"stepwise.cancel", "Cancel a run"},
		{"stepwise.resume", "Resume an interrupted run from its persisted cursor"},
		{"stepwise.validate", "Validate a workflow definition without running it"},
		{"stepwise.types", "List built-in and custom step types"},
		{"stepwise.triggers", "List workflow sensors and policies, or fire one"},
	}

	s, err := NewServer(ServerDeps{})
	require.NoError(t, err)
	require.Len(t, s.MCPServer().ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.MCPServer().GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
