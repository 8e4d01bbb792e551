package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

// typeSet is a TypeResolver over a fixed list of names.
type typeSet map[string]bool

func (s typeSet) Has(token string) bool { return s[token] }

var planTypes = typeSet{"log": true, "let": true, "return": true, "workflow": true}

func TestParsePlan_Labels(t *testing.T) {
	p, err := ParsePlan([]any{
		"log one",
		map[string]any{"id": "second", "s": "log two"},
		map[string]any{"name": "third", "type": "log", "message": "three"},
	}, planTypes)
	require.NoError(t, err)

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []string{"1-log", "second", "third"}, p.Labels)
	i, ok := p.Lookup("second")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = p.Lookup("third")
	assert.False(t, ok, "names are not ids")
}

func TestParsePlan_Successor(t *testing.T) {
	p, err := ParsePlan([]any{
		map[string]any{"id": "a", "s": "log a", "next": "c"},
		map[string]any{"id": "b", "s": "log b", "next": "end"},
		map[string]any{"id": "c", "s": "log c", "next": "${where}"},
	}, planTypes)
	require.NoError(t, err)

	i, err := p.Successor("c")
	require.NoError(t, err)
	assert.Equal(t, 2, i)

	i, err = p.Successor(" end ")
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	_, err = p.Successor("zzz")
	assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition))
}

func TestParsePlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		steps   []any
		message string
		step    string
	}{
		{
			name:    "duplicate id",
			steps:   []any{map[string]any{"id": "a", "s": "log x"}, map[string]any{"id": "a", "s": "log y"}},
			message: `duplicate step id "a"`,
		},
		{
			name:    "unknown type",
			steps:   []any{"log ok", "frobnicate now"},
			message: "failed to resolve step: frobnicate",
			step:    "2-frobnicate",
		},
		{
			name:    "missing next",
			steps:   []any{map[string]any{"id": "a", "s": "log x", "next": "nowhere"}},
			message: `next references non-existent step "nowhere"`,
			step:    "a",
		},
		{
			name:  "bad concurrency",
			steps: []any{map[string]any{"s": "log x", "target": "1..3", "concurrency": "most(1)"}},
			step:  "1-log",
		},
		{
			name:  "bad timeout",
			steps: []any{map[string]any{"s": "log x", "timeout": "whenever"}},
			step:  "1-log",
		},
		{
			name:  "unparseable step",
			steps: []any{42},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.steps, planTypes)
			require.Error(t, err)
			var se *schema.StepwiseError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, schema.ErrCodeDefinition, se.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, se.Message)
			}
			if tt.step != "" {
				assert.Equal(t, tt.step, se.StepID)
				assert.Contains(t, se.Details, "index")
			}
		})
	}
}

func TestParsePlan_TemplatesCheckedAtRunTime(t *testing.T) {
	_, err := ParsePlan([]any{
		map[string]any{"s": "log x", "next": "${somewhere}", "timeout": "${limit}", "concurrency": "${width}"},
	}, planTypes)
	assert.NoError(t, err)
}

func TestParsePlan_NilTypesSkipsTypeCheck(t *testing.T) {
	p, err := ParsePlan([]any{"anything goes"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "anything", p.Steps[0].Type)
}

func TestParsePlan_LiteralConcurrency(t *testing.T) {
	_, err := ParsePlan([]any{
		map[string]any{"s": "log x", "target": "1..3", "concurrency": 2},
		map[string]any{"s": "log y", "target": "1..3", "concurrency": "max(1, 50%)"},
	}, planTypes)
	assert.NoError(t, err)
}
