package steps

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

func TestMergeInputs_Deep(t *testing.T) {
	base := map[string]any{
		"a": 1,
		"m": map[string]any{"x": 1, "y": 2},
	}
	over := map[string]any{
		"b": 2,
		"m": map[string]any{"y": 3, "z": 4},
	}
	got := MergeInputs(base, over)

	want := map[string]any{
		"a": 1,
		"b": 2,
		"m": map[string]any{"x": 1, "y": 3, "z": 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MergeInputs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, base["m"].(map[string]any)["y"], "base must not be modified")
}

func TestCollectInputs_Precedence(t *testing.T) {
	res := &Resolution{
		Name:      "log",
		Step:      logStep{},
		Shorthand: logStep{}.ShorthandTemplate(),
		Defaults:  map[string]any{"message": "default", "level": "debug", "category": "ops"},
	}
	def, err := schema.ParseStep(map[string]any{
		"s":     "log from shorthand",
		"level": "warn",
	})
	require.NoError(t, err)

	got, err := CollectInputs(res, def)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"message":  "from shorthand",
		"level":    "warn",
		"category": "ops",
	}, got)
}

func TestCollectInputs_Empty(t *testing.T) {
	res := &Resolution{Name: "no-op", Step: noOpStep{}}
	def, err := schema.ParseStep("no-op")
	require.NoError(t, err)
	got, err := CollectInputs(res, def)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCollectInputs_ShorthandNotAccepted(t *testing.T) {
	res := &Resolution{Name: "no-op", Step: noOpStep{}}
	def, err := schema.ParseStep("no-op extra words")
	require.NoError(t, err)
	_, err = CollectInputs(res, def)
	requireCode(t, err, schema.ErrCodeDefinition)
}

func TestResolveInputs(t *testing.T) {
	ctx := context.Background()
	scope := expressions.NewScope(expressions.MapLayer{"x": "outer", "n": 2})
	resolver := expressions.NewResolver()

	inputs := map[string]any{
		"a":     "${n}",
		"b":     "${a}-suffix",
		"x":     "${x}",
		"value": "${not_resolved_yet}",
	}
	resolved, raw, err := ResolveInputs(ctx, returnStep{}, inputs, scope, resolver)
	require.NoError(t, err)

	assert.Equal(t, 2, resolved["a"])
	assert.Equal(t, "2-suffix", resolved["b"])
	assert.Equal(t, "outer", resolved["x"], "an input reads the enclosing scope for its own name")
	assert.NotContains(t, resolved, "value")
	assert.Equal(t, map[string]any{"value": "${not_resolved_yet}"}, raw)
}

func TestResolveInputs_Unresolvable(t *testing.T) {
	_, _, err := ResolveInputs(context.Background(), logStep{},
		map[string]any{"message": "${missing}"},
		expressions.NewScope(), expressions.NewResolver())
	requireCode(t, err, schema.ErrCodeUnresolvable)
}
