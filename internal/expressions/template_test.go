package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope(vars map[string]any) *Scope {
	return NewScope(NewVarsLayer(vars, nil))
}

func TestResolve_NoPlaceholdersIsIdentity(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	scope := testScope(nil)

	inputs := []any{
		"plain text",
		42,
		nil,
		map[string]any{"a": "b", "n": []any{1, "two", map[string]any{"x": true}}},
		[]any{"a", 1.5, []any{}},
		map[any]any{"a": 1, 2: "b"},
		map[string]any{"m": map[any]any{"k": []any{"v"}}},
	}
	for _, in := range inputs {
		out, err := r.Resolve(ctx, scope, in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestResolve_TypedAndMixed(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	scope := testScope(map[string]any{
		"x":       42,
		"name":    "world",
		"flag":    true,
		"items":   []any{"a", "b"},
		"m":       map[string]any{"k": 1},
		"nothing": nil,
	})

	tests := []struct {
		in   string
		want any
	}{
		{"${x}", 42},
		{"${flag}", true},
		{"${items}", []any{"a", "b"}},
		{"${items[1]}", "b"},
		{"${m.k}", 1},
		{"hello ${name}", "hello world"},
		{"${name}-${x}", "world-42"},
		{"m=${m}", `m={"k":1}`},
		{"[${nothing}]", "[]"},
		{"${x * 2}", 84},
		{"${(x + 8) / 10}", 5.0},
		{"${'quoted'}", "quoted"},
		{"${missing ?? 'dflt'}", "dflt"},
		{"${nothing ?? name}", "world"},
		{"${missing ?? nothing}", nil},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			out, err := r.ResolveString(ctx, scope, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestResolve_TargetArithmetic(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()

	for target, want := range map[int]int{1: 4, 3: 6, 5: 0} {
		scope := NewScope(MapLayer{"target": target})
		out, err := r.Evaluate(ctx, scope, "${target} * 5 - ${target} * ${target}")
		require.NoError(t, err)
		assert.Equal(t, want, out)
	}
}

func TestResolve_NumericStringsInArithmetic(t *testing.T) {
	r := NewResolver()
	out, err := r.ResolveString(context.Background(), testScope(map[string]any{"s": "41"}), "${s + 1}")
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestResolve_Unresolvable(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	scope := testScope(map[string]any{"a": map[string]any{}})

	_, err := r.ResolveString(ctx, scope, "value is ${a.missing.deep}")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnresolvable))
	assert.Contains(t, err.Error(), "a.missing.deep")

	_, err = r.ResolveString(ctx, scope, "${nope ?? alsoNope}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alsoNope")
}

func TestResolve_MalformedPlaceholder(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	scope := testScope(nil)

	for _, in := range []string{"${unclosed", "${}", "${a ?? }", "${a # b}"} {
		_, err := r.ResolveString(ctx, scope, in)
		require.Error(t, err, in)
		assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition), in)
	}
}

func TestResolve_MapKeysAndNesting(t *testing.T) {
	r := NewResolver()
	scope := testScope(map[string]any{"k": "color", "v": "red", "n": 2})

	out, err := r.Resolve(context.Background(), scope, map[string]any{
		"${k}":   "${v}",
		"static": []any{"${n}", map[string]any{"deep": "n=${n}"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"color":  "red",
		"static": []any{2, map[string]any{"deep": "n=2"}},
	}, out)
}

func TestResolve_AnyKeyedMap(t *testing.T) {
	r := NewResolver()
	scope := testScope(map[string]any{"v": "red"})

	out, err := r.Resolve(context.Background(), scope, map[any]any{"color": "${v}", 1: "one"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"color": "red", "1": "one"}, out)
}

func TestResolve_ScopePrecedence(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	base := NewScope(NewVarsLayer(map[string]any{"x": "var"}, map[string]any{"x": "input", "y": "input"}))
	scope := base.With(MapLayer{"y": "meta"})

	out, err := r.ResolveString(ctx, scope, "${x}/${y}")
	require.NoError(t, err)
	assert.Equal(t, "var/meta", out)
}

func newEntityTree() *entity.Node {
	root := entity.NewNode("app", "Application",
		entity.WithAttributes(map[string]any{"count": 3}),
		entity.WithConfig(map[string]any{"region": "eu", "count": 99}))
	root.AddChild(entity.NewNode("c1", "First", entity.WithAttributes(map[string]any{"up": true})))
	root.AddChild(entity.NewNode("c2", "Second"))
	return root
}

func TestResolve_EntityViews(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	root := newEntityTree()
	child := root.Children()[0]

	rootScope := NewScope(EntityLayer{Entity: root})
	childScope := NewScope(EntityLayer{Entity: child})

	tests := []struct {
		scope *Scope
		in    string
		want  any
	}{
		{rootScope, "${entity.id}", "app"},
		{rootScope, "${entity.displayName}", "Application"},
		{rootScope, "${entity.sensor.count}", 3},
		{rootScope, "${entity.attribute.count + 1}", 4},
		{rootScope, "${entity.config.region}", "eu"},
		{rootScope, "${count}", 3},
		{rootScope, "${region}", "eu"},
		{rootScope, "${entity.children[1].name}", "Second"},
		{rootScope, "id=${entity}", "id=app"},
		{childScope, "${entity.parent.id}", "app"},
		{childScope, "${entity.sensor.up}", true},
		{childScope, "${entity.sensor.down ?? false}", false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			out, err := r.ResolveString(ctx, tc.scope, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}

	out, err := r.ResolveString(ctx, rootScope, "${entity.children[0]}")
	require.NoError(t, err)
	e, ok := AsEntity(out)
	require.True(t, ok)
	assert.Equal(t, "c1", e.ID())

	_, err = r.ResolveString(ctx, rootScope, "${entity.parent.id}")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnresolvable))
}

func TestResolve_AttributeWhenReady(t *testing.T) {
	r := NewResolver()
	node := entity.NewNode("e", "")
	scope := NewScope(EntityLayer{Entity: node, WaitTimeout: 2 * time.Second})

	go func() {
		time.Sleep(20 * time.Millisecond)
		node.SetAttribute(context.Background(), "ready", "")
		time.Sleep(20 * time.Millisecond)
		node.SetAttribute(context.Background(), "ready", "yes")
	}()

	out, err := r.ResolveString(context.Background(), scope, "${entity.attributeWhenReady.ready}")
	require.NoError(t, err)
	assert.Equal(t, "yes", out)
}

func TestResolve_AttributeWhenReadyTimeout(t *testing.T) {
	r := NewResolver()
	node := entity.NewNode("e", "")
	scope := NewScope(EntityLayer{Entity: node, WaitTimeout: 30 * time.Millisecond})

	_, err := r.ResolveString(context.Background(), scope, "${entity.attributeWhenReady.never}")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}

func TestResolve_AttributeWhenReadyCancelled(t *testing.T) {
	r := NewResolver()
	node := entity.NewNode("e", "")
	scope := NewScope(EntityLayer{Entity: node})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.ResolveString(ctx, scope, "${entity.attributeWhenReady.never}")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
}

func TestEvaluate_LetExpressions(t *testing.T) {
	r := NewResolver()
	ctx := context.Background()
	scope := testScope(map[string]any{"x": 4, "word": "hi"})

	tests := []struct {
		in   string
		want any
	}{
		{"${x} + 1 ?? 0", 5},
		{"${missing} + 1 ?? 0", 0},
		{"1 + 1", 2},
		{"2024-01-01", "2024-01-01"},
		{"\"quoted ${word}\"", "quoted hi"},
		{"hello there", "hello there"},
		{"${word} there", "hi there"},
		{"${x}", 4},
		{"${missing} ?? ${word}", "hi"},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			out, err := r.Evaluate(ctx, scope, tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestResolveAs(t *testing.T) {
	r := NewResolver()
	scope := testScope(map[string]any{"doc": "a: 1\nb: [x, y]\n", "n": "7"})

	out, err := r.ResolveAs(context.Background(), scope, "${doc}", "map")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": []any{"x", "y"}}, out)

	out, err = r.ResolveAs(context.Background(), scope, "${n}", "integer")
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "1.5", Stringify(1.5))
	assert.Equal(t, "3", Stringify(3.0))
	assert.Equal(t, "7", Stringify(7))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `["a",1]`, Stringify([]any{"a", 1}))
}
