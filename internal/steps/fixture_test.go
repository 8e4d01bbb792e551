package steps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/conditions"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// fixture resolves and runs single steps the way the engine does, without
// the workflow around them.
type fixture struct {
	reg      *Registry
	vars     *expressions.VarsLayer
	ent      *entity.Node
	resolver *expressions.Resolver
	runtime  Runtime
	handling error
}

func newFixture(t *testing.T, cfg BuiltinConfig) *fixture {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, cfg))
	return &fixture{
		reg:      reg,
		vars:     expressions.NewVarsLayer(nil, nil),
		ent:      entity.NewNode("app", "App"),
		resolver: expressions.NewResolver(),
	}
}

func (f *fixture) scope() *expressions.Scope {
	return expressions.NewScope(f.vars, expressions.EntityLayer{Entity: f.ent})
}

func (f *fixture) invocation(t *testing.T, raw any) (Step, *Invocation, error) {
	t.Helper()
	ctx := context.Background()
	def, err := schema.ParseStep(raw)
	if err != nil {
		return nil, nil, err
	}
	res, err := f.reg.Resolve(def.Type)
	if err != nil {
		return nil, nil, err
	}
	inputs, err := CollectInputs(res, def)
	if err != nil {
		return nil, nil, err
	}
	scope := f.scope()
	resolved, rawIn, err := ResolveInputs(ctx, res.Step, inputs, scope, f.resolver)
	if err != nil {
		return nil, nil, err
	}
	return res.Step, &Invocation{
		StepID:     def.Label(0),
		Def:        def,
		Bean:       res.Bean,
		Input:      resolved,
		Raw:        rawIn,
		Scope:      scope,
		Resolver:   f.resolver,
		Conditions: conditions.NewEvaluator(f.resolver, nil),
		JQ:         expressions.NewGoJQEngine(),
		Vars:       f.vars,
		Entity:     f.ent,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Runtime:    f.runtime,
		Handling:   f.handling,
	}, nil
}

func (f *fixture) run(t *testing.T, raw any) (*Result, error) {
	t.Helper()
	step, inv, err := f.invocation(t, raw)
	if err != nil {
		return nil, err
	}
	return step.Execute(context.Background(), inv)
}

func (f *fixture) value(t *testing.T, raw any) any {
	t.Helper()
	res, err := f.run(t, raw)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res.Value
}

func (f *fixture) variable(t *testing.T, name string) any {
	t.Helper()
	l, err := f.vars.Lookup(context.Background(), name)
	require.NoError(t, err)
	require.True(t, l.Found, "variable %s not set", name)
	return l.Value
}

func requireCode(t *testing.T, err error, code string) *schema.StepwiseError {
	t.Helper()
	require.Error(t, err)
	var se *schema.StepwiseError
	require.True(t, errors.As(err, &se), "want StepwiseError, got %T: %v", err, err)
	assert.Equal(t, code, se.Code, se.Error())
	return se
}
