package steps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	for _, name := range []string{
		"no-op", "log", "let", "set-sensor", "clear-sensor", "set-config", "return", "fail",
		"sleep", "transform", "retry", "invoke-effector", "wait", "workflow", "http", "shell",
	} {
		assert.True(t, reg.Has(name), name)
	}
	requireCode(t, RegisterBuiltins(reg, BuiltinConfig{}), schema.ErrCodeConflict)
}

func TestNoOpAndLog_KeepOutput(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	res, err := f.run(t, "no-op")
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = f.run(t, map[string]any{"s": "log starting", "level": "debug", "category": "lifecycle"})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLog_Errors(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	_, err := f.run(t, "log")
	requireCode(t, err, schema.ErrCodeDefinition)

	_, err = f.run(t, map[string]any{"type": "log", "message": "x", "level": "loud"})
	requireCode(t, err, schema.ErrCodeDefinition)
}

func TestReturn(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.vars.Set("result", map[string]any{"ok": true})

	res, err := f.run(t, "return ${result}")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Return)
	assert.Equal(t, map[string]any{"ok": true}, res.Value)

	res, err = f.run(t, "return ${missing ?? 'none'}")
	require.NoError(t, err)
	assert.Equal(t, "none", res.Value)
}

func TestFail(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	_, err := f.run(t, "fail message disk is full")
	se := requireCode(t, err, schema.ErrCodeStepFailed)
	assert.Equal(t, "disk is full", se.Message)
	assert.Equal(t, "1-fail", se.StepID)

	_, err = f.run(t, "fail")
	se = requireCode(t, err, schema.ErrCodeStepFailed)
	assert.Equal(t, "workflow failed", se.Message)
}

func TestFail_Rethrow(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	original := schema.NewError(schema.ErrCodeTimeout, "too slow")
	f.handling = original

	_, err := f.run(t, "fail rethrow")
	assert.Same(t, original, err)

	_, err = f.run(t, "fail rethrow message giving up")
	se := requireCode(t, err, schema.ErrCodeStepFailed)
	assert.Equal(t, "giving up", se.Message)
	assert.ErrorIs(t, err, original)
}

func TestSleep(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	start := time.Now()
	res, err := f.run(t, "sleep 5ms")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)

	step, inv, err := f.invocation(t, "sleep 1h")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = step.Execute(ctx, inv)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.run(t, "sleep soon")
	requireCode(t, err, schema.ErrCodeDefinition)
}

func TestWait_Value(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.vars.Set("n", "5")

	assert.Equal(t, 5, f.value(t, "wait integer ${n}"))
	assert.Equal(t, "5", f.value(t, "wait ${n}"))
}

func TestWait_Sensor(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.ent.SetAttribute(context.Background(), "ready", "yes")
	}()
	assert.Equal(t, "yes", f.value(t, map[string]any{"type": "wait", "sensor": "ready", "timeout": "5s"}))
}

func TestWait_Timeout(t *testing.T) {
	f := newFixture(t, BuiltinConfig{WaitTimeout: 20 * time.Millisecond})

	_, err := f.run(t, map[string]any{"type": "wait", "sensor": "never"})
	requireCode(t, err, schema.ErrCodeTimeout)

	_, err = f.run(t, map[string]any{"type": "wait", "sensor": "never", "timeout": "5ms"})
	se := requireCode(t, err, schema.ErrCodeTimeout)
	assert.Contains(t, se.Message, "5ms")
}

func TestTimeoutInput(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.vars.Set("limit", "3s")
	ctx := context.Background()

	tests := []struct {
		name string
		raw  map[string]any
		want time.Duration
	}{
		{"fallback", map[string]any{"type": "wait", "value": 1}, time.Minute},
		{"step level", map[string]any{"type": "wait", "value": 1, "timeout": "2s"}, 2 * time.Second},
		{"step level template", map[string]any{"type": "wait", "value": 1, "timeout": "${limit}"}, 3 * time.Second},
		{"input wins", map[string]any{"type": "wait", "value": 1, "timeout": "2s", "input": map[string]any{"timeout": "4s"}}, 4 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, inv, err := f.invocation(t, tt.raw)
			require.NoError(t, err)
			got, err := timeoutInput(ctx, inv, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, inv, err := f.invocation(t, map[string]any{"type": "wait", "value": 1, "timeout": "soon"})
	require.NoError(t, err)
	_, err = timeoutInput(ctx, inv, time.Minute)
	requireCode(t, err, schema.ErrCodeDefinition)
}

func TestLet(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.vars.Set("base", 2)
	f.vars.Set("who", "world")

	assert.EqualValues(t, 3, f.value(t, "let integer n = ${base} + 1"))
	assert.EqualValues(t, 3, f.variable(t, "n"))

	f.value(t, "let greeting = hello ${who}")
	assert.Equal(t, "hello world", f.variable(t, "greeting"))

	f.value(t, "let fallback = ${absent ?? base}")
	assert.Equal(t, 2, f.variable(t, "fallback"))

	f.value(t, "let map cfg = { region: eu }")
	f.value(t, "let cfg.zone = b")
	assert.Equal(t, map[string]any{"region": "eu", "zone": "b"}, f.variable(t, "cfg"))
}

func TestLet_Errors(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	_, err := f.run(t, "let no assignment")
	requireCode(t, err, schema.ErrCodeDefinition)

	_, err = f.run(t, "let integer n = not-a-number")
	requireCode(t, err, schema.ErrCodeStepFailed)

	_, err = f.run(t, "let x = ${nothing}")
	requireCode(t, err, schema.ErrCodeUnresolvable)
}

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		text string
		want assignment
		ok   bool
	}{
		{"x = 1", assignment{name: "x", value: "1"}, true},
		{"trimmed map x = a: b", assignment{typeName: "trimmed map", name: "x", value: "a: b"}, true},
		{"ok = ${a == b}", assignment{name: "ok", value: "${a == b}"}, true},
		{"x == y", assignment{}, false},
		{"= 1", assignment{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := parseAssignment(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransform(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.vars.Set("items", []any{3, 1, 2})
	f.vars.Set("doc", `{"a": [1, 2]}`)
	f.vars.Set("csv", "a,b,c")
	f.vars.Set("padded", "  hi  ")

	assert.Equal(t, 6, f.value(t, "transform ${items} | sum"))
	assert.Equal(t, 1, f.value(t, "transform ${items} | min"))
	assert.Equal(t, 2.0, f.value(t, "transform ${items} | average"))
	assert.Equal(t, []any{2, 1, 3}, f.value(t, "transform ${items} | reverse"))
	assert.Equal(t, 3, f.value(t, "transform ${items} | size"))
	assert.Equal(t, "a-b-c", f.value(t, "transform ${csv} | split , | join -"))
	assert.EqualValues(t, 2, f.value(t, "transform ${doc} | json | jq .a | length"))

	f.value(t, "transform integer top = ${items} | max")
	assert.Equal(t, 3, f.variable(t, "top"))

	got := f.value(t, map[string]any{
		"type":      "transform",
		"value":     "${padded}",
		"transform": []any{"trim", "to_upper_case"},
	})
	assert.Equal(t, "HI", got)

	assert.Equal(t, []any{1, 2}, f.value(t, map[string]any{
		"type":      "transform",
		"value":     []any{1, "1", 2},
		"transform": "unique",
	}))
}

func TestTransform_Errors(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.vars.Set("items", []any{"a", 1})

	_, err := f.run(t, "transform ${items} | frobnicate")
	requireCode(t, err, schema.ErrCodeDefinition)

	_, err = f.run(t, "transform ${items} | sum")
	requireCode(t, err, schema.ErrCodeStepFailed)

	_, err = f.run(t, "transform x = | trim")
	requireCode(t, err, schema.ErrCodeDefinition)
}

func TestSplitPipes(t *testing.T) {
	value, filters := splitPipes("${a || b} | trim | jq .x | .y")
	assert.Equal(t, "${a || b}", value)
	assert.Equal(t, []string{"trim", "jq .x | .y"}, filters)

	value, filters = splitPipes("plain")
	assert.Equal(t, "plain", value)
	assert.Empty(t, filters)
}

func TestSetSensor(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.vars.Set("n", 1)

	assert.EqualValues(t, 2, f.value(t, "set-sensor integer count = ${n} + 1"))
	v, ok := f.ent.Attribute("count")
	require.True(t, ok)
	assert.EqualValues(t, 2, v)

	f.value(t, "set-sensor status = running on ${entity.id}")
	v, _ = f.ent.Attribute("status")
	assert.Equal(t, "running on app", v)
}

func TestSetSensor_OtherEntity(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	db := entity.NewNode("db", "Database")
	f.ent.AddChild(db)

	f.value(t, map[string]any{
		"type":   "set-sensor",
		"sensor": map[string]any{"name": "up", "entity": "db"},
		"value":  "true",
	})
	v, ok := db.Attribute("up")
	require.True(t, ok)
	assert.Equal(t, "true", v)

	_, err := f.run(t, map[string]any{
		"type":   "set-sensor",
		"sensor": "up",
		"entity": "cache",
		"value":  "true",
	})
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestSetSensor_RequireValue(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.ent.SetAttribute(context.Background(), "state", "starting")

	step := map[string]any{
		"type":    "set-sensor",
		"sensor":  "state",
		"value":   "running",
		"require": "starting",
	}
	assert.Equal(t, "running", f.value(t, step))

	_, err := f.run(t, step)
	se := requireCode(t, err, schema.ErrCodeConflict)
	assert.Contains(t, se.Message, "sensor state does not meet requirement")
	assert.Contains(t, se.Message, `"running"`)
	assert.True(t, se.IsRetryable())
}

func TestSetSensor_RequireCondition(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	step := map[string]any{
		"type":    "set-sensor",
		"sensor":  "lock",
		"value":   "${holder}",
		"require": map[string]any{"when": "absent"},
	}
	f.vars.Set("holder", "first")
	assert.Equal(t, "first", f.value(t, step))

	f.vars.Set("holder", "second")
	_, err := f.run(t, step)
	requireCode(t, err, schema.ErrCodeConflict)

	v, _ := f.ent.Attribute("lock")
	assert.Equal(t, "first", v)
}

func TestClearSensorAndSetConfig(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.ent.SetAttribute(context.Background(), "count", 3)

	res, err := f.run(t, "clear-sensor count")
	require.NoError(t, err)
	assert.Nil(t, res)
	_, ok := f.ent.Attribute("count")
	assert.False(t, ok)

	assert.Equal(t, "eu", f.value(t, "set-config region = eu"))
	v, ok := f.ent.Config("region")
	require.True(t, ok)
	assert.Equal(t, "eu", v)
}

func TestInvokeEffector(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.ent.AddEffector("restart", func(_ context.Context, target entity.Entity, params map[string]any) (any, error) {
		return target.ID() + ":" + expressions.Stringify(params["reason"]), nil
	})
	f.vars.Set("why", "upgrade")

	got := f.value(t, map[string]any{
		"type":     "invoke-effector",
		"effector": "restart",
		"args":     map[string]any{"reason": "${why}"},
	})
	assert.Equal(t, "app:upgrade", got)

	_, err := f.run(t, "invoke-effector stop")
	requireCode(t, err, schema.ErrCodeNotFound)

	_, err = f.run(t, map[string]any{"type": "invoke-effector", "effector": "restart", "args": "x"})
	requireCode(t, err, schema.ErrCodeDefinition)
}

func TestRetry(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})
	f.handling = schema.NewError(schema.ErrCodeConflict, "busy")

	res, err := f.run(t, "retry from start limit 3 backoff 10ms exponential max 1s")
	require.NoError(t, err)
	require.NotNil(t, res.Retry)
	assert.Equal(t, &schema.RetryPolicy{
		From: "start", Limit: 3, Backoff: BackoffExponential, Delay: "10ms", MaxDelay: "1s",
	}, res.Retry)
	assert.Same(t, f.handling, res.Value)

	res, err = f.run(t, "retry")
	require.NoError(t, err)
	assert.Equal(t, &schema.RetryPolicy{From: schema.RetryFromHere, Backoff: BackoffFixed}, res.Retry)

	res, err = f.run(t, map[string]any{"type": "retry", "limit": 2, "backoff": "5ms"})
	require.NoError(t, err)
	assert.Equal(t, &schema.RetryPolicy{From: schema.RetryFromHere, Limit: 2, Backoff: BackoffFixed, Delay: "5ms"}, res.Retry)
}

func TestRetry_Invalid(t *testing.T) {
	f := newFixture(t, BuiltinConfig{})

	for _, step := range []any{
		"retry limit -1",
		"retry limit lots",
		map[string]any{"type": "retry", "backoff": "sideways"},
		"retry backoff soon",
	} {
		_, err := f.run(t, step)
		se := requireCode(t, err, schema.ErrCodeDefinition)
		assert.Equal(t, "1-retry", se.StepID)
	}
}
