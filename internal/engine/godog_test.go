package engine_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/cucumber/godog"
	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "workflows",
		ScenarioInitializer: initializeScenario,
		Options: &godog.Options{
			Format:   "progress",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("feature scenarios failed")
	}
}

// scenario holds the state of one feature scenario.
type scenario struct {
	eng    *engine.Engine
	def    *schema.WorkflowDefinition
	node   *entity.Node
	input  map[string]any
	result *engine.Result
	err    error
}

func initializeScenario(sc *godog.ScenarioContext) {
	s := &scenario{input: map[string]any{}}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		reg := steps.NewRegistry()
		if err := steps.RegisterBuiltins(reg, steps.BuiltinConfig{}); err != nil {
			return ctx, err
		}
		eng, err := engine.New(store.NewMemoryStore(), reg, engine.Config{
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		s.eng = eng
		return ctx, err
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if s.eng != nil {
			_ = s.eng.Shutdown(ctx)
		}
		return ctx, err
	})

	sc.Step(`^a workflow:$`, s.aWorkflow)
	sc.Step(`^an entity "([^"]*)" with attribute "([^"]*)" set to "([^"]*)"$`, s.anEntityWithAttribute)
	sc.Step(`^the input "([^"]*)" is (.+)$`, s.theInputIs)
	sc.Step(`^I run the workflow$`, s.iRunTheWorkflow)
	sc.Step(`^the run status is "([^"]*)"$`, s.theRunStatusIs)
	sc.Step(`^the output is (.+)$`, s.theOutputIs)
	sc.Step(`^the error code is "([^"]*)"$`, s.theErrorCodeIs)
	sc.Step(`^the entity attribute "([^"]*)" is "([^"]*)"$`, s.theEntityAttributeIs)
}

func (s *scenario) aWorkflow(doc *godog.DocString) error {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(doc.Content), &raw); err != nil {
		return err
	}
	def, err := schema.ParseWorkflow(raw)
	if err != nil {
		return err
	}
	s.def = def
	return nil
}

func (s *scenario) anEntityWithAttribute(id, key, value string) error {
	s.node = entity.NewNode(id, "", entity.WithAttributes(map[string]any{key: value}))
	return nil
}

func (s *scenario) theInputIs(key, raw string) error {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return err
	}
	s.input[key] = v
	return nil
}

func (s *scenario) iRunTheWorkflow(ctx context.Context) error {
	if s.def == nil {
		return fmt.Errorf("no workflow given")
	}
	req := engine.Request{Workflow: s.def, Input: s.input}
	if s.node != nil {
		req.Entity = s.node
	}
	s.result, s.err = s.eng.Run(ctx, req)
	if s.result == nil {
		return fmt.Errorf("run did not start: %w", s.err)
	}
	return nil
}

func (s *scenario) theRunStatusIs(status string) error {
	if got := string(s.result.Status); got != status {
		return fmt.Errorf("status %q, want %q (error: %v)", got, status, s.err)
	}
	return nil
}

// theOutputIs compares the run output with a YAML literal by JSON encoding,
// so numeric widths do not matter.
func (s *scenario) theOutputIs(raw string) error {
	var want any
	if err := yaml.Unmarshal([]byte(raw), &want); err != nil {
		return err
	}
	wantJSON, err := json.Marshal(want)
	if err != nil {
		return err
	}
	gotJSON, err := json.Marshal(s.result.Output)
	if err != nil {
		return err
	}
	if string(gotJSON) != string(wantJSON) {
		return fmt.Errorf("output %s, want %s (error: %v)", gotJSON, wantJSON, s.err)
	}
	return nil
}

func (s *scenario) theErrorCodeIs(code string) error {
	if got := schema.ErrorCode(s.err); got != code {
		return fmt.Errorf("error code %q, want %q (error: %v)", got, code, s.err)
	}
	return nil
}

func (s *scenario) theEntityAttributeIs(key, want string) error {
	if s.node == nil {
		return fmt.Errorf("no entity given")
	}
	got, ok := s.node.Attribute(key)
	if !ok || fmt.Sprint(got) != want {
		return fmt.Errorf("attribute %s = %v, want %q", key, got, want)
	}
	return nil
}
