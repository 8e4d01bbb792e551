package schema

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// NextEnd is the successor sentinel that terminates the enclosing workflow.
const NextEnd = "end"

// WorkflowDefinition is an authored workflow: an effector body, a workflow
// sensor or policy, or the body of a nested workflow step.
type WorkflowDefinition struct {
	Name        string                   `mapstructure:"name" json:"name,omitempty"`
	Description string                   `mapstructure:"description" json:"description,omitempty"`
	Parameters  map[string]ParameterSpec `mapstructure:"parameters" json:"parameters,omitempty"`
	Steps       []any                    `mapstructure:"steps" json:"steps"`
	Input       map[string]any           `mapstructure:"input" json:"input,omitempty"`
	Output      any                      `mapstructure:"output" json:"output,omitempty"`
	OnError     []any                    `mapstructure:"-" json:"on-error,omitempty"`
	Timeout     string                   `mapstructure:"timeout" json:"timeout,omitempty"`

	// Trigger configuration for workflow sensors and policies.
	Sensor    string   `mapstructure:"sensor" json:"sensor,omitempty"`
	Period    string   `mapstructure:"period" json:"period,omitempty"`
	Triggers  []string `mapstructure:"-" json:"triggers,omitempty"`
	Condition any      `mapstructure:"condition" json:"condition,omitempty"`
}

// ParameterSpec declares one input of a custom step type or workflow.
type ParameterSpec struct {
	Type        string `mapstructure:"type" json:"type,omitempty"`
	Description string `mapstructure:"description" json:"description,omitempty"`
	Default     any    `mapstructure:"default" json:"default,omitempty"`
	Required    bool   `mapstructure:"required" json:"required,omitempty"`
}

// StepDefinition is the parsed but unresolved form of one authored step.
// Raw keeps the authored value; that is what gets persisted and replayed.
type StepDefinition struct {
	Raw any `mapstructure:"-" json:"-"`

	ID          string         `mapstructure:"id"`
	Name        string         `mapstructure:"name"`
	Description string         `mapstructure:"description"`
	Type        string         `mapstructure:"type"`
	Input       map[string]any `mapstructure:"input"`
	Output      any            `mapstructure:"output"`
	Condition   any            `mapstructure:"condition"`
	Next        string         `mapstructure:"next"`
	OnError     []any          `mapstructure:"-"`
	Target      any            `mapstructure:"target"`
	Concurrency any            `mapstructure:"concurrency"`
	Timeout     string         `mapstructure:"timeout"`
	Steps       []any          `mapstructure:"steps"`

	// Bean declarations, only meaningful on registered custom types.
	Parameters        map[string]ParameterSpec `mapstructure:"parameters"`
	ShorthandTemplate string                   `mapstructure:"shorthand"`

	// Args is the text following the type token of a shorthand step.
	Args string `mapstructure:"-"`

	// Remaining keys are step inputs.
	Extra map[string]any `mapstructure:",remain"`
}

// Label names the step for logs and errors.
func (s *StepDefinition) Label(index int) string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Name != "":
		return s.Name
	default:
		return fmt.Sprintf("%d-%s", index+1, s.Type)
	}
}

// ParseStep converts an authored step (a shorthand string or a mapping) into
// a StepDefinition. Type names are not checked against any registry here.
func ParseStep(raw any) (*StepDefinition, error) {
	switch v := raw.(type) {
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return nil, NewError(ErrCodeDefinition, "empty step")
		}
		typ, args := SplitShorthand(text)
		return &StepDefinition{Raw: raw, Type: typ, Args: args}, nil
	case map[string]any:
		return parseStepMap(raw, v)
	case map[any]any:
		m, err := StringKeys(v)
		if err != nil {
			return nil, err
		}
		return parseStepMap(raw, m)
	case nil:
		return nil, NewError(ErrCodeDefinition, "step must not be null")
	default:
		return nil, NewErrorf(ErrCodeDefinition, "step must be a string or a mapping, got %T", raw)
	}
}

func parseStepMap(raw any, m map[string]any) (*StepDefinition, error) {
	fields := make(map[string]any, len(m))
	var shorthand string
	for k, v := range m {
		switch k {
		case "s", "step":
			text, ok := v.(string)
			if !ok {
				return nil, NewErrorf(ErrCodeDefinition, "%q must be a shorthand string, got %T", k, v)
			}
			if shorthand != "" {
				return nil, NewError(ErrCodeDefinition, "only one of \"s\" and \"step\" may be given")
			}
			shorthand = strings.TrimSpace(text)
		case "on-error", "on_error":
			fields["on-error"] = v
		default:
			fields[k] = v
		}
	}

	def := &StepDefinition{Raw: raw}
	onError := fields["on-error"]
	delete(fields, "on-error")
	if err := Decode(fields, def); err != nil {
		return nil, NewErrorf(ErrCodeDefinition, "invalid step definition: %s", err).WithCause(err)
	}
	def.OnError = AsList(onError)

	if shorthand != "" {
		typ, args := SplitShorthand(shorthand)
		if def.Type != "" && def.Type != typ {
			return nil, NewErrorf(ErrCodeDefinition,
				"step declares type %q but its shorthand starts with %q", def.Type, typ)
		}
		def.Type, def.Args = typ, args
	}
	if def.Type == "" {
		return nil, NewErrorf(ErrCodeDefinition, "step has no type: %v", m)
	}

	if len(def.Extra) > 0 {
		input := make(map[string]any, len(def.Extra)+len(def.Input))
		for k, v := range def.Extra {
			input[k] = v
		}
		for k, v := range def.Input {
			input[k] = v
		}
		def.Input = input
		def.Extra = nil
	}
	return def, nil
}

// RetryPolicy is the policy carried by a retry step inside an on-error handler.
type RetryPolicy struct {
	From     string `mapstructure:"from" json:"from,omitempty"`           // start | here | <step id> (default: here)
	Limit    int    `mapstructure:"limit" json:"limit,omitempty"`         // 0 means unbounded
	Backoff  string `mapstructure:"backoff" json:"backoff,omitempty"`     // fixed | linear | exponential (default: fixed)
	Delay    string `mapstructure:"delay" json:"delay,omitempty"`         // initial delay (e.g. "5ms", "1s")
	MaxDelay string `mapstructure:"max_delay" json:"max_delay,omitempty"` // cap for growing backoff
}

// Retry re-entry points.
const (
	RetryFromStart = "start"
	RetryFromHere  = "here"
)

// ParseWorkflow decodes an authored workflow mapping.
func ParseWorkflow(raw map[string]any) (*WorkflowDefinition, error) {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		fields[k] = v
	}
	onError := fields["on-error"]
	triggers := fields["triggers"]
	delete(fields, "on-error")
	delete(fields, "triggers")

	var def WorkflowDefinition
	if err := Decode(fields, &def); err != nil {
		return nil, NewErrorf(ErrCodeDefinition, "invalid workflow definition: %s", err).WithCause(err)
	}
	def.OnError = AsList(onError)
	for _, t := range AsList(triggers) {
		for _, name := range strings.Split(fmt.Sprint(t), ",") {
			if name = strings.TrimSpace(name); name != "" {
				def.Triggers = append(def.Triggers, name)
			}
		}
	}
	return &def, nil
}

// SplitShorthand splits "type rest of line" into its type token and the rest.
func SplitShorthand(text string) (string, string) {
	text = strings.TrimSpace(text)
	idx := strings.IndexAny(text, " \t\n")
	if idx < 0 {
		return text, ""
	}
	return text[:idx], strings.TrimSpace(text[idx+1:])
}

// Decode maps a generic mapping onto a tagged struct.
func Decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// AsList normalises a value that may be authored as a single item or a list.
func AsList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// StringKeys converts a map with arbitrary keys into a string-keyed map.
func StringKeys(m map[any]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		ks, ok := k.(string)
		if !ok {
			return nil, NewErrorf(ErrCodeDefinition, "mapping key %v is not a string", k)
		}
		out[ks] = v
	}
	return out, nil
}
