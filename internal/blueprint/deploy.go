package blueprint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

// Options wires a blueprint into a running system.
type Options struct {
	Registry *steps.Registry
	// Runner executes effector workflows. Required when any entity declares
	// effectors.
	Runner scheduler.Runner
	// Scheduler receives workflow sensors and policies. Required when any
	// entity declares workflows.
	Scheduler *scheduler.Manager
	Hub       streaming.Hub
	Logger    *slog.Logger
}

// Deployment is the entity tree built from a blueprint.
type Deployment struct {
	Roots         []*entity.Node
	Registrations []string
	Workflows     map[string]*schema.WorkflowDefinition // keyed by "<entity id>/<effector>"

	scheduler *scheduler.Manager
}

// RegisterTypes registers the blueprint's custom step types in order, so a
// type may extend one declared before it.
func (b *Blueprint) RegisterTypes(reg *steps.Registry) error {
	for i, t := range b.Types {
		if err := reg.RegisterType(t.Name, t.Version, t.Plan); err != nil {
			return schema.NewErrorf(schema.ErrorCode(err), "types[%d] %s: %s", i, t.Name, err).WithCause(err)
		}
	}
	return nil
}

// Deploy registers custom types, validates every workflow, builds the entity
// tree and attaches effectors, sensors and policies. Nothing is attached when
// validation fails.
func Deploy(ctx context.Context, b *Blueprint, opts Options) (*Deployment, error) {
	if opts.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "blueprint deploy requires a step registry")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := b.Validate(opts.Registry).ToError(); err != nil {
		return nil, err
	}
	if err := b.RegisterTypes(opts.Registry); err != nil {
		return nil, err
	}

	d := &Deployment{
		Workflows: make(map[string]*schema.WorkflowDefinition),
		scheduler: opts.Scheduler,
	}
	type attachment struct {
		node *entity.Node
		def  *schema.WorkflowDefinition
	}
	var attached []attachment

	var build func(spec *EntitySpec) (*entity.Node, error)
	build = func(spec *EntitySpec) (*entity.Node, error) {
		nodeOpts := []entity.Option{entity.WithAttributes(spec.Sensors), entity.WithConfig(spec.Config)}
		if opts.Hub != nil {
			nodeOpts = append(nodeOpts, entity.WithHub(opts.Hub))
		}
		node := entity.NewNode(spec.ID, spec.Name, nodeOpts...)

		for _, name := range sortedKeys(spec.Effectors) {
			if opts.Runner == nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "effector %s on %s needs a runner", name, spec.ID)
			}
			def, err := schema.ParseWorkflow(spec.Effectors[name])
			if err != nil {
				return nil, err
			}
			if def.Name == "" {
				def.Name = name
			}
			d.Workflows[spec.ID+"/"+name] = def
			node.AddEffector(name, effector(opts.Runner, def))
		}
		for _, wf := range spec.Workflows {
			def, err := schema.ParseWorkflow(wf)
			if err != nil {
				return nil, err
			}
			attached = append(attached, attachment{node: node, def: def})
		}
		for i := range spec.Children {
			child, err := build(&spec.Children[i])
			if err != nil {
				return nil, err
			}
			node.AddChild(child)
		}
		return node, nil
	}

	for i := range b.Entities {
		root, err := build(&b.Entities[i])
		if err != nil {
			return nil, err
		}
		d.Roots = append(d.Roots, root)
	}

	if len(attached) > 0 && opts.Scheduler == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "blueprint declares sensors or policies but no scheduler is configured")
	}
	for _, a := range attached {
		id, err := opts.Scheduler.Add(a.node, a.def)
		if err != nil {
			d.Teardown()
			return nil, err
		}
		d.Registrations = append(d.Registrations, id)
	}

	opts.Logger.InfoContext(ctx, "blueprint deployed",
		slog.String("blueprint", b.Name),
		slog.Int("entities", d.count()),
		slog.Int("effectors", len(d.Workflows)),
		slog.Int("registrations", len(d.Registrations)),
	)
	return d, nil
}

// effector runs def against the invoked entity with the parameters as input.
// A failed run surfaces its error to the invoking step.
func effector(runner scheduler.Runner, def *schema.WorkflowDefinition) entity.EffectorFunc {
	return func(ctx context.Context, target entity.Entity, params map[string]any) (any, error) {
		res, err := runner.Run(ctx, engine.Request{Workflow: def, Entity: target, Input: params})
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, res.Error
		}
		if res.Status != schema.WorkflowStatusSucceeded {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "effector workflow %s ended %s", def.Name, res.Status)
		}
		return res.Output, nil
	}
}

// Find returns the entity with the given id in any root.
func (d *Deployment) Find(id string) entity.Entity {
	for _, r := range d.Roots {
		if e := entity.Find(r, id); e != nil {
			return e
		}
	}
	return nil
}

// Teardown detaches the deployment's sensors and policies.
func (d *Deployment) Teardown() {
	if d.scheduler == nil {
		return
	}
	for _, id := range d.Registrations {
		_ = d.scheduler.Remove(id)
	}
	d.Registrations = nil
}

func (d *Deployment) count() int {
	var n func(e entity.Entity) int
	n = func(e entity.Entity) int {
		total := 1
		for _, c := range e.Children() {
			total += n(c)
		}
		return total
	}
	return lo.SumBy(d.Roots, func(r *entity.Node) int { return n(r) })
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// String renders a short summary for logs and CLI output.
func (d *Deployment) String() string {
	return fmt.Sprintf("%d entities, %d effectors, %d sensors/policies", d.count(), len(d.Workflows), len(d.Registrations))
}
