package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"

	// detailLimit caps the step text shown under a node label.
	detailLimit = 48
)

// Build lays out a workflow definition as a flowchart. states, keyed by step
// label as the event log records them, overlays run progress and may be nil.
func Build(def *schema.WorkflowDefinition, states map[string]*store.StepState) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil workflow definition")
	}
	return build(titleOr(def.Name), def.Steps, def.OnError, states)
}

// FromSnapshot lays out the steps persisted with a run.
func FromSnapshot(snap *schema.Snapshot, states map[string]*store.StepState) (*DiagramModel, error) {
	if snap == nil {
		return nil, fmt.Errorf("diagram: nil snapshot")
	}
	return build(titleOr(snap.WorkflowName), snap.Steps, snap.OnError, states)
}

func build(title string, raw, onError []any, states map[string]*store.StepState) (*DiagramModel, error) {
	defs, labels, err := parseSteps(raw)
	if err != nil {
		return nil, err
	}

	model := &DiagramModel{Title: title}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	model.Levels = append(model.Levels, []string{startID})
	for i, def := range defs {
		node := stepNode(labels[i], def)
		overlayStatus(node, states[labels[i]])
		if err := addChildren(node, def); err != nil {
			return nil, err
		}
		model.Nodes = append(model.Nodes, node)
		model.Levels = append(model.Levels, []string{node.ID})
	}
	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	model.Levels = append(model.Levels, []string{endID})

	edges, err := flowEdges(defs, labels, "", startID, endID)
	if err != nil {
		return nil, err
	}
	model.Edges = edges

	if len(onError) > 0 {
		sg, err := subGraph("on-error", "on-error", onError)
		if err != nil {
			return nil, err
		}
		model.Handlers = sg
	}
	return model, nil
}

func parseSteps(raw []any) ([]*schema.StepDefinition, []string, error) {
	defs := make([]*schema.StepDefinition, len(raw))
	labels := make([]string, len(raw))
	for i, r := range raw {
		def, err := schema.ParseStep(r)
		if err != nil {
			return nil, nil, fmt.Errorf("diagram: step %d: %w", i+1, err)
		}
		defs[i] = def
		labels[i] = def.Label(i)
	}
	return defs, labels, nil
}

// flowEdges connects a step list in visiting order. prefix namespaces the
// node ids of nested lists; entry and exit are the virtual endpoints.
func flowEdges(defs []*schema.StepDefinition, labels []string, prefix, entry, exit string) ([]Edge, error) {
	qualify := func(label string) string { return prefix + label }
	ids := make(map[string]string, len(defs))
	for i, def := range defs {
		if def.ID != "" {
			ids[def.ID] = qualify(labels[i])
		}
	}

	if len(defs) == 0 {
		return []Edge{{From: entry, To: exit}}, nil
	}
	edges := []Edge{{From: entry, To: qualify(labels[0])}}
	for i, def := range defs {
		from := qualify(labels[i])
		succ := exit
		if i+1 < len(defs) {
			succ = qualify(labels[i+1])
		}

		// jump is where the step's next leads, taken after running or skipping it.
		jump, jumpLabel := succ, ""
		switch {
		case def.Next == "end":
			jump, jumpLabel = exit, "next"
		case strings.Contains(def.Next, "${"):
			jumpLabel = "next " + def.Next
		case def.Next != "":
			target, ok := ids[def.Next]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "diagram: step %s: next target %q not found", labels[i], def.Next)
			}
			jump, jumpLabel = target, "next"
		}

		to, label := jump, jumpLabel
		switch {
		case def.Type == "return":
			to, label = exit, "return"
		case def.Type == "fail" && len(def.OnError) == 0:
			to, label = exit, "fail"
		}
		edges = append(edges, Edge{From: from, To: to, Label: label})
		if def.Condition != nil && to != jump {
			edges = append(edges, Edge{From: from, To: jump, Label: "skipped"})
		}
	}
	return edges, nil
}

func stepNode(id string, def *schema.StepDefinition) *Node {
	node := &Node{ID: id, Label: id, Detail: stepDetail(def), Kind: NodeKindStep}
	switch {
	case def.Condition != nil:
		node.Kind = NodeKindConditional
	case def.Type == "workflow" || len(def.Steps) > 0:
		node.Kind = NodeKindWorkflow
	case def.Type == "sleep" || def.Type == "wait":
		node.Kind = NodeKindWait
	case def.Type == "fail":
		node.Kind = NodeKindFail
	}
	return node
}

// stepDetail summarizes what a step does in one short line.
func stepDetail(def *schema.StepDefinition) string {
	detail := def.Type
	if def.Args != "" {
		detail += " " + def.Args
	}
	if def.Target != nil {
		detail += fmt.Sprintf(" over %v", def.Target)
	}
	if len(detail) > detailLimit {
		detail = detail[:detailLimit-3] + "..."
	}
	return detail
}

func addChildren(node *Node, def *schema.StepDefinition) error {
	if len(def.Steps) > 0 {
		sg, err := subGraph("steps", node.ID+".steps", def.Steps)
		if err != nil {
			return err
		}
		node.Children = append(node.Children, sg)
	}
	if len(def.OnError) > 0 {
		sg, err := subGraph("on-error", node.ID+".on-error", def.OnError)
		if err != nil {
			return err
		}
		node.Children = append(node.Children, sg)
	}
	return nil
}

// subGraph lays out a nested step list. Nested runs keep their own event
// logs, so no status is overlaid.
func subGraph(label, namespace string, raw []any) (*SubGraph, error) {
	defs, labels, err := parseSteps(raw)
	if err != nil {
		return nil, err
	}
	prefix := namespace + "."
	sg := &SubGraph{Label: label}
	for i, def := range defs {
		sg.Nodes = append(sg.Nodes, stepNode(prefix+labels[i], def))
	}
	edges, err := flowEdges(defs, labels, prefix, "", "")
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.From != "" && e.To != "" {
			sg.Edges = append(sg.Edges, e)
		}
	}
	return sg, nil
}

func overlayStatus(node *Node, ss *store.StepState) {
	if ss == nil {
		return
	}
	node.Status = &StatusOverlay{
		Status:     string(ss.Status),
		DurationMs: ss.DurationMs,
		Attempts:   ss.Attempts,
		Error:      ss.Error,
	}
}

func titleOr(name string) string {
	if name != "" {
		return name
	}
	return "Workflow"
}
