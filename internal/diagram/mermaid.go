package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		for _, sg := range node.Children {
			writeMermaidSubGraph(&b, node.ID+"_"+sg.Label, node.ID+": "+sg.Label, sg)
		}
	}
	if model.Handlers != nil {
		writeMermaidSubGraph(&b, "workflow_on_error", "workflow: on-error", model.Handlers)
	}

	for _, edge := range model.Edges {
		writeMermaidEdge(&b, "    ", edge)
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef retrying fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

func writeMermaidSubGraph(b *strings.Builder, id, title string, sg *SubGraph) {
	fmt.Fprintf(b, "    subgraph %s[\"%s\"]\n", mermaidSafeID(id), mermaidEscapeLabel(title))
	for _, sub := range sg.Nodes {
		fmt.Fprintf(b, "        %s\n", mermaidNodeDef(sub))
	}
	for _, edge := range sg.Edges {
		writeMermaidEdge(b, "        ", edge)
	}
	b.WriteString("    end\n")
}

func writeMermaidEdge(b *strings.Builder, indent string, edge Edge) {
	arrow := "-->"
	if edge.Label == "skipped" {
		arrow = "-.->"
	}
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
	}
	fmt.Fprintf(b, "%s%s %s%s %s\n", indent, mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	text := firstLine(node.Label)
	if node.Detail != "" {
		text += "<br/>" + firstLine(node.Detail)
	}
	label := `"` + mermaidEscapeLabel(text) + `"`

	switch node.Kind {
	case NodeKindConditional:
		return fmt.Sprintf("%s{%s}", id, label)
	case NodeKindWait:
		return fmt.Sprintf("%s([%s])", id, label)
	case NodeKindWorkflow:
		return fmt.Sprintf("%s[[%s]]", id, label)
	case NodeKindFail:
		return fmt.Sprintf("%s>%s]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%s))", id, label)
	default:
		return fmt.Sprintf("%s[%s]", id, label)
	}
}

// mermaidSafeID maps a node id onto the characters Mermaid accepts in
// identifiers. Ids that would start with a digit get an "s" prefix.
func mermaidSafeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "s" + out
	}
	return out
}

// mermaidEscapeLabel escapes characters that end a quoted Mermaid label.
func mermaidEscapeLabel(s string) string {
	return strings.NewReplacer(`"`, "#quot;", "|", "#124;").Replace(s)
}

// mermaidStatusClass maps a step status onto a class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "succeeded", "failed", "running", "retrying", "skipped", "pending":
		return status
	default:
		return ""
	}
}
