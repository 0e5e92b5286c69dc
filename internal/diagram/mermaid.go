package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "__")

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Subflow nodes are followed by a subgraph holding their nested flow.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		writeMermaidSubgraphs(&b, node, "    ")
	}

	for _, edge := range model.Edges {
		writeMermaidEdge(&b, edge, "    ")
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef ready fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeMermaidClasses(&b, node)
	}

	return b.String()
}

func writeMermaidSubgraphs(b *strings.Builder, node *Node, indent string) {
	for _, sg := range node.Children {
		fmt.Fprintf(b, "%ssubgraph %s[\"%s\"]\n", indent, mermaidSafeID(node.ID+"_sub"), sg.Label)
		inner := indent + "    "
		for _, sub := range sg.Nodes {
			fmt.Fprintf(b, "%s%s\n", inner, mermaidNodeDef(sub))
			writeMermaidSubgraphs(b, sub, inner)
		}
		for _, edge := range sg.Edges {
			writeMermaidEdge(b, edge, inner)
		}
		fmt.Fprintf(b, "%send\n", indent)
	}
}

func writeMermaidEdge(b *strings.Builder, edge Edge, indent string) {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	fmt.Fprintf(b, "%s%s -->%s %s\n", indent, mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
}

func writeMermaidClasses(b *strings.Builder, node *Node) {
	if node.Status != nil {
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	for _, sg := range node.Children {
		for _, sub := range sg.Nodes {
			writeMermaidClasses(b, sub)
		}
	}
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindSubflow:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "succeeded", "failed", "running", "ready", "pending", "skipped":
		return status
	default:
		return ""
	}
}
