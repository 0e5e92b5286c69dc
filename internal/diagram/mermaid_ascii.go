package diagram

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RenderASCIIAuto renders through the mermaid-ascii binary in binDir when it
// exists, falling back to RenderASCII.
func RenderASCIIAuto(ctx context.Context, model *DiagramModel, binDir string) string {
	if binDir != "" {
		binPath := filepath.Join(binDir, "mermaid-ascii")
		if _, err := os.Stat(binPath); err == nil {
			if out, err := RenderASCIIViaCLI(ctx, model, binPath); err == nil {
				return out
			}
		}
	}
	return RenderASCII(model)
}

// RenderASCIIViaCLI pipes RenderMermaidForCLI output through the mermaid-ascii binary.
func RenderASCIIViaCLI(ctx context.Context, model *DiagramModel, binPath string) (string, error) {
	cmd := exec.CommandContext(ctx, binPath)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("mermaid-ascii: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI emits edge-only Mermaid that mermaid-ascii can parse.
// It cannot read ["label"] declarations or subgraph blocks, so statuses are
// folded into node IDs and nested flows are flattened into top-level edges.
func RenderMermaidForCLI(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	displayID := make(map[string]string)
	var index func(nodes []*Node)
	index = func(nodes []*Node) {
		for _, node := range nodes {
			displayID[node.ID] = cliNodeID(node)
			for _, sg := range node.Children {
				index(sg.Nodes)
			}
		}
	}
	index(model.Nodes)

	resolve := func(id string) string {
		if d, ok := displayID[id]; ok {
			return d
		}
		return mermaidSafeID(id)
	}
	edge := func(e Edge) {
		label := ""
		if e.Label != "" {
			label = fmt.Sprintf("|%s|", e.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", resolve(e.From), label, resolve(e.To))
	}

	for _, e := range model.Edges {
		edge(e)
	}

	var flatten func(nodes []*Node)
	flatten = func(nodes []*Node) {
		for _, node := range nodes {
			for _, sg := range node.Children {
				// Link the subflow node to the roots of its nested flow.
				hasDeps := make(map[string]bool, len(sg.Edges))
				for _, e := range sg.Edges {
					hasDeps[e.To] = true
				}
				for _, sub := range sg.Nodes {
					if !hasDeps[sub.ID] {
						edge(Edge{From: node.ID, To: sub.ID, Label: "runs"})
					}
				}
				for _, e := range sg.Edges {
					edge(e)
				}
				flatten(sg.Nodes)
			}
		}
	}
	flatten(model.Nodes)

	return b.String()
}

// cliNodeID builds a mermaid-ascii node ID carrying status and duration.
func cliNodeID(node *Node) string {
	id := firstLine(node.Label)
	if id == "" {
		id = node.ID
	}

	if node.Status != nil {
		if tag := cliStatusTag(node.Status.Status); tag != "" {
			id += "-" + tag
		}
		if node.Status.DurationMs > 0 {
			id += fmt.Sprintf("-%dms", node.Status.DurationMs)
		}
	}

	return strings.ReplaceAll(id, " ", "-")
}

func cliStatusTag(status string) string {
	return strings.Trim(statusTag(status), "[]")
}
