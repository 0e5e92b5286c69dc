package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var asciiTags = map[string]string{
	"succeeded": "[OK]",
	"failed":    "[FAIL]",
	"running":   "[RUN]",
	"ready":     "[READY]",
	"skipped":   "[SKIP]",
	"pending":   "[PEND]",
}

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string { return asciiTags[status] }

// RenderASCII renders a DiagramModel as text, one row of boxes per level,
// followed by the nested flows of subflow nodes.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	rows := make([][]asciiBox, 0, len(model.Levels))
	for _, level := range model.Levels {
		row := make([]asciiBox, 0, len(level))
		for _, id := range level {
			if n := findNode(model.Nodes, id); n != nil {
				row = append(row, makeBox(n))
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	for i, row := range rows {
		if i > 0 {
			b.WriteString("       │\n       ▼\n")
		}
		writeRow(&b, row)
	}

	for _, n := range model.Nodes {
		writeNested(&b, n, 0)
	}
	return b.String()
}

// asciiBox is a framed node; every line has width runes.
type asciiBox struct {
	lines []string
	width int
}

func boxContent(n *Node) []string {
	title := firstLine(n.Label)
	if n.Kind == NodeKindSubflow {
		title += " +"
	}
	content := []string{title}

	st := n.Status
	if st == nil {
		return content
	}
	if tag := statusTag(st.Status); tag != "" {
		if st.Resumed {
			tag += " (resumed)"
		}
		content = append(content, tag)
	}
	if st.DurationMs > 0 {
		content = append(content, fmt.Sprintf("%dms", st.DurationMs))
	}
	if st.Attempts > 1 {
		content = append(content, fmt.Sprintf("%d attempts", st.Attempts))
	}
	return content
}

func makeBox(n *Node) asciiBox {
	content := boxContent(n)
	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}

	rule := strings.Repeat("─", inner+2)
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+rule+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-utf8.RuneCountInString(c))+" │")
	}
	lines = append(lines, "└"+rule+"┘")
	return asciiBox{lines: lines, width: inner + 4}
}

// line returns row i of the box, blank past its bottom edge.
func (bx asciiBox) line(i int) string {
	if i < len(bx.lines) {
		return bx.lines[i]
	}
	return strings.Repeat(" ", bx.width)
}

// writeRow prints boxes side by side, top-aligned.
func writeRow(b *strings.Builder, row []asciiBox) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx.lines))
	}
	parts := make([]string, len(row))
	for i := range height {
		for j, bx := range row {
			parts[j] = bx.line(i)
		}
		b.WriteString(strings.Join(parts, "  "))
		b.WriteByte('\n')
	}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	head, _, _ := strings.Cut(s, "\n")
	return head
}

// writeNested lists the nested flows of n as an indented outline.
func writeNested(b *strings.Builder, n *Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, sg := range n.Children {
		fmt.Fprintf(b, "\n%s--- %s: %s ---\n", indent, shortID(n.ID), sg.Label)
		for _, sub := range sg.Nodes {
			line := firstLine(sub.Label)
			if sub.Status != nil {
				line += " " + statusTag(sub.Status.Status)
			}
			fmt.Fprintf(b, "%s    %s\n", indent, line)
		}
		for _, e := range sg.Edges {
			fmt.Fprintf(b, "%s    %s ─→ %s\n", indent, shortID(e.From), shortID(e.To))
		}
		for _, sub := range sg.Nodes {
			writeNested(b, sub, depth+1)
		}
	}
}

// shortID returns the last segment of a qualified node ID.
func shortID(id string) string {
	return id[strings.LastIndex(id, "/")+1:]
}
