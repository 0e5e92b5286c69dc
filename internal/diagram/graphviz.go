package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG image using graphviz.
// Nested flows become dashed clusters.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		gvNode.SetLabel(firstLine(node.Label))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, node := range model.Nodes {
		if err := addClusters(graph, graph, node, gvNodes); err != nil {
			return nil, err
		}
	}

	for _, edge := range model.Edges {
		addEdge(graph, gvNodes, edge, false)
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// addClusters draws the nested flows of node inside parent, linking the
// subflow node to each nested root with a dotted edge.
func addClusters(root, parent *cgraph.Graph, node *Node, gvNodes map[string]*cgraph.Node) error {
	for _, sg := range node.Children {
		sub, err := parent.CreateSubGraphByName("cluster_" + mermaidSafeID(node.ID))
		if err != nil {
			return fmt.Errorf("diagram: create cluster for %s: %w", node.ID, err)
		}
		sub.SetLabel(sg.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)

		for _, child := range sg.Nodes {
			gvChild, err := sub.CreateNodeByName(child.ID)
			if err != nil {
				return fmt.Errorf("diagram: create node %s: %w", child.ID, err)
			}
			gvChild.SetLabel(firstLine(child.Label))
			applyNodeStyle(gvChild, child)
			gvNodes[child.ID] = gvChild
		}

		hasDeps := make(map[string]bool, len(sg.Edges))
		for _, edge := range sg.Edges {
			hasDeps[edge.To] = true
			addEdge(root, gvNodes, edge, false)
		}
		for _, child := range sg.Nodes {
			if !hasDeps[child.ID] {
				addEdge(root, gvNodes, Edge{From: node.ID, To: child.ID}, true)
			}
		}

		for _, child := range sg.Nodes {
			if err := addClusters(root, sub, child, gvNodes); err != nil {
				return err
			}
		}
	}
	return nil
}

func addEdge(graph *cgraph.Graph, gvNodes map[string]*cgraph.Node, edge Edge, dotted bool) {
	from, to := gvNodes[edge.From], gvNodes[edge.To]
	if from == nil || to == nil {
		return
	}
	e, err := graph.CreateEdgeByName("", from, to)
	if err != nil {
		return
	}
	if edge.Label != "" {
		e.SetLabel(edge.Label)
	}
	if dotted {
		e.SetStyle(cgraph.DottedEdgeStyle)
	}
}

// applyNodeStyle sets graphviz attributes based on node kind and status.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindTask:
		gvNode.SetShape(cgraph.BoxShape)
	case NodeKindSubflow:
		gvNode.SetShape(cgraph.Box3DShape)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "succeeded":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "ready":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "pending":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
