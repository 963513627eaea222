// Package viz renders a document snapshot's node/edge graph as SVG. It is a
// debug consumer of the snapshot surface: graphviz does the layout, the sync
// core stays layout-free.
package viz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/archsync/pkg/doc"
)

// nodeHint is the best-effort shape of a node payload. Payloads are opaque to
// the sync core; anything unparseable still renders with its id alone.
type nodeHint struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// edgeHint is the best-effort shape of an edge payload. Edges whose endpoints
// cannot be resolved are skipped.
type edgeHint struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Source string `json:"source"`
	Target string `json:"target"`
}

func (e edgeHint) endpoints() (string, string) {
	from, to := e.From, e.To
	if from == "" {
		from = e.Source
	}
	if to == "" {
		to = e.Target
	}
	return from, to
}

// RenderSVG lays out sn's nodes and edges and writes the SVG to w.
func RenderSVG(sn doc.Snapshot, w io.Writer) error {
	ctx := context.Background()
	g, err := graphviz.New(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup graphviz: %w", err)
	}
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer func() {
		_ = graph.Close()
		_ = g.Close()
	}()
	if sn.Title != "" {
		graph.SetLabel(sn.Title)
	}

	nodeMap := make(map[string]*cgraph.Node, len(sn.Nodes))
	for id, raw := range sn.Nodes {
		n, err := graph.CreateNodeByName(id)
		if err != nil {
			return fmt.Errorf("failed to create node %s: %w", id, err)
		}
		n.SetShape(cgraph.BoxShape)
		var hint nodeHint
		_ = json.Unmarshal(raw, &hint)
		label := id
		if hint.Name != "" {
			label = hint.Name
		}
		if hint.Type != "" {
			label = fmt.Sprintf("%s\n(%s)", label, hint.Type)
		}
		n.SetLabel(label)
		nodeMap[id] = n
	}

	for id, raw := range sn.Edges {
		var hint edgeHint
		if err := json.Unmarshal(raw, &hint); err != nil {
			continue
		}
		from, to := hint.endpoints()
		a, b := nodeMap[from], nodeMap[to]
		if a == nil || b == nil {
			continue
		}
		if _, err := graph.CreateEdgeByName(id, a, b); err != nil {
			return fmt.Errorf("failed to create edge %s: %w", id, err)
		}
	}

	if err := g.Render(ctx, graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}
