// Package model defines the immutable graph data structures the pipeline
// engine interprets: stages (nodes), edges, and the graph that owns them.
package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Node is one stage in the pipeline graph. It is immutable after the graph
// is constructed; handlers read attributes but never mutate a Node.
type Node struct {
	ID     string
	Attrs  map[string]string
	Row    int // source line, for diagnostics; zero when synthesized
}

func NewNode(id string) *Node {
	return &Node{ID: id, Attrs: map[string]string{}}
}

// Attr returns the named attribute, or def if unset/empty.
func (n *Node) Attr(key, def string) string {
	if n == nil || n.Attrs == nil {
		return def
	}
	if v, ok := n.Attrs[key]; ok && v != "" {
		return v
	}
	return def
}

// Shape is the DOT shape token that the parser's grammar maps to a handler
// discriminator (§6): Mdiamond=start, Msquare=exit, box=codergen,
// diamond=conditional, parallelogram=tool, hexagon=human_gate,
// component=parallel_fan_out, tripleoctagon=parallel_fan_in.
func (n *Node) Shape() string {
	return n.Attr("shape", "box")
}

// TypeOverride lets an author force a handler type by name regardless of
// shape (e.g. type="interactive_box"), bypassing shapeToType entirely.
func (n *Node) TypeOverride() string {
	return n.Attr("type", "")
}

func (n *Node) Label() string {
	return n.Attr("label", n.ID)
}

func (n *Node) Prompt() string {
	if p := n.Attr("prompt", ""); p != "" {
		return p
	}
	return n.Attr("llm_prompt", "")
}

// ClassList returns the CSS-like classes assigned to this node by the DOT
// transform (subgraph label -> class) used by the model stylesheet (§6).
func (n *Node) ClassList() []string {
	raw := n.Attr("class", "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, " ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Edge connects two stages. Weighted edges express author preference among
// several conditions that evaluate true simultaneously (§4.2); unweighted
// edges (Weight == 0) tie-break lexicographically on To.
type Edge struct {
	From, To string
	Attrs    map[string]string
}

func NewEdge(from, to string) *Edge {
	return &Edge{From: from, To: to, Attrs: map[string]string{}}
}

func (e *Edge) Attr(key, def string) string {
	if e == nil || e.Attrs == nil {
		return def
	}
	if v, ok := e.Attrs[key]; ok && v != "" {
		return v
	}
	return def
}

func (e *Edge) Label() string {
	return e.Attr("label", "")
}

func (e *Edge) Condition() string {
	return e.Attr("condition", "")
}

// Weight parses the edge's weight attribute; unweighted edges return 0.
func (e *Edge) Weight() int {
	v := e.Attr("weight", "0")
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

// Graph is the immutable, validated pipeline description the engine
// interprets. Name and graph-level Attrs carry author-set policy (goal,
// default retry policy, model stylesheet text, reroute fallbacks — §3).
type Graph struct {
	Name  string
	Attrs map[string]string
	Nodes map[string]*Node
	Edges []*Edge

	out map[string][]*Edge
	in  map[string][]*Edge
}

func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Attrs: map[string]string{},
		Nodes: map[string]*Node{},
	}
}

// AddNode registers a node, failing on duplicate ids.
func (g *Graph) AddNode(n *Node) error {
	if n == nil {
		return fmt.Errorf("model: nil node")
	}
	if _, exists := g.Nodes[n.ID]; exists {
		return fmt.Errorf("model: duplicate node id %q", n.ID)
	}
	g.Nodes[n.ID] = n
	return nil
}

// AddEdge appends an edge and invalidates cached adjacency indexes. Target
// existence is a validation concern (§7), not enforced here.
func (g *Graph) AddEdge(e *Edge) error {
	if e == nil {
		return fmt.Errorf("model: nil edge")
	}
	g.Edges = append(g.Edges, e)
	g.out = nil
	g.in = nil
	return nil
}

func (g *Graph) buildIndex() {
	if g.out != nil && g.in != nil {
		return
	}
	out := make(map[string][]*Edge, len(g.Edges))
	in := make(map[string][]*Edge, len(g.Edges))
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		out[e.From] = append(out[e.From], e)
		in[e.To] = append(in[e.To], e)
	}
	g.out = out
	g.in = in
}

// Outgoing returns edges leaving nodeID in declaration order.
func (g *Graph) Outgoing(nodeID string) []*Edge {
	g.buildIndex()
	return g.out[nodeID]
}

// Incoming returns edges entering nodeID in declaration order.
func (g *Graph) Incoming(nodeID string) []*Edge {
	g.buildIndex()
	return g.in[nodeID]
}
