// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the framework-agnostic model of a neural network: a DAG of Node (operations with
// their attributes and weights) connected by Edge (which output slot of a node feeds which input slot
// of another).
//
// A Graph is created by a framework adapter (see package framework), rewritten in place by the
// substitutions, frozen, and then annotated with the precision selected for each node.
//
// Structural changes after creation only happen through an Edit, which validates the whole change
// before applying it: an Edit either leaves the graph valid or doesn't change it at all.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Edge connects output FromIndex of node From to the input slot ToIndex of node To.
type Edge struct {
	From, To           NodeID
	FromIndex, ToIndex int
}

// String implements fmt.Stringer.
func (e Edge) String() string {
	return fmt.Sprintf("#%d[%d]->#%d[%d]", e.From, e.FromIndex, e.To, e.ToIndex)
}

// Input is used when adding a node: the producer node and which of its outputs to use.
type Input struct {
	Node  *Node
	Index int
}

// Output of the graph: output Index of Node.
type Output struct {
	Node  NodeID
	Index int
}

// Graph owns the nodes and edges of the model.
type Graph struct {
	id   string
	name string

	nodes     map[NodeID]*Node
	nodeNames map[string]NodeID
	lastID    NodeID

	edges   []Edge
	outputs []Output

	frozen bool
}

// New creates an empty graph. The name is only informative.
func New(name string) *Graph {
	return &Graph{
		id:        uuid.NewString(),
		name:      name,
		nodes:     make(map[NodeID]*Node),
		nodeNames: make(map[string]NodeID),
	}
}

// ID is a unique identifier of the graph, used in logs and carried by the interchange format.
func (g *Graph) ID() string { return g.id }

// SetID overrides the graph identifier, used when the graph is read back from an interchange format.
func (g *Graph) SetID(id string) { g.id = id }

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Freeze marks the end of the structural rewriting phase: any further Edit fails.
// Precision annotations (Node.SetCandidates, Node.Select) are still allowed.
func (g *Graph) Freeze() { g.frozen = true }

// IsFrozen returns whether Freeze was called.
func (g *Graph) IsFrozen() bool { return g.frozen }

// AddNode creates a new node fed by the given inputs: inputs[i] is connected to the input slot i.
// Since the new node has no consumers, adding it can't create a cycle.
func (g *Graph) AddNode(config NodeConfig, inputs ...Input) (*Node, error) {
	if g.frozen {
		return nil, errors.Errorf("graph %q is frozen, cannot add node %q", g.name, config.Name)
	}
	if config.Op == OpInvalid || !config.Op.IsAOpKind() {
		return nil, errors.Errorf("AddNode(%q): invalid op kind %s", config.Name, config.Op)
	}
	for ii, input := range inputs {
		if input.Node == nil || g.nodes[input.Node.id] != input.Node {
			return nil, &StructuralError{Op: "AddNode", Nodes: []string{config.Name},
				Reason: fmt.Sprintf("input #%d is not a node of graph %q", ii, g.name)}
		}
	}
	name := config.Name
	if name == "" {
		name = fmt.Sprintf("%s_%d", strings.ToLower(config.Op.String()), g.lastID+1)
	}
	if _, found := g.nodeNames[name]; found {
		return nil, errors.Errorf("AddNode: graph %q already has a node named %q", g.name, name)
	}
	g.lastID++
	n := &Node{
		graph:        g,
		id:           g.lastID,
		name:         name,
		op:           config.Op,
		attrs:        config.Attrs.Clone(),
		weights:      make(map[string]*tensors.Tensor, len(config.Weights)),
		inputShapes:  slices.Clone(config.InputShapes),
		outputShapes: slices.Clone(config.OutputShapes),
		selected:     -1,
	}
	for key, w := range config.Weights {
		n.weights[key] = w
	}
	g.nodes[n.id] = n
	g.nodeNames[name] = n.id
	for ii, input := range inputs {
		g.edges = append(g.edges, Edge{From: input.Node.id, FromIndex: input.Index, To: n.id, ToIndex: ii})
	}
	return n, nil
}

// MustAddNode is like AddNode, but panics on error. Useful for tests and hand-built graphs.
func (g *Graph) MustAddNode(config NodeConfig, inputs ...Input) *Node {
	n, err := g.AddNode(config, inputs...)
	if err != nil {
		exceptions.Panicf("MustAddNode: %+v", err)
	}
	return n
}

// SetOutputs sets the outputs of the graph: output 0 of each of the given nodes.
func (g *Graph) SetOutputs(nodes ...*Node) error {
	outputs := make([]Output, 0, len(nodes))
	for _, n := range nodes {
		if n == nil || g.nodes[n.id] != n {
			return &StructuralError{Op: "SetOutputs", Reason: "output is not a node of the graph"}
		}
		outputs = append(outputs, Output{Node: n.id})
	}
	g.outputs = outputs
	return nil
}

// Outputs of the graph, in order.
func (g *Graph) Outputs() []Output { return slices.Clone(g.outputs) }

// OutputNodes returns the nodes of the graph outputs, in order. A node may appear more than once.
func (g *Graph) OutputNodes() []*Node {
	nodes := make([]*Node, len(g.outputs))
	for ii, output := range g.outputs {
		nodes[ii] = g.nodes[output.Node]
	}
	return nodes
}

// IsOutput returns whether the node is one of the graph outputs.
func (g *Graph) IsOutput(n *Node) bool {
	return slices.ContainsFunc(g.outputs, func(o Output) bool { return o.Node == n.id })
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id NodeID) *Node { return g.nodes[id] }

// NodeByName returns the node with the given name, or nil.
func (g *Graph) NodeByName(name string) *Node {
	id, found := g.nodeNames[name]
	if !found {
		return nil
	}
	return g.nodes[id]
}

// Nodes returns all nodes ordered by id (creation order).
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	slices.SortFunc(nodes, func(a, b *Node) int { return int(a.id - b.id) })
	return nodes
}

// InputNodes returns the OpInput nodes, ordered by id.
func (g *Graph) InputNodes() []*Node {
	return slices.DeleteFunc(g.Nodes(), func(n *Node) bool { return n.op != OpInput })
}

// Edges returns a copy of all edges.
func (g *Graph) Edges() []Edge { return slices.Clone(g.edges) }

// InEdges returns the edges feeding n, ordered by input slot.
func (g *Graph) InEdges(n *Node) []Edge {
	var in []Edge
	for _, e := range g.edges {
		if e.To == n.id {
			in = append(in, e)
		}
	}
	slices.SortFunc(in, func(a, b Edge) int { return a.ToIndex - b.ToIndex })
	return in
}

// OutEdges returns the edges leaving n, ordered by consumer id and input slot.
func (g *Graph) OutEdges(n *Node) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.From == n.id {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, compareEdges)
	return out
}

func compareEdges(a, b Edge) int {
	if a.To != b.To {
		return int(a.To - b.To)
	}
	if a.ToIndex != b.ToIndex {
		return a.ToIndex - b.ToIndex
	}
	if a.From != b.From {
		return int(a.From - b.From)
	}
	return a.FromIndex - b.FromIndex
}

// Producers returns the nodes feeding n, ordered by input slot.
func (g *Graph) Producers(n *Node) []*Node {
	in := g.InEdges(n)
	producers := make([]*Node, len(in))
	for ii, e := range in {
		producers[ii] = g.nodes[e.From]
	}
	return producers
}

// Consumers returns the distinct nodes consuming any output of n, ordered by id.
func (g *Graph) Consumers(n *Node) []*Node {
	var consumers []*Node
	for _, e := range g.OutEdges(n) {
		c := g.nodes[e.To]
		if len(consumers) == 0 || consumers[len(consumers)-1] != c {
			consumers = append(consumers, c)
		}
	}
	return consumers
}

// TopologicalSort returns the nodes in an order where every producer comes before its consumers.
// Ties are broken by node id, so the order is deterministic.
// It returns a StructuralError if the graph has a cycle.
func (g *Graph) TopologicalSort() ([]*Node, error) {
	order, err := topologicalOrder(g.nodes, g.edges)
	if err != nil {
		return nil, err
	}
	nodes := make([]*Node, len(order))
	for ii, id := range order {
		nodes[ii] = g.nodes[id]
	}
	return nodes, nil
}

// topologicalOrder runs Kahn's algorithm over the given node set and edges.
func topologicalOrder(nodes map[NodeID]*Node, edges []Edge) ([]NodeID, error) {
	inDegree := make(map[NodeID]int, len(nodes))
	dependents := make(map[NodeID][]NodeID, len(nodes))
	for id := range nodes {
		inDegree[id] = 0
	}
	for _, e := range edges {
		inDegree[e.To]++
		dependents[e.From] = append(dependents[e.From], e.To)
	}
	var ready []NodeID
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)
	order := make([]NodeID, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				idx, _ := slices.BinarySearch(ready, dep)
				ready = slices.Insert(ready, idx, dep)
			}
		}
	}
	if len(order) != len(nodes) {
		var inCycle []string
		for id, degree := range inDegree {
			if degree > 0 {
				inCycle = append(inCycle, nodes[id].name)
			}
		}
		slices.Sort(inCycle)
		return nil, &StructuralError{Op: "TopologicalSort", Nodes: inCycle, Reason: "graph has a cycle"}
	}
	return order, nil
}

// Validate checks the graph invariants: every edge endpoint exists, each input slot is fed by exactly
// one edge, outputs reference existing nodes, and there are no cycles.
func (g *Graph) Validate() error {
	return validate("Validate", g.nodes, g.edges, g.outputs)
}

func validate(op string, nodes map[NodeID]*Node, edges []Edge, outputs []Output) error {
	slots := sets.Make[Edge](len(edges))
	for _, e := range edges {
		if nodes[e.From] == nil || nodes[e.To] == nil {
			return &StructuralError{Op: op, Edge: &e, Reason: "dangling edge"}
		}
		if e.FromIndex < 0 || e.ToIndex < 0 {
			return &StructuralError{Op: op, Edge: &e, Reason: "negative slot index"}
		}
		slot := Edge{To: e.To, ToIndex: e.ToIndex}
		if slots.Has(slot) {
			return &StructuralError{Op: op, Edge: &e, Nodes: []string{nodes[e.To].name},
				Reason: fmt.Sprintf("input slot %d fed by more than one edge", e.ToIndex)}
		}
		slots.Insert(slot)
	}
	for _, output := range outputs {
		if nodes[output.Node] == nil {
			return &StructuralError{Op: op, Reason: fmt.Sprintf("graph output references missing node #%d", output.Node)}
		}
	}
	_, err := topologicalOrder(nodes, edges)
	if err != nil {
		var structErr *StructuralError
		if errors.As(err, &structErr) {
			structErr.Op = op
		}
		return err
	}
	return nil
}

// Clone returns a deep copy of the graph (weights included), with the same id, node ids and names.
// Precision annotations are copied too.
func (g *Graph) Clone() *Graph {
	g2 := &Graph{
		id:        g.id,
		name:      g.name,
		nodes:     make(map[NodeID]*Node, len(g.nodes)),
		nodeNames: make(map[string]NodeID, len(g.nodeNames)),
		lastID:    g.lastID,
		edges:     slices.Clone(g.edges),
		outputs:   slices.Clone(g.outputs),
		frozen:    g.frozen,
	}
	for id, n := range g.nodes {
		n2 := &Node{
			graph:        g2,
			id:           n.id,
			name:         n.name,
			op:           n.op,
			attrs:        n.attrs.Clone(),
			weights:      make(map[string]*tensors.Tensor, len(n.weights)),
			inputShapes:  slices.Clone(n.inputShapes),
			outputShapes: slices.Clone(n.outputShapes),
			candidates:   slices.Clone(n.candidates),
			selected:     n.selected,
		}
		for key, w := range n.weights {
			n2.weights[key] = w.Clone()
		}
		g2.nodes[id] = n2
		g2.nodeNames[n.name] = id
	}
	return g2
}

// String returns a multi-line description of the graph, in topological order if possible.
func (g *Graph) String() string {
	nodes, err := g.TopologicalSort()
	if err != nil {
		nodes = g.Nodes()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q (%d nodes, %d edges):\n", g.name, len(g.nodes), len(g.edges))
	for _, n := range nodes {
		producers := g.Producers(n)
		names := make([]string, len(producers))
		for ii, p := range producers {
			names[ii] = p.name
		}
		fmt.Fprintf(&sb, "\t%s <- [%s]\n", n, strings.Join(names, ", "))
	}
	return sb.String()
}
