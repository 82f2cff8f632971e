// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Edit accumulates changes to a Graph, applied all at once by Commit.
//
// Nothing changes in the graph until Commit, and Commit only applies the changes if the resulting graph
// is valid. So a rule can build its Edit step by step and simply drop it if it finds a problem.
type Edit struct {
	g           *Graph
	description string

	removeEdges, addEdges []Edge
	removeNodes           []NodeID
	outputRedirects       []outputRedirect
	weightChanges         []weightChange
	attrChanges           []attrChange

	// err holds the first misuse of the Edit API (nil nodes, nodes of other graphs).
	err error
}

type outputRedirect struct {
	from, to NodeID
}

type weightChange struct {
	node  NodeID
	name  string
	value *tensors.Tensor // nil to delete.
}

type attrChange struct {
	node   NodeID
	key    string
	value  any
	delete bool
}

// NewEdit starts a new set of changes to the graph. The description is used in errors and logs.
func (g *Graph) NewEdit(description string) *Edit {
	return &Edit{g: g, description: description}
}

// Description given to NewEdit.
func (e *Edit) Description() string { return e.description }

func (e *Edit) check(nodes ...*Node) bool {
	if e.err != nil {
		return false
	}
	for _, n := range nodes {
		if n == nil {
			e.err = errors.Errorf("edit %q: nil node", e.description)
			return false
		}
		if n.graph != e.g {
			e.err = errors.Errorf("edit %q: node %q belongs to another graph", e.description, n.name)
			return false
		}
	}
	return true
}

// SetWeight sets (or replaces) a weight of the node.
func (e *Edit) SetWeight(n *Node, name string, value *tensors.Tensor) *Edit {
	if e.check(n) {
		if value == nil {
			e.err = errors.Errorf("edit %q: SetWeight(%q, %q) with nil tensor, use DeleteWeight", e.description, n.name, name)
			return e
		}
		e.weightChanges = append(e.weightChanges, weightChange{node: n.id, name: name, value: value})
	}
	return e
}

// DeleteWeight removes a weight of the node.
func (e *Edit) DeleteWeight(n *Node, name string) *Edit {
	if e.check(n) {
		e.weightChanges = append(e.weightChanges, weightChange{node: n.id, name: name})
	}
	return e
}

// SetAttr sets (or replaces) a framework attribute of the node.
func (e *Edit) SetAttr(n *Node, key string, value any) *Edit {
	if e.check(n) {
		e.attrChanges = append(e.attrChanges, attrChange{node: n.id, key: key, value: value})
	}
	return e
}

// DeleteAttr removes a framework attribute of the node.
func (e *Edit) DeleteAttr(n *Node, key string) *Edit {
	if e.check(n) {
		e.attrChanges = append(e.attrChanges, attrChange{node: n.id, key: key, delete: true})
	}
	return e
}

// RemoveEdge disconnects an existing edge.
func (e *Edit) RemoveEdge(edge Edge) *Edit {
	if e.err == nil {
		e.removeEdges = append(e.removeEdges, edge)
	}
	return e
}

// RemoveEdges disconnects all the given edges.
func (e *Edit) RemoveEdges(edges []Edge) *Edit {
	for _, edge := range edges {
		e.RemoveEdge(edge)
	}
	return e
}

// AddEdge connects output fromIndex of from to the input slot toIndex of to.
func (e *Edit) AddEdge(from *Node, fromIndex int, to *Node, toIndex int) *Edit {
	if e.check(from, to) {
		e.addEdges = append(e.addEdges, Edge{From: from.id, FromIndex: fromIndex, To: to.id, ToIndex: toIndex})
	}
	return e
}

// RemoveNode deletes the node. All its edges must be removed in the same Edit, and if it is a
// graph output, the output must be redirected with RedirectOutputs.
func (e *Edit) RemoveNode(n *Node) *Edit {
	if e.check(n) {
		e.removeNodes = append(e.removeNodes, n.id)
	}
	return e
}

// RedirectOutputs makes graph outputs produced by from be produced by to instead.
func (e *Edit) RedirectOutputs(from, to *Node) *Edit {
	if e.check(from, to) {
		e.outputRedirects = append(e.outputRedirects, outputRedirect{from: from.id, to: to.id})
	}
	return e
}

// Commit validates the resulting graph and applies all changes. If the result would be invalid, it returns
// a *StructuralError and the graph is left untouched.
func (e *Edit) Commit() error {
	g := e.g
	op := fmt.Sprintf("Commit(%s)", e.description)
	if e.err != nil {
		return e.err
	}
	if g.frozen {
		return errors.Errorf("%s: graph %q is frozen, no more structural changes are allowed", op, g.name)
	}

	// New node set.
	nodes := maps.Clone(g.nodes)
	for _, id := range e.removeNodes {
		if nodes[id] == nil {
			return &StructuralError{Op: op, Reason: fmt.Sprintf("removing node #%d that is not in the graph", id)}
		}
		delete(nodes, id)
	}

	// New edge set.
	edges := slices.Clone(g.edges)
	for _, removed := range e.removeEdges {
		idx := slices.Index(edges, removed)
		if idx < 0 {
			return &StructuralError{Op: op, Edge: &removed, Reason: "removing an edge that is not in the graph"}
		}
		edges = slices.Delete(edges, idx, idx+1)
	}
	for _, added := range e.addEdges {
		if nodes[added.From] == nil || nodes[added.To] == nil {
			return &StructuralError{Op: op, Edge: &added, Reason: "adding an edge to a removed node"}
		}
		edges = append(edges, added)
	}
	for _, id := range e.removeNodes {
		for _, edge := range edges {
			if edge.From == id || edge.To == id {
				return &StructuralError{Op: op, Nodes: []string{g.nodes[id].name}, Edge: &edge,
					Reason: "node removed while still connected"}
			}
		}
	}
	slices.SortStableFunc(edges, compareEdges)

	// New outputs.
	outputs := slices.Clone(g.outputs)
	for _, redirect := range e.outputRedirects {
		for ii := range outputs {
			if outputs[ii].Node == redirect.from {
				outputs[ii].Node = redirect.to
			}
		}
	}
	for _, output := range outputs {
		if nodes[output.Node] == nil {
			return &StructuralError{Op: op, Nodes: []string{g.nodes[output.Node].name},
				Reason: "graph output removed without being redirected"}
		}
	}

	for _, change := range e.weightChanges {
		if nodes[change.node] == nil {
			return &StructuralError{Op: op, Nodes: []string{g.nodes[change.node].name}, Reason: "changing weights of a removed node"}
		}
	}
	for _, change := range e.attrChanges {
		if nodes[change.node] == nil {
			return &StructuralError{Op: op, Nodes: []string{g.nodes[change.node].name}, Reason: "changing attributes of a removed node"}
		}
	}

	if err := validate(op, nodes, edges, outputs); err != nil {
		return err
	}

	// Everything checked: apply.
	for _, id := range e.removeNodes {
		delete(g.nodeNames, g.nodes[id].name)
		g.nodes[id].graph = nil
	}
	g.nodes = nodes
	g.edges = edges
	g.outputs = outputs
	for _, change := range e.weightChanges {
		n := nodes[change.node]
		if change.value == nil {
			delete(n.weights, change.name)
		} else {
			n.weights[change.name] = change.value
		}
	}
	for _, change := range e.attrChanges {
		n := nodes[change.node]
		if change.delete {
			n.attrs.Delete(change.key)
		} else {
			n.attrs.Set(change.key, change.value)
		}
	}
	return nil
}
