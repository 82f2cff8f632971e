// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/mpquant/pkg/core/shapes"
	"github.com/gomlx/mpquant/pkg/core/tensors"
)

// NodeID identifies a node within its Graph. IDs are never reused.
type NodeID int

// InvalidNodeID is the zero NodeID: no valid node has it.
const InvalidNodeID = NodeID(0)

// Node represents one framework operation in the computation graph.
//
// A Node owns its weights. Its structural connections live in the Graph (see Graph.InEdges and Graph.OutEdges),
// and they can only be changed through an Edit.
type Node struct {
	graph *Graph
	id    NodeID
	name  string
	op    OpKind
	attrs *Attributes

	weights map[string]*tensors.Tensor

	inputShapes, outputShapes []shapes.Shape

	// candidates and selected are the precision annotations set by the mixed-precision search.
	candidates []Precision
	selected   int
}

// NodeConfig holds everything needed to create a Node with Graph.AddNode.
type NodeConfig struct {
	Name    string
	Op      OpKind
	Attrs   *Attributes
	Weights map[string]*tensors.Tensor

	InputShapes, OutputShapes []shapes.Shape
}

// ID of the node, unique within its graph.
func (n *Node) ID() NodeID { return n.id }

// Name of the node, as given by the framework. Names are unique within a graph.
func (n *Node) Name() string { return n.name }

// Op returns the operation kind.
func (n *Node) Op() OpKind { return n.op }

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Attrs returns the framework attributes. It must not be modified directly: use Edit.SetAttr.
func (n *Node) Attrs() *Attributes { return n.attrs }

// Weight returns the named weight, or nil if the node doesn't have it.
func (n *Node) Weight(name string) *tensors.Tensor { return n.weights[name] }

// HasWeight returns whether the node has the named weight.
func (n *Node) HasWeight(name string) bool {
	_, found := n.weights[name]
	return found
}

// WeightNames returns the names of the weights, sorted.
func (n *Node) WeightNames() []string {
	return slices.Sorted(maps.Keys(n.weights))
}

// InputShapes returns the shape of each input slot.
func (n *Node) InputShapes() []shapes.Shape { return n.inputShapes }

// OutputShapes returns the shape of each output slot.
func (n *Node) OutputShapes() []shapes.Shape { return n.outputShapes }

// Activation returns the fused activation of the node (AttrActivation), defaulting to ActivationLinear.
func (n *Node) Activation() string {
	if activation, found := n.attrs.GetString(AttrActivation); found {
		return activation
	}
	return ActivationLinear
}

// Kernel returns the kernel of weighted operations and its layout.
// It returns nil if the node has no kernel (or it is missing).
func (n *Node) Kernel() (*tensors.Tensor, KernelLayout) {
	layout, found := n.op.KernelLayout()
	if !found {
		return nil, layout
	}
	return n.weights[layout.WeightName], layout
}

// WeightGroup returns the identifier of the group of nodes sharing weights with this one.
// Nodes that don't share weights are their own group, identified by their name.
func (n *Node) WeightGroup() string {
	if group, found := n.attrs.GetString(AttrWeightGroup); found && group != "" {
		return group
	}
	return n.name
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var parts []string
	if n.attrs.Len() > 0 {
		parts = append(parts, fmt.Sprintf("%v", n.attrs))
	}
	if len(n.weights) > 0 {
		weights := make([]string, 0, len(n.weights))
		for _, name := range n.WeightNames() {
			weights = append(weights, fmt.Sprintf("%s:%v", name, n.weights[name].Shape().Dimensions))
		}
		parts = append(parts, "weights=["+strings.Join(weights, ", ")+"]")
	}
	return fmt.Sprintf("#%d %q %s%s", n.id, n.name, n.op, prefixJoin(" ", parts))
}

func prefixJoin(prefix string, parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return prefix + strings.Join(parts, " ")
}
