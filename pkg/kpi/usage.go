// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kpi

import (
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/support/sets"
	"github.com/pkg/errors"
)

// Assignment maps nodes to their precision. Nodes not in the assignment count as unquantized (float32).
type Assignment map[graph.NodeID]graph.Precision

// FloatPrecision returns the unquantized precision of the node.
func FloatPrecision(n *graph.Node) graph.Precision {
	p := graph.Precision{ActivationBits: graph.FloatBits}
	if n.Op().HasKernel() {
		p.WeightsBits = graph.FloatBits
	}
	return p
}

// SelectedAssignment returns the precisions selected in the graph nodes (see graph.Node.Select).
func SelectedAssignment(g *graph.Graph) Assignment {
	assignment := make(Assignment)
	for _, n := range g.Nodes() {
		if p, ok := n.Selected(); ok {
			assignment[n.ID()] = p
		}
	}
	return assignment
}

// CandidateAssignment returns the assignment of the candidate at index idx of every node with candidates.
// Negative indices count from the end: -1 selects the last (lowest precision) candidate.
func CandidateAssignment(g *graph.Graph, idx int) Assignment {
	assignment := make(Assignment)
	for _, n := range g.Nodes() {
		candidates := n.Candidates()
		if len(candidates) == 0 {
			continue
		}
		i := idx
		if i < 0 {
			i += len(candidates)
		}
		i = min(max(i, 0), len(candidates)-1)
		assignment[n.ID()] = candidates[i]
	}
	return assignment
}

// MACs returns the number of multiply-accumulates of one example (batch axis excluded) of a node with a kernel,
// or 0 for other nodes.
func MACs(n *graph.Node) (int64, error) {
	kernel, layout := n.Kernel()
	if !n.Op().HasKernel() {
		return 0, nil
	}
	if kernel == nil {
		return 0, errors.Errorf("node %q has no %q weight", n.Name(), layout.WeightName)
	}
	dims := kernel.Shape().Dimensions
	if n.Op() == graph.OpConv2DTranspose {
		// Every input element is multiplied by the kernel window of every output channel.
		if len(n.InputShapes()) == 0 {
			return 0, errors.Errorf("node %q has no input shape", n.Name())
		}
		inElements := int64(n.InputShapes()[0].Size())
		return inElements * int64(kernel.Size()/dims[layout.InputChannelAxis]), nil
	}
	if len(n.OutputShapes()) == 0 {
		return 0, errors.Errorf("node %q has no output shape", n.Name())
	}
	outElements := int64(n.OutputShapes()[0].Size())
	return outElements * int64(kernel.Size()/layout.NumOutputChannels(dims)), nil
}

// NodeUsage returns the resource usage of the node at the given precision.
func NodeUsage(n *graph.Node, p graph.Precision) (Usage, error) {
	var u Usage
	if n.Op().HasKernel() && p.WeightsBits > 0 {
		kernel, layout := n.Kernel()
		if kernel == nil {
			return u, errors.Errorf("node %q has no %q weight", n.Name(), layout.WeightName)
		}
		u.WeightsMemory = float64(kernel.Size()) * float64(p.WeightsBits) / 8
		macs, err := MACs(n)
		if err != nil {
			return u, err
		}
		u.Compute = float64(macs) * float64(p.WeightsBits) * float64(p.ActivationBits)
	}
	for _, shape := range n.OutputShapes() {
		u.ActivationMemory += float64(shape.Size()) * float64(p.ActivationBits) / 8
	}
	u.TotalMemory = u.WeightsMemory + u.ActivationMemory
	return u, nil
}

// ComputeResourceUsage returns the total resource usage of the graph for the given assignment.
//
// Nodes sharing a kernel (see graph.AttrWeightGroup) store it once: only the first of them in graph order
// counts its weights memory. Nodes sharing weights are expected to have the same weights precision.
func ComputeResourceUsage(g *graph.Graph, assignment Assignment) (Usage, error) {
	var total Usage
	for id := range assignment {
		if g.Node(id) == nil {
			return total, errors.Errorf("assignment has node #%d that is not in graph %q", id, g.Name())
		}
	}
	seenGroups := sets.Make[string]()
	for _, n := range g.Nodes() {
		p, found := assignment[n.ID()]
		if !found {
			p = FloatPrecision(n)
		}
		u, err := NodeUsage(n, p)
		if err != nil {
			return total, errors.WithMessagef(err, "ComputeResourceUsage(%q)", g.Name())
		}
		if sharesStoredWeights(n, seenGroups) {
			u = withoutWeights(u)
		}
		total = total.Add(u)
	}
	return total, nil
}

// sharesStoredWeights returns whether the node shares its kernel with a node visited before it, in which
// case its kernel memory is already counted. Nodes are visited in graph order.
func sharesStoredWeights(n *graph.Node, seenGroups sets.Set[string]) bool {
	if !n.Op().HasKernel() {
		return false
	}
	group, found := n.Attrs().GetString(graph.AttrWeightGroup)
	if !found || group == "" {
		return false
	}
	if seenGroups.Has(group) {
		return true
	}
	seenGroups.Insert(group)
	return false
}

func withoutWeights(u Usage) Usage {
	u.TotalMemory -= u.WeightsMemory
	u.WeightsMemory = 0
	return u
}

// Data holds the extreme footprints of a graph over the candidate precisions of its nodes.
type Data struct {
	// Max is the usage with every node at its highest precision candidate.
	Max Usage

	// Min is, per axis, the smallest usage reachable: the sum over the nodes of the cheapest candidate on that axis.
	// No assignment can use less, so a budget below Min on any axis is infeasible.
	Min Usage
}

// ComputeKPIData returns the extreme footprints of the graph, given the candidates set in its nodes.
// Nodes without candidates count as unquantized. Kernels shared by several nodes are counted once.
func ComputeKPIData(g *graph.Graph) (Data, error) {
	var data Data
	seenGroups := sets.Make[string]()
	for _, n := range g.Nodes() {
		candidates := n.Candidates()
		if len(candidates) == 0 {
			candidates = []graph.Precision{FloatPrecision(n)}
		}
		shared := sharesStoredWeights(n, seenGroups)
		var nodeMin Usage
		for ii, p := range candidates {
			u, err := NodeUsage(n, p)
			if err != nil {
				return data, errors.WithMessagef(err, "ComputeKPIData(%q)", g.Name())
			}
			if shared {
				u = withoutWeights(u)
			}
			if ii == 0 {
				data.Max = data.Max.Add(u)
				nodeMin = u
				continue
			}
			nodeMin = Usage{
				WeightsMemory:    min(nodeMin.WeightsMemory, u.WeightsMemory),
				ActivationMemory: min(nodeMin.ActivationMemory, u.ActivationMemory),
				Compute:          min(nodeMin.Compute, u.Compute),
				TotalMemory:      min(nodeMin.TotalMemory, u.TotalMemory),
			}
		}
		data.Min = data.Min.Add(nodeMin)
	}
	return data, nil
}
