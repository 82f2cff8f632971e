// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds x -> a -> {b, c} -> add.
func diamond(t *testing.T) (g *Graph, x, a, b, c, add *Node) {
	g = New("diamond")
	x = g.MustAddNode(NodeConfig{Name: "x", Op: OpInput})
	a = g.MustAddNode(NodeConfig{Name: "a", Op: OpDense, Weights: map[string]*tensors.Tensor{
		WeightKernel: tensors.Zeros(2, 2)}}, Input{Node: x})
	b = g.MustAddNode(NodeConfig{Name: "b", Op: OpReLU}, Input{Node: a})
	c = g.MustAddNode(NodeConfig{Name: "c", Op: OpIdentity}, Input{Node: a})
	add = g.MustAddNode(NodeConfig{Name: "add", Op: OpAdd}, Input{Node: b}, Input{Node: c})
	require.NoError(t, g.SetOutputs(add))
	require.NoError(t, g.Validate())
	return
}

func names(nodes []*Node) []string {
	result := make([]string, len(nodes))
	for ii, n := range nodes {
		result[ii] = n.Name()
	}
	return result
}

func TestGraph(t *testing.T) {
	g, x, a, b, c, add := diamond(t)
	assert.Equal(t, 5, g.NumNodes())
	assert.NotEmpty(t, g.ID())
	order, err := g.TopologicalSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "a", "b", "c", "add"}, names(order))

	assert.Equal(t, []string{"b", "c"}, names(g.Consumers(a)))
	assert.Equal(t, []string{"b", "c"}, names(g.Producers(add)))
	assert.Equal(t, []string{"x"}, names(g.InputNodes()))
	assert.True(t, g.IsOutput(add))
	assert.False(t, g.IsOutput(b))
	assert.Equal(t, c, g.NodeByName("c"))
	assert.Nil(t, g.NodeByName("missing"))
	assert.Len(t, g.InEdges(add), 2)
	assert.Equal(t, 1, g.InEdges(add)[1].ToIndex)
	assert.Empty(t, g.InEdges(x))
	assert.True(t, a.HasWeight(WeightKernel))
	kernel, layout := a.Kernel()
	require.NotNil(t, kernel)
	assert.Equal(t, []int{1}, layout.OutputChannelAxes)
	assert.Equal(t, ActivationLinear, a.Activation())
	assert.Equal(t, "a", a.WeightGroup())

	// Names must be unique, generated names are derived from the op.
	_, err = g.AddNode(NodeConfig{Name: "a", Op: OpReLU})
	require.Error(t, err)
	n := g.MustAddNode(NodeConfig{Op: OpSoftmax}, Input{Node: add})
	assert.Equal(t, "softmax_6", n.Name())

	// Clone is deep.
	g2 := g.Clone()
	g2.NodeByName("a").Weight(WeightKernel).Set(1, 0, 0)
	assert.Equal(t, float32(0), kernel.At(0, 0))
	assert.Equal(t, g.ID(), g2.ID())
}

func TestEditCommit(t *testing.T) {
	t.Run("RemoveIdentity", func(t *testing.T) {
		g, _, a, _, c, add := diamond(t)
		edit := g.NewEdit("remove identity")
		edit.RemoveEdges(g.InEdges(c))
		edit.RemoveEdges(g.OutEdges(c))
		edit.RemoveNode(c)
		edit.AddEdge(a, 0, add, 1)
		require.NoError(t, edit.Commit())
		require.NoError(t, g.Validate())
		assert.Equal(t, 4, g.NumNodes())
		assert.Nil(t, g.NodeByName("c"))
		assert.Equal(t, []string{"b", "a"}, names(g.Producers(add)))
	})

	t.Run("WeightsAndAttributes", func(t *testing.T) {
		g, _, a, _, _, _ := diamond(t)
		newKernel := tensors.FromScalarAndDimensions(2, 2, 2)
		err := g.NewEdit("update").
			SetWeight(a, WeightKernel, newKernel).
			SetWeight(a, WeightBias, tensors.Zeros(2)).
			SetAttr(a, AttrUseBias, true).
			Commit()
		require.NoError(t, err)
		assert.Equal(t, newKernel, a.Weight(WeightKernel))
		assert.Equal(t, []string{WeightBias, WeightKernel}, a.WeightNames())
		useBias, _ := a.Attrs().GetBool(AttrUseBias)
		assert.True(t, useBias)

		require.NoError(t, g.NewEdit("drop bias").DeleteWeight(a, WeightBias).DeleteAttr(a, AttrUseBias).Commit())
		assert.False(t, a.HasWeight(WeightBias))
		assert.Equal(t, 0, a.Attrs().Len())
	})

	t.Run("Failures", func(t *testing.T) {
		g, x, a, b, c, add := diamond(t)
		before := g.String()
		kernel := a.Weight(WeightKernel)
		var structErr *StructuralError

		// Cycle.
		err := g.NewEdit("cycle").SetWeight(a, WeightKernel, tensors.Zeros(2, 2)).AddEdge(add, 0, a, 1).Commit()
		require.True(t, errors.As(err, &structErr), "got %v", err)
		assert.Contains(t, err.Error(), "cycle")

		// Node removed but still connected.
		err = g.NewEdit("dangling").RemoveNode(c).Commit()
		require.True(t, errors.As(err, &structErr), "got %v", err)

		// Output removed without redirect.
		err = g.NewEdit("output").RemoveEdges(g.InEdges(add)).RemoveNode(add).Commit()
		require.True(t, errors.As(err, &structErr), "got %v", err)

		// Input slot fed twice.
		err = g.NewEdit("double feed").AddEdge(x, 0, b, 0).Commit()
		require.True(t, errors.As(err, &structErr), "got %v", err)

		// Removing an edge that doesn't exist.
		err = g.NewEdit("missing edge").RemoveEdge(Edge{From: x.ID(), To: add.ID()}).Commit()
		require.True(t, errors.As(err, &structErr), "got %v", err)

		// Nothing changed.
		assert.Equal(t, before, g.String())
		assert.Same(t, kernel, a.Weight(WeightKernel))
		require.NoError(t, g.Validate())

		// Frozen graphs reject edits.
		g.Freeze()
		require.Error(t, g.NewEdit("frozen").SetAttr(a, AttrGroups, 1).Commit())
		_, err = g.AddNode(NodeConfig{Name: "late", Op: OpReLU})
		require.Error(t, err)
	})
}

func TestPrecisionAnnotations(t *testing.T) {
	g, _, a, _, _, _ := diamond(t)
	_, found := a.Selected()
	assert.False(t, found)
	a.SetCandidates([]Precision{{8, 8}, {4, 8}, {2, 8}})
	a.Select(1)
	p, found := a.Selected()
	require.True(t, found)
	assert.Equal(t, "w4a8", p.String())
	assert.Equal(t, "a4", Precision{ActivationBits: 4}.String())
	assert.Panics(t, func() { a.Select(3) })

	// Annotations are allowed in frozen graphs.
	g.Freeze()
	a.Select(2)
	assert.Equal(t, 2, a.SelectedIndex())
}

func TestAttributes(t *testing.T) {
	attrs := NewAttributes(AttrGroups, 2, AttrActivation, "relu", AttrStrides, []any{1.0, 2.0}, AttrEpsilon, 1e-3)
	assert.Equal(t, []string{AttrGroups, AttrActivation, AttrStrides, AttrEpsilon}, attrs.Keys())
	assert.True(t, attrs.Equal(AttrGroups, 2.0))
	assert.True(t, attrs.Equal(AttrActivation, "relu"))
	assert.False(t, attrs.Equal(AttrActivation, "linear"))
	assert.False(t, attrs.Equal("missing", 1))
	strides, ok := attrs.GetInts(AttrStrides)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, strides)
	eps, ok := attrs.GetFloat(AttrEpsilon)
	require.True(t, ok)
	assert.InDelta(t, 1e-3, eps, 1e-12)

	attrs.Set(AttrGroups, 4)
	groups, _ := attrs.GetInt(AttrGroups)
	assert.Equal(t, 4, groups)
	assert.Equal(t, AttrGroups, attrs.Keys()[0])

	clone := attrs.Clone()
	clone.Delete(AttrActivation)
	assert.Equal(t, 4, attrs.Len())
	assert.Equal(t, 3, clone.Len())
	assert.Panics(t, func() { NewAttributes(AttrGroups) })
}

func TestOpKind(t *testing.T) {
	op, err := OpKindString("conv2dtranspose")
	require.NoError(t, err)
	assert.Equal(t, OpConv2DTranspose, op)
	assert.Equal(t, "DepthwiseConv2D", OpDepthwiseConv2D.String())
	assert.True(t, OpDepthwiseConv2D.IsConvolution())
	assert.False(t, OpDense.IsConvolution())
	assert.True(t, OpDense.HasKernel())
	assert.False(t, OpBatchNorm.HasKernel())
	assert.True(t, OpReLU.IsActivation())
	_, err = OpKindString("NotAnOp")
	require.Error(t, err)
}
