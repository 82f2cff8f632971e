// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matchers

import (
	"fmt"
	"testing"

	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicates(t *testing.T) {
	g := graph.New("test")
	conv := g.MustAddNode(graph.NodeConfig{Name: "conv", Op: graph.OpConv2D,
		Attrs: graph.NewAttributes(graph.AttrActivation, graph.ActivationLinear, graph.AttrGroups, 1)})
	relu := g.MustAddNode(graph.NodeConfig{Name: "relu", Op: graph.OpReLU})
	dense := g.MustAddNode(graph.NodeConfig{Name: "dense", Op: graph.OpDense,
		Attrs: graph.NewAttributes(graph.AttrActivation, graph.ActivationReLU)})

	convLinear := Op(graph.OpConv2D, graph.OpDense).And(Activation(graph.ActivationLinear))
	assert.True(t, convLinear.Match(conv))
	assert.False(t, convLinear.Match(dense))
	assert.False(t, convLinear.Match(relu))
	assert.False(t, convLinear.Match(nil))
	assert.Equal(t, "(Op(Conv2D|Dense) & Activation(linear))", convLinear.String())

	// A node without the activation attribute is linear.
	assert.True(t, Activation(graph.ActivationLinear).Match(relu))

	either := Attr(graph.AttrGroups, 1).Or(Op(graph.OpReLU))
	assert.True(t, either.Match(conv))
	assert.True(t, either.Match(relu))
	assert.False(t, either.Match(dense))
	assert.True(t, Not(either).Match(dense))
	assert.True(t, Any().Match(dense))
	assert.False(t, Predicate{}.Match(dense))
	assert.True(t, Convolution().Match(dense))
	assert.False(t, HasWeight(graph.WeightKernel).Match(dense))
}

func TestShortCircuit(t *testing.T) {
	g := graph.New("test")
	n := g.MustAddNode(graph.NodeConfig{Name: "n", Op: graph.OpReLU})
	var calls int
	counting := New("counting", func(*graph.Node) bool { calls++; return true })
	assert.False(t, And(Op(graph.OpDense), counting).Match(n))
	assert.True(t, Or(Op(graph.OpReLU), counting).Match(n))
	assert.Equal(t, 0, calls)
	assert.True(t, And(Op(graph.OpReLU), counting).Match(n))
	assert.Equal(t, 1, calls)
}

func TestGroupConvolution(t *testing.T) {
	for _, groups := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("groups=%d", groups), func(t *testing.T) {
			g := graph.New("test")
			conv := g.MustAddNode(graph.NodeConfig{Name: "conv", Op: graph.OpConv2D,
				Attrs: graph.NewAttributes(graph.AttrGroups, groups)})
			depthwise := g.MustAddNode(graph.NodeConfig{Name: "dw", Op: graph.OpDepthwiseConv2D,
				Attrs: graph.NewAttributes(graph.AttrGroups, groups)})
			assert.Equal(t, groups > 1, GroupConvolution().Match(conv))
			assert.False(t, GroupConvolution().Match(depthwise))
		})
	}
}

func TestChain(t *testing.T) {
	g := graph.New("test")
	x := g.MustAddNode(graph.NodeConfig{Name: "x", Op: graph.OpInput})
	conv := g.MustAddNode(graph.NodeConfig{Name: "conv", Op: graph.OpConv2D}, graph.Input{Node: x})
	bn := g.MustAddNode(graph.NodeConfig{Name: "bn", Op: graph.OpBatchNorm}, graph.Input{Node: conv})
	relu := g.MustAddNode(graph.NodeConfig{Name: "relu", Op: graph.OpReLU}, graph.Input{Node: bn})
	conv2 := g.MustAddNode(graph.NodeConfig{Name: "conv2", Op: graph.OpConv2D}, graph.Input{Node: relu})
	bn2 := g.MustAddNode(graph.NodeConfig{Name: "bn2", Op: graph.OpBatchNorm}, graph.Input{Node: conv2})
	other := g.MustAddNode(graph.NodeConfig{Name: "other", Op: graph.OpReLU}, graph.Input{Node: conv2})
	require.NoError(t, g.SetOutputs(bn2, other))

	chain := NewChain(Op(graph.OpConv2D), Op(graph.OpBatchNorm))
	assert.Equal(t, "Chain[Op(Conv2D) -> Op(BatchNorm)]", chain.String())
	matches, err := chain.FindAll(g)
	require.NoError(t, err)
	// conv2 has two consumers, so only the first pair matches.
	require.Len(t, matches, 1)
	assert.Equal(t, []*graph.Node{conv, bn}, matches[0])

	chain3 := NewChain(Op(graph.OpConv2D), Op(graph.OpBatchNorm), Op(graph.OpReLU))
	m, ok := chain3.MatchAt(g, conv)
	require.True(t, ok)
	assert.Equal(t, []*graph.Node{conv, bn, relu}, m)
	_, ok = chain3.MatchAt(g, bn)
	assert.False(t, ok)

	edge := g.InEdges(bn)[0]
	assert.True(t, EdgeMatcher{Source: Op(graph.OpConv2D), Target: Op(graph.OpBatchNorm)}.Match(g, edge))
	assert.False(t, EdgeMatcher{Source: Op(graph.OpDense), Target: Op(graph.OpBatchNorm)}.Match(g, edge))

	assert.Panics(t, func() { NewChain() })
	assert.Panics(t, func() { NewChain(Any(), Any(), Any(), Any()) })
}
