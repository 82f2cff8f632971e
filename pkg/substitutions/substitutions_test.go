// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package substitutions

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/evaluator"
	"github.com/gomlx/mpquant/pkg/graph/graphtest"
	"github.com/gomlx/mpquant/pkg/graph/matchers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireSameOutputs checks that outputs are equal within a tolerance relative to the largest value.
func requireSameOutputs(t *testing.T, want, got []*tensors.Tensor, tolerance float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for ii := range want {
		require.Equal(t, want[ii].Shape().Dimensions, got[ii].Shape().Dimensions, "output #%d", ii)
		scale := 1 + float64(want[ii].MaxAbs())
		for jj, v := range want[ii].Flat() {
			require.InDelta(t, v, got[ii].Flat()[jj], tolerance*scale, "output #%d, element %d", ii, jj)
		}
	}
}

// checkRewrite evaluates g, runs the engine and checks that the outputs didn't change.
func checkRewrite(t *testing.T, g *graph.Graph, engine *Engine) Stats {
	t.Helper()
	return checkRewriteWithTolerance(t, g, engine, 1e-5)
}

func checkRewriteWithTolerance(t *testing.T, g *graph.Graph, engine *Engine, tolerance float64) Stats {
	t.Helper()
	rng := rand.New(rand.NewPCG(42, 0))
	inputs := graphtest.RandomInputs(rng, g, 2)
	want, err := evaluator.Eval(g, inputs)
	require.NoError(t, err)
	stats, err := engine.Run(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, g.Validate())
	got, err := evaluator.Eval(g, inputs)
	require.NoError(t, err)
	requireSameOutputs(t, want, got, tolerance)
	return stats
}

func countOps(g *graph.Graph, op graph.OpKind) int {
	var count int
	for _, n := range g.Nodes() {
		if n.Op() == op {
			count++
		}
	}
	return count
}

func TestBackwardBatchNormFolding(t *testing.T) {
	testCases := []struct {
		name  string
		layer func(b *graphtest.Builder, x *graph.Node) *graph.Node
	}{
		{"Conv2D", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2D("layer", x, 3, 5)
		}},
		{"Conv2DWithBias", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2D("layer", x, 3, 5, graph.AttrUseBias, true, graph.AttrPadding, graph.PaddingSame)
		}},
		{"GroupConv2D", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2D("layer", x, 3, 6, graph.AttrGroups, 2, graph.AttrStrides, []int{2, 2})
		}},
		{"DepthwiseConv2D", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.DepthwiseConv2D("layer", x, 3, 2, graph.AttrPadding, graph.PaddingSame, graph.AttrUseBias, true)
		}},
		{"Conv2DTranspose", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2DTranspose("layer", x, 3, 3, graph.AttrStrides, []int{2, 2}, graph.AttrUseBias, true)
		}},
		{"Dense", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Dense("layer", x, 7)
		}},
	}
	for ii, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := graphtest.NewBuilder(tc.name, uint64(ii))
			x := b.Input("x", 6, 6, 4)
			layer := tc.layer(b, x)
			bn := b.BatchNorm("bn", layer, graph.AttrEpsilon, 1e-2)
			g := b.Done(bn)
			stats := checkRewrite(t, g, New(BackwardBatchNormFolding()))
			assert.Equal(t, 1, stats.Applied["BackwardBatchNormFolding"])
			assert.Equal(t, 2, g.NumNodes())
			assert.Nil(t, g.NodeByName("bn"))
			assert.Equal(t, []*graph.Node{layer}, g.OutputNodes())
			useBias, _ := layer.Attrs().GetBool(graph.AttrUseBias)
			assert.True(t, useBias)
			assert.True(t, layer.HasWeight(graph.WeightBias))
		})
	}

	t.Run("NotWithActivation", func(t *testing.T) {
		b := graphtest.NewBuilder("activation", 7)
		x := b.Input("x", 6, 6, 4)
		conv := b.Conv2D("conv", x, 3, 5, graph.AttrActivation, graph.ActivationReLU)
		g := b.Done(b.BatchNorm("bn", conv))
		stats := checkRewrite(t, g, New(BackwardBatchNormFolding()))
		assert.Empty(t, stats.Applied)
		assert.Equal(t, 1, countOps(g, graph.OpBatchNorm))
	})

	t.Run("NotWithSharedWeights", func(t *testing.T) {
		b := graphtest.NewBuilder("shared", 8)
		x := b.Input("x", 4)
		dense1 := b.Dense("dense1", x, 4, graph.AttrWeightGroup, "shared")
		dense2 := b.Dense("dense2", dense1, 4, graph.AttrWeightGroup, "shared")
		g := b.Done(b.BatchNorm("bn", dense2))
		stats := checkRewrite(t, g, New(BackwardBatchNormFolding()))
		assert.Empty(t, stats.Applied)
		assert.Equal(t, 1, stats.Skipped["BackwardBatchNormFolding"])
	})

	t.Run("NotWithOtherConsumers", func(t *testing.T) {
		b := graphtest.NewBuilder("consumers", 9)
		x := b.Input("x", 6, 6, 4)
		conv := b.Conv2D("conv", x, 3, 4)
		g := b.Done(b.BatchNorm("bn", conv), b.ReLU("relu", conv))
		stats := checkRewrite(t, g, New(BackwardBatchNormFolding()))
		assert.Empty(t, stats.Applied)
		assert.Equal(t, 4, g.NumNodes())
	})
}

func TestForwardBatchNormFolding(t *testing.T) {
	testCases := []struct {
		name  string
		layer func(b *graphtest.Builder, x *graph.Node) *graph.Node
	}{
		{"Conv2D", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2D("layer", x, 3, 5, graph.AttrStrides, []int{2, 1})
		}},
		{"PointwiseConv2DSamePadding", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2D("layer", x, 1, 5, graph.AttrPadding, graph.PaddingSame, graph.AttrUseBias, true)
		}},
		{"DepthwiseConv2D", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.DepthwiseConv2D("layer", x, 3, 3, graph.AttrUseBias, true)
		}},
		{"Conv2DTranspose", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2DTranspose("layer", x, 1, 6)
		}},
		{"Dense", func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Dense("layer", x, 3, graph.AttrUseBias, true)
		}},
	}
	for ii, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := graphtest.NewBuilder(tc.name, uint64(100+ii))
			x := b.Input("x", 5, 5, 4)
			bn := b.BatchNorm("bn", x)
			layer := tc.layer(b, bn)
			g := b.Done(layer)
			stats := checkRewrite(t, g, New(ForwardBatchNormFolding()))
			assert.Equal(t, 1, stats.Applied["ForwardBatchNormFolding"])
			assert.Equal(t, 0, countOps(g, graph.OpBatchNorm))
			assert.Equal(t, []*graph.Node{x}, g.Producers(layer))

			// Idempotence: nothing left to fold.
			stats, err := New().Run(context.Background(), g)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Passes)
			assert.Empty(t, stats.Applied)
		})
	}
}

func TestForwardFoldingSkipped(t *testing.T) {
	for _, groups := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("groups=%d", groups), func(t *testing.T) {
			b := graphtest.NewBuilder("groups", uint64(groups))
			x := b.Input("x", 4, 4, 8)
			conv := b.Conv2D("conv", b.BatchNorm("bn", x), 1, 8, graph.AttrGroups, groups)
			g := b.Done(conv)
			assert.Equal(t, groups > 1, matchers.GroupConvolution().Match(conv))
			stats := checkRewrite(t, g, New(ForwardBatchNormFolding()))
			if groups > 1 {
				assert.Empty(t, stats.Applied)
				assert.Equal(t, 1, stats.Skipped["ForwardBatchNormFolding"])
				assert.Equal(t, 1, countOps(g, graph.OpBatchNorm))
			} else {
				assert.Equal(t, 1, stats.Applied["ForwardBatchNormFolding"])
				assert.Equal(t, 0, countOps(g, graph.OpBatchNorm))
			}
		})
	}

	inexact := map[string]func(b *graphtest.Builder, x *graph.Node) *graph.Node{
		"SamePadding": func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2D("conv", x, 3, 4, graph.AttrPadding, graph.PaddingSame)
		},
		"TransposedKernel": func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2DTranspose("conv", x, 2, 4)
		},
		"TransposedStrides": func(b *graphtest.Builder, x *graph.Node) *graph.Node {
			return b.Conv2DTranspose("conv", x, 1, 4, graph.AttrStrides, []int{2, 2})
		},
	}
	for name, layer := range inexact {
		t.Run(name, func(t *testing.T) {
			b := graphtest.NewBuilder(name, 0)
			x := b.Input("x", 4, 4, 4)
			g := b.Done(layer(b, b.BatchNorm("bn", x)))
			stats := checkRewrite(t, g, New(ForwardBatchNormFolding()))
			assert.Empty(t, stats.Applied)
			assert.Equal(t, 1, countOps(g, graph.OpBatchNorm))
		})
	}
}

func TestFusion(t *testing.T) {
	b := graphtest.NewBuilder("fusion", 1)
	x := b.Input("x", 5, 5, 3)
	conv := b.Conv2D("conv", b.Identity("id1", x), 3, 4, graph.AttrPadding, graph.PaddingSame)
	relu := b.ReLU("relu", b.BatchNorm("bn", conv))
	dense := b.Dense("dense", relu, 2, graph.AttrUseBias, true)
	sigmoid := b.Activation("sigmoid", dense, graph.ActivationSigmoid)
	g := b.Done(b.Identity("id2", sigmoid))
	stats := checkRewrite(t, g, New())
	assert.Equal(t, 2, stats.Applied["RemoveIdentity"])
	assert.Equal(t, 1, stats.Applied["BackwardBatchNormFolding"])
	assert.Equal(t, 2, stats.Applied["FuseActivation"])
	assert.Equal(t, 3, g.NumNodes())
	assert.Equal(t, graph.ActivationReLU, conv.Activation())
	assert.Equal(t, graph.ActivationSigmoid, dense.Activation())
	assert.Equal(t, []*graph.Node{dense}, g.OutputNodes())
	assert.Equal(t, []*graph.Node{x}, g.Producers(conv))
}

// testRule is a configurable rule used to test the engine.
type testRule struct {
	name    string
	pattern matchers.Chain
	rewrite func(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error)
}

func (r testRule) Name() string { return r.name }
func (r testRule) Pattern() matchers.Chain { return r.pattern }
func (r testRule) Rewrite(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error) {
	return r.rewrite(g, matched)
}

func TestEngine(t *testing.T) {
	build := func() *graph.Graph {
		b := graphtest.NewBuilder("engine", 3)
		x := b.Input("x", 4)
		return b.Done(b.ReLU("relu", b.Dense("dense", x, 4)))
	}

	t.Run("MaxPassesExceeded", func(t *testing.T) {
		g := build()
		counter := 0
		rule := testRule{name: "Forever", pattern: matchers.NewChain(matchers.Op(graph.OpDense)),
			rewrite: func(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error) {
				counter++
				return g.NewEdit("forever").SetAttr(matched[0], "counter", counter), nil
			}}
		stats, err := New(rule).MaxPasses(5).Run(context.Background(), g)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrMaxPassesExceeded))
		assert.Equal(t, 5, stats.Passes)
		assert.Equal(t, 5, counter)
	})

	t.Run("PanicIsSkipped", func(t *testing.T) {
		g := build()
		rule := testRule{name: "Panic", pattern: matchers.NewChain(matchers.Op(graph.OpDense)),
			rewrite: func(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error) {
				var shape []int
				_ = shape[3]
				return nil, nil
			}}
		before := g.String()
		stats, err := New(rule).Run(context.Background(), g)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Skipped["Panic"])
		assert.Equal(t, before, g.String())
	})

	t.Run("StructuralErrorIsFatal", func(t *testing.T) {
		g := build()
		rule := testRule{name: "Broken", pattern: matchers.NewChain(matchers.Op(graph.OpDense)),
			rewrite: func(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error) {
				return g.NewEdit("broken").RemoveNode(matched[0]), nil
			}}
		before := g.String()
		_, err := New(rule).Run(context.Background(), g)
		var structuralErr *graph.StructuralError
		require.True(t, errors.As(err, &structuralErr), "got error %+v", err)
		assert.Equal(t, before, g.String())
		require.NoError(t, g.Validate())
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := New().Run(ctx, build())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRandomGraphs(t *testing.T) {
	for seed := range uint64(40) {
		g := graphtest.RandomGraph(seed, 16)
		numOutputs := len(g.Outputs())
		stats := checkRewriteWithTolerance(t, g, New(), 1e-4)
		t.Logf("seed=%d: %s", seed, stats)
		assert.Len(t, g.Outputs(), numOutputs)
		for _, e := range g.Edges() {
			require.NotNil(t, g.Node(e.From), "seed=%d: dangling edge %s", seed, e)
			require.NotNil(t, g.Node(e.To), "seed=%d: dangling edge %s", seed, e)
		}
		_, err := g.TopologicalSort()
		require.NoError(t, err)
		assert.Equal(t, 0, countOps(g, graph.OpIdentity), "seed=%d", seed)
	}
}
