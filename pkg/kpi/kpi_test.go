// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kpi

import (
	"testing"

	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/graphtest"
	"github.com/gomlx/mpquant/pkg/quantization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildModel returns x:[4,4,3] -> conv 3x3:[2,2,2] -> dense:[2,2,5].
func buildModel() (g *graph.Graph, x, conv, dense *graph.Node) {
	b := graphtest.NewBuilder("kpi", 1)
	x = b.Input("x", 4, 4, 3)
	conv = b.Conv2D("conv", x, 3, 2)
	dense = b.Dense("dense", conv, 5)
	g = b.Done(dense)
	return
}

func TestComputeResourceUsage(t *testing.T) {
	g, x, conv, dense := buildModel()

	macs, err := MACs(conv)
	require.NoError(t, err)
	assert.Equal(t, int64(216), macs)
	macs, err = MACs(x)
	require.NoError(t, err)
	assert.Equal(t, int64(0), macs)

	float, err := ComputeResourceUsage(g, nil)
	require.NoError(t, err)
	assert.Equal(t, Usage{WeightsMemory: 256, ActivationMemory: 304, Compute: 262144, TotalMemory: 560}, float)

	assignment := Assignment{
		x.ID():     {ActivationBits: 8},
		conv.ID():  {WeightsBits: 8, ActivationBits: 4},
		dense.ID(): {WeightsBits: 4, ActivationBits: 8},
	}
	u, err := ComputeResourceUsage(g, assignment)
	require.NoError(t, err)
	assert.Equal(t, Usage{WeightsMemory: 59, ActivationMemory: 72, Compute: 8192, TotalMemory: 131}, u)
	assert.Equal(t, 72.0, u.Get(TargetActivationMemory))

	_, err = ComputeResourceUsage(g, Assignment{graph.NodeID(100): {ActivationBits: 8}})
	require.Error(t, err)
}

func TestTransposedMACs(t *testing.T) {
	b := graphtest.NewBuilder("transposed", 2)
	x := b.Input("x", 2, 2, 3)
	transposed := b.Conv2DTranspose("transposed", x, 2, 4)
	b.Done(transposed)
	macs, err := MACs(transposed)
	require.NoError(t, err)
	assert.Equal(t, int64(2*2*3*2*2*4), macs)
}

func TestComputeKPIData(t *testing.T) {
	g, _, conv, _ := buildModel()
	quantization.DefaultCandidateConfig().SetCandidates(g)
	data, err := ComputeKPIData(g)
	require.NoError(t, err)
	assert.Equal(t, Usage{WeightsMemory: 64, ActivationMemory: 76, Compute: 16384, TotalMemory: 140}, data.Max)
	assert.Equal(t, Usage{WeightsMemory: 16, ActivationMemory: 38, Compute: 2048, TotalMemory: 54}, data.Min)

	maxUsage, err := ComputeResourceUsage(g, CandidateAssignment(g, 0))
	require.NoError(t, err)
	assert.Equal(t, data.Max, maxUsage)
	minUsage, err := ComputeResourceUsage(g, CandidateAssignment(g, -1))
	require.NoError(t, err)
	assert.Equal(t, data.Min, minUsage)

	conv.Select(1)
	selected := SelectedAssignment(g)
	assert.Equal(t, Assignment{conv.ID(): {WeightsBits: 8, ActivationBits: 4}}, selected)
}

func TestSharedWeights(t *testing.T) {
	b := graphtest.NewBuilder("tied", 3)
	x := b.Input("x", 4)
	first := b.Dense("first", x, 4, graph.AttrWeightGroup, "tied")
	second := b.Dense("second", first, 4, graph.AttrWeightGroup, "tied")
	g := b.Done(second)

	// The 4x4 kernel is stored once, but both nodes compute with it.
	u, err := ComputeResourceUsage(g, nil)
	require.NoError(t, err)
	firstUsage, err := NodeUsage(first, FloatPrecision(first))
	require.NoError(t, err)
	assert.Equal(t, 64.0, u.WeightsMemory)
	assert.Equal(t, 2*firstUsage.Compute, u.Compute)
	assert.Equal(t, u.WeightsMemory+u.ActivationMemory, u.TotalMemory)

	quantization.CandidateConfig{WeightsBits: []int{8, 4}, EnableWeights: true}.SetCandidates(g)
	data, err := ComputeKPIData(g)
	require.NoError(t, err)
	assert.Equal(t, 16.0, data.Max.WeightsMemory)
	assert.Equal(t, 8.0, data.Min.WeightsMemory)
	maxUsage, err := ComputeResourceUsage(g, CandidateAssignment(g, 0))
	require.NoError(t, err)
	assert.Equal(t, data.Max, maxUsage)
}

func TestBudget(t *testing.T) {
	u := Usage{WeightsMemory: 100, ActivationMemory: 50, Compute: 1000, TotalMemory: 150}
	budget := Budget{TargetWeightsMemory: 80, TargetCompute: 1000}
	require.NoError(t, budget.Validate())
	assert.Equal(t, []Target{TargetWeightsMemory, TargetCompute}, budget.Targets())
	assert.Equal(t, map[Target]float64{TargetWeightsMemory: 20}, budget.Exceeded(u))
	assert.False(t, budget.Fits(u))
	assert.True(t, Budget{}.Fits(u))
	assert.True(t, Budget{TargetTotalMemory: 150}.Fits(u))
	// Rounding of the sums is tolerated.
	a, b := 0.1, 0.2
	assert.True(t, Budget{TargetTotalMemory: 0.3}.Fits(Usage{TotalMemory: a + b}))
	assert.False(t, Budget{TargetTotalMemory: 0.3}.Fits(Usage{TotalMemory: 0.31}))
	assert.Error(t, Budget{TargetCompute: -1}.Validate())
	assert.Error(t, Budget{Target(17): 1}.Validate())

	target, err := TargetString("activation_memory")
	require.NoError(t, err)
	assert.Equal(t, TargetActivationMemory, target)
}

func TestReports(t *testing.T) {
	g, x, conv, dense := buildModel()
	assignment := Assignment{
		x.ID():     {ActivationBits: 8},
		conv.ID():  {WeightsBits: 8, ActivationBits: 4},
		dense.ID(): {WeightsBits: 4, ActivationBits: 8},
	}
	u, err := ComputeResourceUsage(g, assignment)
	require.NoError(t, err)
	report := Report(u, Budget{TargetWeightsMemory: 50})
	assert.Contains(t, report, "weights_memory")
	assert.Contains(t, report, "total_memory")
	assert.Contains(t, report, "9 B")

	nodes, err := NodesReport(g, assignment)
	require.NoError(t, err)
	assert.Contains(t, nodes, "conv")
	assert.Contains(t, nodes, "w8a4")
	assert.Contains(t, nodes, "total")

	assert.Equal(t, "1.5 kBOPs", FormatValue(TargetCompute, 1500))
}
