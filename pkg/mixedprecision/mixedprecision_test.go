// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mixedprecision

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/graphtest"
	"github.com/gomlx/mpquant/pkg/kpi"
	"github.com/gomlx/mpquant/pkg/quantization"
	"github.com/gomlx/mpquant/pkg/sensitivity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// increasingScores gives every node the score of its candidate index: the highest precision is the least sensitive.
func increasingScores(g *graph.Graph) sensitivity.Scores {
	scores := make(sensitivity.Scores)
	for _, n := range g.Nodes() {
		s := make([]float64, len(n.Candidates()))
		for ii := range s {
			s[ii] = float64(ii) * float64(1+int(n.ID()))
		}
		scores[n.ID()] = s
	}
	return scores
}

func threeNodeGraph() *graph.Graph {
	b := graphtest.NewBuilder("three", 1)
	x := b.Input("x", 8)
	hidden := b.Dense("hidden", x, 4, graph.AttrUseBias, true)
	g := b.Done(b.Dense("logits", hidden, 2))
	quantization.DefaultCandidateConfig().SetCandidates(g)
	return g
}

func TestFallbackAtExactBudget(t *testing.T) {
	g := threeNodeGraph()
	fallback, err := kpi.ComputeResourceUsage(g, kpi.CandidateAssignment(g, 0))
	require.NoError(t, err)
	budget := kpi.Budget{
		kpi.TargetWeightsMemory:    fallback.WeightsMemory,
		kpi.TargetActivationMemory: fallback.ActivationMemory,
		kpi.TargetCompute:          fallback.Compute,
		kpi.TargetTotalMemory:      fallback.TotalMemory,
	}
	p, err := NewProblem(g, increasingScores(g), budget)
	require.NoError(t, err)
	require.Len(t, p.Groups, 3)
	result, err := Search(p, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, result.Choices)
	assert.Zero(t, result.Score)
	assert.True(t, result.Optimal)
	assert.Equal(t, fallback, result.Usage)

	require.NoError(t, Apply(g, p, result))
	for _, n := range g.Nodes() {
		assert.Equal(t, 0, n.SelectedIndex(), "node %s", n.Name())
	}
}

// twoCandidates returns a group with a high precision candidate, with score 0, and a low precision one.
func twoCandidates(name string, weights, compute, score float64) Group {
	return Group{
		Name:       name,
		Candidates: []graph.Precision{{WeightsBits: 8, ActivationBits: 8}, {WeightsBits: 4, ActivationBits: 8}},
		Costs: []kpi.Usage{
			{WeightsMemory: weights, Compute: compute, TotalMemory: weights},
			{WeightsMemory: weights / 2, Compute: compute / 2, TotalMemory: weights / 2},
		},
		Scores: []float64{0, score},
	}
}

// exhaustive returns the lowest score of all assignments that fit the budget.
func exhaustive(p *Problem) (bestChoices []int, bestScore float64, found bool) {
	choices := make([]int, len(p.Groups))
	for {
		if p.Budget.Fits(p.Usage(choices)) {
			if score := p.Score(choices); !found || score < bestScore {
				bestChoices, bestScore, found = append([]int(nil), choices...), score, true
			}
		}
		gIdx := 0
		for gIdx < len(choices) {
			choices[gIdx]++
			if choices[gIdx] < len(p.Groups[gIdx].Candidates) {
				break
			}
			choices[gIdx] = 0
			gIdx++
		}
		if gIdx == len(choices) {
			return
		}
	}
}

func TestOptimalSmallInstance(t *testing.T) {
	p := &Problem{
		Groups: []Group{
			twoCandidates("a", 100, 1000, 5),
			twoCandidates("b", 80, 100, 1),
			twoCandidates("c", 60, 3000, 4),
			twoCandidates("d", 40, 500, 3),
		},
	}
	for _, budget := range []kpi.Budget{
		{kpi.TargetWeightsMemory: 280},
		{kpi.TargetWeightsMemory: 200},
		{kpi.TargetWeightsMemory: 150},
		{kpi.TargetWeightsMemory: 140},
		{kpi.TargetWeightsMemory: 250, kpi.TargetCompute: 3500},
		{kpi.TargetCompute: 2400},
	} {
		t.Run(budget.String(), func(t *testing.T) {
			p.Budget = budget
			want, wantScore, found := exhaustive(p)
			require.True(t, found)
			for _, config := range []Config{DefaultConfig(), {MaxIterations: DefaultMaxIterations, DisableRelaxation: true}} {
				result, err := Search(p, config)
				require.NoError(t, err)
				assert.Equal(t, want, result.Choices)
				assert.Equal(t, wantScore, result.Score)
				assert.True(t, result.Optimal)
				assert.True(t, budget.Fits(result.Usage))
			}
		})
	}

	// Downgrading a and b is the cheapest way to save 80 bytes of weights.
	p.Budget = kpi.Budget{kpi.TargetWeightsMemory: 200}
	result, err := Search(p, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 0, 0}, result.Choices)
	assert.Equal(t, 6.0, result.Score)
}

func TestResultWithinBudget(t *testing.T) {
	p := &Problem{
		Groups: []Group{
			twoCandidates("a", 100, 1000, 5),
			twoCandidates("b", 80, 100, 1),
			twoCandidates("c", 60, 3000, 4),
			twoCandidates("d", 40, 500, 3),
		},
	}
	// The lowest score assignments often go over the budget by the cost of the last group.
	for weights := 140.0; weights <= 280; weights += 5 {
		p.Budget = kpi.Budget{kpi.TargetWeightsMemory: weights}
		_, wantScore, found := exhaustive(p)
		require.True(t, found)
		for _, config := range []Config{
			DefaultConfig(),
			{MaxIterations: DefaultMaxIterations, DisableRelaxation: true},
		} {
			result, err := Search(p, config)
			require.NoError(t, err)
			assert.True(t, p.Budget.Fits(result.Usage), "budget %s, usage %s, choices %v", p.Budget, result.Usage, result.Choices)
			assert.Equal(t, p.Usage(result.Choices), result.Usage)
			assert.Equal(t, wantScore, result.Score, "budget %s", p.Budget)
		}
	}
}

func randomProblem(rng *rand.Rand) *Problem {
	p := &Problem{Base: kpi.Usage{ActivationMemory: 10, TotalMemory: 10}}
	numGroups := 3 + rng.IntN(4)
	for gIdx := range numGroups {
		numCandidates := 1 + rng.IntN(3)
		group := Group{Name: fmt.Sprintf("g%d", gIdx)}
		weights, activations, score := 50+rng.Float64()*100, 10+rng.Float64()*20, 0.0
		for range numCandidates {
			group.Candidates = append(group.Candidates, graph.Precision{WeightsBits: 8, ActivationBits: 8})
			group.Costs = append(group.Costs, kpi.Usage{
				WeightsMemory:    weights,
				ActivationMemory: activations,
				Compute:          weights * activations,
				TotalMemory:      weights + activations,
			})
			group.Scores = append(group.Scores, score)
			weights *= 0.3 + 0.6*rng.Float64()
			activations *= 0.5 + 0.5*rng.Float64()
			score += rng.Float64()
		}
		p.Groups = append(p.Groups, group)
	}
	return p
}

func TestRandomInstances(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	for ii := range 100 {
		p := randomProblem(rng)
		var maxUsage kpi.Usage
		for _, group := range p.Groups {
			maxUsage = maxUsage.Add(group.Costs[0])
		}
		maxUsage = maxUsage.Add(p.Base)
		minimum := p.Minimum()
		alpha := rng.Float64()
		p.Budget = kpi.Budget{
			kpi.TargetTotalMemory: minimum.TotalMemory + alpha*(maxUsage.TotalMemory-minimum.TotalMemory),
		}
		if ii%2 == 0 {
			p.Budget[kpi.TargetCompute] = minimum.Compute + (1-alpha)*(maxUsage.Compute-minimum.Compute)
		}
		_, wantScore, found := exhaustive(p)
		result, err := Search(p, DefaultConfig())
		if !found {
			require.Error(t, err, "instance #%d", ii)
			continue
		}
		require.NoError(t, err, "instance #%d", ii)
		assert.InDelta(t, wantScore, result.Score, 1e-9, "instance #%d", ii)
		assert.True(t, result.Optimal)
		assert.True(t, p.Budget.Fits(result.Usage), "instance #%d", ii)
	}
}

func TestDeterminism(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 0))
	p := randomProblem(rng)
	p.Budget = kpi.Budget{kpi.TargetWeightsMemory: p.Minimum().WeightsMemory * 1.5}
	first, err := Search(p, DefaultConfig())
	require.NoError(t, err)
	for range 5 {
		again, err := Search(p, DefaultConfig())
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestInfeasibleBudget(t *testing.T) {
	p := &Problem{
		Groups: []Group{twoCandidates("a", 100, 1000, 5), twoCandidates("b", 80, 100, 1)},
		Budget: kpi.Budget{kpi.TargetWeightsMemory: 60, kpi.TargetCompute: 1e6},
	}
	_, err := Search(p, DefaultConfig())
	var infeasible *InfeasibleBudgetError
	require.ErrorAs(t, err, &infeasible)
	assert.Equal(t, map[kpi.Target]float64{kpi.TargetWeightsMemory: 30}, infeasible.Shortfall)
	assert.Equal(t, 90.0, infeasible.Minimum.WeightsMemory)
	assert.Contains(t, err.Error(), "weights_memory")
}

func TestIterationCap(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 0))
	p := randomProblem(rng)
	p.Budget = kpi.Budget{kpi.TargetTotalMemory: (p.Minimum().TotalMemory + p.Usage(make([]int, len(p.Groups))).TotalMemory) / 2}
	result, err := Search(p, Config{MaxIterations: 1})
	require.NoError(t, err)
	assert.False(t, result.Optimal)
	assert.True(t, p.Budget.Fits(result.Usage))
	assert.Equal(t, 1, result.Iterations)

	full, err := Search(p, DefaultConfig())
	require.NoError(t, err)
	assert.LessOrEqual(t, full.Score, result.Score)
}

func TestUnconstrained(t *testing.T) {
	p := &Problem{Groups: []Group{{
		Name:       "tie",
		Candidates: []graph.Precision{{WeightsBits: 8, ActivationBits: 8}, {WeightsBits: 4, ActivationBits: 8}},
		Costs:      []kpi.Usage{{WeightsMemory: 10, TotalMemory: 10}, {WeightsMemory: 5, TotalMemory: 5}},
		Scores:     []float64{1, 1},
	}, twoCandidates("b", 80, 100, 1)}}
	result, err := Search(p, DefaultConfig())
	require.NoError(t, err)
	// Equal scores: the lower cost wins.
	assert.Equal(t, []int{1, 0}, result.Choices)
	assert.True(t, result.Optimal)
}

func TestSharedWeights(t *testing.T) {
	b := graphtest.NewBuilder("shared", 2)
	x := b.Input("x", 4)
	first := b.Dense("first", x, 4, graph.AttrWeightGroup, "tied")
	second := b.Dense("second", first, 4, graph.AttrWeightGroup, "tied")
	g := b.Done(second)
	quantization.CandidateConfig{WeightsBits: []int{8, 4}, EnableWeights: true}.SetCandidates(g)
	p, err := NewProblem(g, increasingScores(g), nil)
	require.NoError(t, err)
	require.Len(t, p.Groups, 2)
	tied := p.Groups[1]
	assert.Equal(t, "tied", tied.Name)
	assert.Equal(t, []graph.NodeID{first.ID(), second.ID()}, tied.Nodes)
	// 16 weights stored once, but computed twice.
	assert.Equal(t, 16.0, tied.Costs[0].WeightsMemory)
	assert.Equal(t, 8.0, tied.Costs[1].WeightsMemory)
	firstUsage, err := kpi.NodeUsage(first, tied.Candidates[0])
	require.NoError(t, err)
	assert.Equal(t, 2*firstUsage.Compute, tied.Costs[0].Compute)
	assert.Equal(t, float64(first.ID())+1+float64(second.ID())+1, tied.Scores[1])

	p.Budget = kpi.Budget{kpi.TargetWeightsMemory: 10}
	result, err := Search(p, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, Apply(g, p, result))
	assert.Equal(t, 1, first.SelectedIndex())
	assert.Equal(t, 1, second.SelectedIndex())
	usage, err := kpi.ComputeResourceUsage(g, kpi.SelectedAssignment(g))
	require.NoError(t, err)
	assert.Equal(t, result.Usage, usage)
	assert.True(t, p.Budget.Fits(usage))

	t.Run("DifferentCandidates", func(t *testing.T) {
		first.SetCandidates([]graph.Precision{{WeightsBits: 8, ActivationBits: 32}})
		_, err := NewProblem(g, increasingScores(g), nil)
		require.ErrorContains(t, err, "different candidates")
	})
}

func TestNewProblemErrors(t *testing.T) {
	g := threeNodeGraph()
	_, err := NewProblem(g, sensitivity.Scores{}, nil)
	require.ErrorContains(t, err, "scores")
	_, err = NewProblem(g, increasingScores(g), kpi.Budget{kpi.TargetCompute: -1})
	require.Error(t, err)

	p, err := NewProblem(g, increasingScores(g), nil)
	require.NoError(t, err)
	p.Groups[0].Scores[1] = -1
	_, err = Search(p, DefaultConfig())
	require.ErrorContains(t, err, "negative score")
}
