// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quantization implements the fixed-point quantizers, the selection of their thresholds and the
// quantization error used as the local perturbation proxy of the sensitivity estimation.
//
// It also defines the candidate precisions a mixed-precision search chooses from, see CandidateConfig.
package quantization

import (
	"slices"

	"github.com/gomlx/mpquant/pkg/graph"
)

// Float16Bits is the bit-width that selects a float16 representation instead of a fixed-point one.
const Float16Bits = 16

var (
	// DefaultWeightsBits are the default weights bit-width candidates.
	DefaultWeightsBits = []int{8, 4, 2}

	// DefaultActivationBits are the default activation bit-width candidates.
	DefaultActivationBits = []int{8, 4}
)

// CandidateConfig defines the admissible precisions of each node.
type CandidateConfig struct {
	WeightsBits, ActivationBits []int

	// EnableWeights and EnableActivations: when disabled, the corresponding tensors stay in float32.
	EnableWeights, EnableActivations bool
}

// DefaultCandidateConfig returns the default bit-width candidates, with both weights and activations quantized.
func DefaultCandidateConfig() CandidateConfig {
	return CandidateConfig{
		WeightsBits:       slices.Clone(DefaultWeightsBits),
		ActivationBits:    slices.Clone(DefaultActivationBits),
		EnableWeights:     true,
		EnableActivations: true,
	}
}

// descending returns the distinct values of bits, largest first.
func descending(bits []int) []int {
	sorted := slices.Clone(bits)
	slices.Sort(sorted)
	slices.Reverse(sorted)
	return slices.Compact(sorted)
}

// Candidates returns the candidate precisions of the node, from highest to lowest precision: the first one is
// the maximum precision fallback. Nodes without a kernel have WeightsBits 0, and nodes whose output is not
// a float tensor (ArgMax) are never quantized.
func (c CandidateConfig) Candidates(n *graph.Node) []graph.Precision {
	weightsBits := []int{0}
	if n.Op().HasKernel() {
		weightsBits = []int{graph.FloatBits}
		if c.EnableWeights && len(c.WeightsBits) > 0 {
			weightsBits = descending(c.WeightsBits)
		}
	}
	activationBits := []int{graph.FloatBits}
	if c.EnableActivations && len(c.ActivationBits) > 0 && n.Op() != graph.OpArgMax {
		activationBits = descending(c.ActivationBits)
	}
	candidates := make([]graph.Precision, 0, len(weightsBits)*len(activationBits))
	for _, wBits := range weightsBits {
		for _, aBits := range activationBits {
			candidates = append(candidates, graph.Precision{WeightsBits: wBits, ActivationBits: aBits})
		}
	}
	return candidates
}

// SetCandidates sets the candidates of every node of the graph.
func (c CandidateConfig) SetCandidates(g *graph.Graph) {
	for _, n := range g.Nodes() {
		n.SetCandidates(c.Candidates(n))
	}
}
