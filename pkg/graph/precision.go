// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// FloatBits is the bit-width of the unquantized (float32) representation.
const FloatBits = 32

// Precision is a (weights, activation) bit-width pair assigned to a node.
// WeightsBits is 0 for nodes without a quantizable kernel.
type Precision struct {
	WeightsBits, ActivationBits int
}

// String implements fmt.Stringer, e.g. "w8a4".
func (p Precision) String() string {
	if p.WeightsBits == 0 {
		return fmt.Sprintf("a%d", p.ActivationBits)
	}
	return fmt.Sprintf("w%da%d", p.WeightsBits, p.ActivationBits)
}

// SetCandidates sets the admissible precisions of the node, ordered from highest to lowest precision.
// It resets any previous selection.
func (n *Node) SetCandidates(candidates []Precision) {
	n.candidates = slices.Clone(candidates)
	n.selected = -1
}

// Candidates returns the admissible precisions set by SetCandidates.
func (n *Node) Candidates() []Precision { return n.candidates }

// Select the candidate at the given index as the active precision of the node.
func (n *Node) Select(candidateIdx int) {
	if candidateIdx < 0 || candidateIdx >= len(n.candidates) {
		exceptions.Panicf("node %q: candidate index %d out of range (%d candidates)", n.name, candidateIdx, len(n.candidates))
	}
	n.selected = candidateIdx
}

// Selected returns the active precision of the node, if one was selected.
func (n *Node) Selected() (Precision, bool) {
	if n.selected < 0 || n.selected >= len(n.candidates) {
		return Precision{}, false
	}
	return n.candidates[n.selected], true
}

// SelectedIndex returns the index of the active candidate, or -1.
func (n *Node) SelectedIndex() int { return n.selected }
