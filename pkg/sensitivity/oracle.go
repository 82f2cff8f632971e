// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sensitivity

import (
	"context"

	"github.com/gomlx/mpquant/pkg/graph"
)

// Kind of tensor of a node whose sensitivity is estimated.
type Kind int

const (
	// KindWeights is the kernel of the node.
	KindWeights Kind = iota

	// KindActivation is the output of the node.
	KindActivation
)

//go:generate go tool enumer -type=Kind -trimprefix=Kind -values -text -json -output=gen_kind_enumer.go oracle.go

// Target is a tensor whose quantization is perturbed: the kernel or the output of a node.
type Target struct {
	Node graph.NodeID
	Kind Kind
}

// Oracle computes Jacobian-vector products of the graph outputs with respect to a target tensor.
// It is the external gradient computation the estimator relies on, typically backed by the framework
// the model came from.
//
// Implementations must be safe for concurrent use.
type Oracle interface {
	// TargetSize returns the number of elements of the target tensor, the length of the vectors
	// given to JVP.
	TargetSize(target Target) (int, error)

	// JVP returns J·v, where J is the Jacobian of the graph output outputIdx with respect to the target.
	JVP(ctx context.Context, target Target, outputIdx int, v []float32) ([]float32, error)
}
