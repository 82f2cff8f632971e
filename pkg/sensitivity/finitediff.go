// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sensitivity

import (
	"context"

	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/evaluator"
	"github.com/pkg/errors"
)

// DefaultEpsilon is the default step of the FiniteDifferenceOracle.
const DefaultEpsilon = 1e-3

// FiniteDifferenceOracle approximates Jacobian-vector products with central differences over the reference
// evaluator, on a fixed batch of representative inputs:
//
//	J·v ≈ (f(x + ε·v) - f(x - ε·v)) / 2ε
//
// It is exact for graphs that are linear on the target, and it requires no framework.
type FiniteDifferenceOracle struct {
	eval    *evaluator.Evaluator
	inputs  map[string]*tensors.Tensor
	epsilon float64

	// values of every node on the unperturbed inputs, used for the activation shapes.
	values map[graph.NodeID]*tensors.Tensor
}

var _ Oracle = (*FiniteDifferenceOracle)(nil)

// NewFiniteDifferenceOracle creates an oracle for the graph on the given inputs, keyed by input node name.
// If epsilon <= 0, DefaultEpsilon is used.
func NewFiniteDifferenceOracle(g *graph.Graph, inputs map[string]*tensors.Tensor, epsilon float64) (*FiniteDifferenceOracle, error) {
	eval, err := evaluator.New(g)
	if err != nil {
		return nil, err
	}
	values, err := eval.All(inputs)
	if err != nil {
		return nil, errors.WithMessage(err, "evaluating the unperturbed graph")
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &FiniteDifferenceOracle{eval: eval, inputs: inputs, epsilon: epsilon, values: values}, nil
}

// perturbed returns the target tensor shape and the name of the perturbed weight ("" for activations).
func (o *FiniteDifferenceOracle) perturbed(target Target) (dims []int, weight string, err error) {
	n := o.eval.Graph().Node(target.Node)
	if n == nil {
		return nil, "", errors.Errorf("target node #%d not in graph", target.Node)
	}
	switch target.Kind {
	case KindWeights:
		kernel, layout := n.Kernel()
		if kernel == nil {
			return nil, "", errors.Errorf("node %q has no kernel", n.Name())
		}
		return kernel.Shape().Dimensions, layout.WeightName, nil
	case KindActivation:
		return o.values[n.ID()].Shape().Dimensions, "", nil
	}
	return nil, "", errors.Errorf("unknown target kind %s", target.Kind)
}

// TargetSize implements Oracle.
func (o *FiniteDifferenceOracle) TargetSize(target Target) (int, error) {
	dims, _, err := o.perturbed(target)
	if err != nil {
		return 0, err
	}
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size, nil
}

// JVP implements Oracle.
func (o *FiniteDifferenceOracle) JVP(ctx context.Context, target Target, outputIdx int, v []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outputs := o.eval.Graph().Outputs()
	if outputIdx < 0 || outputIdx >= len(outputs) {
		return nil, errors.Errorf("output index %d out of range (%d outputs)", outputIdx, len(outputs))
	}
	dims, weight, err := o.perturbed(target)
	if err != nil {
		return nil, err
	}
	output := func(sign float32) ([]float32, error) {
		delta := tensors.Zeros(dims...)
		if len(v) != delta.Size() {
			return nil, errors.Errorf("vector of length %d for a target of %d elements", len(v), delta.Size())
		}
		for ii, x := range v {
			delta.Flat()[ii] = sign * float32(o.epsilon) * x
		}
		values, err := o.eval.All(o.inputs, evaluator.Perturbation{Node: target.Node, Weight: weight, Delta: delta})
		if err != nil {
			return nil, err
		}
		return values[outputs[outputIdx].Node].Flat(), nil
	}
	plus, err := output(1)
	if err != nil {
		return nil, err
	}
	minus, err := output(-1)
	if err != nil {
		return nil, err
	}
	jv := make([]float32, len(plus))
	for ii := range jv {
		jv[ii] = float32((float64(plus[ii]) - float64(minus[ii])) / (2 * o.epsilon))
	}
	return jv, nil
}
