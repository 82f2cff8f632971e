// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package substitutions

import (
	"fmt"
	"math"

	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/matchers"
	"github.com/pkg/errors"
)

// batchNormAffine is the per-channel affine transform y = scale*x + shift of an inference batch normalization.
type batchNormAffine struct {
	scale, shift []float64
}

// readBatchNorm returns the affine transform of the batch normalization: scale = gamma/sqrt(variance+epsilon),
// shift = beta - mean*scale. Missing gamma defaults to 1 and missing beta to 0.
func readBatchNorm(bn *graph.Node, channels int) (batchNormAffine, error) {
	epsilon := graph.DefaultBatchNormEpsilon
	if eps, found := bn.Attrs().GetFloat(graph.AttrEpsilon); found {
		epsilon = eps
	}
	param := func(name string, defaultValue float64, required bool) ([]float64, error) {
		values := make([]float64, channels)
		w := bn.Weight(name)
		if w == nil {
			if required {
				return nil, errors.Wrapf(ErrSkipMatch, "batch normalization %q has no %q", bn.Name(), name)
			}
			for ii := range values {
				values[ii] = defaultValue
			}
			return values, nil
		}
		if w.Size() != channels {
			return nil, errors.Wrapf(ErrSkipMatch, "batch normalization %q has %d values of %q, but the convolution has %d channels",
				bn.Name(), w.Size(), name, channels)
		}
		for ii, v := range w.Flat() {
			values[ii] = float64(v)
		}
		return values, nil
	}
	var gamma, beta, mean, variance []float64
	var err error
	if gamma, err = param(graph.WeightGamma, 1, false); err != nil {
		return batchNormAffine{}, err
	}
	if beta, err = param(graph.WeightBeta, 0, false); err != nil {
		return batchNormAffine{}, err
	}
	if mean, err = param(graph.WeightMovingMean, 0, true); err != nil {
		return batchNormAffine{}, err
	}
	if variance, err = param(graph.WeightMovingVariance, 0, true); err != nil {
		return batchNormAffine{}, err
	}
	affine := batchNormAffine{scale: make([]float64, channels), shift: make([]float64, channels)}
	for c := range channels {
		if variance[c]+epsilon <= 0 {
			return batchNormAffine{}, errors.Wrapf(ErrSkipMatch, "batch normalization %q has non-positive variance+epsilon in channel %d",
				bn.Name(), c)
		}
		affine.scale[c] = gamma[c] / math.Sqrt(variance[c]+epsilon)
		affine.shift[c] = beta[c] - mean[c]*affine.scale[c]
	}
	return affine, nil
}

// biasOf returns the bias of the node as float64, or zeros if it has none.
func biasOf(n *graph.Node, channels int) ([]float64, error) {
	bias := make([]float64, channels)
	w := n.Weight(graph.WeightBias)
	if w == nil {
		return bias, nil
	}
	if w.Size() != channels {
		return nil, errors.Wrapf(ErrSkipMatch, "node %q has a bias of size %d for %d output channels", n.Name(), w.Size(), channels)
	}
	for ii, v := range w.Flat() {
		bias[ii] = float64(v)
	}
	return bias, nil
}

func toTensor(values []float64) *tensors.Tensor {
	t := tensors.Zeros(len(values))
	for ii, v := range values {
		t.Flat()[ii] = float32(v)
	}
	return t
}

// sharesWeights returns whether other nodes in the graph share the weights of n: folding into n would
// change them for every usage.
func sharesWeights(g *graph.Graph, n *graph.Node) bool {
	group := n.WeightGroup()
	for _, other := range g.Nodes() {
		if other != n && other.WeightGroup() == group {
			return true
		}
	}
	return false
}

// bypass reconnects the consumers (and graph outputs) of removed to output index fromIndex of replacement,
// and removes it.
func bypass(g *graph.Graph, edit *graph.Edit, removed, replacement *graph.Node, fromIndex int) {
	edit.RemoveEdges(g.InEdges(removed))
	for _, e := range g.OutEdges(removed) {
		edit.RemoveEdge(e)
		edit.AddEdge(replacement, fromIndex, g.Node(e.To), e.ToIndex)
	}
	if g.IsOutput(removed) {
		edit.RedirectOutputs(removed, replacement)
	}
	edit.RemoveNode(removed)
}

type backwardFolding struct{}

// BackwardBatchNormFolding folds a batch normalization into the convolution (or dense layer) that feeds it:
// with scale s = gamma/sqrt(variance+epsilon), the kernel is scaled by s along its output channels and the bias
// becomes (bias-mean)*s + beta. The convolution must have a linear activation, and the batch normalization
// must be its sole consumer.
func BackwardBatchNormFolding() Rule { return backwardFolding{} }

func (backwardFolding) Name() string { return "BackwardBatchNormFolding" }

func (backwardFolding) Pattern() matchers.Chain {
	return matchers.NewChain(
		matchers.Convolution().And(matchers.Activation(graph.ActivationLinear)),
		matchers.Op(graph.OpBatchNorm))
}

func (r backwardFolding) Rewrite(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error) {
	conv, bn := matched[0], matched[1]
	kernel, layout := conv.Kernel()
	if kernel == nil {
		return nil, errors.Wrapf(ErrSkipMatch, "node %q has no %q", conv.Name(), layout.WeightName)
	}
	if sharesWeights(g, conv) {
		return nil, errors.Wrapf(ErrSkipMatch, "node %q shares its weights with other nodes", conv.Name())
	}
	dims := kernel.Shape().Dimensions
	channels := layout.NumOutputChannels(dims)
	affine, err := readBatchNorm(bn, channels)
	if err != nil {
		return nil, err
	}
	bias, err := biasOf(conv, channels)
	if err != nil {
		return nil, err
	}

	folded := kernel.Clone()
	kernel.ForEachIndex(func(flatIdx int, indices []int) {
		s := affine.scale[layout.OutputChannel(dims, indices)]
		folded.Flat()[flatIdx] = float32(float64(kernel.Flat()[flatIdx]) * s)
	})
	for c := range bias {
		// (b-mean)*s + beta == b*s + shift
		bias[c] = bias[c]*affine.scale[c] + affine.shift[c]
	}

	edit := g.NewEdit(fmt.Sprintf("%s(%q <- %q)", r.Name(), conv.Name(), bn.Name()))
	edit.SetWeight(conv, layout.WeightName, folded).
		SetWeight(conv, graph.WeightBias, toTensor(bias)).
		SetAttr(conv, graph.AttrUseBias, true)
	bypass(g, edit, bn, conv, 0)
	return edit, nil
}

type forwardFolding struct{}

// ForwardBatchNormFolding folds a batch normalization into the convolution (or dense layer) it feeds:
// with y = s*x + f, the kernel is scaled by s along its input channels and the bias is increased by the
// sum of kernel*f over the spatial and input-channel axes.
//
// The fold is only exact if every output element sees the whole kernel window applied to normalized values.
// So matches are skipped for group convolutions (ambiguous channel correspondence), for convolutions with
// "same" padding and a kernel larger than 1x1 (the zero padding isn't normalized), and for transposed
// convolutions other than 1x1 with stride 1 (output elements see a varying part of the kernel).
func ForwardBatchNormFolding() Rule { return forwardFolding{} }

func (forwardFolding) Name() string { return "ForwardBatchNormFolding" }

func (forwardFolding) Pattern() matchers.Chain {
	return matchers.NewChain(matchers.Op(graph.OpBatchNorm), matchers.Convolution())
}

var groupConvolution = matchers.GroupConvolution()

// forwardFoldable returns a reason why forward folding into conv isn't exact, or "" if it is.
func forwardFoldable(conv *graph.Node, layout graph.KernelLayout, dims []int) string {
	if groupConvolution.Match(conv) {
		return "group convolution"
	}
	pointwise := layout.IsPointwise(dims)
	switch conv.Op() {
	case graph.OpConv2D, graph.OpDepthwiseConv2D:
		if padding, _ := conv.Attrs().GetString(graph.AttrPadding); padding == graph.PaddingSame && !pointwise {
			return "convolution with \"same\" padding and a kernel larger than 1x1"
		}
	case graph.OpConv2DTranspose:
		if !pointwise {
			return "transposed convolution with a kernel larger than 1x1"
		}
		if strides, found := conv.Attrs().GetInts(graph.AttrStrides); found {
			for _, stride := range strides {
				if stride != 1 {
					return "transposed convolution with strides"
				}
			}
		}
	}
	return ""
}

func (r forwardFolding) Rewrite(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error) {
	bn, conv := matched[0], matched[1]
	kernel, layout := conv.Kernel()
	if kernel == nil {
		return nil, errors.Wrapf(ErrSkipMatch, "node %q has no %q", conv.Name(), layout.WeightName)
	}
	dims := kernel.Shape().Dimensions
	if reason := forwardFoldable(conv, layout, dims); reason != "" {
		return nil, errors.Wrapf(ErrSkipMatch, "cannot fold %q into %s %q", bn.Name(), reason, conv.Name())
	}
	if sharesWeights(g, conv) {
		return nil, errors.Wrapf(ErrSkipMatch, "node %q shares its weights with other nodes", conv.Name())
	}
	bnInputs := g.InEdges(bn)
	if len(bnInputs) != 1 {
		return nil, errors.Wrapf(ErrSkipMatch, "batch normalization %q has %d inputs", bn.Name(), len(bnInputs))
	}
	affine, err := readBatchNorm(bn, dims[layout.InputChannelAxis])
	if err != nil {
		return nil, err
	}
	outChannels := layout.NumOutputChannels(dims)
	bias, err := biasOf(conv, outChannels)
	if err != nil {
		return nil, err
	}

	folded := kernel.Clone()
	kernel.ForEachIndex(func(flatIdx int, indices []int) {
		in := indices[layout.InputChannelAxis]
		k := float64(kernel.Flat()[flatIdx])
		folded.Flat()[flatIdx] = float32(k * affine.scale[in])
		bias[layout.OutputChannel(dims, indices)] += k * affine.shift[in]
	})

	edit := g.NewEdit(fmt.Sprintf("%s(%q -> %q)", r.Name(), bn.Name(), conv.Name()))
	edit.SetWeight(conv, layout.WeightName, folded).
		SetWeight(conv, graph.WeightBias, toTensor(bias)).
		SetAttr(conv, graph.AttrUseBias, true)
	producer := bnInputs[0]
	edit.RemoveEdge(producer)
	for _, e := range g.OutEdges(bn) {
		edit.RemoveEdge(e)
		edit.AddEdge(g.Node(producer.From), producer.FromIndex, conv, e.ToIndex)
	}
	edit.RemoveNode(bn)
	return edit, nil
}
