// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest builds small graphs with random weights for tests.
package graphtest

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpquant/pkg/core/shapes"
	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/graph"
)

// Builder creates graphs with randomly initialized weights and inferred shapes.
// The batch axis is left dynamic in the node shapes.
//
// It panics on errors: it is meant for tests only.
type Builder struct {
	Graph *graph.Graph
	rng   *rand.Rand
}

// NewBuilder returns a Builder for a new graph. The seed makes the weights reproducible.
func NewBuilder(name string, seed uint64) *Builder {
	return &Builder{
		Graph: graph.New(name),
		rng:   rand.New(rand.NewPCG(seed, 0x6d70)),
	}
}

// RandomTensor returns a tensor with values uniformly sampled from [-1, 1).
func RandomTensor(rng *rand.Rand, dimensions ...int) *tensors.Tensor {
	t := tensors.Zeros(dimensions...)
	for ii := range t.Flat() {
		t.Flat()[ii] = 2*rng.Float32() - 1
	}
	return t
}

// RandomPositiveTensor returns a tensor with values uniformly sampled from [low, high).
func RandomPositiveTensor(rng *rand.Rand, low, high float32, dimensions ...int) *tensors.Tensor {
	t := tensors.Zeros(dimensions...)
	for ii := range t.Flat() {
		t.Flat()[ii] = low + (high-low)*rng.Float32()
	}
	return t
}

// Rng returns the random number generator used for the weights.
func (b *Builder) Rng() *rand.Rand { return b.rng }

func (b *Builder) add(config graph.NodeConfig, inputs ...*graph.Node) *graph.Node {
	in := make([]graph.Input, len(inputs))
	config.InputShapes = make([]shapes.Shape, len(inputs))
	for ii, x := range inputs {
		in[ii] = graph.Input{Node: x}
		config.InputShapes[ii] = outputShape(x)
	}
	return b.Graph.MustAddNode(config, in...)
}

func outputShape(n *graph.Node) shapes.Shape {
	return n.OutputShapes()[0]
}

func shapeWith(dims ...int) []shapes.Shape {
	return []shapes.Shape{shapes.Make(dtypes.Float32, dims...)}
}

// Input creates an OpInput node with the given dimensions, not counting the batch axis.
func (b *Builder) Input(name string, dimensions ...int) *graph.Node {
	dims := append([]int{shapes.DynamicAxis}, dimensions...)
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpInput, OutputShapes: shapeWith(dims...)})
}

func (b *Builder) withBias(attrs *graph.Attributes, weights map[string]*tensors.Tensor, channels int) {
	if useBias, _ := attrs.GetBool(graph.AttrUseBias); useBias {
		weights[graph.WeightBias] = RandomTensor(b.rng, channels)
	}
}

func spatialOutput(attrs *graph.Attributes, inH, inW, kernelSize int) (outH, outW int) {
	sh, sw := 1, 1
	if s, found := attrs.GetInts(graph.AttrStrides); found && len(s) == 2 {
		sh, sw = s[0], s[1]
	}
	if padding, _ := attrs.GetString(graph.AttrPadding); padding == graph.PaddingSame {
		outH, _ = samePadding(inH, kernelSize, sh)
		outW, _ = samePadding(inW, kernelSize, sw)
		return
	}
	return (inH-kernelSize)/sh + 1, (inW-kernelSize)/sw + 1
}

// Conv2D creates a convolution with a square kernel. The optional attributes are given as key/value pairs,
// see graph.NewAttributes.
func (b *Builder) Conv2D(name string, x *graph.Node, kernelSize, outChannels int, attrs ...any) *graph.Node {
	a := graph.NewAttributes(attrs...)
	groups := 1
	if gr, found := a.GetInt(graph.AttrGroups); found {
		groups = gr
	}
	dims := outputShape(x).Dimensions
	inC := dims[3]
	outH, outW := spatialOutput(a, dims[1], dims[2], kernelSize)
	weights := map[string]*tensors.Tensor{
		graph.WeightKernel: RandomTensor(b.rng, kernelSize, kernelSize, inC/groups, outChannels),
	}
	b.withBias(a, weights, outChannels)
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpConv2D, Attrs: a, Weights: weights,
		OutputShapes: shapeWith(dims[0], outH, outW, outChannels)}, x)
}

// DepthwiseConv2D creates a depthwise convolution with a square kernel.
func (b *Builder) DepthwiseConv2D(name string, x *graph.Node, kernelSize, multiplier int, attrs ...any) *graph.Node {
	a := graph.NewAttributes(attrs...)
	a.Set(graph.AttrDepthMultiplier, multiplier)
	dims := outputShape(x).Dimensions
	inC := dims[3]
	outH, outW := spatialOutput(a, dims[1], dims[2], kernelSize)
	weights := map[string]*tensors.Tensor{
		graph.WeightDepthwiseKernel: RandomTensor(b.rng, kernelSize, kernelSize, inC, multiplier),
	}
	b.withBias(a, weights, inC*multiplier)
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpDepthwiseConv2D, Attrs: a, Weights: weights,
		OutputShapes: shapeWith(dims[0], outH, outW, inC*multiplier)}, x)
}

// Conv2DTranspose creates a transposed convolution with a square kernel.
func (b *Builder) Conv2DTranspose(name string, x *graph.Node, kernelSize, outChannels int, attrs ...any) *graph.Node {
	a := graph.NewAttributes(attrs...)
	dims := outputShape(x).Dimensions
	inC := dims[3]
	sh, sw := 1, 1
	if s, found := a.GetInts(graph.AttrStrides); found && len(s) == 2 {
		sh, sw = s[0], s[1]
	}
	outH, outW := (dims[1]-1)*sh+kernelSize, (dims[2]-1)*sw+kernelSize
	if padding, _ := a.GetString(graph.AttrPadding); padding == graph.PaddingSame {
		outH, outW = dims[1]*sh, dims[2]*sw
	}
	weights := map[string]*tensors.Tensor{
		graph.WeightKernel: RandomTensor(b.rng, kernelSize, kernelSize, outChannels, inC),
	}
	b.withBias(a, weights, outChannels)
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpConv2DTranspose, Attrs: a, Weights: weights,
		OutputShapes: shapeWith(dims[0], outH, outW, outChannels)}, x)
}

// Dense creates a fully connected layer over the last axis.
func (b *Builder) Dense(name string, x *graph.Node, units int, attrs ...any) *graph.Node {
	a := graph.NewAttributes(attrs...)
	dims := slices.Clone(outputShape(x).Dimensions)
	in := dims[len(dims)-1]
	weights := map[string]*tensors.Tensor{graph.WeightKernel: RandomTensor(b.rng, in, units)}
	b.withBias(a, weights, units)
	dims[len(dims)-1] = units
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpDense, Attrs: a, Weights: weights,
		OutputShapes: shapeWith(dims...)}, x)
}

// BatchNorm creates a batch normalization over the last axis, with random statistics and
// strictly positive variances.
func (b *Builder) BatchNorm(name string, x *graph.Node, attrs ...any) *graph.Node {
	a := graph.NewAttributes(attrs...)
	shape := outputShape(x)
	weights := BatchNormWeights(b.rng, shape.Dim(-1))
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpBatchNorm, Attrs: a, Weights: weights,
		OutputShapes: []shapes.Shape{shape.Clone()}}, x)
}

// BatchNormWeights returns random batch normalization parameters for the given number of channels.
func BatchNormWeights(rng *rand.Rand, channels int) map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		graph.WeightGamma:          RandomPositiveTensor(rng, 0.5, 1.5, channels),
		graph.WeightBeta:           RandomTensor(rng, channels),
		graph.WeightMovingMean:     RandomTensor(rng, channels),
		graph.WeightMovingVariance: RandomPositiveTensor(rng, 0.5, 1.5, channels),
	}
}

func (b *Builder) elementwise(name string, op graph.OpKind, attrs *graph.Attributes, inputs ...*graph.Node) *graph.Node {
	return b.add(graph.NodeConfig{Name: name, Op: op, Attrs: attrs,
		OutputShapes: []shapes.Shape{outputShape(inputs[0]).Clone()}}, inputs...)
}

// Activation creates a standalone activation node.
func (b *Builder) Activation(name string, x *graph.Node, activation string) *graph.Node {
	return b.elementwise(name, graph.OpActivation, graph.NewAttributes(graph.AttrActivation, activation), x)
}

// ReLU creates an OpReLU node.
func (b *Builder) ReLU(name string, x *graph.Node) *graph.Node {
	return b.elementwise(name, graph.OpReLU, nil, x)
}

// Identity creates an OpIdentity node.
func (b *Builder) Identity(name string, x *graph.Node) *graph.Node {
	return b.elementwise(name, graph.OpIdentity, nil, x)
}

// Add creates an element-wise sum of the inputs, which must have the same shape.
func (b *Builder) Add(name string, inputs ...*graph.Node) *graph.Node {
	return b.elementwise(name, graph.OpAdd, nil, inputs...)
}

// Softmax over the last axis.
func (b *Builder) Softmax(name string, x *graph.Node) *graph.Node {
	return b.elementwise(name, graph.OpSoftmax, nil, x)
}

// ArgMax over the last axis.
func (b *Builder) ArgMax(name string, x *graph.Node) *graph.Node {
	dims := outputShape(x).Dimensions
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpArgMax,
		OutputShapes: []shapes.Shape{shapes.Make(dtypes.Int32, dims[:len(dims)-1]...)}}, x)
}

// Pool creates an OpMaxPool or OpAvgPool node with a square window, strides equal to the window
// unless AttrStrides is given.
func (b *Builder) Pool(name string, op graph.OpKind, x *graph.Node, size int, attrs ...any) *graph.Node {
	a := graph.NewAttributes(append([]any{graph.AttrPoolSize, []int{size, size}}, attrs...)...)
	if _, found := a.GetInts(graph.AttrStrides); !found {
		a.Set(graph.AttrStrides, []int{size, size})
	}
	dims := outputShape(x).Dimensions
	outH, outW := spatialOutput(a, dims[1], dims[2], size)
	return b.add(graph.NodeConfig{Name: name, Op: op, Attrs: a,
		OutputShapes: shapeWith(dims[0], outH, outW, dims[3])}, x)
}

// Reshape creates an OpReshape node to the given dimensions, not counting the batch axis.
func (b *Builder) Reshape(name string, x *graph.Node, dimensions ...int) *graph.Node {
	dims := append([]int{shapes.DynamicAxis}, dimensions...)
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpReshape, OutputShapes: shapeWith(dims...)}, x)
}

// Concat creates an OpConcat node over the last axis.
func (b *Builder) Concat(name string, inputs ...*graph.Node) *graph.Node {
	dims := slices.Clone(outputShape(inputs[0]).Dimensions)
	dims[len(dims)-1] = 0
	for _, x := range inputs {
		dims[len(dims)-1] += outputShape(x).Dim(-1)
	}
	return b.add(graph.NodeConfig{Name: name, Op: graph.OpConcat, Attrs: graph.NewAttributes(graph.AttrAxis, -1),
		OutputShapes: shapeWith(dims...)}, inputs...)
}

// Done sets the outputs of the graph and returns it.
func (b *Builder) Done(outputs ...*graph.Node) *graph.Graph {
	if err := b.Graph.SetOutputs(outputs...); err != nil {
		exceptions.Panicf("Builder.Done: %+v", err)
	}
	return b.Graph
}

// RandomInputs returns random values for every input node of the graph, with the given batch size.
func RandomInputs(rng *rand.Rand, g *graph.Graph, batchSize int) map[string]*tensors.Tensor {
	inputs := make(map[string]*tensors.Tensor)
	for _, n := range g.InputNodes() {
		dims := slices.Clone(outputShape(n).Dimensions)
		for ii, dim := range dims {
			if dim == shapes.DynamicAxis {
				dims[ii] = batchSize
			}
		}
		inputs[n.Name()] = RandomTensor(rng, dims...)
	}
	return inputs
}

// RandomGraph creates a random DAG of numNodes operations (plus one input) whose node outputs all have
// shape [batch, 5, 5, 4]. It mixes convolutions of every kind, batch normalizations, activations, identities
// and additions, so every substitution has something to match. Nodes without consumers become the outputs.
func RandomGraph(seed uint64, numNodes int) *graph.Graph {
	const channels = 4
	b := NewBuilder(fmt.Sprintf("random_%d", seed), seed)
	rng := b.rng
	nodes := []*graph.Node{b.Input("x", 5, 5, channels)}
	pick := func() *graph.Node {
		// Biased towards recent nodes, to create longer chains.
		if len(nodes) > 2 && rng.IntN(3) > 0 {
			return nodes[len(nodes)-1-rng.IntN(2)]
		}
		return nodes[rng.IntN(len(nodes))]
	}
	for ii := range numNodes {
		name := fmt.Sprintf("n%d", ii)
		x := pick()
		var n *graph.Node
		switch rng.IntN(11) {
		case 0:
			n = b.Conv2D(name, x, 1, channels, graph.AttrUseBias, rng.IntN(2) == 0)
		case 1:
			n = b.Conv2D(name, x, 3, channels, graph.AttrPadding, graph.PaddingSame, graph.AttrUseBias, true)
		case 2:
			n = b.Conv2D(name, x, 1, channels, graph.AttrGroups, 2)
		case 3:
			n = b.DepthwiseConv2D(name, x, 3, 1, graph.AttrPadding, graph.PaddingSame)
		case 4:
			n = b.Conv2DTranspose(name, x, 1, channels, graph.AttrUseBias, true)
		case 5:
			n = b.Dense(name, x, channels, graph.AttrUseBias, rng.IntN(2) == 0)
		case 6, 7:
			n = b.BatchNorm(name, x)
		case 8:
			if rng.IntN(2) == 0 {
				n = b.ReLU(name, x)
			} else {
				n = b.Activation(name, x, graph.ActivationTanh)
			}
		case 9:
			n = b.Identity(name, x)
		case 10:
			n = b.Add(name, x, nodes[rng.IntN(len(nodes))])
		}
		nodes = append(nodes, n)
	}
	var outputs []*graph.Node
	for _, n := range nodes[1:] {
		if len(b.Graph.Consumers(n)) == 0 {
			outputs = append(outputs, n)
		}
	}
	if len(outputs) == 0 {
		outputs = append(outputs, nodes[0])
	}
	return b.Done(outputs...)
}

// samePadding returns the output size for "same" padding, and the padding before.
func samePadding(in, kernel, stride int) (out, padBefore int) {
	out = (in + stride - 1) / stride
	total := max((out-1)*stride+kernel-in, 0)
	return out, total / 2
}
