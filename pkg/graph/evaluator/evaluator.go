// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluator is a naive reference implementation of the forward computation of a graph.
//
// It is slow and simple on purpose: it is the numerical ground truth used to check that substitutions
// preserve the model semantics, and to estimate Jacobian-vector products by finite differences.
// Tensors are channels-last, with a leading batch axis.
package evaluator

import (
	"math"
	"slices"

	"github.com/gomlx/mpquant/pkg/core/shapes"
	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/pkg/errors"
)

// Evaluator runs the forward computation of a graph. It doesn't change the graph, and it is safe
// for concurrent use, as long as the graph is not changed.
type Evaluator struct {
	g     *graph.Graph
	order []*graph.Node
}

// New returns an Evaluator for the graph.
func New(g *graph.Graph) (*Evaluator, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	return &Evaluator{g: g, order: order}, nil
}

// Graph being evaluated.
func (e *Evaluator) Graph() *graph.Graph { return e.g }

// Perturbation is added to a weight of a node, or to the node output if Weight is empty.
type Perturbation struct {
	Node   graph.NodeID
	Weight string
	Delta  *tensors.Tensor
}

// Eval runs the forward computation of the graph, and returns the value of each graph output.
// Inputs are given by the name of the OpInput nodes.
func Eval(g *graph.Graph, inputs map[string]*tensors.Tensor) ([]*tensors.Tensor, error) {
	e, err := New(g)
	if err != nil {
		return nil, err
	}
	return e.Outputs(inputs)
}

// Outputs returns the value of each graph output, with the given perturbations applied.
func (e *Evaluator) Outputs(inputs map[string]*tensors.Tensor, perturbations ...Perturbation) ([]*tensors.Tensor, error) {
	values, err := e.All(inputs, perturbations...)
	if err != nil {
		return nil, err
	}
	outputs := make([]*tensors.Tensor, 0, len(e.g.Outputs()))
	for _, output := range e.g.Outputs() {
		outputs = append(outputs, values[output.Node])
	}
	return outputs, nil
}

// weights gives access to the node weights, with perturbations applied.
type weights map[graph.NodeID]map[string]*tensors.Tensor

func (ws weights) get(n *graph.Node, name string) *tensors.Tensor {
	if w, found := ws[n.ID()][name]; found {
		return w
	}
	return n.Weight(name)
}

func (ws weights) kernel(n *graph.Node) *tensors.Tensor {
	_, layout := n.Kernel()
	return ws.get(n, layout.WeightName)
}

func addTo(t, delta *tensors.Tensor) (*tensors.Tensor, error) {
	if !t.Shape().Equal(delta.Shape()) {
		return nil, errors.Errorf("perturbation of shape %s for a tensor of shape %s", delta.Shape(), t.Shape())
	}
	sum := t.Clone()
	for ii, v := range delta.Flat() {
		sum.Flat()[ii] += v
	}
	return sum, nil
}

// All returns the output of every node, with the given perturbations applied.
func (e *Evaluator) All(inputs map[string]*tensors.Tensor, perturbations ...Perturbation) (map[graph.NodeID]*tensors.Tensor, error) {
	ws := make(weights)
	outputDeltas := make(map[graph.NodeID]*tensors.Tensor)
	for _, p := range perturbations {
		n := e.g.Node(p.Node)
		if n == nil {
			return nil, errors.Errorf("perturbation of node #%d, which is not in the graph", p.Node)
		}
		if p.Weight == "" {
			outputDeltas[p.Node] = p.Delta
			continue
		}
		w := n.Weight(p.Weight)
		if w == nil {
			return nil, errors.Errorf("perturbation of weight %q of node %q, which doesn't have it", p.Weight, n.Name())
		}
		perturbed, err := addTo(w, p.Delta)
		if err != nil {
			return nil, errors.WithMessagef(err, "node %q weight %q", n.Name(), p.Weight)
		}
		if ws[p.Node] == nil {
			ws[p.Node] = make(map[string]*tensors.Tensor)
		}
		ws[p.Node][p.Weight] = perturbed
	}

	values := make(map[graph.NodeID]*tensors.Tensor, len(e.order))
	for _, n := range e.order {
		var operands []*tensors.Tensor
		for _, p := range e.g.Producers(n) {
			operands = append(operands, values[p.ID()])
		}
		var value *tensors.Tensor
		var err error
		if n.Op() == graph.OpInput {
			value = inputs[n.Name()]
			if value == nil {
				return nil, errors.Errorf("missing value for input %q", n.Name())
			}
		} else {
			value, err = evalNode(n, ws, operands)
			if err != nil {
				return nil, errors.WithMessagef(err, "evaluating node %s", n)
			}
		}
		if delta := outputDeltas[n.ID()]; delta != nil {
			if value, err = addTo(value, delta); err != nil {
				return nil, errors.WithMessagef(err, "output of node %q", n.Name())
			}
		}
		values[n.ID()] = value
	}
	return values, nil
}

func evalNode(n *graph.Node, ws weights, operands []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(operands) == 0 {
		return nil, errors.Errorf("node %q has no inputs", n.Name())
	}
	x := operands[0]
	switch n.Op() {
	case graph.OpConv2D, graph.OpDepthwiseConv2D:
		y, err := conv2D(n, ws.kernel(n), x)
		if err != nil {
			return nil, err
		}
		return activate(n.Activation(), addBias(ws.get(n, graph.WeightBias), y))
	case graph.OpConv2DTranspose:
		y, err := conv2DTranspose(n, ws.kernel(n), x)
		if err != nil {
			return nil, err
		}
		return activate(n.Activation(), addBias(ws.get(n, graph.WeightBias), y))
	case graph.OpDense:
		y, err := dense(ws.kernel(n), x)
		if err != nil {
			return nil, err
		}
		return activate(n.Activation(), addBias(ws.get(n, graph.WeightBias), y))
	case graph.OpBatchNorm:
		return batchNorm(n, ws, x)
	case graph.OpReLU:
		return activate(graph.ActivationReLU, x)
	case graph.OpActivation:
		return activate(n.Activation(), x)
	case graph.OpIdentity:
		return x.Clone(), nil
	case graph.OpAdd:
		y := x.Clone()
		for _, operand := range operands[1:] {
			if !operand.Shape().Equal(y.Shape()) {
				return nil, errors.Errorf("Add of incompatible shapes %s and %s", y.Shape(), operand.Shape())
			}
			for ii, v := range operand.Flat() {
				y.Flat()[ii] += v
			}
		}
		return y, nil
	case graph.OpSoftmax:
		return softmax(x), nil
	case graph.OpArgMax:
		return argMax(x), nil
	case graph.OpMaxPool, graph.OpAvgPool:
		return pool(n, x)
	case graph.OpReshape:
		return reshape(n, x)
	case graph.OpConcat:
		return concat(n, operands)
	}
	return nil, errors.Errorf("reference evaluation of %s not implemented", n.Op())
}

func strides(n *graph.Node) (sh, sw int) {
	sh, sw = 1, 1
	if s, found := n.Attrs().GetInts(graph.AttrStrides); found && len(s) == 2 {
		sh, sw = s[0], s[1]
	}
	return
}

// samePadding returns the output size and the padding before, following the TensorFlow convention.
func samePadding(in, kernel, stride int) (out, padBefore int) {
	out = (in + stride - 1) / stride
	total := max((out-1)*stride+kernel-in, 0)
	return out, total / 2
}

// conv2D implements both regular (grouped) and depthwise convolutions.
func conv2D(n *graph.Node, kernel, x *tensors.Tensor) (*tensors.Tensor, error) {
	if kernel == nil || kernel.Rank() != 4 || x.Rank() != 4 {
		return nil, errors.Errorf("conv2D requires rank-4 input and kernel")
	}
	dims, kDims := x.Shape().Dimensions, kernel.Shape().Dimensions
	batch, inH, inW, inC := dims[0], dims[1], dims[2], dims[3]
	kh, kw := kDims[0], kDims[1]
	sh, sw := strides(n)
	depthwise := n.Op() == graph.OpDepthwiseConv2D
	var outC, groups, inPerGroup, outPerGroup int
	if depthwise {
		if kDims[2] != inC {
			return nil, errors.Errorf("depthwise kernel %v incompatible with %d input channels", kDims, inC)
		}
		outC = inC * kDims[3]
	} else {
		groups = 1
		if gr, found := n.Attrs().GetInt(graph.AttrGroups); found {
			groups = gr
		}
		inPerGroup, outC = kDims[2], kDims[3]
		if inPerGroup*groups != inC || outC%groups != 0 {
			return nil, errors.Errorf("kernel %v with %d groups incompatible with %d input channels", kDims, groups, inC)
		}
		outPerGroup = outC / groups
	}

	var outH, outW, padH, padW int
	padding, _ := n.Attrs().GetString(graph.AttrPadding)
	if padding == graph.PaddingSame {
		outH, padH = samePadding(inH, kh, sh)
		outW, padW = samePadding(inW, kw, sw)
	} else {
		outH, outW = (inH-kh)/sh+1, (inW-kw)/sw+1
	}
	if outH <= 0 || outW <= 0 {
		return nil, errors.Errorf("input %v too small for kernel %v", dims, kDims)
	}
	y := tensors.Zeros(batch, outH, outW, outC)
	for b := range batch {
		for oh := range outH {
			for ow := range outW {
				for oc := range outC {
					var sum float64
					for i := range kh {
						ih := oh*sh + i - padH
						if ih < 0 || ih >= inH {
							continue
						}
						for j := range kw {
							iw := ow*sw + j - padW
							if iw < 0 || iw >= inW {
								continue
							}
							if depthwise {
								c, m := oc/kDims[3], oc%kDims[3]
								sum += float64(x.At(b, ih, iw, c)) * float64(kernel.At(i, j, c, m))
								continue
							}
							group := oc / outPerGroup
							for ci := range inPerGroup {
								sum += float64(x.At(b, ih, iw, group*inPerGroup+ci)) * float64(kernel.At(i, j, ci, oc))
							}
						}
					}
					y.Set(float32(sum), b, oh, ow, oc)
				}
			}
		}
	}
	return y, nil
}

// conv2DTranspose scatters each input pixel through the kernel [kh, kw, out, in].
// With "same" padding the output has size in*stride, cropped from the full output.
func conv2DTranspose(n *graph.Node, kernel, x *tensors.Tensor) (*tensors.Tensor, error) {
	if kernel == nil || kernel.Rank() != 4 || x.Rank() != 4 {
		return nil, errors.Errorf("conv2DTranspose requires rank-4 input and kernel")
	}
	dims, kDims := x.Shape().Dimensions, kernel.Shape().Dimensions
	batch, inH, inW, inC := dims[0], dims[1], dims[2], dims[3]
	kh, kw, outC := kDims[0], kDims[1], kDims[2]
	if kDims[3] != inC {
		return nil, errors.Errorf("transposed kernel %v incompatible with %d input channels", kDims, inC)
	}
	sh, sw := strides(n)
	fullH, fullW := (inH-1)*sh+kh, (inW-1)*sw+kw
	outH, outW, cropH, cropW := fullH, fullW, 0, 0
	if padding, _ := n.Attrs().GetString(graph.AttrPadding); padding == graph.PaddingSame {
		outH, outW = inH*sh, inW*sw
		cropH, cropW = max(fullH-outH, 0)/2, max(fullW-outW, 0)/2
	}
	y := tensors.Zeros(batch, outH, outW, outC)
	for b := range batch {
		for ih := range inH {
			for iw := range inW {
				for i := range kh {
					oh := ih*sh + i - cropH
					if oh < 0 || oh >= outH {
						continue
					}
					for j := range kw {
						ow := iw*sw + j - cropW
						if ow < 0 || ow >= outW {
							continue
						}
						for oc := range outC {
							var sum float32
							for ic := range inC {
								sum += x.At(b, ih, iw, ic) * kernel.At(i, j, oc, ic)
							}
							y.Set(y.At(b, oh, ow, oc)+sum, b, oh, ow, oc)
						}
					}
				}
			}
		}
	}
	return y, nil
}

// dense contracts the last axis of x with the kernel [in, out].
func dense(kernel, x *tensors.Tensor) (*tensors.Tensor, error) {
	if kernel == nil || kernel.Rank() != 2 {
		return nil, errors.Errorf("dense requires a rank-2 kernel")
	}
	in, out := kernel.Shape().Dimensions[0], kernel.Shape().Dimensions[1]
	if x.Shape().Dim(-1) != in {
		return nil, errors.Errorf("dense kernel %v incompatible with input %s", kernel.Shape().Dimensions, x.Shape())
	}
	outDims := append([]int(nil), x.Shape().Dimensions...)
	outDims[len(outDims)-1] = out
	y := tensors.Zeros(outDims...)
	rows := x.Size() / in
	for r := range rows {
		for o := range out {
			var sum float64
			for i := range in {
				sum += float64(x.Flat()[r*in+i]) * float64(kernel.At(i, o))
			}
			y.Flat()[r*out+o] = float32(sum)
		}
	}
	return y, nil
}

// addBias adds the bias along the last axis, if there is one.
func addBias(bias, y *tensors.Tensor) *tensors.Tensor {
	if bias == nil {
		return y
	}
	channels := bias.Size()
	for ii := range y.Flat() {
		y.Flat()[ii] += bias.Flat()[ii%channels]
	}
	return y
}

// batchNorm in inference mode over the last axis.
func batchNorm(n *graph.Node, ws weights, x *tensors.Tensor) (*tensors.Tensor, error) {
	channels := x.Shape().Dim(-1)
	epsilon := graph.DefaultBatchNormEpsilon
	if eps, found := n.Attrs().GetFloat(graph.AttrEpsilon); found {
		epsilon = eps
	}
	params := make(map[string]*tensors.Tensor, 4)
	for _, name := range []string{graph.WeightGamma, graph.WeightBeta, graph.WeightMovingMean, graph.WeightMovingVariance} {
		w := ws.get(n, name)
		if w == nil {
			continue
		}
		if w.Size() != channels {
			return nil, errors.Errorf("batch normalization weight %q has %d values for %d channels", name, w.Size(), channels)
		}
		params[name] = w
	}
	param := func(name string, c int, defaultValue float64) float64 {
		if w := params[name]; w != nil {
			return float64(w.Flat()[c])
		}
		return defaultValue
	}
	y := x.Clone()
	for ii, v := range y.Flat() {
		c := ii % channels
		gamma, beta := param(graph.WeightGamma, c, 1), param(graph.WeightBeta, c, 0)
		mean, variance := param(graph.WeightMovingMean, c, 0), param(graph.WeightMovingVariance, c, 1)
		y.Flat()[ii] = float32(gamma*(float64(v)-mean)/math.Sqrt(variance+epsilon) + beta)
	}
	return y, nil
}

// pool implements max and average pooling over the spatial axes of a [batch, height, width, channels] input.
// With "same" padding the average only counts the elements inside the input.
func pool(n *graph.Node, x *tensors.Tensor) (*tensors.Tensor, error) {
	if x.Rank() != 4 {
		return nil, errors.Errorf("%s requires a rank-4 input, got %s", n.Op(), x.Shape())
	}
	ph, pw := 2, 2
	if size, found := n.Attrs().GetInts(graph.AttrPoolSize); found {
		if len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
			return nil, errors.Errorf("invalid %s %v", graph.AttrPoolSize, size)
		}
		ph, pw = size[0], size[1]
	}
	sh, sw := ph, pw
	if _, found := n.Attrs().GetInts(graph.AttrStrides); found {
		sh, sw = strides(n)
	}
	dims := x.Shape().Dimensions
	batch, inH, inW, channels := dims[0], dims[1], dims[2], dims[3]
	var outH, outW, padH, padW int
	if padding, _ := n.Attrs().GetString(graph.AttrPadding); padding == graph.PaddingSame {
		outH, padH = samePadding(inH, ph, sh)
		outW, padW = samePadding(inW, pw, sw)
	} else {
		outH, outW = (inH-ph)/sh+1, (inW-pw)/sw+1
	}
	if outH <= 0 || outW <= 0 {
		return nil, errors.Errorf("input %v too small for pool size [%d %d]", dims, ph, pw)
	}
	isMax := n.Op() == graph.OpMaxPool
	y := tensors.Zeros(batch, outH, outW, channels)
	for b := range batch {
		for oh := range outH {
			for ow := range outW {
				for c := range channels {
					var sum float64
					count := 0
					maxV := float32(math.Inf(-1))
					for i := range ph {
						ih := oh*sh + i - padH
						if ih < 0 || ih >= inH {
							continue
						}
						for j := range pw {
							iw := ow*sw + j - padW
							if iw < 0 || iw >= inW {
								continue
							}
							v := x.At(b, ih, iw, c)
							maxV = max(maxV, v)
							sum += float64(v)
							count++
						}
					}
					if isMax {
						y.Set(maxV, b, oh, ow, c)
					} else {
						y.Set(float32(sum/float64(count)), b, oh, ow, c)
					}
				}
			}
		}
	}
	return y, nil
}

// reshape to the node output shape, with the dynamic axes taking the remaining size.
func reshape(n *graph.Node, x *tensors.Tensor) (*tensors.Tensor, error) {
	if len(n.OutputShapes()) == 0 {
		return nil, errors.Errorf("reshape node %q has no output shape", n.Name())
	}
	dims := slices.Clone(n.OutputShapes()[0].Dimensions)
	known, dynamic := 1, -1
	for ii, dim := range dims {
		if dim != shapes.DynamicAxis {
			known *= dim
			continue
		}
		if dynamic >= 0 {
			return nil, errors.Errorf("reshape to %v has more than one dynamic axis", dims)
		}
		dynamic = ii
	}
	if dynamic >= 0 && known > 0 {
		dims[dynamic] = x.Size() / known
		known *= dims[dynamic]
	}
	if known != x.Size() {
		return nil, errors.Errorf("can't reshape %s to %v", x.Shape(), n.OutputShapes()[0].Dimensions)
	}
	return tensors.FromFlatDataAndDimensions(x.Flat(), dims...), nil
}

// concat concatenates the operands along AttrAxis.
func concat(n *graph.Node, operands []*tensors.Tensor) (*tensors.Tensor, error) {
	rank := operands[0].Rank()
	axis := -1
	if a, found := n.Attrs().GetInt(graph.AttrAxis); found {
		axis = a
	}
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, errors.Errorf("concat axis %d out of range for rank %d", axis, rank)
	}
	outDims := slices.Clone(operands[0].Shape().Dimensions)
	outDims[axis] = 0
	for _, operand := range operands {
		dims := operand.Shape().Dimensions
		if len(dims) != rank {
			return nil, errors.Errorf("concat of operands of different ranks")
		}
		for ii := range dims {
			if ii != axis && dims[ii] != outDims[ii] {
				return nil, errors.Errorf("concat of incompatible shapes %s and %s on axis %d", operands[0].Shape(), operand.Shape(), axis)
			}
		}
		outDims[axis] += dims[axis]
	}
	// Each operand contributes a contiguous block of size block*dims[axis] per outer index.
	outer, inner := 1, 1
	for _, dim := range outDims[:axis] {
		outer *= dim
	}
	for _, dim := range outDims[axis+1:] {
		inner *= dim
	}
	flat := make([]float32, 0, outer*outDims[axis]*inner)
	for o := range outer {
		for _, operand := range operands {
			block := operand.Shape().Dimensions[axis] * inner
			flat = append(flat, operand.Flat()[o*block:(o+1)*block]...)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, outDims...), nil
}

// argMax returns the index of the largest value over the last axis, the first one on ties.
func argMax(x *tensors.Tensor) *tensors.Tensor {
	dims := x.Shape().Dimensions
	last := dims[len(dims)-1]
	y := tensors.Zeros(dims[:len(dims)-1]...)
	for r := range y.Size() {
		row := x.Flat()[r*last : (r+1)*last]
		best := 0
		for ii, v := range row {
			if v > row[best] {
				best = ii
			}
		}
		y.Flat()[r] = float32(best)
	}
	return y
}

func activate(activation string, x *tensors.Tensor) (*tensors.Tensor, error) {
	var fn func(float64) float64
	switch activation {
	case graph.ActivationLinear:
		return x, nil
	case graph.ActivationReLU:
		fn = func(v float64) float64 { return max(v, 0) }
	case graph.ActivationReLU6:
		fn = func(v float64) float64 { return min(max(v, 0), 6) }
	case graph.ActivationSigmoid:
		fn = func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	case graph.ActivationTanh:
		fn = math.Tanh
	case graph.ActivationSwish:
		fn = func(v float64) float64 { return v / (1 + math.Exp(-v)) }
	default:
		return nil, errors.Errorf("unknown activation %q", activation)
	}
	y := x.Clone()
	for ii, v := range y.Flat() {
		y.Flat()[ii] = float32(fn(float64(v)))
	}
	return y, nil
}

func softmax(x *tensors.Tensor) *tensors.Tensor {
	y := x.Clone()
	last := x.Shape().Dim(-1)
	flat := y.Flat()
	for start := 0; start < len(flat); start += last {
		row := flat[start : start+last]
		maxV := row[0]
		for _, v := range row {
			maxV = max(maxV, v)
		}
		var sum float64
		for ii, v := range row {
			e := math.Exp(float64(v - maxV))
			row[ii] = float32(e)
			sum += e
		}
		for ii := range row {
			row[ii] = float32(float64(row[ii]) / sum)
		}
	}
	return y
}
