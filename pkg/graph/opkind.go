// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

// OpKind is the closed set of operations a Node can represent. It is assigned by the framework
// adapter when the graph is imported, and all variant-specific logic dispatches on it.
type OpKind int

const (
	OpInvalid OpKind = iota

	// OpInput is a graph input placeholder. It has no inputs and no weights.
	OpInput

	OpConv2D
	OpDepthwiseConv2D
	OpConv2DTranspose
	OpDense

	// OpBatchNorm is an inference-mode batch normalization with weights gamma, beta, moving_mean and moving_variance.
	OpBatchNorm

	// OpActivation is a standalone activation, selected by the AttrActivation attribute.
	OpActivation
	OpReLU

	OpAdd
	OpConcat
	OpReshape
	OpMaxPool
	OpAvgPool
	OpSoftmax

	// OpArgMax has no usable gradient.
	OpArgMax

	OpIdentity
)

//go:generate go tool enumer -type=OpKind -trimprefix=Op -values -text -json -output=gen_opkind_enumer.go opkind.go

// KernelLayout describes how the kernel of a weighted operation is laid out.
//
// The flattened (row-major) index over OutputChannelAxes is the output channel of the operation.
// For all variants the output-channel axes are the trailing axes of their group, so that flattening
// matches the channel order of the operation's output.
type KernelLayout struct {
	// WeightName of the kernel in Node.Weight.
	WeightName string

	// OutputChannelAxes whose flattened index gives the output channel.
	OutputChannelAxes []int

	// InputChannelAxis is the axis indexing the input channels (within a group for grouped convolutions).
	InputChannelAxis int

	// SpatialAxes of the kernel window, empty for dense layers.
	SpatialAxes []int
}

// kernelLayouts is the per-variant layout table (channels-last):
//
//   - Conv2D: [kh, kw, in/groups, out]
//   - DepthwiseConv2D: [kh, kw, in, multiplier], output channel = in*multiplier + m.
//   - Conv2DTranspose: [kh, kw, out, in]
//   - Dense: [in, out]
var kernelLayouts = map[OpKind]KernelLayout{
	OpConv2D: {
		WeightName:        WeightKernel,
		OutputChannelAxes: []int{3},
		InputChannelAxis:  2,
		SpatialAxes:       []int{0, 1},
	},
	OpDepthwiseConv2D: {
		WeightName:        WeightDepthwiseKernel,
		OutputChannelAxes: []int{2, 3},
		InputChannelAxis:  2,
		SpatialAxes:       []int{0, 1},
	},
	OpConv2DTranspose: {
		WeightName:        WeightKernel,
		OutputChannelAxes: []int{2},
		InputChannelAxis:  3,
		SpatialAxes:       []int{0, 1},
	},
	OpDense: {
		WeightName:        WeightKernel,
		OutputChannelAxes: []int{1},
		InputChannelAxis:  0,
	},
}

// KernelLayout returns the kernel layout of weighted operations. It returns false for operations without a kernel.
func (op OpKind) KernelLayout() (KernelLayout, bool) {
	layout, found := kernelLayouts[op]
	return layout, found
}

// HasKernel returns whether the operation carries a quantizable kernel.
func (op OpKind) HasKernel() bool {
	_, found := kernelLayouts[op]
	return found
}

// IsConvolution returns whether op is one of the 2D convolution variants.
func (op OpKind) IsConvolution() bool {
	return op == OpConv2D || op == OpDepthwiseConv2D || op == OpConv2DTranspose
}

// IsActivation returns whether op is a standalone element-wise activation.
func (op OpKind) IsActivation() bool {
	return op == OpActivation || op == OpReLU
}

// OutputChannel returns the output channel of the kernel element at the given indices, for a kernel
// with dimensions dims.
func (l KernelLayout) OutputChannel(dims, indices []int) int {
	channel := 0
	for _, axis := range l.OutputChannelAxes {
		channel = channel*dims[axis] + indices[axis]
	}
	return channel
}

// NumOutputChannels returns the number of output channels of a kernel with dimensions dims.
func (l KernelLayout) NumOutputChannels(dims []int) int {
	n := 1
	for _, axis := range l.OutputChannelAxes {
		n *= dims[axis]
	}
	return n
}

// IsPointwise returns whether the kernel window is 1x1 (always true for dense layers).
func (l KernelLayout) IsPointwise(dims []int) bool {
	for _, axis := range l.SpatialAxes {
		if dims[axis] != 1 {
			return false
		}
	}
	return true
}
