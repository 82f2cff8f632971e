// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

// Attribute keys used by the framework adapters and by the substitutions.
const (
	AttrActivation      = "activation"
	AttrUseBias         = "use_bias"
	AttrGroups          = "groups"
	AttrEpsilon         = "epsilon"
	AttrPadding         = "padding"
	AttrStrides         = "strides"
	AttrDepthMultiplier = "depth_multiplier"

	// AttrPoolSize is the [height, width] window of OpMaxPool and OpAvgPool. Their strides default to it.
	AttrPoolSize = "pool_size"

	// AttrAxis of OpConcat. Negative values count from the end, and it defaults to the last axis.
	AttrAxis = "axis"

	// AttrWeightGroup marks nodes that share the same weights (a layer reused several times in the model).
	AttrWeightGroup = "weight_group"
)

// Values of AttrActivation.
const (
	ActivationLinear  = "linear"
	ActivationReLU    = "relu"
	ActivationReLU6   = "relu6"
	ActivationSigmoid = "sigmoid"
	ActivationTanh    = "tanh"
	ActivationSwish   = "swish"
)

// Values of AttrPadding.
const (
	PaddingValid = "valid"
	PaddingSame  = "same"
)

// Weight names.
const (
	WeightKernel          = "kernel"
	WeightDepthwiseKernel = "depthwise_kernel"
	WeightBias            = "bias"
	WeightGamma           = "gamma"
	WeightBeta            = "beta"
	WeightMovingMean      = "moving_mean"
	WeightMovingVariance  = "moving_variance"
)

// DefaultBatchNormEpsilon is used when a batch normalization node has no AttrEpsilon.
const DefaultBatchNormEpsilon = 1e-3
