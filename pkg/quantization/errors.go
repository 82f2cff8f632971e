// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/graph"
	"golang.org/x/exp/constraints"
)

// ErrorMethod selects how the quantization threshold (or range) is chosen.
type ErrorMethod int

const (
	// NoClipping uses the full range of the values: nothing is clipped.
	NoClipping ErrorMethod = iota

	// MSE searches the threshold that minimizes the mean squared error, trading clipping for resolution.
	MSE

	// MAE searches the threshold that minimizes the mean absolute error.
	MAE
)

//go:generate go tool enumer -type=ErrorMethod -values -text -json -output=gen_errormethod_enumer.go errors.go

// Scheme is the fixed-point quantization scheme.
type Scheme int

const (
	// SchemePowerOfTwo is a symmetric quantization with a power of two threshold.
	SchemePowerOfTwo Scheme = iota

	// SchemeSymmetric is a symmetric quantization with an arbitrary threshold.
	SchemeSymmetric

	// SchemeUniform quantizes uniformly over a [min, max] range that includes zero.
	SchemeUniform
)

//go:generate go tool enumer -type=Scheme -trimprefix=Scheme -values -text -json -output=gen_scheme_enumer.go errors.go

// NumSearchSteps is the number of thresholds tried by the clipping-aware error methods:
// for SchemePowerOfTwo the successive halvings of the maximal threshold, otherwise 100%, 90%, ... of it.
const NumSearchSteps = 8

// ErrorConfig configures the quantization error proxy.
type ErrorConfig struct {
	// Method used to select thresholds.
	Method ErrorMethod

	// WeightsScheme and ActivationScheme are the quantizers of kernels and activations.
	WeightsScheme, ActivationScheme Scheme
}

// DefaultErrorConfig uses NoClipping and power of two thresholds.
func DefaultErrorConfig() ErrorConfig {
	return ErrorConfig{Method: NoClipping, WeightsScheme: SchemePowerOfTwo, ActivationScheme: SchemePowerOfTwo}
}

// sample is a value with a weight (a histogram bin count).
type sample struct {
	value, weight float64
}

// meanDistance is the weighted mean of |x - q(x)|^p.
func meanDistance[T constraints.Float](samples []sample, q func(T) T, p float64) float64 {
	var sum, weights float64
	for _, s := range samples {
		d := math.Abs(s.value - float64(q(T(s.value))))
		if p == 2 {
			d *= d
		}
		sum += s.weight * d
		weights += s.weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// quantizerFor returns the quantizer of the scheme for the given range, shrunk step times.
func quantizerFor(scheme Scheme, bits int, minV, maxV float64, step int) func(float64) float64 {
	signed := minV < 0
	maxAbs := max(math.Abs(minV), math.Abs(maxV))
	switch scheme {
	case SchemePowerOfTwo:
		threshold := PowerOfTwoThreshold(maxAbs) / math.Exp2(float64(step))
		return func(x float64) float64 { return Symmetric(x, threshold, bits, signed) }
	case SchemeSymmetric:
		threshold := max(maxAbs, MinThreshold) * (1 - 0.1*float64(step))
		return func(x float64) float64 { return Symmetric(x, threshold, bits, signed) }
	case SchemeUniform:
		alpha := 1 - 0.1*float64(step)
		rangeMin, rangeMax := minV*alpha, maxV*alpha
		return func(x float64) float64 { return Uniform(x, rangeMin, rangeMax, bits) }
	}
	exceptions.Panicf("unknown quantization scheme %s", scheme)
	return nil
}

// quantizationError returns the mean squared error of quantizing the samples to bits, with the threshold
// chosen by method. Bits >= FloatBits means no quantization, and Float16Bits a float16 rounding.
func quantizationError(samples []sample, minV, maxV float64, bits int, scheme Scheme, method ErrorMethod) float64 {
	switch {
	case bits >= graph.FloatBits || bits <= 0 || len(samples) == 0:
		return 0
	case bits == Float16Bits:
		return meanDistance(samples, Float16, 2)
	}
	best := quantizerFor(scheme, bits, minV, maxV, 0)
	if method != NoClipping {
		p := 2.0
		if method == MAE {
			p = 1
		}
		bestDistance := meanDistance(samples, best, p)
		for step := 1; step < NumSearchSteps; step++ {
			q := quantizerFor(scheme, bits, minV, maxV, step)
			if d := meanDistance(samples, q, p); d < bestDistance {
				best, bestDistance = q, d
			}
		}
	}
	return meanDistance(samples, best, 2)
}

// WeightsError returns the mean squared error of quantizing the tensor to the given bits.
func (c ErrorConfig) WeightsError(t *tensors.Tensor, bits int) float64 {
	if t == nil {
		return 0
	}
	samples := make([]sample, t.Size())
	for ii, v := range t.Flat() {
		samples[ii] = sample{value: float64(v), weight: 1}
	}
	minV, maxV := t.MinMax()
	return quantizationError(samples, float64(minV), float64(maxV), bits, c.WeightsScheme, c.Method)
}

// ActivationError returns the mean squared error of quantizing to the given bits an activation with
// the given statistics.
func (c ErrorConfig) ActivationError(stats Statistics, bits int) float64 {
	return quantizationError(stats.samples(), stats.Min, stats.Max, bits, c.ActivationScheme, c.Method)
}
