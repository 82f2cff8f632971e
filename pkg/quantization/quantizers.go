// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"math"

	"github.com/x448/float16"
)

// MinThreshold is the smallest threshold considered, to avoid degenerate quantization steps for all-zero tensors.
const MinThreshold = 1.0 / (1 << 16)

// PowerOfTwoThreshold returns the smallest power of two >= threshold (and >= MinThreshold).
func PowerOfTwoThreshold(threshold float64) float64 {
	return math.Exp2(math.Ceil(math.Log2(max(threshold, MinThreshold))))
}

// Delta returns the quantization step for the threshold: threshold / 2^(bits-signed).
func Delta(threshold float64, bits int, signed bool) float64 {
	if signed {
		bits--
	}
	return threshold / math.Exp2(float64(bits))
}

// Symmetric quantizes x to the grid of step Delta(threshold, bits, signed), clipped to
// [-2^(bits-1), 2^(bits-1)-1] steps if signed, or [0, 2^bits-1] steps otherwise.
func Symmetric(x float64, threshold float64, bits int, signed bool) float64 {
	delta := Delta(threshold, bits, signed)
	var minInt, maxInt float64
	if signed {
		minInt, maxInt = -math.Exp2(float64(bits-1)), math.Exp2(float64(bits-1))-1
	} else {
		minInt, maxInt = 0, math.Exp2(float64(bits))-1
	}
	return delta * min(max(math.Round(x/delta), minInt), maxInt)
}

// FixRangeToIncludeZero adjusts the range [rangeMin, rangeMax] so that 0 is exactly representable in
// the uniform grid of 2^bits-1 steps.
func FixRangeToIncludeZero(rangeMin, rangeMax float64, bits int) (float64, float64) {
	switch {
	case rangeMin > 0:
		return 0, rangeMax
	case rangeMax < 0:
		return rangeMin, 0
	}
	scale := (rangeMax - rangeMin) / (math.Exp2(float64(bits)) - 1)
	if scale == 0 {
		return rangeMin, rangeMax
	}
	adjustedMin := scale * math.Round(rangeMin/scale)
	return adjustedMin, rangeMax - rangeMin + adjustedMin
}

// Uniform quantizes x to 2^bits levels uniformly spread over [rangeMin, rangeMax], after the range is fixed
// to include zero.
func Uniform(x float64, rangeMin, rangeMax float64, bits int) float64 {
	rangeMin, rangeMax = FixRangeToIncludeZero(rangeMin, rangeMax, bits)
	scale := (rangeMax - rangeMin) / (math.Exp2(float64(bits)) - 1)
	if scale == 0 {
		return rangeMin
	}
	x = min(max(x, rangeMin), rangeMax)
	return scale*math.Round((x-rangeMin)/scale) + rangeMin
}

// Float16 rounds x to the nearest float16.
func Float16(x float64) float64 {
	return float64(float16.Fromfloat32(float32(x)).Float32())
}
