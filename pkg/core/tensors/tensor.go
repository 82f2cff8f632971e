// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the dense host tensors owned by graph nodes (weights, statistics and test data).
//
// Values are always stored as float32 in row-major order: model weights are imported as float32
// and the quantized representation is only simulated (see package quantization).
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpquant/pkg/core/shapes"
)

// MaxSizeToPrint is the number of elements printed by String before the output is abbreviated.
const MaxSizeToPrint = 8

// Tensor is a dense float32 multidimensional array.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// FromShape returns a zero-initialized tensor of the given shape. The shape must have dtype Float32 and no dynamic axes.
func FromShape(shape shapes.Shape) *Tensor {
	if shape.DType != dtypes.Float32 {
		exceptions.Panicf("tensors.FromShape(%s): only Float32 tensors are supported", shape)
	}
	if shape.HasDynamicAxis() {
		exceptions.Panicf("tensors.FromShape(%s): tensors cannot have dynamic axes", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float32, shape.Size())}
}

// Zeros returns a tensor filled with zeros.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dtypes.Float32, dimensions...))
}

// FromScalarAndDimensions returns a tensor with the given dimensions, filled with value.
func FromScalarAndDimensions(value float32, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	for ii := range t.flat {
		t.flat[ii] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor from the row-major flat data. The data is copied.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	if len(data) != len(t.flat) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: got %d elements, dimensions %v require %d",
			len(data), dimensions, len(t.flat))
	}
	copy(t.flat, data)
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// Memory used by the float32 values, in bytes.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Flat returns the underlying row-major data. Changes to the slice change the tensor.
func (t *Tensor) Flat() []float32 { return t.flat }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// offset converts indices to the flat position, panicking if out of bounds.
func (t *Tensor) offset(indices []int) int {
	if len(indices) != t.Rank() {
		exceptions.Panicf("tensor of shape %s indexed with %d indices", t.shape, len(indices))
	}
	offset := 0
	strides := t.shape.Strides()
	for axis, idx := range indices {
		if idx < 0 || idx >= t.shape.Dimensions[axis] {
			exceptions.Panicf("index %v out of bounds for shape %s", indices, t.shape)
		}
		offset += idx * strides[axis]
	}
	return offset
}

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.flat[t.offset(indices)]
}

// Set the value at the given indices.
func (t *Tensor) Set(value float32, indices ...int) {
	t.flat[t.offset(indices)] = value
}

// ForEachIndex calls fn for every element, in row-major order, with its flat position and its indices.
// The indices slice is reused between calls and must not be retained.
func (t *Tensor) ForEachIndex(fn func(flatIdx int, indices []int)) {
	indices := make([]int, t.Rank())
	for flatIdx := range t.flat {
		fn(flatIdx, indices)
		for axis := t.Rank() - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < t.shape.Dimensions[axis] {
				break
			}
			indices[axis] = 0
		}
	}
}

// MaxAbs returns the largest absolute value, or 0 for empty tensors.
func (t *Tensor) MaxAbs() float32 {
	var maxAbs float32
	for _, v := range t.flat {
		maxAbs = max(maxAbs, float32(math.Abs(float64(v))))
	}
	return maxAbs
}

// MinMax returns the smallest and largest values of the tensor.
func (t *Tensor) MinMax() (minV, maxV float32) {
	if len(t.flat) == 0 {
		return
	}
	minV, maxV = t.flat[0], t.flat[0]
	for _, v := range t.flat[1:] {
		minV = min(minV, v)
		maxV = max(maxV, v)
	}
	return
}

// InDelta returns whether both tensors have the same shape and all values are within delta.
func (t *Tensor) InDelta(t2 *Tensor, delta float64) bool {
	if !t.shape.Equal(t2.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(float64(v)-float64(t2.flat[ii])) > delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. Large tensors are abbreviated.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	sb.WriteString("{")
	for ii, v := range t.flat {
		if ii == MaxSizeToPrint {
			sb.WriteString(", ...")
			break
		}
		if ii > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteString("}")
	return sb.String()
}
