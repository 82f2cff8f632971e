// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kpi computes the resource usage (KPI) of a graph for a given precision assignment: weights memory,
// activation memory, compute (bit-operations) and total memory.
//
// It is used both by the mixed-precision search, as its cost model, and standalone to report the footprint of
// a model and help choose a Budget.
package kpi

import (
	"fmt"
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// Target is a resource axis that can be constrained by a Budget.
type Target int

const (
	// TargetWeightsMemory is the memory used by the kernels, in bytes. Biases are not counted.
	TargetWeightsMemory Target = iota

	// TargetActivationMemory is the sum of the memory of every node output, in bytes, batch axis excluded.
	TargetActivationMemory

	// TargetCompute is the number of bit-operations: multiply-accumulates times weights bits times activation bits.
	TargetCompute

	// TargetTotalMemory is weights plus activation memory.
	TargetTotalMemory
)

//go:generate go tool enumer -type=Target -trimprefix=Target -transform=snake -values -text -json -output=gen_target_enumer.go kpi.go

// Usage of each resource axis.
type Usage struct {
	WeightsMemory    float64 `json:"weights_memory"`
	ActivationMemory float64 `json:"activation_memory"`
	Compute          float64 `json:"compute"`
	TotalMemory      float64 `json:"total_memory"`
}

// Get returns the usage of the target axis.
func (u Usage) Get(target Target) float64 {
	switch target {
	case TargetWeightsMemory:
		return u.WeightsMemory
	case TargetActivationMemory:
		return u.ActivationMemory
	case TargetCompute:
		return u.Compute
	case TargetTotalMemory:
		return u.TotalMemory
	}
	return 0
}

// With returns a copy of the usage with the target axis set to v.
func (u Usage) With(target Target, v float64) Usage {
	switch target {
	case TargetWeightsMemory:
		u.WeightsMemory = v
	case TargetActivationMemory:
		u.ActivationMemory = v
	case TargetCompute:
		u.Compute = v
	case TargetTotalMemory:
		u.TotalMemory = v
	}
	return u
}

// Add returns the sum of both usages.
func (u Usage) Add(u2 Usage) Usage {
	return Usage{
		WeightsMemory:    u.WeightsMemory + u2.WeightsMemory,
		ActivationMemory: u.ActivationMemory + u2.ActivationMemory,
		Compute:          u.Compute + u2.Compute,
		TotalMemory:      u.TotalMemory + u2.TotalMemory,
	}
}

// String implements fmt.Stringer.
func (u Usage) String() string {
	return fmt.Sprintf("{weights_memory=%g, activation_memory=%g, compute=%g, total_memory=%g}",
		u.WeightsMemory, u.ActivationMemory, u.Compute, u.TotalMemory)
}

// Budget holds optional ceilings per resource axis. Axes not present are unconstrained.
type Budget map[Target]float64

// Targets returns the constrained axes, in order.
func (b Budget) Targets() []Target {
	return slices.Sorted(maps.Keys(b))
}

// Validate checks that the ceilings are non-negative and the targets known.
func (b Budget) Validate() error {
	for target, ceiling := range b {
		if !target.IsATarget() {
			return errors.Errorf("budget has unknown target %s", target)
		}
		if ceiling < 0 {
			return errors.Errorf("budget for %s is negative (%g)", target, ceiling)
		}
	}
	return nil
}

// WithinCeiling compares a usage to a ceiling with a relative tolerance for the rounding of the sums.
func WithinCeiling(v, ceiling float64) bool {
	return v <= ceiling+1e-9*max(ceiling, 1)
}

// Exceeded returns by how much the usage exceeds each constrained axis. It is empty if the usage fits.
func (b Budget) Exceeded(u Usage) map[Target]float64 {
	exceeded := make(map[Target]float64)
	for target, ceiling := range b {
		if v := u.Get(target); !WithinCeiling(v, ceiling) {
			exceeded[target] = v - ceiling
		}
	}
	return exceeded
}

// Fits returns whether the usage is within every ceiling.
func (b Budget) Fits(u Usage) bool {
	return len(b.Exceeded(u)) == 0
}

// String implements fmt.Stringer.
func (b Budget) String() string {
	if len(b) == 0 {
		return "{unconstrained}"
	}
	parts := make([]string, 0, len(b))
	for _, target := range b.Targets() {
		parts = append(parts, fmt.Sprintf("%s<=%g", target, b[target]))
	}
	return fmt.Sprintf("%v", parts)
}
