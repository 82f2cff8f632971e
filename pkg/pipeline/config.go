// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"maps"
	"runtime"
	"slices"

	"github.com/gomlx/mpquant/pkg/kpi"
	"github.com/gomlx/mpquant/pkg/mixedprecision"
	"github.com/gomlx/mpquant/pkg/quantization"
	"github.com/gomlx/mpquant/pkg/sensitivity"
	"github.com/gomlx/mpquant/pkg/substitutions"
	"github.com/pkg/errors"
)

// Config of a pipeline run. Create it with NewConfig and change it with its setters, which can be cascaded.
// Invalid values are reported by Run.
type Config struct {
	err error

	rules       []substitutions.Rule
	maxPasses   int
	candidates  quantization.CandidateConfig
	errorConfig quantization.ErrorConfig
	numProbes   int
	seed        uint64
	parallelism int
	budget      kpi.Budget
	search      mixedprecision.Config
	onProgress  func(done, total int)
}

// NewConfig returns the default configuration: default substitution rules, default candidates, no clipping
// and an unconstrained budget.
func NewConfig() *Config {
	return &Config{
		rules:       substitutions.DefaultRules(),
		maxPasses:   substitutions.DefaultMaxPasses,
		candidates:  quantization.DefaultCandidateConfig(),
		errorConfig: quantization.DefaultErrorConfig(),
		numProbes:   sensitivity.DefaultNumProbes,
		parallelism: runtime.NumCPU(),
		search:      mixedprecision.DefaultConfig(),
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Err returns the first invalid setting, if any.
func (c *Config) Err() error { return c.err }

// Rules sets the substitution rules, applied in order.
func (c *Config) Rules(rules ...substitutions.Rule) *Config {
	c.rules = slices.Clone(rules)
	return c
}

// MaxPasses sets the maximum number of substitution passes. It must be positive.
func (c *Config) MaxPasses(n int) *Config {
	if n <= 0 {
		c.setError(errors.Errorf("MaxPasses(%d): it must be positive", n))
		return c
	}
	c.maxPasses = n
	return c
}

// ErrorMethod sets how quantization thresholds are chosen for the error proxy.
func (c *Config) ErrorMethod(method quantization.ErrorMethod) *Config {
	if !method.IsAErrorMethod() {
		c.setError(errors.Errorf("unknown error method %s", method))
		return c
	}
	c.errorConfig.Method = method
	return c
}

// Schemes sets the quantization schemes of weights and activations used by the error proxy.
func (c *Config) Schemes(weights, activations quantization.Scheme) *Config {
	c.errorConfig.WeightsScheme = weights
	c.errorConfig.ActivationScheme = activations
	return c
}

// EnableWeights sets whether kernels are quantized. If disabled they stay in float32.
func (c *Config) EnableWeights(enabled bool) *Config {
	c.candidates.EnableWeights = enabled
	return c
}

// EnableActivations sets whether node outputs are quantized. If disabled they stay in float32.
func (c *Config) EnableActivations(enabled bool) *Config {
	c.candidates.EnableActivations = enabled
	return c
}

func validBits(bits []int) error {
	if len(bits) == 0 {
		return errors.New("at least one bit-width is required")
	}
	for _, b := range bits {
		if b <= 0 || b > 32 {
			return errors.Errorf("invalid bit-width %d", b)
		}
	}
	return nil
}

// WeightsBits sets the candidate bit-widths of the kernels. 16 selects float16.
func (c *Config) WeightsBits(bits ...int) *Config {
	if err := validBits(bits); err != nil {
		c.setError(errors.WithMessage(err, "WeightsBits"))
		return c
	}
	c.candidates.WeightsBits = slices.Clone(bits)
	return c
}

// ActivationBits sets the candidate bit-widths of the node outputs. 16 selects float16.
func (c *Config) ActivationBits(bits ...int) *Config {
	if err := validBits(bits); err != nil {
		c.setError(errors.WithMessage(err, "ActivationBits"))
		return c
	}
	c.candidates.ActivationBits = slices.Clone(bits)
	return c
}

// Budget sets the resource ceilings. Axes not in the budget are unconstrained.
func (c *Config) Budget(budget kpi.Budget) *Config {
	if err := budget.Validate(); err != nil {
		c.setError(err)
		return c
	}
	c.budget = maps.Clone(budget)
	return c
}

// NumProbes sets the number of Hutchinson probes of each trace estimate.
func (c *Config) NumProbes(n int) *Config {
	if n <= 0 {
		c.setError(errors.Errorf("NumProbes(%d): it must be positive", n))
		return c
	}
	c.numProbes = n
	return c
}

// Seed of the sensitivity probes.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	return c
}

// Parallelism sets the number of sensitivity traces estimated in parallel: 0 runs serially, -1 is unlimited.
func (c *Config) Parallelism(n int) *Config {
	c.parallelism = n
	return c
}

// MaxSearchIterations caps the branch-and-bound of the search, see mixedprecision.Config.
func (c *Config) MaxSearchIterations(n int) *Config {
	if n < 0 {
		c.setError(errors.Errorf("MaxSearchIterations(%d): it must be >= 0", n))
		return c
	}
	c.search.MaxIterations = n
	return c
}

// OnProgress sets a callback for the progress of the sensitivity estimation.
func (c *Config) OnProgress(fn func(done, total int)) *Config {
	c.onProgress = fn
	return c
}
