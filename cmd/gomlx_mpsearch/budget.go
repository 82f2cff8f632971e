// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/mpquant/pkg/kpi"
	"github.com/pkg/errors"
)

// parseBudget builds the budget from the human-readable ceilings of each axis. Empty values are unconstrained.
// Memory values accept units (e.g. "1.5MB", "512KiB") and compute values accept SI prefixes (e.g. "2.5G").
func parseBudget(weightsMemory, activationMemory, totalMemory, compute string) (kpi.Budget, error) {
	budget := make(kpi.Budget)
	memories := []struct {
		target kpi.Target
		value  string
	}{
		{kpi.TargetWeightsMemory, weightsMemory},
		{kpi.TargetActivationMemory, activationMemory},
		{kpi.TargetTotalMemory, totalMemory},
	}
	for _, m := range memories {
		if m.value == "" {
			continue
		}
		bytes, err := humanize.ParseBytes(m.value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s budget %q", m.target, m.value)
		}
		budget[m.target] = float64(bytes)
	}
	if compute != "" {
		value, unit, err := humanize.ParseSI(compute)
		if err != nil {
			// Plain numbers without a prefix.
			value, err = strconv.ParseFloat(compute, 64)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s budget %q", kpi.TargetCompute, compute)
		}
		if unit != "" && !strings.EqualFold(unit, "BOPs") {
			return nil, errors.Errorf("invalid %s budget %q: unknown unit %q", kpi.TargetCompute, compute, unit)
		}
		budget[kpi.TargetCompute] = value
	}
	return budget, budget.Validate()
}
