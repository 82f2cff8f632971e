// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quantization

import (
	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Histogram of observed values: Counts[i] values fell in [BinEdges[i], BinEdges[i+1]).
type Histogram struct {
	BinEdges []float64 `json:"bin_edges"`
	Counts   []float64 `json:"counts"`
}

// Statistics of the output of a node, collected by running the model on representative data.
type Statistics struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`

	// Histogram is optional: without it the values are assumed uniformly spread over [Min, Max].
	Histogram *Histogram `json:"histogram,omitempty"`
}

// StatisticsByNode maps node names to the statistics of their outputs.
type StatisticsByNode map[string]Statistics

// NumUniformSamples is the number of points used to represent Statistics without histogram.
const NumUniformSamples = 256

// DefaultNumBins is the number of histogram bins used by NewStatistics.
const DefaultNumBins = 64

// Validate checks the consistency of the statistics.
func (s Statistics) Validate() error {
	if s.Min > s.Max {
		return errors.Errorf("statistics with min=%g > max=%g", s.Min, s.Max)
	}
	if h := s.Histogram; h != nil {
		if len(h.BinEdges) != len(h.Counts)+1 {
			return errors.Errorf("histogram with %d bin edges for %d counts", len(h.BinEdges), len(h.Counts))
		}
		for ii, count := range h.Counts {
			if count < 0 {
				return errors.Errorf("histogram with negative count %g in bin %d", count, ii)
			}
		}
	}
	return nil
}

func (s Statistics) samples() []sample {
	if h := s.Histogram; h != nil && len(h.Counts) > 0 && len(h.BinEdges) == len(h.Counts)+1 {
		samples := make([]sample, 0, len(h.Counts))
		for ii, count := range h.Counts {
			if count > 0 {
				samples = append(samples, sample{value: (h.BinEdges[ii] + h.BinEdges[ii+1]) / 2, weight: count})
			}
		}
		return samples
	}
	if s.Min == s.Max {
		return []sample{{value: s.Min, weight: 1}}
	}
	samples := make([]sample, NumUniformSamples)
	step := (s.Max - s.Min) / (NumUniformSamples - 1)
	for ii := range samples {
		samples[ii] = sample{value: s.Min + float64(ii)*step, weight: 1}
	}
	return samples
}

// NewStatistics collects the statistics of the values of the tensors, with a histogram of numBins bins.
func NewStatistics(numBins int, values ...*tensors.Tensor) Statistics {
	var s Statistics
	first := true
	for _, t := range values {
		minV, maxV := t.MinMax()
		if first {
			s.Min, s.Max, first = float64(minV), float64(maxV), false
			continue
		}
		s.Min, s.Max = min(s.Min, float64(minV)), max(s.Max, float64(maxV))
	}
	if first || numBins <= 0 || s.Min == s.Max {
		return s
	}
	h := &Histogram{BinEdges: make([]float64, numBins+1), Counts: make([]float64, numBins)}
	width := (s.Max - s.Min) / float64(numBins)
	for ii := range h.BinEdges {
		h.BinEdges[ii] = s.Min + float64(ii)*width
	}
	for _, t := range values {
		for _, v := range t.Flat() {
			bin := min(int((float64(v)-s.Min)/width), numBins-1)
			h.Counts[bin]++
		}
	}
	s.Histogram = h
	return s
}
