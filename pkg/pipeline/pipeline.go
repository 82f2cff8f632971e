// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline runs the mixed-precision flow on a graph, one phase after the other:
// substitutions, statistics collection, sensitivity estimation and the search for the precisions.
//
// The graph is structurally changed only by the substitutions. It is frozen afterwards, and the following
// phases only annotate it with candidates and the selected precisions.
package pipeline

import (
	"context"

	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/evaluator"
	"github.com/gomlx/mpquant/pkg/kpi"
	"github.com/gomlx/mpquant/pkg/mixedprecision"
	"github.com/gomlx/mpquant/pkg/quantization"
	"github.com/gomlx/mpquant/pkg/sensitivity"
	"github.com/gomlx/mpquant/pkg/substitutions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Collector of the statistics of the outputs of the nodes, run on the graph after the substitutions.
type Collector interface {
	Collect(ctx context.Context, g *graph.Graph) (quantization.StatisticsByNode, error)
}

// OracleBuilder creates the Jacobian-vector product oracle for the graph after the substitutions.
type OracleBuilder interface {
	Oracle(g *graph.Graph) (sensitivity.Oracle, error)
}

// Reference collects statistics and computes Jacobian-vector products with the reference evaluator,
// over a fixed batch of representative inputs. It implements both Collector and OracleBuilder.
type Reference struct {
	// Inputs by input node name.
	Inputs map[string]*tensors.Tensor

	// NumBins of the histograms. If 0, quantization.DefaultNumBins is used.
	NumBins int

	// Epsilon of the finite differences. If 0, sensitivity.DefaultEpsilon is used.
	Epsilon float64
}

var (
	_ Collector     = Reference{}
	_ OracleBuilder = Reference{}
)

// Collect implements Collector.
func (r Reference) Collect(ctx context.Context, g *graph.Graph) (quantization.StatisticsByNode, error) {
	eval, err := evaluator.New(g)
	if err != nil {
		return nil, err
	}
	values, err := eval.All(r.Inputs)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	numBins := r.NumBins
	if numBins <= 0 {
		numBins = quantization.DefaultNumBins
	}
	stats := make(quantization.StatisticsByNode, len(values))
	for id, value := range values {
		stats[g.Node(id).Name()] = quantization.NewStatistics(numBins, value)
	}
	return stats, nil
}

// Oracle implements OracleBuilder.
func (r Reference) Oracle(g *graph.Graph) (sensitivity.Oracle, error) {
	return sensitivity.NewFiniteDifferenceOracle(g, r.Inputs, r.Epsilon)
}

// Result of a pipeline run.
type Result struct {
	Substitutions substitutions.Stats
	Statistics    quantization.StatisticsByNode
	Traces        sensitivity.Traces
	Scores        sensitivity.Scores
	Problem       *mixedprecision.Problem
	Search        *mixedprecision.Result

	// KPIData holds the footprints of the highest and lowest precisions, for reference.
	KPIData kpi.Data

	// Usage of the selected precisions.
	Usage kpi.Usage
}

// Run the pipeline on the graph, which is changed in place: substituted, frozen and annotated
// with the candidates (graph.Node.Candidates) and the selected precisions (graph.Node.Selected).
func Run(ctx context.Context, g *graph.Graph, collector Collector, oracles OracleBuilder, cfg *Config) (*Result, error) {
	if err := cfg.Err(); err != nil {
		return nil, errors.WithMessage(err, "invalid pipeline configuration")
	}
	if g.IsFrozen() {
		return nil, errors.Errorf("graph %q is already frozen", g.Name())
	}
	result := &Result{}
	var err error

	engine := substitutions.New(cfg.rules...).MaxPasses(cfg.maxPasses)
	result.Substitutions, err = engine.Run(ctx, g)
	if err != nil {
		return nil, errors.WithMessage(err, "substitutions")
	}
	g.Freeze()
	klog.V(1).Infof("pipeline: graph %q substitutions %s, %d nodes left", g.Name(), result.Substitutions, g.NumNodes())

	cfg.candidates.SetCandidates(g)
	result.KPIData, err = kpi.ComputeKPIData(g)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("pipeline: graph %q usage from %s to %s", g.Name(), result.KPIData.Min, result.KPIData.Max)

	result.Statistics, err = collector.Collect(ctx, g)
	if err != nil {
		return nil, errors.WithMessage(err, "collecting statistics")
	}

	oracle, err := oracles.Oracle(g)
	if err != nil {
		return nil, errors.WithMessage(err, "creating the sensitivity oracle")
	}
	estimator, err := sensitivity.New(oracle).
		NumProbes(cfg.numProbes).
		Seed(cfg.seed).
		Parallelism(cfg.parallelism).
		ErrorConfig(cfg.errorConfig).
		EnableWeights(cfg.candidates.EnableWeights).
		EnableActivations(cfg.candidates.EnableActivations).
		OnProgress(cfg.onProgress).
		Done()
	if err != nil {
		return nil, err
	}
	result.Traces, err = estimator.Traces(ctx, g)
	if err != nil {
		return nil, err
	}
	result.Scores, err = estimator.ScoresFromTraces(g, result.Traces, result.Statistics)
	if err != nil {
		return nil, err
	}

	result.Problem, err = mixedprecision.NewProblem(g, result.Scores, cfg.budget)
	if err != nil {
		return nil, err
	}
	result.Search, err = mixedprecision.Search(result.Problem, cfg.search)
	if err != nil {
		return nil, err
	}
	if err = mixedprecision.Apply(g, result.Problem, result.Search); err != nil {
		return nil, err
	}
	result.Usage, err = kpi.ComputeResourceUsage(g, kpi.SelectedAssignment(g))
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("pipeline: graph %q selected precisions use %s (budget %s)", g.Name(), result.Usage, cfg.budget)
	return result, nil
}
