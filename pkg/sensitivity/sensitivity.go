// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sensitivity estimates how much the model output degrades when each node is quantized to each of
// its candidate precisions.
//
// The score of a node at a candidate precision is the quantization error of its kernel and of its output
// (see quantization.ErrorConfig), each weighted by the trace of the Hessian of the output distortion with
// respect to the quantized tensor. The traces are estimated with Hutchinson's method, using Rademacher
// probes v and the Gauss-Newton approximation H ≈ JᵀJ:
//
//	tr(H) ≈ mean over probes of ‖J·v‖² / len(J·v)
//
// where J is the Jacobian of a graph output, given by an Oracle. Traces are added over the graph outputs.
//
// Probes are seeded per (node, kind, output), so results don't depend on the order nor the parallelism of
// the evaluation.
package sensitivity

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"runtime"
	"slices"
	"sync"

	"github.com/gomlx/mpquant/internal/workerspool"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/quantization"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// DefaultNumProbes is the default number of Hutchinson probes per trace.
const DefaultNumProbes = 16

// UnsupportedOperationError is returned when a graph output has no usable gradient.
type UnsupportedOperationError struct {
	Node string
	Op   graph.OpKind
}

// Error implements the error interface.
func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("sensitivity evaluation not supported for graph output %q: %s has no usable gradient", e.Node, e.Op)
}

// unsupportedOutputs are the ops whose gradient is zero almost everywhere.
var unsupportedOutputs = []graph.OpKind{graph.OpArgMax}

// Trace holds the Hessian trace estimates of one node.
type Trace struct {
	// Weights is the trace with respect to the kernel, 0 for nodes without kernel.
	Weights float64

	// Activation is the trace with respect to the node output.
	Activation float64
}

// Add returns the sum of both traces.
func (t Trace) Add(t2 Trace) Trace {
	return Trace{Weights: t.Weights + t2.Weights, Activation: t.Activation + t2.Activation}
}

// Traces of the nodes of a graph.
type Traces map[graph.NodeID]Trace

// WeightGroupTraces adds up the traces of the nodes that share weights, keyed by graph.Node.WeightGroup.
func WeightGroupTraces(g *graph.Graph, traces Traces) map[string]Trace {
	groups := make(map[string]Trace)
	for id, trace := range traces {
		n := g.Node(id)
		if n == nil {
			continue
		}
		groups[n.WeightGroup()] = groups[n.WeightGroup()].Add(trace)
	}
	return groups
}

// Scores maps each node to the sensitivity score of each of its candidates, in the same order as
// graph.Node.Candidates.
type Scores map[graph.NodeID][]float64

// Config for an Estimator. Create it with New, configure it and then call Done.
type Config struct {
	oracle Oracle
	err    error

	numProbes                        int
	seed                             uint64
	parallelism                      int
	outputs                          []int
	errorConfig                      quantization.ErrorConfig
	enableWeights, enableActivations bool
	onProgress                       func(done, total int)
}

// New creates a configuration for an Estimator that uses the given oracle for the Jacobian-vector products.
func New(oracle Oracle) *Config {
	return &Config{
		oracle:            oracle,
		numProbes:         DefaultNumProbes,
		parallelism:       runtime.NumCPU(),
		errorConfig:       quantization.DefaultErrorConfig(),
		enableWeights:     true,
		enableActivations: true,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// NumProbes sets the number of random probes used for each trace estimate. Default is DefaultNumProbes.
func (c *Config) NumProbes(n int) *Config {
	if n <= 0 {
		c.setError(errors.Errorf("NumProbes(%d): the number of probes must be positive", n))
		return c
	}
	c.numProbes = n
	return c
}

// Seed of the random probes. Default is 0.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	return c
}

// Parallelism sets the maximum number of traces estimated in parallel: 0 runs serially, -1 is unlimited.
// Default is runtime.NumCPU().
func (c *Config) Parallelism(n int) *Config {
	c.parallelism = n
	return c
}

// Outputs restricts the graph outputs (by index) whose traces are added. Default is all outputs.
func (c *Config) Outputs(indices ...int) *Config {
	c.outputs = slices.Clone(indices)
	return c
}

// ErrorConfig sets the quantization error proxy used for the scores.
func (c *Config) ErrorConfig(errorConfig quantization.ErrorConfig) *Config {
	c.errorConfig = errorConfig
	return c
}

// EnableWeights sets whether weights traces are estimated. If disabled, their traces are 0.
func (c *Config) EnableWeights(enabled bool) *Config {
	c.enableWeights = enabled
	return c
}

// EnableActivations sets whether activation traces are estimated. If disabled, their traces are 0.
func (c *Config) EnableActivations(enabled bool) *Config {
	c.enableActivations = enabled
	return c
}

// OnProgress sets a callback called after each target trace is estimated. It may be called concurrently.
func (c *Config) OnProgress(fn func(done, total int)) *Config {
	c.onProgress = fn
	return c
}

// Done returns the configured Estimator.
func (c *Config) Done() (*Estimator, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.oracle == nil {
		return nil, errors.New("sensitivity.New() requires an Oracle")
	}
	return &Estimator{config: *c, pool: workerspool.New().SetMaxParallelism(c.parallelism)}, nil
}

// Estimator of the sensitivity of the nodes of a graph. It doesn't modify the graph.
type Estimator struct {
	config Config
	pool   *workerspool.Pool
}

// targets returns the tensors whose traces are estimated.
func (e *Estimator) targets(g *graph.Graph) ([]Target, error) {
	nodes, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	var targets []Target
	for _, n := range nodes {
		if kernel, _ := n.Kernel(); e.config.enableWeights && kernel != nil {
			targets = append(targets, Target{Node: n.ID(), Kind: KindWeights})
		}
		if e.config.enableActivations && !slices.Contains(unsupportedOutputs, n.Op()) {
			targets = append(targets, Target{Node: n.ID(), Kind: KindActivation})
		}
	}
	return targets, nil
}

// outputIndices returns the graph outputs used, after checking they all have a gradient.
func (e *Estimator) outputIndices(g *graph.Graph) ([]int, error) {
	outputs := g.Outputs()
	indices := e.config.outputs
	if len(indices) == 0 {
		for ii := range outputs {
			indices = append(indices, ii)
		}
	}
	for _, idx := range indices {
		if idx < 0 || idx >= len(outputs) {
			return nil, errors.Errorf("output index %d out of range, graph %q has %d outputs", idx, g.Name(), len(outputs))
		}
		n := g.Node(outputs[idx].Node)
		if slices.Contains(unsupportedOutputs, n.Op()) {
			return nil, &UnsupportedOperationError{Node: n.Name(), Op: n.Op()}
		}
	}
	return indices, nil
}

// probeRand returns the random source of the probes of one target and output.
func (e *Estimator) probeRand(g *graph.Graph, target Target, outputIdx int) *rand.Rand {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], e.config.seed)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(g.Node(target.Node).Name()))
	binary.LittleEndian.PutUint64(buf[:], uint64(target.Kind)<<32|uint64(outputIdx))
	_, _ = h.Write(buf[:])
	return rand.New(rand.NewPCG(h.Sum64(), e.config.seed))
}

// trace estimates the Hessian trace of one target with respect to one output.
func (e *Estimator) trace(ctx context.Context, g *graph.Graph, target Target, outputIdx int) (float64, error) {
	size, err := e.config.oracle.TargetSize(target)
	if err != nil {
		return 0, err
	}
	rng := e.probeRand(g, target, outputIdx)
	v := make([]float32, size)
	jv64 := make([]float64, 0, size)
	estimates := make([]float64, 0, e.config.numProbes)
	for range e.config.numProbes {
		for ii := range v {
			v[ii] = float32(2*rng.IntN(2) - 1)
		}
		jv, err := e.config.oracle.JVP(ctx, target, outputIdx, v)
		if err != nil {
			return 0, err
		}
		if len(jv) == 0 {
			// Output without elements: the probe carries no information.
			continue
		}
		jv64 = jv64[:0]
		for _, x := range jv {
			jv64 = append(jv64, float64(x))
		}
		estimates = append(estimates, floats.Dot(jv64, jv64)/float64(len(jv64)))
	}
	if len(estimates) == 0 {
		return 0, nil
	}
	return stat.Mean(estimates, nil), nil
}

// Traces estimates the Hessian traces of every node of the graph.
func (e *Estimator) Traces(ctx context.Context, g *graph.Graph) (Traces, error) {
	outputs, err := e.outputIndices(g)
	if err != nil {
		return nil, err
	}
	targets, err := e.targets(g)
	if err != nil {
		return nil, err
	}
	values := make([]float64, len(targets))
	var done int
	var muProgress sync.Mutex
	err = e.pool.Run(ctx, len(targets), func(idx int) error {
		target := targets[idx]
		for _, outputIdx := range outputs {
			t, err := e.trace(ctx, g, target, outputIdx)
			if err != nil {
				return errors.WithMessagef(err, "estimating %s trace of node %q for output #%d",
					target.Kind, g.Node(target.Node).Name(), outputIdx)
			}
			values[idx] += t
		}
		if e.config.onProgress != nil {
			muProgress.Lock()
			done++
			e.config.onProgress(done, len(targets))
			muProgress.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	traces := make(Traces)
	for idx, target := range targets {
		trace := traces[target.Node]
		if target.Kind == KindWeights {
			trace.Weights = values[idx]
		} else {
			trace.Activation = values[idx]
		}
		traces[target.Node] = trace
		klog.V(2).Infof("sensitivity: node %q %s trace %.4g", g.Node(target.Node).Name(), target.Kind, values[idx])
	}
	return traces, nil
}

// Scores estimates the traces of the graph and returns the sensitivity score of every candidate precision
// of every node with candidates. Activation statistics are required for the nodes whose candidates quantize
// their output.
func (e *Estimator) Scores(ctx context.Context, g *graph.Graph, stats quantization.StatisticsByNode) (Scores, error) {
	traces, err := e.Traces(ctx, g)
	if err != nil {
		return nil, err
	}
	return e.ScoresFromTraces(g, traces, stats)
}

// ScoresFromTraces returns the sensitivity score of every candidate precision of every node with candidates,
// given the already estimated traces.
func (e *Estimator) ScoresFromTraces(g *graph.Graph, traces Traces, stats quantization.StatisticsByNode) (Scores, error) {
	errorConfig := e.config.errorConfig
	scores := make(Scores)
	for _, n := range g.Nodes() {
		candidates := n.Candidates()
		if len(candidates) == 0 {
			continue
		}
		trace := traces[n.ID()]
		kernel, _ := n.Kernel()
		nodeStats, hasStats := stats[n.Name()]
		if hasStats {
			if err := nodeStats.Validate(); err != nil {
				return nil, errors.WithMessagef(err, "statistics of node %q", n.Name())
			}
		}
		nodeScores := make([]float64, len(candidates))
		for ii, p := range candidates {
			var score float64
			if p.WeightsBits > 0 && trace.Weights > 0 {
				score += trace.Weights * errorConfig.WeightsError(kernel, p.WeightsBits)
			}
			if p.ActivationBits < graph.FloatBits && trace.Activation > 0 {
				if !hasStats {
					return nil, errors.Errorf("missing activation statistics for node %q", n.Name())
				}
				score += trace.Activation * errorConfig.ActivationError(nodeStats, p.ActivationBits)
			}
			nodeScores[ii] = score
		}
		scores[n.ID()] = nodeScores
	}
	return scores, nil
}
