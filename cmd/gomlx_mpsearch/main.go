// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gomlx_mpsearch reads a graph, folds and fuses it, estimates the sensitivity of each node to quantization,
// and searches the precision of each node that minimizes the sensitivity-weighted quantization error
// within a resource budget.
//
// It prints the KPI report of the selected precisions and optionally writes the annotated graph.
//
// Example:
//
//	gomlx_mpsearch -inputs=calibration.json -weights_memory=2MB -output=model_mp.json model.json
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/mpquant/pkg/core/shapes"
	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/framework"
	"github.com/gomlx/mpquant/pkg/framework/jsongraph"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/kpi"
	"github.com/gomlx/mpquant/pkg/pipeline"
	"github.com/gomlx/mpquant/pkg/quantization"
	"github.com/gomlx/mpquant/pkg/support/fsutil"
	"github.com/gomlx/mpquant/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagFormat = flag.String("format", "json", "Format of the input and output graphs, one of the registered framework adapters.")
	flagInputs = flag.String("inputs", "", "JSON file with the representative inputs, by input node name. "+
		"If empty, random normal inputs of batch size --batch are used.")
	flagBatch     = flag.Int("batch", 8, "Batch size of the random inputs, used if --inputs is not set.")
	flagOutput    = flag.String("output", "", "If set, the graph annotated with the selected precisions is written to this file.")
	flagOverwrite = flag.Bool("overwrite", false, "Overwrite --output if it already exists.")

	flagWeightsMemory    = flag.String("weights_memory", "", "Budget of the weights memory, e.g. \"1.5MB\".")
	flagActivationMemory = flag.String("activation_memory", "", "Budget of the activation memory, e.g. \"300kB\".")
	flagTotalMemory      = flag.String("total_memory", "", "Budget of weights plus activation memory.")
	flagCompute          = flag.String("compute", "", "Budget of bit-operations, e.g. \"2.5G\".")

	flagWeightsBits = xslices.Flag("weights_bits", []int{8, 4, 2},
		"Comma-separated candidate bit-widths of the kernels. 16 is float16.", strconv.Atoi)
	flagActivationBits = xslices.Flag("activation_bits", []int{8, 4},
		"Comma-separated candidate bit-widths of the activations.", strconv.Atoi)
	flagNoWeights     = flag.Bool("no_weights", false, "Keep all kernels in float32.")
	flagNoActivations = flag.Bool("no_activations", false, "Keep all activations in float32.")
	flagErrorMethod   = flag.String("error_method", quantization.DefaultErrorConfig().Method.String(),
		fmt.Sprintf("How quantization thresholds are chosen, one of %q.", quantization.ErrorMethodStrings()))

	flagProbes        = flag.Int("probes", 16, "Number of Hutchinson probes per trace estimate.")
	flagSeed          = flag.Uint64("seed", 0, "Random seed of the probes and of the random inputs.")
	flagParallelism   = flag.Int("parallelism", -1, "Traces estimated in parallel: 0 runs serially, -1 uses all CPUs.")
	flagMaxIterations = flag.Int("max_iterations", 0, "Cap on the branch-and-bound iterations of the search. 0 uses the default.")

	flagNodes    = flag.Bool("nodes", false, "Print the precision and usage of every node.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar during the sensitivity estimation.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one graph file to read, got %d arguments. See 'gomlx_mpsearch -help'.", len(args))
		os.Exit(1)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, args[0]); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, graphPath string) error {
	adapter, err := framework.Get(*flagFormat)
	if err != nil {
		return err
	}
	graphPath, err = fsutil.ReplaceTilde(graphPath)
	if err != nil {
		return err
	}
	outputPath, err := fsutil.ReplaceTilde(*flagOutput)
	if err != nil {
		return err
	}
	if outputPath != "" && !*flagOverwrite {
		exists, err := fsutil.FileExists(outputPath)
		if err != nil {
			return err
		}
		if exists {
			return errors.Errorf("output file %q already exists, use --overwrite to replace it", outputPath)
		}
	}
	g, err := readGraph(adapter, graphPath)
	if err != nil {
		return err
	}
	klog.V(1).Infof("Read graph %q (%s) with %s nodes", g.Name(), g.ID(), humanize.Comma(int64(g.NumNodes())))

	var inputs map[string]*tensors.Tensor
	if *flagInputs != "" {
		inputsPath, err := fsutil.ReplaceTilde(*flagInputs)
		if err != nil {
			return err
		}
		f, err := os.Open(inputsPath)
		if err != nil {
			return err
		}
		inputs, err = jsongraph.ReadTensors(f)
		_ = f.Close()
		if err != nil {
			return err
		}
	} else {
		inputs = randomInputs(g, *flagBatch, *flagSeed)
	}

	budget, err := parseBudget(*flagWeightsMemory, *flagActivationMemory, *flagTotalMemory, *flagCompute)
	if err != nil {
		return err
	}
	cfg, err := newConfig(budget)
	if err != nil {
		return err
	}
	var bar *progressbar.ProgressBar
	if *flagProgress {
		cfg.OnProgress(func(done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("Sensitivity"),
					progressbar.OptionSetItsString("traces"),
					progressbar.OptionShowIts(),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionClearOnFinish())
			}
			_ = bar.Set(done)
		})
	}

	reference := pipeline.Reference{Inputs: inputs}
	result, err := pipeline.Run(ctx, g, reference, reference, cfg)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Graph %q", g.Name())))
	fmt.Printf("Substitutions: %s\n", result.Substitutions)
	fmt.Printf("Search: score %.6g, %s iterations, optimal=%v\n",
		result.Search.Score, humanize.Comma(int64(result.Search.Iterations)), result.Search.Optimal)
	fmt.Println(titleStyle.Render("Usage"))
	fmt.Println(kpi.Report(result.Usage, budget))
	fmt.Println(titleStyle.Render("Range of usage"))
	fmt.Printf("Lowest precision:  %s\nHighest precision: %s\n", result.KPIData.Min, result.KPIData.Max)
	if *flagNodes {
		fmt.Println(titleStyle.Render("Nodes"))
		fmt.Println(must.M1(kpi.NodesReport(g, kpi.SelectedAssignment(g))))
	}

	if outputPath != "" {
		if err := writeGraph(adapter, g, outputPath); err != nil {
			return err
		}
		klog.Infof("Annotated graph written to %q", outputPath)
	}
	return nil
}

func readGraph(reader framework.Reader, path string) (*graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return reader.Read(f)
}

func writeGraph(writer framework.Writer, g *graph.Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = writer.Write(f, g); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newConfig(budget kpi.Budget) (*pipeline.Config, error) {
	method, err := quantization.ErrorMethodString(*flagErrorMethod)
	if err != nil {
		return nil, err
	}
	cfg := pipeline.NewConfig().
		WeightsBits(*flagWeightsBits...).
		ActivationBits(*flagActivationBits...).
		EnableWeights(!*flagNoWeights).
		EnableActivations(!*flagNoActivations).
		ErrorMethod(method).
		Budget(budget).
		NumProbes(*flagProbes).
		Seed(*flagSeed)
	if *flagParallelism >= 0 {
		cfg.Parallelism(*flagParallelism)
	}
	if *flagMaxIterations > 0 {
		cfg.MaxSearchIterations(*flagMaxIterations)
	}
	return cfg, cfg.Err()
}

// randomInputs returns normally distributed values for each graph input.
func randomInputs(g *graph.Graph, batchSize int, seed uint64) map[string]*tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0x5EED))
	inputs := make(map[string]*tensors.Tensor)
	for _, n := range g.InputNodes() {
		dims := slices.Clone(n.OutputShapes()[0].Dimensions)
		for ii, dim := range dims {
			if dim == shapes.DynamicAxis {
				dims[ii] = batchSize
			}
		}
		t := tensors.Zeros(dims...)
		for ii := range t.Flat() {
			t.Flat()[ii] = float32(rng.NormFloat64())
		}
		inputs[n.Name()] = t
	}
	return inputs
}
