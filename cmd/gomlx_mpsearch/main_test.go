// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/mpquant/pkg/framework/jsongraph"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/graphtest"
	"github.com/gomlx/mpquant/pkg/kpi"
	"github.com/gomlx/mpquant/pkg/mixedprecision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setFlags(t *testing.T, values map[string]string) {
	for name, value := range values {
		f := flag.Lookup(name)
		require.NotNil(t, f, "flag %q", name)
		previous := f.Value.String()
		require.NoError(t, flag.Set(name, value))
		t.Cleanup(func() { _ = flag.Set(name, previous) })
	}
}

func TestRun(t *testing.T) {
	b := graphtest.NewBuilder("small", 3)
	x := b.Input("x", 6, 6, 3)
	conv := b.Conv2D("conv", x, 3, 8, graph.AttrPadding, graph.PaddingSame)
	relu := b.ReLU("relu", b.BatchNorm("bn", conv))
	g := b.Done(b.Dense("logits", relu, 4, graph.AttrUseBias, true))

	dir := t.TempDir()
	graphPath := filepath.Join(dir, "small.json")
	f, err := os.Create(graphPath)
	require.NoError(t, err)
	require.NoError(t, jsongraph.Write(f, g))
	require.NoError(t, f.Close())

	inputsPath := filepath.Join(dir, "inputs.json")
	f, err = os.Create(inputsPath)
	require.NoError(t, err)
	require.NoError(t, jsongraph.WriteTensors(f, graphtest.RandomInputs(b.Rng(), g, 2)))
	require.NoError(t, f.Close())

	outputPath := filepath.Join(dir, "small_mp.json")
	setFlags(t, map[string]string{
		"inputs":         inputsPath,
		"output":         outputPath,
		"weights_memory": "1kB",
		"probes":         "2",
		"progress":       "false",
		"nodes":          "true",
	})
	require.NoError(t, run(context.Background(), graphPath))

	f, err = os.Open(outputPath)
	require.NoError(t, err)
	annotated, err := jsongraph.Read(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.True(t, annotated.IsFrozen())
	assert.Nil(t, annotated.NodeByName("bn"))
	for _, n := range annotated.Nodes() {
		_, selected := n.Selected()
		assert.True(t, selected, "node %s", n)
	}
	usage, err := kpi.ComputeResourceUsage(annotated, kpi.SelectedAssignment(annotated))
	require.NoError(t, err)
	assert.LessOrEqual(t, usage.WeightsMemory, 1000.0)

	// The output is not overwritten by default.
	require.ErrorContains(t, run(context.Background(), graphPath), "already exists")

	// An impossible budget fails.
	setFlags(t, map[string]string{"weights_memory": "10B", "overwrite": "true"})
	var infeasible *mixedprecision.InfeasibleBudgetError
	require.ErrorAs(t, run(context.Background(), graphPath), &infeasible)
}
