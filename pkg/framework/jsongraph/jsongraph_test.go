// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jsongraph

import (
	"bytes"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/framework"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/evaluator"
	"github.com/gomlx/mpquant/pkg/graph/graphtest"
	"github.com/gomlx/mpquant/pkg/quantization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for seed := range uint64(5) {
		g := graphtest.RandomGraph(seed, 12)
		quantization.DefaultCandidateConfig().SetCandidates(g)
		for _, n := range g.Nodes() {
			if n.ID()%2 == 0 {
				n.Select(len(n.Candidates()) - 1)
			}
		}
		g.Freeze()

		var buf bytes.Buffer
		require.NoError(t, Write(&buf, g))
		first := buf.String()
		g2, err := Read(strings.NewReader(first))
		require.NoError(t, err, "seed=%d", seed)

		assert.Equal(t, g.ID(), g2.ID())
		assert.Equal(t, g.Name(), g2.Name())
		assert.True(t, g2.IsFrozen())
		require.Equal(t, g.NumNodes(), g2.NumNodes())
		for _, n := range g.Nodes() {
			n2 := g2.NodeByName(n.Name())
			require.NotNil(t, n2, "node %q", n.Name())
			assert.Equal(t, n.Op(), n2.Op())
			assert.Equal(t, n.Candidates(), n2.Candidates())
			assert.Equal(t, n.SelectedIndex(), n2.SelectedIndex())
			assert.Equal(t, n.Activation(), n2.Activation())
			assert.Equal(t, n.WeightNames(), n2.WeightNames())
			for _, name := range n.WeightNames() {
				assert.True(t, n.Weight(name).InDelta(n2.Weight(name), 0), "weight %q of node %q", name, n.Name())
			}
		}

		// Writing it again gives the same file.
		buf.Reset()
		require.NoError(t, Write(&buf, g2))
		assert.Equal(t, first, buf.String())

		// And both compute the same.
		inputs := graphtest.RandomInputs(rand.New(rand.NewPCG(seed, 1)), g, 2)
		want, err := evaluator.Eval(g, inputs)
		require.NoError(t, err)
		got, err := evaluator.Eval(g2, inputs)
		require.NoError(t, err)
		require.Len(t, got, len(want))
		for ii := range want {
			assert.True(t, want[ii].InDelta(got[ii], 0), "output #%d", ii)
		}
	}
}

func TestAttributes(t *testing.T) {
	b := graphtest.NewBuilder("attrs", 1)
	x := b.Input("x", 4, 4, 4)
	conv := b.Conv2D("conv", x, 3, 4, graph.AttrGroups, 2, graph.AttrStrides, []int{2, 2},
		graph.AttrPadding, graph.PaddingSame, graph.AttrUseBias, true)
	g := b.Done(conv)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, g))
	g2, err := Read(&buf)
	require.NoError(t, err)
	conv2 := g2.NodeByName("conv")
	assert.Equal(t, conv.Attrs().Keys(), conv2.Attrs().Keys())
	groups, ok := conv2.Attrs().GetInt(graph.AttrGroups)
	require.True(t, ok)
	assert.Equal(t, 2, groups)
	strides, ok := conv2.Attrs().GetInts(graph.AttrStrides)
	require.True(t, ok)
	assert.Equal(t, []int{2, 2}, strides)
	useBias, ok := conv2.Attrs().GetBool(graph.AttrUseBias)
	require.True(t, ok)
	assert.True(t, useBias)
	assert.Equal(t, conv.OutputShapes()[0].Dimensions, conv2.OutputShapes()[0].Dimensions)
}

func TestAdapter(t *testing.T) {
	adapter, err := framework.Get("JSON")
	require.NoError(t, err)
	assert.Equal(t, "json", adapter.Name())
	assert.Contains(t, framework.List(), "json")
	_, err = framework.Get("tflite")
	require.Error(t, err)
}

func TestReadErrors(t *testing.T) {
	input := `{"format_version":1,"name":"g","nodes":[{"name":"x","op":"Input","output_shapes":[{"dtype":"Float32","dims":[-1,3]}]}],"outputs":[{"node":"x"}]}`
	_, err := Read(strings.NewReader(input))
	require.NoError(t, err)

	testCases := map[string]struct {
		from, to string
		errMsg   string
	}{
		"Version":      {`"format_version":1`, `"format_version":7`, "unsupported format version"},
		"UnknownOp":    {`"op":"Input"`, `"op":"LSTM"`, "LSTM"},
		"BadShape":     {`"dims":[-1,3]`, `"dims":[0,3]`, "dimension"},
		"BadDType":     {`"Float32"`, `"Complex256"`, "Complex256"},
		"UnknownOut":   {`"outputs":[{"node":"x"}]`, `"outputs":[{"node":"y"}]`, "unknown output node"},
		"OutputIndex":  {`"outputs":[{"node":"x"}]`, `"outputs":[{"node":"x","index":1}]`, "only the first output"},
		"Malformed":    {`"nodes":[`, `"nodes":{`, "jsongraph.Read"},
		"ForwardInput": {`"op":"Input"`, `"op":"ReLU","inputs":[{"node":"y"}]`, "not a previous node"},
		"Selected": {`"op":"Input"`, `"op":"Input","candidates":[{"activation_bits":8}],"selected":1`,
			"selects candidate 1"},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			modified := strings.Replace(input, tc.from, tc.to, 1)
			require.NotEqual(t, input, modified)
			_, err := Read(strings.NewReader(modified))
			require.ErrorContains(t, err, tc.errMsg)
		})
	}
}

func TestTensors(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	values := map[string]*tensors.Tensor{
		"x": graphtest.RandomTensor(rng, 2, 3, 3, 1),
		"y": graphtest.RandomTensor(rng, 5),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteTensors(&buf, values))
	got, err := ReadTensors(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for name, want := range values {
		require.Contains(t, got, name)
		assert.Equal(t, want.Shape().Dimensions, got[name].Shape().Dimensions)
		assert.True(t, want.InDelta(got[name], 0), "tensor %q", name)
	}

	_, err = ReadTensors(strings.NewReader(`{"x": {"dims": [2, 2], "data": [1, 2, 3]}}`))
	require.ErrorContains(t, err, `tensor "x"`)
}
