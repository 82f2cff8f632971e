// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jsongraph is a framework-neutral JSON interchange format of graph.Graph.
//
// It carries everything in the graph: nodes in topological order (with their attributes, weights,
// shapes and inputs), the outputs, and the precision annotations (candidates and the selected one).
// A graph written with Write and read back with Read is equivalent to the original.
//
// The package registers itself as the "json" framework adapter.
package jsongraph

import (
	"encoding/json"
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpquant/pkg/core/shapes"
	"github.com/gomlx/mpquant/pkg/core/tensors"
	"github.com/gomlx/mpquant/pkg/framework"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/support/xslices"
	"github.com/pkg/errors"
)

// FormatVersion of the files written by this package. Read rejects other versions.
const FormatVersion = 1

// Adapter implements framework.Adapter for the JSON interchange format.
type Adapter struct{}

var _ framework.Adapter = Adapter{}

func init() {
	framework.Register(Adapter{})
}

// Name implements framework.Adapter.
func (Adapter) Name() string { return "json" }

// Read implements framework.Reader.
func (Adapter) Read(r io.Reader) (*graph.Graph, error) { return Read(r) }

// Write implements framework.Writer.
func (Adapter) Write(w io.Writer, g *graph.Graph) error { return Write(w, g) }

type fileJSON struct {
	FormatVersion int          `json:"format_version"`
	ID            string       `json:"id,omitempty"`
	Name          string       `json:"name"`
	Frozen        bool         `json:"frozen,omitempty"`
	Nodes         []nodeJSON   `json:"nodes"`
	Outputs       []outputJSON `json:"outputs"`
}

type nodeJSON struct {
	Name         string                `json:"name"`
	Op           graph.OpKind          `json:"op"`
	Attrs        []attrJSON            `json:"attrs,omitempty"`
	Weights      map[string]tensorJSON `json:"weights,omitempty"`
	InputShapes  []shapeJSON           `json:"input_shapes,omitempty"`
	OutputShapes []shapeJSON           `json:"output_shapes,omitempty"`
	Inputs       []outputJSON          `json:"inputs,omitempty"`
	Candidates   []precisionJSON       `json:"candidates,omitempty"`
	Selected     *int                  `json:"selected,omitempty"`
}

// attrJSON is one attribute: attributes are a list to preserve their order.
type attrJSON struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type tensorJSON struct {
	Dims []int     `json:"dims"`
	Data []float32 `json:"data"`
}

type shapeJSON struct {
	DType string `json:"dtype"`
	Dims  []int  `json:"dims"`
}

// outputJSON refers to output Index of node Node, by name.
type outputJSON struct {
	Node  string `json:"node"`
	Index int    `json:"index,omitempty"`
}

type precisionJSON struct {
	WeightsBits    int `json:"weights_bits,omitempty"`
	ActivationBits int `json:"activation_bits"`
}

// Write the graph as JSON.
func Write(w io.Writer, g *graph.Graph) error {
	order, err := g.TopologicalSort()
	if err != nil {
		return errors.WithMessagef(err, "jsongraph.Write(%q)", g.Name())
	}
	file := fileJSON{
		FormatVersion: FormatVersion,
		ID:            g.ID(),
		Name:          g.Name(),
		Frozen:        g.IsFrozen(),
		Nodes:         make([]nodeJSON, 0, len(order)),
	}
	for _, n := range order {
		file.Nodes = append(file.Nodes, encodeNode(g, n))
	}
	for _, output := range g.Outputs() {
		file.Outputs = append(file.Outputs, outputJSON{Node: g.Node(output.Node).Name(), Index: output.Index})
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(&file); err != nil {
		return errors.Wrapf(err, "jsongraph.Write(%q)", g.Name())
	}
	return nil
}

func encodeNode(g *graph.Graph, n *graph.Node) nodeJSON {
	nj := nodeJSON{Name: n.Name(), Op: n.Op()}
	attrs := n.Attrs()
	for _, key := range attrs.Keys() {
		value, _ := attrs.Get(key)
		nj.Attrs = append(nj.Attrs, attrJSON{Key: key, Value: value})
	}
	if names := n.WeightNames(); len(names) > 0 {
		nj.Weights = make(map[string]tensorJSON, len(names))
		for _, name := range names {
			w := n.Weight(name)
			nj.Weights[name] = tensorJSON{Dims: w.Shape().Dimensions, Data: w.Flat()}
		}
	}
	nj.InputShapes = encodeShapes(n.InputShapes())
	nj.OutputShapes = encodeShapes(n.OutputShapes())
	for _, edge := range g.InEdges(n) {
		// InEdges are sorted by the input slot.
		nj.Inputs = append(nj.Inputs, outputJSON{Node: g.Node(edge.From).Name(), Index: edge.FromIndex})
	}
	nj.Candidates = xslices.Map(n.Candidates(), func(p graph.Precision) precisionJSON {
		return precisionJSON{WeightsBits: p.WeightsBits, ActivationBits: p.ActivationBits}
	})
	if idx := n.SelectedIndex(); idx >= 0 {
		nj.Selected = &idx
	}
	return nj
}

func encodeShapes(list []shapes.Shape) []shapeJSON {
	if len(list) == 0 {
		return nil
	}
	encoded := make([]shapeJSON, len(list))
	for ii, s := range list {
		encoded[ii] = shapeJSON{DType: s.DType.String(), Dims: s.Dimensions}
	}
	return encoded
}

// Read a graph written by Write.
//
// Nodes must be listed in topological order, so every node input refers to a node listed before it.
func Read(r io.Reader) (*graph.Graph, error) {
	var file fileJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "jsongraph.Read")
	}
	if file.FormatVersion != FormatVersion {
		return nil, errors.Errorf("jsongraph.Read: unsupported format version %d, expected %d", file.FormatVersion, FormatVersion)
	}
	g := graph.New(file.Name)
	if file.ID != "" {
		g.SetID(file.ID)
	}
	for ii := range file.Nodes {
		if err := decodeNode(g, &file.Nodes[ii]); err != nil {
			return nil, errors.WithMessagef(err, "jsongraph.Read(%q): node #%d", file.Name, ii)
		}
	}
	outputs := make([]*graph.Node, 0, len(file.Outputs))
	for _, output := range file.Outputs {
		n := g.NodeByName(output.Node)
		if n == nil {
			return nil, errors.Errorf("jsongraph.Read(%q): unknown output node %q", file.Name, output.Node)
		}
		if output.Index != 0 {
			return nil, errors.Errorf("jsongraph.Read(%q): output %d of node %q not supported, only the first output can be a graph output",
				file.Name, output.Index, output.Node)
		}
		outputs = append(outputs, n)
	}
	if err := g.SetOutputs(outputs...); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "jsongraph.Read(%q)", file.Name)
	}
	if file.Frozen {
		g.Freeze()
	}
	return g, nil
}

func decodeNode(g *graph.Graph, nj *nodeJSON) error {
	config := graph.NodeConfig{
		Name:  nj.Name,
		Op:    nj.Op,
		Attrs: &graph.Attributes{},
	}
	for _, attr := range nj.Attrs {
		config.Attrs.Set(attr.Key, attr.Value)
	}
	err := exceptions.TryCatch[error](func() {
		if len(nj.Weights) > 0 {
			config.Weights = make(map[string]*tensors.Tensor, len(nj.Weights))
			for name, w := range nj.Weights {
				config.Weights[name] = tensors.FromFlatDataAndDimensions(w.Data, w.Dims...)
			}
		}
		config.InputShapes = decodeShapes(nj.InputShapes)
		config.OutputShapes = decodeShapes(nj.OutputShapes)
	})
	if err != nil {
		return errors.WithMessagef(err, "node %q", nj.Name)
	}
	inputs := make([]graph.Input, len(nj.Inputs))
	for ii, input := range nj.Inputs {
		producer := g.NodeByName(input.Node)
		if producer == nil {
			return errors.Errorf("input #%d of node %q refers to %q, which is not a previous node", ii, nj.Name, input.Node)
		}
		inputs[ii] = graph.Input{Node: producer, Index: input.Index}
	}
	n, err := g.AddNode(config, inputs...)
	if err != nil {
		return err
	}
	if len(nj.Candidates) > 0 {
		n.SetCandidates(xslices.Map(nj.Candidates, func(p precisionJSON) graph.Precision {
			return graph.Precision{WeightsBits: p.WeightsBits, ActivationBits: p.ActivationBits}
		}))
	}
	if nj.Selected != nil {
		if *nj.Selected < 0 || *nj.Selected >= len(nj.Candidates) {
			return errors.Errorf("node %q selects candidate %d, but it has %d candidates", nj.Name, *nj.Selected, len(nj.Candidates))
		}
		n.Select(*nj.Selected)
	}
	return nil
}

// decodeShapes panics on invalid shapes.
func decodeShapes(list []shapeJSON) []shapes.Shape {
	if len(list) == 0 {
		return nil
	}
	decoded := make([]shapes.Shape, len(list))
	for ii, s := range list {
		dtype, err := dtypes.DTypeString(s.DType)
		if err != nil {
			panic(errors.Wrapf(err, "shape #%d", ii))
		}
		decoded[ii] = shapes.Make(dtype, s.Dims...)
	}
	return decoded
}

// WriteTensors writes a set of named tensors, e.g. the representative inputs of a graph, as a JSON object.
func WriteTensors(w io.Writer, values map[string]*tensors.Tensor) error {
	encoded := make(map[string]tensorJSON, len(values))
	for name, t := range values {
		encoded[name] = tensorJSON{Dims: t.Shape().Dimensions, Data: t.Flat()}
	}
	if err := json.NewEncoder(w).Encode(encoded); err != nil {
		return errors.Wrap(err, "jsongraph.WriteTensors")
	}
	return nil
}

// ReadTensors reads a set of named tensors written by WriteTensors.
func ReadTensors(r io.Reader) (map[string]*tensors.Tensor, error) {
	var encoded map[string]tensorJSON
	if err := json.NewDecoder(r).Decode(&encoded); err != nil {
		return nil, errors.Wrap(err, "jsongraph.ReadTensors")
	}
	values := make(map[string]*tensors.Tensor, len(encoded))
	for name, t := range encoded {
		err := exceptions.TryCatch[error](func() {
			values[name] = tensors.FromFlatDataAndDimensions(t.Data, t.Dims...)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "jsongraph.ReadTensors: tensor %q", name)
		}
	}
	return values, nil
}
