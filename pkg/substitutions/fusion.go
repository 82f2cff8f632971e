// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package substitutions

import (
	"fmt"

	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/matchers"
	"github.com/pkg/errors"
)

type removeIdentity struct{}

// RemoveIdentity removes OpIdentity nodes, connecting their consumers directly to their producer.
func RemoveIdentity() Rule { return removeIdentity{} }

func (removeIdentity) Name() string { return "RemoveIdentity" }

func (removeIdentity) Pattern() matchers.Chain {
	return matchers.NewChain(matchers.Op(graph.OpIdentity))
}

func (r removeIdentity) Rewrite(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error) {
	identity := matched[0]
	in := g.InEdges(identity)
	if len(in) != 1 {
		return nil, errors.Wrapf(ErrSkipMatch, "identity %q has %d inputs", identity.Name(), len(in))
	}
	if in[0].FromIndex != 0 && g.IsOutput(identity) {
		return nil, errors.Wrapf(ErrSkipMatch, "identity %q is a graph output fed by output #%d of its producer",
			identity.Name(), in[0].FromIndex)
	}
	producer := g.Node(in[0].From)
	edit := g.NewEdit(fmt.Sprintf("%s(%q)", r.Name(), identity.Name()))
	bypass(g, edit, identity, producer, in[0].FromIndex)
	return edit, nil
}

type fuseActivation struct{}

// FuseActivation fuses a standalone activation into the convolution (or dense layer) that feeds it,
// if the layer has a linear activation and the activation node is its sole consumer. No weights change:
// only the AttrActivation of the layer.
func FuseActivation() Rule { return fuseActivation{} }

func (fuseActivation) Name() string { return "FuseActivation" }

func (fuseActivation) Pattern() matchers.Chain {
	return matchers.NewChain(
		matchers.Convolution().And(matchers.Activation(graph.ActivationLinear)),
		matchers.Op(graph.OpActivation, graph.OpReLU))
}

func (r fuseActivation) Rewrite(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error) {
	layer, activation := matched[0], matched[1]
	name := activation.Activation()
	if activation.Op() == graph.OpReLU {
		name = graph.ActivationReLU
	}
	edit := g.NewEdit(fmt.Sprintf("%s(%q <- %q)", r.Name(), layer.Name(), activation.Name()))
	edit.SetAttr(layer, graph.AttrActivation, name)
	bypass(g, edit, activation, layer, 0)
	return edit, nil
}
