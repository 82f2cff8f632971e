// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matchers provides the predicates used by substitutions to find the nodes to rewrite.
//
// A Predicate is an immutable, side-effect-free boolean function of a node. Predicates compose with
// And, Or and Not (which short-circuit), and are combined into small structural patterns with Chain.
package matchers

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/mpquant/pkg/graph"
)

// Predicate over a node.
type Predicate struct {
	description string
	fn          func(n *graph.Node) bool
}

// New creates a predicate from a function. The description is used by String, for logging.
func New(description string, fn func(n *graph.Node) bool) Predicate {
	return Predicate{description: description, fn: fn}
}

// Match returns whether the node satisfies the predicate. The zero Predicate matches nothing.
func (p Predicate) Match(n *graph.Node) bool {
	if p.fn == nil || n == nil {
		return false
	}
	return p.fn(n)
}

// String implements fmt.Stringer.
func (p Predicate) String() string { return p.description }

// And returns a predicate that matches when both p and q match. q is not evaluated if p fails.
func (p Predicate) And(q Predicate) Predicate { return And(p, q) }

// Or returns a predicate that matches when p or q match. q is not evaluated if p matches.
func (p Predicate) Or(q Predicate) Predicate { return Or(p, q) }

// And of all predicates, evaluated in order with short-circuit.
func And(predicates ...Predicate) Predicate {
	predicates = slices.Clone(predicates)
	return Predicate{
		description: joinDescriptions(predicates, " & "),
		fn: func(n *graph.Node) bool {
			for _, p := range predicates {
				if !p.Match(n) {
					return false
				}
			}
			return true
		},
	}
}

// Or of all predicates, evaluated in order with short-circuit.
func Or(predicates ...Predicate) Predicate {
	predicates = slices.Clone(predicates)
	return Predicate{
		description: joinDescriptions(predicates, " | "),
		fn: func(n *graph.Node) bool {
			for _, p := range predicates {
				if p.Match(n) {
					return true
				}
			}
			return false
		},
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return Predicate{
		description: "!" + p.description,
		fn:          func(n *graph.Node) bool { return !p.Match(n) },
	}
}

func joinDescriptions(predicates []Predicate, sep string) string {
	parts := make([]string, len(predicates))
	for ii, p := range predicates {
		parts[ii] = p.description
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Any matches every node.
func Any() Predicate {
	return New("Any", func(*graph.Node) bool { return true })
}

// Op matches nodes of any of the given operation kinds.
func Op(ops ...graph.OpKind) Predicate {
	ops = slices.Clone(ops)
	names := make([]string, len(ops))
	for ii, op := range ops {
		names[ii] = op.String()
	}
	return New(fmt.Sprintf("Op(%s)", strings.Join(names, "|")), func(n *graph.Node) bool {
		return slices.Contains(ops, n.Op())
	})
}

// Attr matches nodes whose framework attribute key equals value.
func Attr(key string, value any) Predicate {
	return New(fmt.Sprintf("Attr(%s=%v)", key, value), func(n *graph.Node) bool {
		return n.Attrs().Equal(key, value)
	})
}

// Activation matches nodes whose fused activation is one of the given ones.
// Nodes without an AttrActivation have a linear activation.
func Activation(activations ...string) Predicate {
	activations = slices.Clone(activations)
	return New(fmt.Sprintf("Activation(%s)", strings.Join(activations, "|")), func(n *graph.Node) bool {
		return slices.Contains(activations, n.Activation())
	})
}

// HasWeight matches nodes that have the named weight.
func HasWeight(name string) Predicate {
	return New(fmt.Sprintf("HasWeight(%s)", name), func(n *graph.Node) bool {
		return n.HasWeight(name)
	})
}

// GroupConvolution matches regular (not depthwise) convolutions with more than one group:
// their per-group input channels can't be folded with a per-channel broadcast.
func GroupConvolution() Predicate {
	return New("GroupConvolution", func(n *graph.Node) bool {
		if n.Op() != graph.OpConv2D {
			return false
		}
		groups, found := n.Attrs().GetInt(graph.AttrGroups)
		return found && groups > 1
	})
}

// Convolution matches any of the weighted layers that have a kernel layout: the 2D convolution variants and dense.
func Convolution() Predicate {
	return Op(graph.OpConv2D, graph.OpDepthwiseConv2D, graph.OpConv2DTranspose, graph.OpDense)
}
