// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matchers

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mpquant/pkg/graph"
)

// MaxChainLength is the largest structural pattern supported.
const MaxChainLength = 3

// EdgeMatcher matches an edge by its source and target nodes.
type EdgeMatcher struct {
	Source, Target Predicate
}

// Match returns whether the edge connects a node matching Source to a node matching Target.
func (m EdgeMatcher) Match(g *graph.Graph, e graph.Edge) bool {
	return m.Source.Match(g.Node(e.From)) && m.Target.Match(g.Node(e.To))
}

// Chain is a linear structural pattern n[0] -> n[1] -> ... where each node matches its predicate, n[i]
// is the sole consumer of n[i-1] (through exactly one edge), n[i-1] is the sole producer of n[i], and the
// intermediate nodes are not graph outputs. So the chain can be rewritten without affecting other nodes.
type Chain struct {
	predicates []Predicate
}

// NewChain creates a chain pattern with 1 to MaxChainLength nodes.
func NewChain(predicates ...Predicate) Chain {
	if len(predicates) == 0 || len(predicates) > MaxChainLength {
		exceptions.Panicf("NewChain: chains must have between 1 and %d nodes, got %d", MaxChainLength, len(predicates))
	}
	return Chain{predicates: predicates}
}

// Len returns the number of nodes in the pattern.
func (c Chain) Len() int { return len(c.predicates) }

// String implements fmt.Stringer.
func (c Chain) String() string {
	parts := make([]string, len(c.predicates))
	for ii, p := range c.predicates {
		parts[ii] = p.String()
	}
	return fmt.Sprintf("Chain[%s]", strings.Join(parts, " -> "))
}

// MatchAt tries to match the pattern starting at node start. It returns the matched nodes in chain order.
func (c Chain) MatchAt(g *graph.Graph, start *graph.Node) ([]*graph.Node, bool) {
	if !c.predicates[0].Match(start) {
		return nil, false
	}
	matched := make([]*graph.Node, 1, len(c.predicates))
	matched[0] = start
	for _, p := range c.predicates[1:] {
		prev := matched[len(matched)-1]
		if g.IsOutput(prev) {
			return nil, false
		}
		out := g.OutEdges(prev)
		if len(out) != 1 {
			return nil, false
		}
		next := g.Node(out[0].To)
		if len(g.InEdges(next)) != 1 || !p.Match(next) {
			return nil, false
		}
		matched = append(matched, next)
	}
	return matched, true
}

// FindAll returns all matches in the graph, with start nodes in topological order.
// Matches may overlap: a rule applying one of them should re-scan the graph afterward.
func (c Chain) FindAll(g *graph.Graph) ([][]*graph.Node, error) {
	nodes, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	var matches [][]*graph.Node
	for _, n := range nodes {
		if m, ok := c.MatchAt(g, n); ok {
			matches = append(matches, m)
		}
	}
	return matches, nil
}
