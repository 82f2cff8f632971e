// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mixedprecision selects one candidate precision per node, minimizing the total sensitivity score
// while keeping the resource usage within a budget.
//
// Nodes sharing weights (see graph.Node.WeightGroup) are decided together, and their shared weights are
// only counted once. The search solves the linear relaxation of the selection problem, rounds and repairs
// it into a feasible assignment, and refines it with a bounded branch-and-bound. It is deterministic.
package mixedprecision

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/kpi"
	"github.com/gomlx/mpquant/pkg/sensitivity"
	"github.com/pkg/errors"
)

// Group of nodes that take the same candidate.
type Group struct {
	// Name of the group: the weight group of its nodes.
	Name string

	// Nodes in the group, they all have the same candidates.
	Nodes []graph.NodeID

	// Candidates, ordered from the highest precision.
	Candidates []graph.Precision

	// Costs is the usage of the whole group for each candidate.
	Costs []kpi.Usage

	// Scores is the sensitivity of the whole group for each candidate.
	Scores []float64
}

// Problem of selecting one candidate per group within the budget.
type Problem struct {
	Groups []Group
	Budget kpi.Budget

	// Base is the usage of the nodes without candidates, which stay unquantized.
	Base kpi.Usage
}

// InfeasibleBudgetError is returned when no assignment fits the budget: even choosing the cheapest
// candidate of every node on each axis exceeds it.
type InfeasibleBudgetError struct {
	Budget kpi.Budget

	// Minimum is the lowest usage reachable on each axis.
	Minimum kpi.Usage

	// Shortfall is by how much the budget would need to be increased, on each axis it is exceeded.
	Shortfall map[kpi.Target]float64
}

// Error implements the error interface.
func (e *InfeasibleBudgetError) Error() string {
	parts := make([]string, 0, len(e.Shortfall))
	for _, target := range kpi.TargetValues() {
		if shortfall, found := e.Shortfall[target]; found {
			parts = append(parts, fmt.Sprintf("%s needs %g, budget is %g (short by %g)",
				target, e.Minimum.Get(target), e.Budget[target], shortfall))
		}
	}
	return "infeasible budget, no assignment fits even at the lowest precisions: " + strings.Join(parts, "; ")
}

// NewProblem builds the selection problem for the nodes of the graph with candidates, given their
// sensitivity scores.
func NewProblem(g *graph.Graph, scores sensitivity.Scores, budget kpi.Budget) (*Problem, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	p := &Problem{Budget: budget}
	groupIdx := make(map[string]int)
	for _, n := range g.Nodes() {
		candidates := n.Candidates()
		if len(candidates) == 0 {
			u, err := kpi.NodeUsage(n, kpi.FloatPrecision(n))
			if err != nil {
				return nil, err
			}
			p.Base = p.Base.Add(u)
			continue
		}
		nodeScores, found := scores[n.ID()]
		if !found || len(nodeScores) != len(candidates) {
			return nil, errors.Errorf("node %q has %d candidates but %d scores", n.Name(), len(candidates), len(nodeScores))
		}
		costs := make([]kpi.Usage, len(candidates))
		for ii, precision := range candidates {
			u, err := kpi.NodeUsage(n, precision)
			if err != nil {
				return nil, err
			}
			costs[ii] = u
		}

		name := n.WeightGroup()
		idx, found := groupIdx[name]
		if !found {
			groupIdx[name] = len(p.Groups)
			p.Groups = append(p.Groups, Group{
				Name:       name,
				Nodes:      []graph.NodeID{n.ID()},
				Candidates: slices.Clone(candidates),
				Costs:      costs,
				Scores:     slices.Clone(nodeScores),
			})
			continue
		}
		group := &p.Groups[idx]
		if !slices.Equal(group.Candidates, candidates) {
			return nil, errors.Errorf("node %q shares weights (group %q) with nodes with different candidates", n.Name(), name)
		}
		group.Nodes = append(group.Nodes, n.ID())
		for ii := range candidates {
			// Shared weights are stored once.
			shared := costs[ii]
			shared.TotalMemory -= shared.WeightsMemory
			shared.WeightsMemory = 0
			group.Costs[ii] = group.Costs[ii].Add(shared)
			group.Scores[ii] += nodeScores[ii]
		}
	}
	return p, nil
}

// Usage of the choice of candidates, one per group.
func (p *Problem) Usage(choices []int) kpi.Usage {
	u := p.Base
	for ii, group := range p.Groups {
		u = u.Add(group.Costs[choices[ii]])
	}
	return u
}

// Score of the choice of candidates, one per group.
func (p *Problem) Score(choices []int) float64 {
	var score float64
	for ii, group := range p.Groups {
		score += group.Scores[choices[ii]]
	}
	return score
}

// Minimum returns, per axis, the lowest usage reachable.
func (p *Problem) Minimum() kpi.Usage {
	minimum := p.Base
	for _, group := range p.Groups {
		var groupMin kpi.Usage
		for _, target := range kpi.TargetValues() {
			v := group.Costs[0].Get(target)
			for _, cost := range group.Costs[1:] {
				v = min(v, cost.Get(target))
			}
			groupMin = groupMin.With(target, v)
		}
		minimum = minimum.Add(groupMin)
	}
	return minimum
}

// Validate checks the problem is consistent, and that the budget is feasible.
// It returns an InfeasibleBudgetError if no assignment fits the budget.
func (p *Problem) Validate() error {
	if err := p.Budget.Validate(); err != nil {
		return err
	}
	for _, group := range p.Groups {
		n := len(group.Candidates)
		if n == 0 || len(group.Costs) != n || len(group.Scores) != n {
			return errors.Errorf("group %q has %d candidates, %d costs and %d scores",
				group.Name, n, len(group.Costs), len(group.Scores))
		}
		for _, score := range group.Scores {
			if score < 0 {
				return errors.Errorf("group %q has a negative score %g", group.Name, score)
			}
		}
	}
	minimum := p.Minimum()
	shortfall := make(map[kpi.Target]float64)
	for target, ceiling := range p.Budget {
		if v := minimum.Get(target); !fits(v, ceiling) {
			shortfall[target] = v - ceiling
		}
	}
	if len(shortfall) > 0 {
		return &InfeasibleBudgetError{Budget: p.Budget, Minimum: minimum, Shortfall: shortfall}
	}
	return nil
}

func fits(v, ceiling float64) bool {
	return kpi.WithinCeiling(v, ceiling)
}

// Assignment returns the precision of every node for the choice of candidates.
func (p *Problem) Assignment(choices []int) kpi.Assignment {
	assignment := make(kpi.Assignment)
	for ii, group := range p.Groups {
		for _, id := range group.Nodes {
			assignment[id] = group.Candidates[choices[ii]]
		}
	}
	return assignment
}

// Apply selects in the graph nodes the candidates of the result.
func Apply(g *graph.Graph, p *Problem, result *Result) error {
	if len(result.Choices) != len(p.Groups) {
		return errors.Errorf("result has %d choices for %d groups", len(result.Choices), len(p.Groups))
	}
	for _, group := range p.Groups {
		for _, id := range group.Nodes {
			n := g.Node(id)
			if n == nil {
				return errors.Errorf("node #%d of group %q not in graph %q", id, group.Name, g.Name())
			}
			if !slices.Equal(n.Candidates(), group.Candidates) {
				return errors.Errorf("node %q candidates changed since the problem was built", n.Name())
			}
		}
	}
	for ii, group := range p.Groups {
		for _, id := range group.Nodes {
			g.Node(id).Select(result.Choices[ii])
		}
	}
	return nil
}
