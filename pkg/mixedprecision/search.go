// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mixedprecision

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mpquant/pkg/kpi"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
	"k8s.io/klog/v2"
)

// DefaultMaxIterations is the default cap on the number of branch-and-bound nodes explored.
const DefaultMaxIterations = 100_000

// Config of the search.
type Config struct {
	// MaxIterations caps the number of branch-and-bound nodes explored. When it is reached the best
	// assignment found so far is returned. 0 disables the branch-and-bound.
	MaxIterations int

	// DisableRelaxation skips the linear relaxation: the search starts from the lowest score candidates.
	DisableRelaxation bool
}

// DefaultConfig returns the default search configuration.
func DefaultConfig() Config {
	return Config{MaxIterations: DefaultMaxIterations}
}

// Result of the search.
type Result struct {
	// Choices holds the index of the selected candidate of each group of the Problem.
	Choices []int

	Score float64
	Usage kpi.Usage

	// Optimal is true if the search completed: no other assignment has a lower score (or the same score
	// with a lower resource cost).
	Optimal bool

	// Iterations is the number of branch-and-bound nodes explored.
	Iterations int
}

// searcher holds the state of one search.
type searcher struct {
	p       *Problem
	config  Config
	targets []kpi.Target

	// scales normalizes each axis, see costKey.
	scales map[kpi.Target]float64

	// Branch-and-bound state.
	iterations          int
	stopped             bool
	best                []int
	bestScore, bestCost float64
	minScoreFrom        []float64
	minUsageFrom        []kpi.Usage
	orders              [][]int
}

// Search returns the assignment with the lowest score that fits the budget.
//
// It returns an InfeasibleBudgetError if no assignment fits. With an unconstrained budget every group
// simply takes its lowest score candidate.
func Search(p *Problem, config Config) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &searcher{p: p, config: config, targets: p.Budget.Targets()}
	s.setScales()
	if len(p.Groups) == 0 {
		return &Result{Choices: []int{}, Usage: p.Base, Optimal: true}, nil
	}

	choices := s.lowestScores()
	optimal := len(s.targets) == 0
	if !optimal {
		if !config.DisableRelaxation {
			relaxed, err := s.relaxation()
			if err != nil {
				klog.V(1).Infof("mixed-precision: linear relaxation failed, starting from the lowest scores: %v", err)
			} else {
				choices = relaxed
			}
		}
		repaired := s.repair(choices)
		if repaired != nil {
			choices = s.improve(repaired)
			s.setBest(choices)
		}
		if config.MaxIterations > 0 {
			s.branchAndBound()
			optimal = !s.stopped
		}
		if s.best == nil {
			u := p.Usage(choices)
			if optimal {
				return nil, &InfeasibleBudgetError{Budget: p.Budget, Minimum: p.Minimum(), Shortfall: p.Budget.Exceeded(u)}
			}
			return nil, errors.Errorf("no assignment within budget %s found in %d iterations", p.Budget, s.iterations)
		}
		choices = s.best
	}
	result := &Result{
		Choices:    choices,
		Score:      p.Score(choices),
		Usage:      p.Usage(choices),
		Optimal:    optimal,
		Iterations: s.iterations,
	}
	klog.V(1).Infof("mixed-precision: score %.4g, usage %s, optimal=%v after %d iterations",
		result.Score, result.Usage, result.Optimal, result.Iterations)
	return result, nil
}

// setScales sets the normalization of each axis: the budget ceiling, or the maximum usage of unconstrained axes.
func (s *searcher) setScales() {
	maxUsage := s.p.Base
	for _, group := range s.p.Groups {
		var groupMax kpi.Usage
		for _, cost := range group.Costs {
			for _, target := range kpi.TargetValues() {
				groupMax = groupMax.With(target, max(groupMax.Get(target), cost.Get(target)))
			}
		}
		maxUsage = maxUsage.Add(groupMax)
	}
	s.scales = make(map[kpi.Target]float64)
	for _, target := range kpi.TargetValues() {
		scale := maxUsage.Get(target)
		if ceiling, found := s.p.Budget[target]; found && ceiling > 0 {
			scale = ceiling
		}
		s.scales[target] = max(scale, 1)
	}
}

// costKey is the normalized cost of a usage, used to break ties between equal scores.
func (s *searcher) costKey(u kpi.Usage) float64 {
	var key float64
	for _, target := range kpi.TargetValues() {
		key += u.Get(target) / s.scales[target]
	}
	return key
}

// violation is the normalized amount by which the usage exceeds the budget.
func (s *searcher) violation(u kpi.Usage) float64 {
	var v float64
	for _, target := range s.targets {
		if ceiling := s.p.Budget[target]; !fits(u.Get(target), ceiling) {
			v += (u.Get(target) - ceiling) / s.scales[target]
		}
	}
	return v
}

func (s *searcher) fits(u kpi.Usage) bool {
	for _, target := range s.targets {
		if !fits(u.Get(target), s.p.Budget[target]) {
			return false
		}
	}
	return true
}

// better returns whether (score, cost) is better than (bestScore, bestCost).
func better(score, cost, bestScore, bestCost float64) bool {
	tol := 1e-12 * max(1, math.Abs(bestScore))
	if score < bestScore-tol {
		return true
	}
	return score <= bestScore+tol && cost < bestCost-1e-12
}

// candidateOrder returns the candidates of group gIdx sorted by score, then cost.
func (s *searcher) candidateOrder(gIdx int) []int {
	group := s.p.Groups[gIdx]
	order := make([]int, len(group.Candidates))
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case better(group.Scores[a], s.costKey(group.Costs[a]), group.Scores[b], s.costKey(group.Costs[b])):
			return -1
		case better(group.Scores[b], s.costKey(group.Costs[b]), group.Scores[a], s.costKey(group.Costs[a])):
			return 1
		}
		return 0
	})
	return order
}

// lowestScores returns the lowest score candidate of each group, ignoring the budget.
func (s *searcher) lowestScores() []int {
	choices := make([]int, len(s.p.Groups))
	for gIdx := range s.p.Groups {
		choices[gIdx] = s.candidateOrder(gIdx)[0]
	}
	return choices
}

// relaxation solves the linear relaxation of the problem in standard form:
//
//	minimize   Σ score[g,c]·x[g,c]
//	subject to Σ_c x[g,c] = 1                                  for each group g
//	           Σ cost[g,c,t]·x[g,c] + slack[t] = budget[t] - base[t]   for each constrained axis t
//	           x, slack >= 0
//
// with costs normalized by the axis scale. Each group takes its candidate with the largest fraction.
func (s *searcher) relaxation() (choices []int, err error) {
	p := s.p
	offsets := make([]int, len(p.Groups))
	numVars := 0
	for gIdx, group := range p.Groups {
		offsets[gIdx] = numVars
		numVars += len(group.Candidates)
	}
	numCols := numVars + len(s.targets)
	numRows := len(p.Groups) + len(s.targets)
	c := make([]float64, numCols)
	A := mat.NewDense(numRows, numCols, nil)
	b := make([]float64, numRows)
	for gIdx, group := range p.Groups {
		b[gIdx] = 1
		for cIdx := range group.Candidates {
			col := offsets[gIdx] + cIdx
			c[col] = group.Scores[cIdx]
			A.Set(gIdx, col, 1)
			for tIdx, target := range s.targets {
				A.Set(len(p.Groups)+tIdx, col, group.Costs[cIdx].Get(target)/s.scales[target])
			}
		}
	}
	for tIdx, target := range s.targets {
		row := len(p.Groups) + tIdx
		A.Set(row, numVars+tIdx, 1)
		b[row] = (p.Budget[target] - p.Base.Get(target)) / s.scales[target]
	}

	var x []float64
	if panicked := exceptions.Try(func() { _, x, err = lp.Simplex(c, A, b, 1e-10, nil) }); panicked != nil {
		return nil, errors.Errorf("simplex panicked: %v", panicked)
	}
	if err != nil {
		return nil, errors.Wrap(err, "solving the linear relaxation")
	}
	choices = make([]int, len(p.Groups))
	for gIdx, group := range p.Groups {
		best := 0
		for cIdx := range group.Candidates {
			if x[offsets[gIdx]+cIdx] > x[offsets[gIdx]+best]+1e-9 {
				best = cIdx
			}
		}
		choices[gIdx] = best
	}
	return choices, nil
}

// repair lowers the precision of groups until the choices fit the budget, at each step taking the change
// that removes the most violation per unit of score increase. It returns nil if it can't fit the budget.
func (s *searcher) repair(choices []int) []int {
	choices = slices.Clone(choices)
	u := s.p.Usage(choices)
	violation := s.violation(u)
	for violation > 0 {
		bestG, bestC, bestRatio := -1, -1, math.Inf(-1)
		for gIdx, group := range s.p.Groups {
			current := choices[gIdx]
			for cIdx := range group.Candidates {
				if cIdx == current {
					continue
				}
				moved := u.Add(diffUsage(group.Costs[cIdx], group.Costs[current]))
				reduction := violation - s.violation(moved)
				if reduction <= 0 {
					continue
				}
				ratio := reduction / (max(group.Scores[cIdx]-group.Scores[current], 0) + 1e-12)
				if ratio > bestRatio {
					bestG, bestC, bestRatio = gIdx, cIdx, ratio
				}
			}
		}
		if bestG < 0 {
			return nil
		}
		u = u.Add(diffUsage(s.p.Groups[bestG].Costs[bestC], s.p.Groups[bestG].Costs[choices[bestG]]))
		choices[bestG] = bestC
		violation = s.violation(u)
	}
	return choices
}

// diffUsage returns a - b.
func diffUsage(a, b kpi.Usage) kpi.Usage {
	var d kpi.Usage
	for _, target := range kpi.TargetValues() {
		d = d.With(target, a.Get(target)-b.Get(target))
	}
	return d
}

// improve applies, while there are any, the single group changes that keep the budget and improve the
// score (or keep it and lower the cost), the best first.
func (s *searcher) improve(choices []int) []int {
	choices = slices.Clone(choices)
	for {
		u := s.p.Usage(choices)
		score, cost := s.p.Score(choices), s.costKey(u)
		bestG, bestC := -1, -1
		bestScore, bestCost := score, cost
		for gIdx, group := range s.p.Groups {
			current := choices[gIdx]
			for cIdx := range group.Candidates {
				if cIdx == current {
					continue
				}
				moved := u.Add(diffUsage(group.Costs[cIdx], group.Costs[current]))
				if !s.fits(moved) {
					continue
				}
				newScore := score + group.Scores[cIdx] - group.Scores[current]
				if newCost := s.costKey(moved); better(newScore, newCost, bestScore, bestCost) {
					bestG, bestC, bestScore, bestCost = gIdx, cIdx, newScore, newCost
				}
			}
		}
		if bestG < 0 {
			return choices
		}
		choices[bestG] = bestC
	}
}

func (s *searcher) setBest(choices []int) {
	s.best = slices.Clone(choices)
	s.bestScore = s.p.Score(choices)
	s.bestCost = s.costKey(s.p.Usage(choices))
}

// branchAndBound searches the assignments depth-first, groups in order and candidates by increasing score,
// pruning by score lower bound and by minimal usage.
func (s *searcher) branchAndBound() {
	numGroups := len(s.p.Groups)
	s.minScoreFrom = make([]float64, numGroups+1)
	s.minUsageFrom = make([]kpi.Usage, numGroups+1)
	s.orders = make([][]int, numGroups)
	for gIdx := numGroups - 1; gIdx >= 0; gIdx-- {
		group := s.p.Groups[gIdx]
		s.orders[gIdx] = s.candidateOrder(gIdx)
		minScore := group.Scores[s.orders[gIdx][0]]
		minUsage := group.Costs[0]
		for cIdx, cost := range group.Costs {
			minScore = min(minScore, group.Scores[cIdx])
			for _, target := range s.targets {
				minUsage = minUsage.With(target, min(minUsage.Get(target), cost.Get(target)))
			}
		}
		s.minScoreFrom[gIdx] = s.minScoreFrom[gIdx+1] + minScore
		s.minUsageFrom[gIdx] = s.minUsageFrom[gIdx+1].Add(minUsage)
	}
	choices := make([]int, numGroups)
	s.visit(choices, 0, 0, s.p.Base)
}

func (s *searcher) visit(choices []int, gIdx int, score float64, u kpi.Usage) {
	if s.stopped {
		return
	}
	if s.iterations >= s.config.MaxIterations {
		s.stopped = true
		return
	}
	s.iterations++
	// At a leaf minUsageFrom is zero: this checks the complete assignment.
	if !s.fits(u.Add(s.minUsageFrom[gIdx])) {
		return
	}
	if gIdx == len(choices) {
		if s.best == nil || better(score, s.costKey(u), s.bestScore, s.bestCost) {
			s.setBest(choices)
		}
		return
	}
	if s.best != nil && score+s.minScoreFrom[gIdx] > s.bestScore+1e-12*max(1, math.Abs(s.bestScore)) {
		return
	}
	group := s.p.Groups[gIdx]
	for _, cIdx := range s.orders[gIdx] {
		choices[gIdx] = cIdx
		s.visit(choices, gIdx+1, score+group.Scores[cIdx], u.Add(group.Costs[cIdx]))
		if s.stopped {
			return
		}
	}
}
