// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package substitutions rewrites a graph with a sequence of Rule (batch normalization folding, activation
// fusion, identity removal) until none of them matches anymore.
//
// A Rule only computes its changes as a graph.Edit: the Engine commits them. So a rule that fails
// halfway (with an error or a panic) never leaves the graph partially modified.
package substitutions

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/graph/matchers"
	"github.com/gomlx/mpquant/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrSkipMatch is returned (possibly wrapped with a reason) by Rule.Rewrite when a match only partially
// meets the rule's preconditions. The match is skipped with a warning, and the engine continues.
var ErrSkipMatch = errors.New("match skipped")

// ErrMaxPassesExceeded is returned (wrapped) by Engine.Run when the rules don't reach a fixed point
// within the maximum number of passes. It indicates rules that undo each other or keep matching their
// own output.
var ErrMaxPassesExceeded = errors.New("maximum number of substitution passes exceeded")

// DefaultMaxPasses is the default limit of passes over the graph.
const DefaultMaxPasses = 100

// Rule is a graph rewrite: a structural pattern and the rewrite of each of its matches.
type Rule interface {
	// Name of the rule, used in logs and errors.
	Name() string

	// Pattern matched by the rule.
	Pattern() matchers.Chain

	// Rewrite returns the edit implementing the rule for the matched nodes, in pattern order.
	// It must not change the graph. It returns an error wrapping ErrSkipMatch if the match should be skipped.
	Rewrite(g *graph.Graph, matched []*graph.Node) (*graph.Edit, error)
}

// DefaultRules returns the default sequence of rules: identity removal, backward and forward batch
// normalization folding, and activation fusion.
func DefaultRules() []Rule {
	return []Rule{RemoveIdentity(), BackwardBatchNormFolding(), ForwardBatchNormFolding(), FuseActivation()}
}

// Engine applies a sequence of rules to a graph until a fixed point.
type Engine struct {
	rules     []Rule
	maxPasses int
}

// New creates an Engine with the given rules. If none are given, DefaultRules is used.
func New(rules ...Rule) *Engine {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Engine{rules: rules, maxPasses: DefaultMaxPasses}
}

// MaxPasses sets the maximum number of passes over the graph. It returns the Engine, so calls can be cascaded.
func (e *Engine) MaxPasses(maxPasses int) *Engine {
	if maxPasses <= 0 {
		exceptions.Panicf("substitutions.Engine.MaxPasses(%d): it must be > 0", maxPasses)
	}
	e.maxPasses = maxPasses
	return e
}

// Rules returns the rules of the engine, in the order they are applied.
func (e *Engine) Rules() []Rule { return e.rules }

// Stats of a run of the Engine.
type Stats struct {
	// Passes over the graph, including the last one that didn't change anything.
	Passes int

	// Applied counts the applied rewrites per rule name.
	Applied map[string]int

	// Skipped counts the matches skipped per rule name.
	Skipped map[string]int
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	var parts []string
	for name, count := range s.Applied {
		parts = append(parts, fmt.Sprintf("%s=%d", name, count))
	}
	slices.Sort(parts)
	var skipped int
	for _, count := range s.Skipped {
		skipped += count
	}
	return fmt.Sprintf("%d passes, applied [%s], %d skipped", s.Passes, strings.Join(parts, ", "), skipped)
}

// Run applies the rules until no rule matches anywhere in the graph.
//
// In each pass, every rule is matched against the graph and each match still valid is rewritten.
// A pass without changes ends the run. Errors are fatal: a *graph.StructuralError if a rewrite
// would leave the graph invalid, ErrMaxPassesExceeded (wrapped) if the fixed point is not reached,
// or the context error if ctx is cancelled.
func (e *Engine) Run(ctx context.Context, g *graph.Graph) (Stats, error) {
	stats := Stats{Applied: make(map[string]int), Skipped: make(map[string]int)}
	skipped := sets.Make[string]()
	if err := g.Validate(); err != nil {
		return stats, err
	}
	for {
		if stats.Passes >= e.maxPasses {
			return stats, errors.Wrapf(ErrMaxPassesExceeded, "graph %q after %d passes (%s)", g.Name(), stats.Passes, stats)
		}
		stats.Passes++
		changed := 0
		for _, rule := range e.rules {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			applied, err := e.applyRule(g, rule, skipped, &stats)
			if err != nil {
				return stats, err
			}
			changed += applied
		}
		klog.V(1).Infof("substitutions: graph %q pass #%d applied %d rewrites", g.Name(), stats.Passes, changed)
		if changed == 0 {
			return stats, nil
		}
	}
}

// applyRule rewrites every match of the rule found at the start of the call, returning the number
// of applied rewrites.
func (e *Engine) applyRule(g *graph.Graph, rule Rule, skipped sets.Set[string], stats *Stats) (int, error) {
	pattern := rule.Pattern()
	matches, err := pattern.FindAll(g)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, match := range matches {
		// Earlier rewrites may have removed or reconnected the matched nodes.
		if match[0].Graph() != g {
			continue
		}
		current, ok := pattern.MatchAt(g, match[0])
		if !ok {
			continue
		}
		key := matchKey(rule, current)
		if skipped.Has(key) {
			continue
		}
		edit, err := rewrite(g, rule, current)
		if err != nil {
			if errors.Is(err, ErrSkipMatch) {
				klog.Warningf("substitutions: rule %s skipped match %s: %v", rule.Name(), nodeNames(current), err)
				skipped.Insert(key)
				stats.Skipped[rule.Name()]++
				continue
			}
			return applied, errors.WithMessagef(err, "rule %s on %s", rule.Name(), nodeNames(current))
		}
		if err := edit.Commit(); err != nil {
			return applied, errors.WithMessagef(err, "rule %s on %s", rule.Name(), nodeNames(current))
		}
		klog.V(2).Infof("substitutions: rule %s applied to %s", rule.Name(), nodeNames(current))
		stats.Applied[rule.Name()]++
		applied++
	}
	return applied, nil
}

// rewrite calls rule.Rewrite converting panics into skipped matches: they happen before anything
// is committed, so the graph is still intact.
func rewrite(g *graph.Graph, rule Rule, matched []*graph.Node) (edit *graph.Edit, err error) {
	panicked := exceptions.Try(func() {
		edit, err = rule.Rewrite(g, matched)
	})
	if panicked != nil {
		return nil, errors.Wrapf(ErrSkipMatch, "rewrite panicked: %v", panicked)
	}
	if err == nil && edit == nil {
		return nil, errors.Wrap(ErrSkipMatch, "rewrite returned no changes")
	}
	return edit, err
}

func matchKey(rule Rule, matched []*graph.Node) string {
	var sb strings.Builder
	sb.WriteString(rule.Name())
	for _, n := range matched {
		_, _ = fmt.Fprintf(&sb, "/%d", n.ID())
	}
	return sb.String()
}

func nodeNames(matched []*graph.Node) string {
	names := make([]string, len(matched))
	for ii, n := range matched {
		names[ii] = fmt.Sprintf("%q", n.Name())
	}
	return "[" + strings.Join(names, " -> ") + "]"
}
