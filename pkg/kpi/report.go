// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kpi

import (
	"math"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/mpquant/pkg/graph"
	"github.com/gomlx/mpquant/pkg/support/sets"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	exceededRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// reportTable is a lipgloss table whose rows can be highlighted.
type reportTable struct {
	table       *lgtable.Table
	count       int
	highlighted map[int]bool
}

func newReportTable() *reportTable {
	t := &reportTable{highlighted: make(map[int]bool)}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case t.highlighted[row]:
				s = exceededRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
	return t
}

func (t *reportTable) row(highlight bool, cells ...string) {
	if highlight {
		t.highlighted[t.count] = true
	}
	t.table.Row(cells...)
	t.count++
}

// FormatValue formats a usage value of the target axis for humans: bytes for memory, bit-operations for compute.
func FormatValue(target Target, v float64) string {
	if target == TargetCompute {
		return humanize.SIWithDigits(v, 2, "BOPs")
	}
	return humanize.Bytes(uint64(math.Ceil(v)))
}

// Report renders a table with the usage of each axis, the budget ceiling if there is one, and the
// amount by which the ceiling is exceeded. Exceeded axes are highlighted.
func Report(u Usage, budget Budget) string {
	t := newReportTable()
	t.table.Headers("KPI", "Usage", "Budget", "Exceeded by")
	exceeded := budget.Exceeded(u)
	for _, target := range TargetValues() {
		ceiling, over := "-", ""
		if c, found := budget[target]; found {
			ceiling = FormatValue(target, c)
		}
		excess, isExceeded := exceeded[target]
		if isExceeded {
			over = FormatValue(target, excess)
		}
		t.row(isExceeded, target.String(), FormatValue(target, u.Get(target)), ceiling, over)
	}
	return t.table.Render()
}

// NodesReport renders a table with the precision and usage of every node with a kernel or a selected precision.
func NodesReport(g *graph.Graph, assignment Assignment) (string, error) {
	t := newReportTable()
	t.table.Headers("Node", "Op", "Precision", "Weights", "Activation", "Compute")
	var total Usage
	seenGroups := sets.Make[string]()
	for _, n := range g.Nodes() {
		p, found := assignment[n.ID()]
		if !found {
			p = FloatPrecision(n)
		}
		u, err := NodeUsage(n, p)
		if err != nil {
			return "", err
		}
		if sharesStoredWeights(n, seenGroups) {
			u = withoutWeights(u)
		}
		total = total.Add(u)
		if !found && !n.Op().HasKernel() {
			continue
		}
		t.row(false, n.Name(), n.Op().String(), p.String(),
			FormatValue(TargetWeightsMemory, u.WeightsMemory),
			FormatValue(TargetActivationMemory, u.ActivationMemory),
			FormatValue(TargetCompute, u.Compute))
	}
	t.row(true, "total", humanize.Comma(int64(g.NumNodes()))+" nodes", "",
		FormatValue(TargetWeightsMemory, total.WeightsMemory),
		FormatValue(TargetActivationMemory, total.ActivationMemory),
		FormatValue(TargetCompute, total.Compute))
	return t.table.Render(), nil
}
