// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary renders tables describing the variables of models stored in a context.
package summary

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable(rightAlignedCols ...int) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if slices.Contains(rightAlignedCols, col) {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// Counts of the variables of a model.
type Counts struct {
	Variables, Params, TrainableParams int
	Bytes                              uintptr
}

// Count the variables and parameters under the current scope of ctx.
func Count(ctx *context.Context) (c Counts) {
	for v := range ctx.IterVariablesInScope() {
		size := v.Shape().Size()
		c.Variables++
		c.Params += size
		if v.Trainable {
			c.TrainableParams += size
		}
		c.Bytes += v.Shape().Memory()
	}
	return
}

// Model returns a table, titled with the scope, listing the variables under the given absolute scope of
// ctx, followed by the totals, in the spirit of Keras `model.summary()`.
func Model(ctx *context.Context, scope string) string {
	scopedCtx := ctx.InAbsPath(scope)
	table := newPlainTable(2, 3)
	table.Headers("Scope", "Name", "Shape", "Params")
	var rows [][]string
	for v := range scopedCtx.IterVariablesInScope() {
		shape := v.Shape()
		name := v.Name()
		if !v.Trainable {
			name += " (non-trainable)"
		}
		rows = append(rows, []string{
			strings.TrimPrefix(v.Scope(), scopedCtx.Scope()),
			name,
			shape.String(),
			humanize.Comma(int64(shape.Size())),
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}

	c := Count(scopedCtx)
	totals := newPlainTable(1)
	totals.Row("Total params", humanize.Comma(int64(c.Params)))
	totals.Row("Trainable params", humanize.Comma(int64(c.TrainableParams)))
	totals.Row("Non-trainable params", humanize.Comma(int64(c.Params-c.TrainableParams)))
	totals.Row("Memory", humanize.Bytes(uint64(c.Bytes)))

	return fmt.Sprintf("%s\n%s\n%s", titleStyle.Render(fmt.Sprintf("Model %q", scope)), table.Render(),
		totals.Render())
}

// Models returns the tables of Model for each of the scopes, one after the other.
func Models(ctx *context.Context, scopes ...string) string {
	parts := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		parts = append(parts, Model(ctx, scope))
	}
	return strings.Join(parts, "\n")
}
