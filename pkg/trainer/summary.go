// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ModelScope is the scope of the variables of the model: variables elsewhere (optimizer state, random number
// generator) are not counted as parameters.
const ModelScope = context.RootScope + "model"

// ParameterCount of a model.
type ParameterCount struct {
	Total, Trainable, NonTrainable int

	// Bytes used by the parameters.
	Bytes uintptr
}

// CountParameters counts the variables under ModelScope.
func CountParameters(ctx *context.Context) ParameterCount {
	var count ParameterCount
	for v := range ctx.IterVariables() {
		if !inModelScope(v.Scope()) {
			continue
		}
		size := v.Shape().Size()
		count.Total += size
		if v.Trainable {
			count.Trainable += size
		} else {
			count.NonTrainable += size
		}
		count.Bytes += v.Shape().Memory()
	}
	return count
}

func inModelScope(scope string) bool {
	return scope == ModelScope || strings.HasPrefix(scope, ModelScope+context.ScopeSeparator)
}

// hasModelVariables returns whether the variables of the model were already created.
func hasModelVariables(ctx *context.Context) bool {
	for v := range ctx.IterVariables() {
		if inModelScope(v.Scope()) {
			return true
		}
	}
	return false
}

// ModelSummary prints a table with the number of parameters of each part of the model at the start of Fit.
type ModelSummary struct {
	// MaxDepth of the scopes listed, counted from ModelScope. 0 prints only the totals.
	MaxDepth int `yaml:"max_depth"`
}

var _ Callback = (*ModelSummary)(nil)

// NewModelSummary returns a ModelSummary listing the top-level parts of the model.
func NewModelSummary() *ModelSummary { return &ModelSummary{MaxDepth: 1} }

// Name implements Callback.
func (s *ModelSummary) Name() string { return "ModelSummary" }

// Attach implements Callback.
func (s *ModelSummary) Attach(t *Trainer) error {
	if s.MaxDepth < 0 {
		return errors.Errorf("ModelSummary: max_depth must be >= 0, got %d", s.MaxDepth)
	}
	t.On(EventFitStart, s.Name(), 0, func(t *Trainer) error {
		if !t.IsGlobalZero() {
			return nil
		}
		fmt.Fprintln(os.Stdout, s.Render(t.Context()))
		return nil
	})
	return nil
}

// summaryRow is one part of the model.
type summaryRow struct {
	name      string
	numVars   int
	numParams int
	shapes    []string
}

// Rows returns the name and the number of parameters of each scope at MaxDepth, in the order they were created.
func (s *ModelSummary) rows(ctx *context.Context) []*summaryRow {
	var rows []*summaryRow
	byName := make(map[string]*summaryRow)
	for v := range ctx.IterVariables() {
		if !inModelScope(v.Scope()) {
			continue
		}
		relative := strings.TrimPrefix(strings.TrimPrefix(v.Scope(), ModelScope), context.ScopeSeparator)
		parts := slices.DeleteFunc(strings.Split(relative, context.ScopeSeparator), func(p string) bool { return p == "" })
		if len(parts) > s.MaxDepth {
			parts = parts[:s.MaxDepth]
		}
		name := strings.Join(parts, ".")
		if name == "" {
			name = v.Name()
		}
		row, found := byName[name]
		if !found {
			row = &summaryRow{name: name}
			byName[name] = row
			rows = append(rows, row)
		}
		row.numVars++
		row.numParams += v.Shape().Size()
		if len(row.shapes) < 3 {
			row.shapes = append(row.shapes, v.Shape().String())
		}
	}
	return rows
}

// Render returns the summary table of the model in ctx.
func (s *ModelSummary) Render(ctx *context.Context) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 || col == 3 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	if s.MaxDepth > 0 {
		table.Headers("", "Name", "Variables", "Params", "Shapes")
		for idx, row := range s.rows(ctx) {
			shapesStr := strings.Join(row.shapes, ", ")
			if row.numVars > len(row.shapes) {
				shapesStr += ", ..."
			}
			table.Row(fmt.Sprint(idx), row.name, fmt.Sprint(row.numVars), humanize.Comma(int64(row.numParams)),
				shapesStr)
		}
	}
	count := CountParameters(ctx)
	totals := lgtable.New().
		Border(lipgloss.HiddenBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	totals.Row(humanize.Comma(int64(count.Trainable)), "Trainable params")
	totals.Row(humanize.Comma(int64(count.NonTrainable)), "Non-trainable params")
	totals.Row(humanize.Comma(int64(count.Total)), "Total params")
	totals.Row(humanize.Bytes(uint64(count.Bytes)), "Total estimated model params size")
	if s.MaxDepth == 0 {
		return totals.String()
	}
	return lipgloss.JoinVertical(lipgloss.Left, table.String(), totals.String())
}
