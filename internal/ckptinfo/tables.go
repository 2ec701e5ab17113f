// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ckptinfo

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Underline(true).PaddingTop(1)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	diffRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// table with rows optionally highlighted, used to mark values that differ across checkpoints.
type table struct {
	*lgtable.Table
	count       int
	highlighted map[int]bool
}

func newTable(alignments ...lipgloss.Position) *table {
	t := &table{highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case t.highlighted[row]:
				s = diffRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// add a row, highlighted if requested.
func (t *table) add(highlight bool, row ...string) {
	if highlight {
		t.highlighted[t.count] = true
	}
	t.Row(row...)
	t.count++
}

func allEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}

// shortNames returns, for each path, the shortest part that tells it apart from the others:
// "logs/train/runs/A/checkpoints/last.ckpt" and "logs/train/runs/B/checkpoints/last.ckpt" become "A" and "B".
func shortNames(paths ...string) []string {
	if len(paths) <= 1 {
		names := make([]string, len(paths))
		for ii, p := range paths {
			names[ii] = filepath.Base(filepath.Clean(p))
		}
		return names
	}
	split := make([][]string, len(paths))
	for ii, p := range paths {
		split[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}
	names := make([]string, len(paths))
	for ii, parts := range split {
		var diffs []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for kk := range min(len(parts), len(other)) {
				if parts[kk] != other[kk] && !slices.Contains(diffs, kk) {
					diffs = append(diffs, kk)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			names[ii] = parts[len(parts)-1]
		case 1:
			names[ii] = parts[diffs[0]]
		default:
			names[ii] = parts[diffs[0]] + "..." + parts[diffs[len(diffs)-1]]
		}
	}
	return names
}
