// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// RenderResults returns a table with the metrics of a validation or test run.
func RenderResults(stage Stage, metrics map[string]float64) string {
	title := strings.ToUpper(string(stage[:1])) + string(stage[1:]) + " metric"
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(title, "Value").
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 1 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, name := range sortedKeys(metrics) {
		table.Row(name, strconv.FormatFloat(metrics[name], 'f', 6, 64))
	}
	return table.String()
}

// PrintResults prints the table of RenderResults to the standard output.
func PrintResults(stage Stage, metrics map[string]float64) {
	if len(metrics) == 0 {
		return
	}
	_, _ = fmt.Fprintln(os.Stdout, RenderResults(stage, metrics))
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// formatDuration pretty prints duration without a long list of decimal points.
func formatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
