// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// ProgressBar displays, for each epoch of training and for the test, a progress bar and a table with the
// metrics logged with LogOptions.ProgBar.
type ProgressBar struct {
	// RefreshRate is the number of batches between updates. Defaults to 1.
	RefreshRate int `yaml:"refresh_rate"`

	// Unicode selects the unicode theme of the bar, prettier but not supported by all terminals.
	Unicode bool `yaml:"unicode"`

	// Current bar.
	bar              *progressbar.ProgressBar
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	linesPrinted     int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
	pending          int
	startTime        time.Time
}

var _ Callback = (*ProgressBar)(nil)

// NewProgressBar returns a ProgressBar updated at every batch.
func NewProgressBar() *ProgressBar { return &ProgressBar{RefreshRate: 1} }

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// Name implements Callback.
func (pBar *ProgressBar) Name() string { return "ProgressBar" }

// Attach implements Callback.
func (pBar *ProgressBar) Attach(t *Trainer) error {
	if pBar.RefreshRate < 0 {
		return errors.Errorf("ProgressBar: refresh_rate must be >= 0, got %d", pBar.RefreshRate)
	}
	if pBar.RefreshRate == 0 {
		// Disabled.
		return nil
	}
	name := pBar.Name()
	t.On(EventTrainEpochStart, name, PriorityProgressBar, func(t *Trainer) error {
		total := t.NumTrainBatches()
		if t.shouldValidate() {
			total += t.NumValBatches()
		}
		pBar.start(fmt.Sprintf("Epoch %d", t.CurrentEpoch()), total)
		return nil
	})
	t.On(EventTrainBatchEnd, name, PriorityProgressBar, func(t *Trainer) error {
		pBar.step(t, t.BatchIdx()+1 == t.NumTrainBatches())
		return nil
	})
	t.On(EventValidationBatchEnd, name, PriorityProgressBar, func(t *Trainer) error {
		if t.SanityChecking() || pBar.bar == nil {
			return nil
		}
		pBar.step(t, t.BatchIdx()+1 == t.NumValBatches())
		return nil
	})
	t.On(EventTrainEpochEnd, name, PriorityProgressBar, func(t *Trainer) error {
		// Final update, with the epoch metrics.
		pBar.enqueue(t)
		pBar.finish()
		return nil
	})
	t.On(EventTestStart, name, PriorityProgressBar, func(t *Trainer) error {
		pBar.start("Testing", t.NumTestBatches())
		return nil
	})
	t.On(EventTestBatchEnd, name, PriorityProgressBar, func(t *Trainer) error {
		pBar.step(t, t.BatchIdx()+1 == t.NumTestBatches())
		return nil
	})
	t.On(EventTestEnd, name, PriorityProgressBar, func(t *Trainer) error {
		pBar.finish()
		return nil
	})
	t.On(EventException, name, PriorityProgressBar, func(t *Trainer) error {
		pBar.finish()
		return nil
	})
	return nil
}

// start a new bar, with an asynchronous goroutine drawing the updates.
func (pBar *ProgressBar) start(description string, total int) {
	pBar.finish()
	theme := progressbar.ThemeASCII
	if pBar.Unicode {
		theme = progressbar.ThemeUnicode
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description+" [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(theme),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.termenv = termenv.NewOutput(os.Stdout)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.linesPrinted = 0
	pBar.pending = 0
	pBar.startTime = time.Now()
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so the training loop is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates(pBar.updates)
}

// step counts one more batch, and enqueues an update every RefreshRate batches.
func (pBar *ProgressBar) step(t *Trainer, last bool) {
	if pBar.updates == nil {
		return
	}
	pBar.pending++
	if pBar.pending >= pBar.RefreshRate || last {
		pBar.enqueue(t)
	}
}

func (pBar *ProgressBar) enqueue(t *Trainer) {
	if pBar.updates == nil {
		return
	}
	update := progressBarUpdate{amount: pBar.pending}
	pBar.pending = 0
	update.rows = append(update.rows, [2]string{"Global Step", humanize.Comma(t.GlobalStep())})
	update.rows = append(update.rows, [2]string{"Elapsed", formatDuration(time.Since(pBar.startTime))})
	metrics := t.ProgressBarMetrics()
	for _, name := range sortedKeys(metrics) {
		update.rows = append(update.rows, [2]string{name, fmt.Sprintf("%.4g", metrics[name])})
	}
	pBar.updates <- update
}

// drawUpdates runs in its own goroutine. It's handy if the training is faster than the terminal.
func (pBar *ProgressBar) drawUpdates(updates chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		// Exhaust the updates in the buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		tableStr := pBar.statsStyle.Render(pBar.statsTable.String())

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if pBar.linesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.linesPrinted)
		}
		fmt.Println(tableStr)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.linesPrinted = strings.Count(tableStr, "\n") + 2
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// finish closes the current bar, if any, and waits for the pending updates to be drawn.
func (pBar *ProgressBar) finish() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.updates = nil
	pBar.bar = nil
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
}
