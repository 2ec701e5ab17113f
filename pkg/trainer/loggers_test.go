// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCSVLogger(t *testing.T) {
	dir := t.TempDir()
	logger := NewCSVLogger(dir)
	logger.FlushLogsEveryNSteps = 2
	require.NoError(t, logger.LogHyperparams(map[string]any{"model/params/total": 1234, "seed": 42}))
	require.NoError(t, logger.LogMetrics(map[string]float64{"train/loss": 0.5}, 1))
	metricsPath := filepath.Join(dir, "csv", "version_0", MetricsCSVFile)
	assert.NoFileExists(t, metricsPath, "rows are flushed every 2 steps")
	require.NoError(t, logger.LogMetrics(map[string]float64{"val/acc": 0.75, "epoch": 0}, 2))
	assert.FileExists(t, metricsPath)
	require.NoError(t, logger.LogMetrics(map[string]float64{"train/loss": 0.25}, 3))
	require.NoError(t, logger.Finalize("success"))

	df, err := ReadMetricsCSV(metricsPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"epoch", "train/loss", "val/acc", "step"}, df.Names())
	assert.Equal(t, 3, df.Nrow())
	assert.Equal(t, []float64{0.5, 0.25}, []float64{df.Col("train/loss").Float()[0], df.Col("train/loss").Float()[2]})
	assert.True(t, math.IsNaN(df.Col("train/loss").Float()[1]), "missing values are empty")
	assert.Equal(t, []int{1, 2, 3}, must.M1(df.Col("step").Int()))

	contents, err := os.ReadFile(filepath.Join(dir, "csv", "version_0", HParamsFile))
	require.NoError(t, err)
	var hparams map[string]any
	require.NoError(t, yaml.Unmarshal(contents, &hparams))
	assert.Equal(t, 1234, hparams["model/params/total"])

	// A second logger on the same directory writes the next version.
	second := NewCSVLogger(dir)
	require.NoError(t, second.LogMetrics(map[string]float64{"test/acc": 1}, 0))
	logDir, err := second.LogDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "csv", "version_1"), logDir)

	// An explicit version is reused.
	version := 0
	third := &CSVLogger{Dir: dir, RunName: "csv", Version: &version}
	logDir, err = third.LogDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "csv", "version_0"), logDir)

	_, err = (&CSVLogger{}).LogDir()
	require.ErrorContains(t, err, "save_dir")
}

func TestPlotLogger(t *testing.T) {
	dir := t.TempDir()
	logger := NewPlotLogger(dir)
	require.NoError(t, logger.LogMetrics(map[string]float64{"train/loss": 0.9}, 1), "step metrics are skipped")
	for epoch, step := range []int64{10, 20, 30} {
		require.NoError(t, logger.LogMetrics(map[string]float64{
			"train/loss": 1 / float64(epoch+1),
			"val/loss":   1.1 / float64(epoch+1),
			"val/acc":    0.5 + 0.1*float64(epoch),
			"epoch":      float64(epoch),
		}, step))
	}
	require.Len(t, logger.Points(), 9)
	require.NoError(t, logger.Finalize("success"))

	plotDir := filepath.Join(dir, "plots")
	assert.FileExists(t, filepath.Join(plotDir, "loss.png"))
	assert.FileExists(t, filepath.Join(plotDir, "accuracy.png"))
	points, err := LoadPoints(filepath.Join(plotDir, PlotPointsFile))
	require.NoError(t, err)
	assert.Equal(t, logger.Points(), points)
	assert.Equal(t, Point{MetricName: "train/loss", MetricType: "loss", Step: 10, Value: 1}, points[0])
}

func TestTrackerLogger(t *testing.T) {
	dir := t.TempDir()
	logger := &TrackerLogger{Dir: dir, Project: "test", RunName: "tracker"}
	require.NoError(t, logger.LogHyperparams(map[string]any{"seed": 1}))
	require.NoError(t, logger.LogMetrics(map[string]float64{"val/acc": 0.5}, 3))
	run, err := logger.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.Finish(0) })
	assert.DirExists(t, run.Dir())
	assert.Equal(t, 0.5, run.Summary()["val/acc"])
	require.NoError(t, logger.Finalize("success"))
	assert.False(t, run.Finished(), "the run is closed by the task")
}
