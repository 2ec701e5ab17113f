// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tracking

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRunLifecycle(t *testing.T) {
	require.NoError(t, Finish(0), "finishing without an active run is a no-op")
	dir := t.TempDir()
	run, err := Init(Options{SaveDir: dir, Project: "mnist", Name: "test", Tags: []string{"dev"}})
	require.NoError(t, err)
	assert.Equal(t, run, Active())
	assert.NotEmpty(t, run.ID())

	_, err = Init(Options{SaveDir: dir})
	require.Error(t, err, "only one active run at a time")

	require.NoError(t, run.SetConfig(map[string]any{
		"model": map[string]any{"lr": 0.001, "layers": []any{64, 128}},
		"tags":  []string{"dev"},
	}))
	require.NoError(t, run.Log(map[string]float64{"train/loss": 0.5}, 10))
	require.NoError(t, run.Log(map[string]float64{"train/loss": 0.25, "val/acc": 0.9}, 20))
	assert.Equal(t, map[string]float64{"train/loss": 0.25, "val/acc": 0.9}, run.Summary())

	require.NoError(t, Finish(1))
	assert.Nil(t, Active())
	assert.True(t, run.Finished())
	require.NoError(t, run.Finish(0), "second Finish is a no-op")
	require.Error(t, run.Log(map[string]float64{"x": 1}, 30))

	records, err := ReadRecords(filepath.Join(run.Dir(), RecordsFile))
	require.NoError(t, err)
	require.Len(t, records, 5)
	var types []string
	for _, r := range records {
		types = append(types, RecordType(r))
	}
	assert.Equal(t, []string{"init", "config", "metrics", "metrics", "finish"}, types)
	assert.Equal(t, 20.0, records[3].GetFields()["step"].GetNumberValue())
	assert.Equal(t, 1.0, records[4].GetFields()["exit_code"].GetNumberValue())

	data, err := os.ReadFile(filepath.Join(run.Dir(), SummaryFile))
	require.NoError(t, err)
	var summary runSummary
	require.NoError(t, yaml.Unmarshal(data, &summary))
	assert.Equal(t, run.ID(), summary.ID)
	assert.Equal(t, 1, summary.ExitCode)
	assert.Equal(t, int64(20), summary.LastStep)
	assert.Equal(t, 0.9, summary.Metrics["val/acc"])

	// A new run can start once the previous one finished.
	run2, err := Init(Options{SaveDir: dir, ID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", run2.ID())
	require.NoError(t, Finish(0))
}
