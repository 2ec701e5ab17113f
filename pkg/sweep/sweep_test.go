// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sweep

import (
	"cmp"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testConfigDir = "testdata/configs"

func TestParseParam(t *testing.T) {
	p, err := ParseParam("model.optimizer.lr=0.005,0.01", nil)
	require.NoError(t, err)
	assert.Equal(t, "model.optimizer.lr", p.Key)
	assert.Equal(t, []string{"0.005", "0.01"}, p.Values)
	assert.True(t, p.IsSweep())
	assert.Equal(t, "model.optimizer.lr=0.005", p.Assign(p.Values[0]))

	p, err = ParseParam("+trainer.limit_val_batches=0.1", nil)
	require.NoError(t, err)
	assert.False(t, p.IsSweep())
	assert.Equal(t, "+trainer.limit_val_batches=0.1", p.Assign(p.Values[0]))

	p, err = ParseParam("++tags=[a,b],[c]", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"[a,b]", "[c]"}, p.Values)
	assert.Equal(t, "++tags=[c]", p.Assign(p.Values[1]))

	p, err = ParseParam("paths.log_dir=${oc.env:LOGS,/tmp/logs}", nil)
	require.NoError(t, err)
	assert.False(t, p.IsSweep(), "commas inside interpolations don't sweep")

	p, err = ParseParam("data.batch_size=choice(32, 64, 128)", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"32", "64", "128"}, p.Values)

	p, err = ParseParam("trainer.max_epochs=range(1,5)", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4"}, p.Values)

	p, err = ParseParam("x=range(0,1,0.25)", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "0.25", "0.5", "0.75"}, p.Values)

	p, err = ParseParam("x=range(3)", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, p.Values)

	p, err = ParseParam("model.optimizer.lr=interval(0.0001, 0.1)", nil)
	require.NoError(t, err)
	require.NotNil(t, p.Interval)
	assert.Equal(t, Interval{Low: 0.0001, High: 0.1}, *p.Interval)
	assert.True(t, p.IsSweep())

	options := func(group string) []string {
		if group == "experiment" {
			return []string{"example", "fast", "slow"}
		}
		return nil
	}
	p, err = ParseParam("experiment=glob(*)", options)
	require.NoError(t, err)
	assert.Equal(t, []string{"example", "fast", "slow"}, p.Values)
	p, err = ParseParam("experiment=glob(s*,e*)", options)
	require.NoError(t, err)
	assert.Equal(t, []string{"example", "slow"}, p.Values)

	p, err = ParseParam("~logger", nil)
	require.NoError(t, err)
	assert.False(t, p.HasValue)
	assert.False(t, p.IsSweep())

	for _, text := range []string{"x=range(1,1)", "x=range(1,2,0)", "x=range(a)", "x=interval(1)",
		"x=interval(2,1)", "x=choice()", "experiment=glob(x*)", "model=glob(*)", "=1"} {
		_, err = ParseParam(text, options)
		assert.Error(t, err, text)
	}
}

func TestBasicSweeperJobs(t *testing.T) {
	params, err := ParseParams([]string{"a=1,2", "b=x", "~c", "c=3,4,5"}, nil)
	require.NoError(t, err)
	jobs, err := (&BasicSweeper{}).Jobs(params)
	require.NoError(t, err)
	require.Len(t, jobs, 6)
	assert.Equal(t, []string{"a=1", "b=x", "~c", "c=3"}, jobs[0])
	assert.Equal(t, []string{"a=1", "b=x", "~c", "c=4"}, jobs[1])
	assert.Equal(t, []string{"a=2", "b=x", "~c", "c=5"}, jobs[5])

	params, err = ParseParams([]string{"lr=interval(0.1,1)"}, nil)
	require.NoError(t, err)
	_, err = (&BasicSweeper{}).Jobs(params)
	require.ErrorContains(t, err, "interval()")
}

type jobRecord struct {
	num       int
	outputDir string
	size      int
	lr        float64
	batchSize int
}

// recorder returns a JobFn that records the jobs, and whose optimized metric is lr*size.
func recorder(records *[]jobRecord, fail func(num int) bool) JobFn {
	return func(cfg *config.Config) (float64, bool, error) {
		r := jobRecord{
			num:       cfg.GetInt("hydra.job.num", -1),
			outputDir: cfg.GetString("hydra.runtime.output_dir", ""),
			size:      cfg.GetInt("size", 0),
			lr:        cfg.GetFloat("lr", 0),
			batchSize: cfg.GetInt("batch_size", 0),
		}
		*records = append(*records, r)
		if fail != nil && fail(r.num) {
			return 0, false, errors.Errorf("job %d exploded", r.num)
		}
		metric := cfg.GetString("optimized_metric", "")
		if metric == "" {
			return 0, false, nil
		}
		return r.lr * float64(r.size), true, nil
	}
}

func TestRunBasicSweep(t *testing.T) {
	sweepDir := t.TempDir()
	var records []jobRecord
	results, err := Run(config.NewComposer(testConfigDir), "train",
		[]string{"hydra.sweep.dir=" + sweepDir, "model=small,large", "lr=0.1,0.2"}, recorder(&records, nil))
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Len(t, records, 4)
	for ii, r := range records {
		assert.Equal(t, ii, r.num)
		assert.Equal(t, filepath.Join(sweepDir, strconv.Itoa(ii)), r.outputDir)
		assert.NoError(t, results[ii].Err)
		assert.False(t, results[ii].Found)
	}
	assert.Equal(t, []int{8, 8, 64, 64}, []int{records[0].size, records[1].size, records[2].size, records[3].size})
	assert.Equal(t, []float64{0.1, 0.2, 0.1, 0.2}, []float64{records[0].lr, records[1].lr, records[2].lr, records[3].lr})
	assert.Equal(t, []string{"hydra.sweep.dir=" + sweepDir, "model=large", "lr=0.2"}, results[3].Overrides)

	// Group options matched by glob().
	records = nil
	results, err = Run(config.NewComposer(testConfigDir), "train",
		[]string{"hydra.sweep.dir=" + sweepDir, "experiment=glob(*)"}, recorder(&records, nil))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0.1, records[0].lr)
	assert.Equal(t, 0.001, records[1].lr)
}

func TestRunFailures(t *testing.T) {
	sweepDir := t.TempDir()
	overrides := []string{"hydra.sweep.dir=" + sweepDir, "lr=0.1,0.2,0.3"}

	var records []jobRecord
	results, err := Run(config.NewComposer(testConfigDir), "train", overrides,
		recorder(&records, func(num int) bool { return num == 1 }))
	require.NoError(t, err, "the sweep continues after a failed job")
	require.Len(t, results, 3)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Contains(t, results[1].String(), "exploded")

	records = nil
	_, err = Run(config.NewComposer(testConfigDir), "train", overrides,
		recorder(&records, func(int) bool { return true }))
	require.ErrorContains(t, err, "all 3 jobs of the sweep failed")
	assert.Len(t, records, 3)

	// The first job configuration can't be composed.
	_, err = Run(config.NewComposer(testConfigDir), "train", []string{"model=huge,small"},
		recorder(&records, nil))
	require.Error(t, err)
}

func TestRandomSearch(t *testing.T) {
	sweepDir := t.TempDir()
	run := func() ([]Result, []jobRecord) {
		var records []jobRecord
		results, err := Run(config.NewComposer(testConfigDir), "train",
			[]string{"hydra.sweep.dir=" + sweepDir, "hparams_search=random", "model=small,large"},
			recorder(&records, nil))
		require.NoError(t, err)
		return results, records
	}
	results, records := run()
	require.Len(t, results, 6)
	for _, r := range records {
		assert.GreaterOrEqual(t, r.lr, 0.001)
		assert.Less(t, r.lr, 0.1)
		assert.Contains(t, []int{16, 32, 64}, r.batchSize)
		assert.Contains(t, []int{8, 64}, r.size)
	}

	best := slices.MinFunc(results, func(a, b Result) int { return cmp.Compare(a.Value, b.Value) })
	data, err := os.ReadFile(filepath.Join(sweepDir, OptimizationResultsFile))
	require.NoError(t, err)
	var saved struct {
		Name       string            `yaml:"name"`
		BestParams map[string]string `yaml:"best_params"`
		BestValue  float64           `yaml:"best_value"`
	}
	require.NoError(t, yaml.Unmarshal(data, &saved))
	assert.Equal(t, "random_search", saved.Name)
	assert.Equal(t, best.Value, saved.BestValue)
	assert.Contains(t, saved.BestParams, "lr")
	assert.Contains(t, saved.BestParams, "batch_size")
	assert.Contains(t, saved.BestParams, "model")
	assert.NotContains(t, saved.BestParams, "hydra.sweep.dir")

	// Same seed, same trials.
	results2, _ := run()
	for ii := range results {
		assert.Equal(t, results[ii].Overrides, results2[ii].Overrides)
	}
}

func TestRandomSearchSettings(t *testing.T) {
	cfg, err := config.FromMap(map[string]any{
		"_target_":  RandomSearchTarget,
		"n_trials":  3,
		"direction": "Maximize",
		"params": map[string]any{
			"model.net.lin1_size": []any{64, 128},
			"model.optimizer.lr":  "interval(0.0001, 0.1)",
		},
	})
	require.NoError(t, err)
	s, err := config.InstantiateAs[Sweeper](cfg)
	require.NoError(t, err)
	rs, ok := s.(*RandomSearch)
	require.True(t, ok, "got %T", s)
	assert.Equal(t, 3, rs.NTrials)
	assert.Equal(t, Maximize, rs.Direction)
	require.Len(t, rs.Params, 2)
	keys := []string{rs.Params[0].Key, rs.Params[1].Key}
	assert.ElementsMatch(t, []string{"model.net.lin1_size", "model.optimizer.lr"}, keys)
	assert.True(t, rs.better(2, 1))
	assert.True(t, rs.better(1, math.NaN()))

	// Fixed command-line values replace the search space.
	params, err := ParseParams([]string{"model.optimizer.lr=0.5", "data.batch_size=32,64"}, nil)
	require.NoError(t, err)
	space, fixed := rs.space(params)
	assert.Equal(t, []string{"model.optimizer.lr=0.5"}, fixed)
	require.Len(t, space, 2)
	assert.ElementsMatch(t, []string{"model.net.lin1_size", "data.batch_size"}, []string{space[0].Key, space[1].Key})

	for _, bad := range []map[string]any{
		{"_target_": RandomSearchTarget, "n_trials": 0},
		{"_target_": RandomSearchTarget, "direction": "sideways"},
		{"_target_": RandomSearchTarget, "params": map[string]any{"lr": "interval(1)"}},
	} {
		cfg, err := config.FromMap(bad)
		require.NoError(t, err)
		_, err = config.Instantiate(cfg)
		assert.Error(t, err, "%v", bad)
	}
}
