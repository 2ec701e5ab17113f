// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/mnist-template/internal/ranklog"
	"github.com/gomlx/mnist-template/internal/rootutil"
	"github.com/gomlx/mnist-template/internal/utils"
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/gomlx/mnist-template/pkg/data/mnist/mnisttest"
	"github.com/gomlx/mnist-template/pkg/models/mnist"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	ranklog.SetGlobalRank(0)
	os.Exit(m.Run())
}

// testEnv prepares the synthetic dataset and the project root, and returns the overrides that make a run small
// and quiet.
func testEnv(t *testing.T) (composer *config.Composer, overrides []string) {
	root := must.M1(rootutil.FindRoot(".", rootutil.DefaultIndicator))
	t.Setenv(rootutil.EnvVar, root)
	dataDir := t.TempDir()
	require.NoError(t, mnisttest.Write(dataDir, 240, 80, 1))
	overrides = []string{
		"data.data_dir=" + dataDir,
		"data.train_val_test_split=[240,40,40]",
		"data.batch_size=32",
		"model.net.lin1_size=32",
		"model.net.lin2_size=32",
		"model.net.lin3_size=16",
		"model.optimizer.lr=0.01",
		"trainer.max_epochs=2",
		"+trainer.enable_progress_bar=false",
		"extras.print_config=false",
		"extras.enforce_tags=false",
		"seed=42",
	}
	return config.NewComposer(filepath.Join(root, "configs")), overrides
}

func compose(t *testing.T, composer *config.Composer, configName string, overrides ...string) *config.Config {
	cfg, err := composer.Compose(configName, overrides)
	require.NoError(t, err)
	return cfg
}

func TestTrainFastDevRun(t *testing.T) {
	composer, overrides := testEnv(t)
	cfg := compose(t, composer, "train", append(overrides, "hydra.run.dir="+t.TempDir(),
		"callbacks.progress_bar=null", "++trainer.fast_dev_run=true")...)
	metrics, objects, err := Train(cfg)
	require.NoError(t, err)
	defer objects.Finalize()
	assert.Contains(t, metrics, mnist.TrainLossMetric)
	assert.Contains(t, metrics, mnist.TestAccMetric, "tested with the current weights, no checkpoint is saved")
	assert.Empty(t, objects.Trainer.CheckpointCallback().BestModelPath())
}

func TestTrainThenEvaluate(t *testing.T) {
	composer, overrides := testEnv(t)
	outputDir := t.TempDir()
	cfg := compose(t, composer, "train", append(overrides, "hydra.run.dir="+outputDir,
		"callbacks.progress_bar=null", "logger=csv")...)
	metrics, objects, err := Train(cfg)
	require.NoError(t, err)
	objects.Finalize()
	for _, name := range []string{mnist.TrainAccMetric, mnist.ValAccMetric, mnist.ValAccBestMetric,
		mnist.TestAccMetric, mnist.TestLossMetric} {
		assert.Contains(t, metrics, name)
	}
	assert.Len(t, objects.Callbacks, 3, "model_checkpoint, early_stopping and model_summary")
	assert.Len(t, objects.Loggers, 1)

	lastCkpt := filepath.Join(outputDir, "checkpoints", "last.ckpt")
	assert.True(t, must.M1(fsutil.FileExists(lastCkpt)))
	assert.True(t, must.M1(fsutil.FileExists(filepath.Join(outputDir, "csv", "version_0", "hparams.yaml"))))
	best := objects.Trainer.CheckpointCallback().BestModelPath()
	require.NotEmpty(t, best)

	evalCfg := compose(t, composer, "eval", "ckpt_path="+best, "hydra.run.dir="+t.TempDir(),
		overrides[0], overrides[1], overrides[2], overrides[3], overrides[4], overrides[5])
	evalMetrics, evalObjects, err := Evaluate(evalCfg)
	require.NoError(t, err)
	defer evalObjects.Finalize()
	assert.Empty(t, evalObjects.Callbacks)
	require.Contains(t, evalMetrics, mnist.TestAccMetric)
	assert.InDelta(t, metrics[mnist.TestAccMetric], evalMetrics[mnist.TestAccMetric], 1e-6,
		"evaluating the best checkpoint gives the same test accuracy as the test after training")

	_, _, err = Evaluate(compose(t, composer, "eval", "hydra.run.dir="+t.TempDir()))
	require.ErrorContains(t, err, "ckpt_path must be set")
}

func TestSeedReproducible(t *testing.T) {
	composer, overrides := testEnv(t)
	// run tests the initial weights (no training), and returns the labels of the first training batch and
	// the values of the variables.
	run := func(seed string) (firstBatch any, variables map[string]any) {
		cfg := compose(t, composer, "train", append(overrides, "hydra.run.dir="+t.TempDir(),
			"callbacks.progress_bar=null", "train=false", "test=true", seed)...)
		_, objects, err := Train(cfg)
		require.NoError(t, err)
		defer objects.Finalize()

		loader, err := objects.DataModule.TrainDataLoader()
		require.NoError(t, err)
		if closer, ok := loader.(interface{ Close() }); ok {
			defer closer.Close()
		}
		_, _, labels, err := loader.Yield()
		require.NoError(t, err)
		firstBatch = labels[0].Value()

		variables = make(map[string]any)
		objects.Model.Context().EnumerateVariables(func(v *context.Variable) {
			value, err := v.Value()
			require.NoError(t, err)
			variables[v.ScopeAndName()] = value.Value()
		})
		require.NotEmpty(t, variables)
		return
	}

	batch1, vars1 := run("seed=7")
	batch2, vars2 := run("seed=7")
	assert.Equal(t, batch1, batch2, "same seed, same shuffle of the training data")
	assert.Equal(t, vars1, vars2, "same seed, same initial weights")

	batch3, vars3 := run("seed=8")
	assert.NotEqual(t, batch1, batch3)
	assert.NotEqual(t, vars1, vars3)
}

func TestRunJob(t *testing.T) {
	composer, overrides := testEnv(t)
	outputDir := t.TempDir()
	cfg := compose(t, composer, "train", append(overrides, "hydra.run.dir="+outputDir,
		"callbacks.progress_bar=null", "++trainer.fast_dev_run=true", "extras.print_config=true",
		"extras.enforce_tags=true", "tags=[unit,test]", "test=false", "optimized_metric=val/acc")...)
	value, found, err := RunJob(cfg, Train, strings.NewReader(""))
	require.NoError(t, err)
	assert.True(t, found)
	assert.GreaterOrEqual(t, value, 0.0)
	for _, name := range []string{".hydra/config.yaml", ".hydra/hydra.yaml", ".hydra/overrides.yaml", "train.log",
		utils.ConfigTreeFile, utils.TagsFile} {
		assert.True(t, must.M1(fsutil.FileExists(filepath.Join(outputDir, name))), name)
	}

	// A metric that is not logged.
	cfg = compose(t, composer, "train", append(overrides, "hydra.run.dir="+t.TempDir(),
		"callbacks.progress_bar=null", "++trainer.fast_dev_run=true", "optimized_metric=val/f1")...)
	_, _, err = RunJob(cfg, Train, strings.NewReader(""))
	require.ErrorContains(t, err, "<metric_name=val/f1>")

	// A failed task.
	cfg = compose(t, composer, "train", append(overrides, "hydra.run.dir="+t.TempDir(),
		"model.net._target_=mnist.ResNet")...)
	_, _, err = RunJob(cfg, Train, strings.NewReader(""))
	require.ErrorContains(t, err, "mnist.ResNet")
}

func TestMainPrintConfig(t *testing.T) {
	_, overrides := testEnv(t)
	var out bytes.Buffer
	_, found, err := Main(Options{
		ConfigDir:   "configs",
		ConfigName:  "train",
		Overrides:   append(overrides, "model=cnn"),
		PrintConfig: true,
		Output:      &out,
	}, Train)
	require.NoError(t, err)
	assert.False(t, found)
	printed := out.String()
	assert.Contains(t, printed, mnist.CNNTarget)
	assert.Contains(t, printed, "optimized_metric")
	assert.NotContains(t, printed, "hydra:")
}

func TestMainMultirun(t *testing.T) {
	_, overrides := testEnv(t)
	sweepDir := t.TempDir()
	_, _, err := Main(Options{
		ConfigDir:  "configs",
		ConfigName: "train",
		Overrides: append(overrides, "hydra.sweep.dir="+sweepDir, "++trainer.fast_dev_run=true",
			"callbacks.progress_bar=null", "model.optimizer.lr=0.005,0.01"),
		Multirun: true,
		Input:    strings.NewReader(""),
	}, Train)
	require.NoError(t, err)
	for _, job := range []string{"0", "1"} {
		data, err := os.ReadFile(filepath.Join(sweepDir, job, ".hydra", "overrides.yaml"))
		require.NoError(t, err, "job %s", job)
		assert.Contains(t, string(data), "model.optimizer.lr=")
	}
}

func TestMainMultirunWithoutTags(t *testing.T) {
	_, overrides := testEnv(t)
	sweepDir := t.TempDir()
	_, _, err := Main(Options{
		ConfigDir:  "configs",
		ConfigName: "train",
		Overrides: append(overrides, "hydra.sweep.dir="+sweepDir, "++trainer.fast_dev_run=true",
			"callbacks.progress_bar=null", "extras.enforce_tags=true", "tags=[]", "model.optimizer.lr=0.005,0.01"),
		Multirun: true,
		Input:    strings.NewReader("dev\n"),
	}, Train)
	require.ErrorContains(t, err, "Specify tags before launching a multirun!")
	entries, err := os.ReadDir(sweepDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no job should have started")
}
