// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigDir = "testdata/configs"

func composeForTest(t *testing.T, overrides ...string) *Config {
	SetNow(time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC))
	cfg, err := NewComposer(testConfigDir).Compose("train", overrides)
	require.NoError(t, err)
	return cfg
}

func TestComposeDefaults(t *testing.T) {
	cfg := composeForTest(t)
	assert.True(t, cfg.IsStruct())
	assert.False(t, cfg.Has(DefaultsKey))
	assert.Equal(t, []string{"task_name", "tags", "train", "seed", "data", "model", "callbacks", "paths", "hydra"},
		cfg.Keys())

	assert.Equal(t, "mnist.DataModule", cfg.GetString("data._target_", ""))
	assert.Equal(t, "/project/data/", cfg.GetString("data.data_dir", ""))
	assert.Equal(t, 64, cfg.GetInt("data.batch_size", 0))
	assert.Equal(t, 64, cfg.GetInt("model.net.lin1_size", 0))

	// Nested defaults, with _self_ last overriding the included files.
	assert.Equal(t, "callbacks.ModelCheckpoint", cfg.GetString("callbacks.model_checkpoint._target_", ""))
	assert.Equal(t, "val/acc", cfg.GetString("callbacks.model_checkpoint.monitor", ""))
	assert.True(t, cfg.GetBool("callbacks.model_checkpoint.save_last", false))
	assert.Equal(t, 100, cfg.GetInt("callbacks.early_stopping.patience", 0))
	assert.False(t, cfg.Has("logger"))

	// Runtime information.
	assert.Equal(t, "RUN", cfg.GetString("hydra.mode", ""))
	assert.Equal(t, "train", cfg.GetString("hydra.job.name", ""))
	assert.Equal(t, "/project/logs/train/runs/2024-05-01_10-20-30", cfg.GetString("hydra.runtime.output_dir", ""))
	assert.Equal(t, "/project/logs/train/runs/2024-05-01_10-20-30", cfg.GetString("paths.output_dir", ""))
	assert.Equal(t, "mnist", cfg.GetString("hydra.runtime.choices.data", ""))
	v, found := cfg.Get("hydra.runtime.choices.logger")
	require.True(t, found)
	assert.Nil(t, v)
}

func TestComposeOverrides(t *testing.T) {
	cfg := composeForTest(t, "model=cnn", "data.batch_size=16", "+trainer.max_epochs=2", "~tags", "logger=csv")
	assert.Equal(t, "mnist.CNN", cfg.GetString("model.net._target_", ""))
	assert.Equal(t, "mnist.LitModule", cfg.GetString("model._target_", ""))
	v, found := cfg.Get("model.net.lin1_size")
	require.True(t, found)
	assert.Nil(t, v)
	assert.Equal(t, 16, cfg.GetInt("data.batch_size", 0))
	assert.Equal(t, 2, cfg.GetInt("trainer.max_epochs", 0))
	assert.False(t, cfg.Has("tags"))
	assert.Equal(t, "/project/logs/train/runs/2024-05-01_10-20-30", cfg.GetString("logger.csv.save_dir", ""))
	assert.Equal(t, []string{"model=cnn", "data.batch_size=16", "+trainer.max_epochs=2", "~tags", "logger=csv"},
		cfg.GetStrings("hydra.overrides.task"))

	// Struct mode after composition.
	require.Error(t, cfg.Set("data.unknown", 1))
}

func TestComposeExperiment(t *testing.T) {
	cfg := composeForTest(t, "experiment=example")
	assert.Equal(t, []string{"mnist", "cnn"}, cfg.GetStrings("tags"))
	assert.Equal(t, 12345, cfg.GetInt("seed", 0))
	assert.Equal(t, 128, cfg.GetInt("data.batch_size", 0))
	assert.Equal(t, "mnist.CNN", cfg.GetString("model.net._target_", ""))
	assert.Equal(t, "loggers.CSV", cfg.GetString("logger.csv._target_", ""))
	assert.Equal(t, "cnn", cfg.GetString("hydra.runtime.choices.model", ""))

	// Command line wins over the experiment's overrides.
	cfg = composeForTest(t, "experiment=example", "model=mnist")
	assert.Equal(t, 64, cfg.GetInt("model.net.lin1_size", 0))
	assert.False(t, cfg.Has("model.net._target_"))
}

func TestComposeErrors(t *testing.T) {
	composer := NewComposer(testConfigDir)
	_, err := composer.Compose("train", []string{"model=unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available options")

	_, err = composer.Compose("train", []string{"data.unknown=1"})
	require.Error(t, err)

	_, err = composer.Compose("train", []string{"+data.batch_size=1"})
	require.Error(t, err)

	_, err = composer.Compose("missing", nil)
	require.Error(t, err)
}

func TestComposeMultirunAndRunFiles(t *testing.T) {
	SetNow(time.Date(2024, 5, 1, 10, 20, 30, 0, time.UTC))
	tmp := t.TempDir()
	composer := NewComposer(testConfigDir)
	composer.Mode = RunModeMultirun
	composer.JobNum = 3
	cfg, err := composer.Compose("train", []string{"paths.root_dir=" + tmp})
	require.NoError(t, err)
	outputDir := cfg.GetString("paths.output_dir", "")
	assert.Equal(t, filepath.Join(tmp, "logs", "train", "multiruns", "2024-05-01_10-20-30", "3"), outputDir)
	assert.Equal(t, 3, cfg.GetInt("hydra.job.num", 0))

	got, err := WriteRunFiles(cfg)
	require.NoError(t, err)
	assert.Equal(t, outputDir, got)
	saved, err := Load(filepath.Join(outputDir, ".hydra", "config.yaml"))
	require.NoError(t, err)
	assert.False(t, saved.Has("hydra"))
	assert.Equal(t, 64, saved.GetInt("data.batch_size", 0))
	hydraCfg, err := Load(filepath.Join(outputDir, ".hydra", "hydra.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "MULTIRUN", hydraCfg.GetString("hydra.mode", ""))
	overrides, err := os.ReadFile(filepath.Join(outputDir, ".hydra", "overrides.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(overrides), "paths.root_dir="+tmp)
}
