// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tasks implements the train and eval tasks: each one instantiates from the configuration the data
// module, the model, the callbacks, the loggers and the trainer, and runs them.
package tasks

import (
	"maps"

	"github.com/gomlx/mnist-template/internal/ranklog"
	"github.com/gomlx/mnist-template/internal/utils"
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/pkg/errors"

	// Registered targets.
	_ "github.com/gomlx/mnist-template/pkg/data/mnist"
	_ "github.com/gomlx/mnist-template/pkg/models/mnist"
)

var log = ranklog.RankZeroOnly()

// BestCheckpoint is the ckpt_path given to Trainer.Test to use the best checkpoint of the fit.
const BestCheckpoint = "best"

// build instantiates the objects of a task. Callbacks are skipped if withCallbacks is false.
// The trainer uses runSeed, unless its own configuration sets one.
func build(cfg *config.Config, withCallbacks bool, runSeed *int64) (*utils.Objects, error) {
	objects := &utils.Objects{Cfg: cfg}
	var err error

	log.Infof("Instantiating datamodule <%s>", targetOf(cfg, "data"))
	objects.DataModule, err = config.InstantiateAs[trainer.DataModule](cfg.Sub("data"))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to instantiate the data module")
	}

	log.Infof("Instantiating model <%s>", targetOf(cfg, "model"))
	objects.Model, err = config.InstantiateAs[trainer.Module](cfg.Sub("model"))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to instantiate the model")
	}

	if withCallbacks {
		log.Infof("Instantiating callbacks...")
		if objects.Callbacks, err = utils.InstantiateCallbacks(cfg); err != nil {
			return nil, err
		}
	}

	log.Infof("Instantiating loggers...")
	if objects.Loggers, err = utils.InstantiateLoggers(cfg); err != nil {
		return nil, err
	}

	log.Infof("Instantiating trainer <%s>", targetOf(cfg, "trainer"))
	trainerCfg, err := trainer.DecodeConfig(cfg.Sub("trainer"))
	if err != nil {
		return nil, errors.WithMessage(err, "invalid trainer configuration")
	}
	if trainerCfg.Seed == nil {
		trainerCfg.Seed = runSeed
	}
	objects.Trainer, err = trainer.New(trainerCfg, objects.Callbacks, objects.Loggers)
	if err != nil {
		return nil, err
	}
	return objects, nil
}

func targetOf(cfg *config.Config, key string) string {
	target, _ := config.TargetOf(cfg.Sub(key))
	return target
}

// seedOf returns the configured "seed", or nil if it is not set.
func seedOf(cfg *config.Config) *int64 {
	if raw, found := cfg.Raw("seed"); !found || raw == nil {
		return nil
	}
	value := int64(cfg.GetInt("seed", 0))
	return &value
}

// seed returns the seed of the run if "seed" is configured, after exporting it with trainer.SeedEverything.
// The trainer seeds the shuffling of the training data and the context RNG with it.
func seed(cfg *config.Config) *int64 {
	value := seedOf(cfg)
	if value == nil {
		return nil
	}
	resolved := trainer.SeedEverything(value)
	return &resolved
}

// Train trains the model, and optionally evaluates it on the test set using the best weights obtained
// during training.
//
// Configuration keys used, besides the ones of the instantiated objects: "seed", "train", "test" and
// "ckpt_path" (a checkpoint to resume the training from).
//
// It returns the metrics of the fit, updated by the ones of the test, and the objects created. The caller
// owns the objects, and should call Finalize on them.
func Train(cfg *config.Config) (map[string]float64, *utils.Objects, error) {
	objects, err := build(cfg, true, seed(cfg))
	if err != nil {
		return nil, nil, err
	}
	if len(objects.Loggers) > 0 {
		log.Infof("Logging hyperparameters!")
		if err := utils.LogHyperparameters(objects); err != nil {
			return nil, objects, err
		}
	}

	t := objects.Trainer
	if cfg.GetBool("train", true) {
		log.Infof("Starting training!")
		if err := t.Fit(objects.Model, objects.DataModule, cfg.GetString("ckpt_path", "")); err != nil {
			return nil, objects, errors.WithMessage(err, "training failed")
		}
	}
	metrics := t.CallbackMetrics()
	if metrics == nil {
		metrics = make(map[string]float64)
	}

	if cfg.GetBool("test", false) {
		log.Infof("Starting testing!")
		ckptPath := BestCheckpoint
		if ckpt := t.CheckpointCallback(); ckpt == nil || ckpt.BestModelPath() == "" {
			log.Warningf("Best ckpt not found! Using current weights for testing...")
			ckptPath = ""
		}
		testMetrics, err := t.Test(objects.Model, objects.DataModule, ckptPath)
		if err != nil {
			return nil, objects, errors.WithMessage(err, "testing failed")
		}
		if ckptPath != "" {
			log.Infof("Best ckpt path: %s", t.CheckpointCallback().BestModelPath())
		}
		maps.Copy(metrics, testMetrics)
	}
	return metrics, objects, nil
}

// Evaluate evaluates the checkpoint given by "ckpt_path" on the test set of the data module.
// Callbacks are not instantiated.
func Evaluate(cfg *config.Config) (map[string]float64, *utils.Objects, error) {
	ckptPath := cfg.GetString("ckpt_path", "")
	if ckptPath == "" {
		return nil, nil, errors.New("ckpt_path must be set to evaluate a model, e.g. ckpt_path=/path/to/last.ckpt")
	}
	objects, err := build(cfg, false, seed(cfg))
	if err != nil {
		return nil, nil, err
	}
	if len(objects.Loggers) > 0 {
		log.Infof("Logging hyperparameters!")
		if err := utils.LogHyperparameters(objects); err != nil {
			return nil, objects, err
		}
	}
	log.Infof("Starting testing!")
	metrics, err := objects.Trainer.Test(objects.Model, objects.DataModule, ckptPath)
	if err != nil {
		return nil, objects, errors.WithMessage(err, "testing failed")
	}
	return metrics, objects, nil
}
