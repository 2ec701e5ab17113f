// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package utils

import (
	"github.com/gomlx/mnist-template/internal/ranklog"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/pkg/errors"
)

// LogHyperparameters sends to all the loggers of the trainer the main sections of the configuration
// ("model", "data", "trainer", "callbacks", "extras", "task_name", "tags", "ckpt_path" and "seed") and the
// number of parameters of the model. The model variables are created if needed.
//
// It only logs on the process of rank 0, and warns and returns if the trainer has no loggers.
func LogHyperparameters(objects *Objects) error {
	if !ranklog.IsRankZero() {
		return nil
	}
	if objects == nil || objects.Trainer == nil || objects.Cfg == nil || objects.Model == nil {
		return errors.New("LogHyperparameters requires the configuration, the model and the trainer")
	}
	t := objects.Trainer
	if len(t.Loggers()) == 0 {
		log.Warningf("Logger not found! Skipping hyperparameter logging...")
		return nil
	}
	cfg, err := objects.Cfg.ResolvedClone()
	if err != nil {
		return err
	}
	if err := t.Materialize(objects.Model); err != nil {
		return errors.WithMessage(err, "failed to create the model variables")
	}
	count := trainer.CountParameters(objects.Model.Context())

	hparams := map[string]any{
		"model/params/total":         count.Total,
		"model/params/trainable":     count.Trainable,
		"model/params/non_trainable": count.NonTrainable,
	}
	plain := cfg.ToMap()
	for _, key := range []string{"model", "data", "trainer", "callbacks", "extras", "task_name", "tags",
		"ckpt_path", "seed"} {
		hparams[key] = plain[key]
	}
	for _, logger := range t.Loggers() {
		if err := logger.LogHyperparams(hparams); err != nil {
			return errors.WithMessagef(err, "logger %q failed to log hyperparameters", logger.Name())
		}
	}
	return nil
}
