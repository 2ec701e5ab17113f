// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package utils holds the helpers shared by the train and eval tasks: instantiation of callbacks and loggers,
// logging of hyperparameters, the optional extras run before a task and the task wrapper.
package utils

import (
	"io"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mnist-template/internal/ranklog"
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/gomlx/mnist-template/pkg/tracking"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/pkg/errors"
)

var log = ranklog.RankZeroOnly()

// Objects created by a task, returned along with its metrics.
type Objects struct {
	Cfg        *config.Config
	DataModule trainer.DataModule
	Model      trainer.Module
	Callbacks  []trainer.Callback
	Loggers    []trainer.Logger
	Trainer    *trainer.Trainer
}

// Finalize releases the resources of the trainer (its backend and compiled graphs). It is safe to call
// on a nil Objects.
func (o *Objects) Finalize() {
	if o == nil || o.Trainer == nil {
		return
	}
	o.Trainer.Finalize()
}

// TaskFn is the signature of the train and eval tasks.
type TaskFn func(cfg *config.Config) (metrics map[string]float64, objects *Objects, err error)

// TaskWrapper wraps a task so that a failure (an error or a panic) is logged in full before being returned.
//
// Whatever the outcome, it logs the output directory and closes the active tracking run, so the next job
// of a multirun starts clean.
func TaskWrapper(task TaskFn) TaskFn {
	return func(cfg *config.Config) (metrics map[string]float64, objects *Objects, err error) {
		defer func() {
			log.Infof("Output dir: %s", cfg.GetString("paths.output_dir", ""))
			if run := tracking.Active(); run != nil {
				log.Infof("Closing tracking run %s!", run.ID())
				exitCode := 0
				if err != nil {
					exitCode = 1
				}
				if finishErr := tracking.Finish(exitCode); finishErr != nil && err == nil {
					err = finishErr
				}
			}
		}()
		if panicErr := exceptions.TryCatch[error](func() { metrics, objects, err = task(cfg) }); panicErr != nil {
			err = panicErr
		}
		if err != nil {
			log.Errorf("%+v", err)
		}
		return
	}
}

// Extras applies the optional utilities configured under "extras" before the task starts:
//
//   - ignore_warnings: silences the warnings of the ranked loggers.
//   - enforce_tags: asks for tags (from input) if none are configured.
//   - print_config: prints the configuration tree, and saves it in the output directory.
//
// The returned restore function undoes the process-wide settings (the warnings), and should be called when
// the task ends. It is never nil.
func Extras(cfg *config.Config, input io.Reader) (restore func(), err error) {
	restore = func() {}
	extras := cfg.Sub("extras")
	if extras.IsEmpty() {
		log.Warningf("Extras config not found! <cfg.extras=null>")
		return restore, nil
	}
	if extras.GetBool("ignore_warnings", false) {
		log.Infof("Disabling warnings! <cfg.extras.ignore_warnings=True>")
		previous := ranklog.DisableWarnings(true)
		restore = func() { ranklog.DisableWarnings(previous) }
	}
	defer func() {
		if err != nil {
			restore()
		}
	}()
	if extras.GetBool("enforce_tags", false) {
		log.Infof("Enforcing tags! <cfg.extras.enforce_tags=True>")
		if err := EnforceTags(cfg, true, input); err != nil {
			return restore, err
		}
	}
	if extras.GetBool("print_config", false) {
		log.Infof("Printing config tree! <cfg.extras.print_config=True>")
		if err := PrintConfigTree(cfg, DefaultPrintOrder, true, true, os.Stdout); err != nil {
			return restore, err
		}
	}
	return restore, nil
}

// GetMetricValue returns the value of the metric named metricName. If metricName is empty, it returns
// found=false: no metric was requested.
func GetMetricValue(metrics map[string]float64, metricName string) (value float64, found bool, err error) {
	if metricName == "" {
		log.Infof("Metric name is empty! Skipping metric value retrieval...")
		return 0, false, nil
	}
	value, found = metrics[metricName]
	if !found {
		return 0, false, errors.Errorf("Metric value not found! <metric_name=%s>\n"+
			"Make sure metric name logged in the LitModule is correct!\n"+
			"Make sure `optimized_metric` name in `hparams_search` config is correct!", metricName)
	}
	log.Infof("Retrieved metric value! <%s=%g>", metricName, value)
	return value, true, nil
}
