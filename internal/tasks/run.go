// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/mnist-template/internal/rootutil"
	"github.com/gomlx/mnist-template/internal/utils"
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/gomlx/mnist-template/pkg/sweep"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunJob runs task as one job: it saves the run files in the output directory, logs to
// "<output_dir>/<job name>.log", applies the extras (reading tags from input if needed) and runs the
// wrapped task.
//
// It returns the value of the metric named by "optimized_metric", if any.
func RunJob(cfg *config.Config, task utils.TaskFn, input io.Reader) (value float64, found bool, err error) {
	outputDir, err := config.WriteRunFiles(cfg)
	if err != nil {
		return 0, false, err
	}
	closeLog, err := openJobLog(outputDir, cfg.GetString("hydra.job.name", "main"))
	if err != nil {
		return 0, false, err
	}
	defer closeLog()

	restore, err := utils.Extras(cfg, input)
	if err != nil {
		return 0, false, err
	}
	defer restore()
	metrics, objects, err := utils.TaskWrapper(task)(cfg)
	defer objects.Finalize()
	if err != nil {
		return 0, false, err
	}
	return utils.GetMetricValue(metrics, cfg.GetString("optimized_metric", ""))
}

// openJobLog sends the klog output to the log file of the job, until the returned function is called.
// It only takes effect if klog's -logtostderr is false; -alsologtostderr keeps the output in the terminal.
func openJobLog(outputDir, jobName string) (closeFn func(), err error) {
	path := filepath.Join(outputDir, jobName+".log")
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create job log %q", path)
	}
	klog.SetOutput(f)
	return func() {
		klog.Flush()
		klog.SetOutput(io.Discard)
		_ = f.Close()
	}, nil
}

// Options of Main.
type Options struct {
	// ConfigDir holds the configuration files. If relative, it is taken from the project root.
	ConfigDir string

	// ConfigName is the primary configuration, e.g. "train".
	ConfigName string

	// Overrides from the command line.
	Overrides []string

	// Multirun runs a sweep over the overrides (see package sweep).
	Multirun bool

	// PrintConfig prints the composed configuration to Output and returns, without running the task.
	PrintConfig bool

	// Input is where tags are read from, if they need to be prompted.
	Input io.Reader

	// Output is where the configuration is printed.
	Output io.Writer
}

// Main sets up the project root, composes the configuration and runs the task: once, or once per job of a
// sweep if multirun is requested or the configuration defines a search space ("hydra.sweeper.params").
//
// It returns the optimized metric value of the single run (found=false for a sweep, whose results are
// logged).
func Main(opts Options, task utils.TaskFn) (value float64, found bool, err error) {
	wd, err := os.Getwd()
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to get current directory")
	}
	root, err := rootutil.SetupRoot(wd, rootutil.DefaultIndicator, true, true)
	if err != nil {
		return 0, false, err
	}
	configDir := opts.ConfigDir
	if !filepath.IsAbs(configDir) {
		configDir = filepath.Join(root, configDir)
	}
	composer := config.NewComposer(configDir)

	if !opts.Multirun || opts.PrintConfig {
		cfg, err := composer.Compose(opts.ConfigName, opts.Overrides)
		if err != nil {
			return 0, false, err
		}
		if opts.PrintConfig {
			jobCfg := cfg.Clone()
			jobCfg.SetStruct(false)
			_ = jobCfg.Delete("hydra")
			data, err := jobCfg.YAML()
			if err != nil {
				return 0, false, err
			}
			_, err = fmt.Fprint(opts.Output, string(data))
			return 0, false, errors.Wrap(err, "failed to print the configuration")
		}
		if !cfg.Has("hydra.sweeper.params") {
			return RunJob(cfg, task, opts.Input)
		}
		klog.Infof("Configuration has a search space in hydra.sweeper.params, running a sweep")
	}

	// Tags can't be prompted for during a sweep, so a missing tags error is reported once, before any job.
	base, err := sweep.BaseConfig(composer, opts.ConfigName, opts.Overrides)
	if err != nil {
		return 0, false, err
	}
	if base.GetBool("extras.enforce_tags", false) {
		if err := utils.EnforceTags(base, false, opts.Input); err != nil {
			return 0, false, err
		}
	}

	results, err := sweep.Run(composer, opts.ConfigName, opts.Overrides,
		func(cfg *config.Config) (float64, bool, error) { return RunJob(cfg, task, opts.Input) })
	for _, r := range results {
		klog.Infof("Job %s", r)
	}
	return 0, false, err
}
