// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sweep runs a task once per combination of parameters ("multirun").
//
// The parameters come from the command-line overrides ("model.optimizer.lr=0.005,0.01") and, for sweepers
// that define their own search space, from the "hydra.sweeper" configuration. Each job composes its own
// configuration, in config.RunModeMultirun with its "hydra.job.num", so it gets its own output directory
// under "hydra.sweep.dir".
package sweep

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// JobFn runs one job with its composed configuration. It returns the value of the optimized metric, if
// one was requested (found).
type JobFn func(cfg *config.Config) (value float64, found bool, err error)

// Result of one job.
type Result struct {
	Num       int
	Overrides []string
	Value     float64
	Found     bool
	Err       error
}

// Sweeper generates the jobs of a sweep and launches them.
type Sweeper interface {
	Sweep(l *Launcher, params []*Param) ([]Result, error)
}

// Launcher composes the configuration of each job and runs it. Jobs are run sequentially.
type Launcher struct {
	composer   config.Composer
	configName string
	fn         JobFn

	// SweepDir is the resolved "hydra.sweep.dir" of the sweep.
	SweepDir string

	numJobs int
}

// Launch composes the configuration of the next job with the given overrides and runs it.
// A failed job is logged and reported in the Result.
func (l *Launcher) Launch(overrides []string) Result {
	num := l.numJobs
	l.numJobs++
	result := Result{Num: num, Overrides: overrides}
	klog.Infof("\t#%d : %s", num, strings.Join(overrides, " "))

	composer := l.composer
	composer.Mode = config.RunModeMultirun
	composer.JobNum = num
	cfg, err := composer.Compose(l.configName, overrides)
	if err != nil {
		result.Err = errors.WithMessagef(err, "job #%d", num)
	} else {
		result.Value, result.Found, result.Err = l.fn(cfg)
	}
	if result.Err != nil {
		klog.Errorf("Job #%d failed: %+v", num, result.Err)
	}
	return result
}

// Run the sweep of the primary configuration configName with the given command-line overrides, calling fn
// for each job.
//
// The sweeper is instantiated from "hydra.sweeper" (a BasicSweeper if it has no "_target_"). The sweep
// fails if it has no jobs or if all of them fail.
func Run(composer *config.Composer, configName string, overrides []string, fn JobFn) ([]Result, error) {
	params, err := ParseParams(overrides, composer.Options)
	if err != nil {
		return nil, err
	}

	// The first job configuration gives the sweep settings.
	base, err := composeFirst(composer, configName, params)
	if err != nil {
		return nil, err
	}
	resolved, err := base.ResolvedClone()
	if err != nil {
		return nil, err
	}
	sweepDir := filepath.Dir(resolved.GetString("hydra.runtime.output_dir", ""))
	if dir := resolved.GetString("hydra.sweep.dir", ""); dir != "" {
		sweepDir = dir
	}

	var sweeper Sweeper = &BasicSweeper{}
	if sweeperCfg := base.Sub("hydra.sweeper"); sweeperCfg != nil {
		if _, found := config.TargetOf(sweeperCfg); found {
			sweeper, err = config.InstantiateAs[Sweeper](sweeperCfg)
			if err != nil {
				return nil, errors.WithMessage(err, "failed to instantiate hydra.sweeper")
			}
		}
	}

	klog.Infof("Sweep output dir : %s", sweepDir)
	l := &Launcher{composer: *composer, configName: configName, fn: fn, SweepDir: sweepDir}
	results, err := sweeper.Sweep(l, params)
	if err != nil {
		return results, err
	}
	if len(results) == 0 {
		return nil, errors.New("the sweep has no jobs")
	}
	var numFailed int
	for _, r := range results {
		if r.Err != nil {
			numFailed++
		}
	}
	if numFailed == len(results) {
		return results, errors.Errorf("all %d jobs of the sweep failed, the first error: %v", len(results),
			results[0].Err)
	}
	if numFailed > 0 {
		klog.Warningf("%d of %d jobs of the sweep failed", numFailed, len(results))
	}
	return results, nil
}

// BaseConfig composes the configuration of the first job of the sweep over overrides: the one that
// gives the sweep settings. It can be used to validate a sweep before launching it.
func BaseConfig(composer *config.Composer, configName string, overrides []string) (*config.Config, error) {
	params, err := ParseParams(overrides, composer.Options)
	if err != nil {
		return nil, err
	}
	return composeFirst(composer, configName, params)
}

func composeFirst(composer *config.Composer, configName string, params []*Param) (*config.Config, error) {
	baseComposer := *composer
	baseComposer.Mode = config.RunModeMultirun
	baseComposer.JobNum = 0
	return baseComposer.Compose(configName, firstValues(params))
}

// firstValues returns the overrides with each parameter set to its first value.
func firstValues(params []*Param) []string {
	overrides := make([]string, 0, len(params))
	for _, p := range params {
		switch {
		case !p.HasValue:
			overrides = append(overrides, p.Text)
		case p.Interval != nil:
			overrides = append(overrides, p.Assign(formatNumber(p.Interval.Low, false)))
		default:
			overrides = append(overrides, p.Assign(p.Values[0]))
		}
	}
	return overrides
}

// BasicSweeper runs one job per element of the cartesian product of the parameter values, in the order of the
// command line: the last parameter changes fastest.
type BasicSweeper struct{}

// Jobs returns the overrides of each job.
func (s *BasicSweeper) Jobs(params []*Param) ([][]string, error) {
	jobs := [][]string{{}}
	for _, p := range params {
		if p.Interval != nil {
			return nil, errors.Errorf("override %q: interval() can only be used with a sweeper that samples, "+
				"e.g. %s", p.Text, RandomSearchTarget)
		}
		if !p.HasValue {
			for ii := range jobs {
				jobs[ii] = append(jobs[ii], p.Text)
			}
			continue
		}
		next := make([][]string, 0, len(jobs)*len(p.Values))
		for _, job := range jobs {
			for _, value := range p.Values {
				next = append(next, append(job[:len(job):len(job)], p.Assign(value)))
			}
		}
		jobs = next
	}
	return jobs, nil
}

// Sweep implements Sweeper.
func (s *BasicSweeper) Sweep(l *Launcher, params []*Param) ([]Result, error) {
	jobs, err := s.Jobs(params)
	if err != nil {
		return nil, err
	}
	klog.Infof("Launching %d jobs locally", len(jobs))
	results := make([]Result, 0, len(jobs))
	for _, overrides := range jobs {
		results = append(results, l.Launch(overrides))
	}
	return results, nil
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if r.Err != nil {
		return fmt.Sprintf("#%d [%s]: failed: %v", r.Num, strings.Join(r.Overrides, " "), r.Err)
	}
	if !r.Found {
		return fmt.Sprintf("#%d [%s]: done", r.Num, strings.Join(r.Overrides, " "))
	}
	return fmt.Sprintf("#%d [%s]: %g", r.Num, strings.Join(r.Overrides, " "), r.Value)
}
