// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sweep

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Directions of the optimization of a RandomSearch.
const (
	Maximize = "maximize"
	Minimize = "minimize"
)

// OptimizationResultsFile is written by RandomSearch in the sweep directory.
const OptimizationResultsFile = "optimization_results.yaml"

// RandomSearch samples NTrials jobs from a search space, and keeps track of the best value of the optimized
// metric returned by the jobs.
//
// The search space is Params ("key: choice(...)", "key: interval(low,high)" or "key: range(...)") plus the
// sweeping command-line overrides, which take precedence and are sampled as choices.
type RandomSearch struct {
	NTrials   int    `yaml:"n_trials"`
	Seed      *int64 `yaml:"seed"`
	Direction string `yaml:"direction"`

	// Params in the order of the configuration.
	Params []*Param `yaml:"-"`
}

// NewRandomSearch returns a RandomSearch of 20 trials, maximizing the optimized metric.
func NewRandomSearch() *RandomSearch {
	return &RandomSearch{NTrials: 20, Direction: Maximize}
}

// Validate the settings of the search.
func (s *RandomSearch) Validate() error {
	if s.NTrials <= 0 {
		return errors.Errorf("RandomSearch: n_trials must be > 0, got %d", s.NTrials)
	}
	s.Direction = strings.ToLower(s.Direction)
	if s.Direction != Maximize && s.Direction != Minimize {
		return errors.Errorf("RandomSearch: direction must be %q or %q, got %q", Maximize, Minimize, s.Direction)
	}
	return nil
}

// better returns whether a is better than b in the direction of the search.
func (s *RandomSearch) better(a, b float64) bool {
	if math.IsNaN(b) {
		return !math.IsNaN(a)
	}
	if s.Direction == Minimize {
		return a < b
	}
	return a > b
}

// space returns the search space and the fixed overrides.
func (s *RandomSearch) space(params []*Param) (space []*Param, fixed []string) {
	space = slices.Clone(s.Params)
	for _, p := range params {
		if !p.IsSweep() {
			fixed = append(fixed, firstValues([]*Param{p})...)
			continue
		}
		if idx := slices.IndexFunc(space, func(q *Param) bool { return q.Key == p.Key }); idx >= 0 {
			space[idx] = p
		} else {
			space = append(space, p)
		}
	}
	// Fixed command-line values win over the configured search space.
	space = slices.DeleteFunc(space, func(q *Param) bool {
		return slices.ContainsFunc(params, func(p *Param) bool { return p.Key == q.Key && !p.IsSweep() })
	})
	return space, fixed
}

// sample returns the value of p drawn from rng.
func sample(rng *rand.Rand, p *Param) string {
	if p.Interval != nil {
		uniform := distuv.Uniform{Min: p.Interval.Low, Max: p.Interval.High, Src: rng}
		return formatNumber(uniform.Rand(), false)
	}
	return p.Values[rng.IntN(len(p.Values))]
}

// Sweep implements Sweeper.
func (s *RandomSearch) Sweep(l *Launcher, params []*Param) ([]Result, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	space, fixed := s.space(params)
	seed := rand.Uint64()
	if s.Seed != nil {
		seed = uint64(*s.Seed)
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	klog.Infof("RandomSearch: %d trials, %s, %d parameters", s.NTrials, s.Direction, len(space))

	var results []Result
	bestIdx := -1
	bestValue := math.NaN()
	for range s.NTrials {
		overrides := slices.Clone(fixed)
		for _, p := range space {
			overrides = append(overrides, p.Assign(sample(rng, p)))
		}
		r := l.Launch(overrides)
		results = append(results, r)
		if r.Err == nil && r.Found && s.better(r.Value, bestValue) {
			bestIdx, bestValue = len(results)-1, r.Value
		}
	}

	if bestIdx < 0 {
		klog.Warningf("RandomSearch: no job returned the optimized metric, is \"optimized_metric\" set?")
		return results, nil
	}
	best := results[bestIdx]
	klog.Infof("Best parameters: %s", strings.Join(best.Overrides, " "))
	klog.Infof("Best value: %g", best.Value)
	return results, s.writeResults(l.SweepDir, space, best)
}

// writeResults saves the best parameters and value in OptimizationResultsFile.
func (s *RandomSearch) writeResults(sweepDir string, space []*Param, best Result) error {
	if sweepDir == "" {
		return nil
	}
	bestParams := &yaml.Node{Kind: yaml.MappingNode}
	for _, override := range best.Overrides {
		key, value, _ := strings.Cut(strings.TrimLeft(override, "+"), "=")
		if !slices.ContainsFunc(space, func(p *Param) bool { return p.Key == key }) {
			continue
		}
		bestParams.Content = append(bestParams.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: value})
	}
	doc := map[string]any{
		"name":        "random_search",
		"best_params": bestParams,
		"best_value":  best.Value,
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to serialize the optimization results")
	}
	if err := os.MkdirAll(sweepDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", sweepDir)
	}
	path := filepath.Join(sweepDir, OptimizationResultsFile)
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %q", path)
}

// Targets of the sweepers, for "hydra.sweeper._target_".
const (
	BasicSweeperTarget = "sweep.BasicSweeper"
	RandomSearchTarget = "sweep.RandomSearch"
)

func init() {
	config.Register(BasicSweeperTarget, func(*config.Config) (any, error) { return &BasicSweeper{}, nil })
	config.Register(RandomSearchTarget, func(cfg *config.Config) (any, error) {
		s := NewRandomSearch()
		if err := cfg.Decode(s, "params"); err != nil {
			return nil, err
		}
		if paramsCfg := cfg.Sub("params"); paramsCfg != nil {
			// Keys are dotted paths ("model.optimizer.lr"), so they are read from the plain map.
			values := paramsCfg.ToMap()
			for _, key := range paramsCfg.Keys() {
				p, err := ParseParam(key+"="+paramText(values[key]), nil)
				if err != nil {
					return nil, errors.WithMessage(err, "RandomSearch params")
				}
				s.Params = append(s.Params, p)
			}
		}
		return s, s.Validate()
	})
}

// paramText returns the text of a configured search parameter: lists are choices.
func paramText(raw any) string {
	list, ok := raw.([]any)
	if !ok {
		return fmt.Sprint(raw)
	}
	values := make([]string, len(list))
	for ii, v := range list {
		values[ii] = fmt.Sprint(v)
	}
	return "choice(" + strings.Join(values, ",") + ")"
}
