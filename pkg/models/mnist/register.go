// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/pkg/errors"
)

// Configuration targets of the package.
const (
	LitModuleTarget      = "mnist.LitModule"
	SimpleDenseNetTarget = "mnist.SimpleDenseNet"
	CNNTarget            = "mnist.CNN"
	AdamTarget           = "optimizers.Adam"
	AdamWTarget          = "optimizers.AdamW"
	SGDTarget            = "optimizers.SGD"
)

var optimizerTargets = map[string]string{"adam": AdamTarget, "adamw": AdamWTarget, "sgd": SGDTarget}

// validated is implemented by the configurable objects of the package.
type validated interface {
	Validate() error
}

// decode returns a factory that decodes the configuration over the defaults returned by newFn.
func decode[T validated](newFn func() T) config.Factory {
	return func(cfg *config.Config) (any, error) {
		obj := newFn()
		if err := cfg.Decode(obj); err != nil {
			return nil, err
		}
		if err := obj.Validate(); err != nil {
			return nil, err
		}
		return obj, nil
	}
}

func init() {
	config.Register(SimpleDenseNetTarget, decode(NewSimpleDenseNet))
	config.Register(CNNTarget, decode(NewCNN))
	for kind, target := range optimizerTargets {
		config.Register(target, decode(func() *Optimizer { return NewOptimizer(kind) }))
	}
	config.Register(LitModuleTarget, func(cfg *config.Config) (any, error) {
		return FromConfig(cfg)
	})
}

// FromConfig creates a LitModule from its configuration node, with the sub-nodes "net", "optimizer" and
// optionally "scheduler", and the "compile" flag.
//
// The scheduler node is instantiated anew for every call to ConfigureOptimizers.
func FromConfig(cfg *config.Config) (*LitModule, error) {
	if cfg == nil {
		return nil, errors.New("missing model configuration")
	}
	netCfg := cfg.Sub("net")
	if netCfg == nil {
		return nil, errors.Errorf("model configuration %q has no \"net\"", cfg.Path())
	}
	net, err := config.InstantiateAs[Net](netCfg)
	if err != nil {
		return nil, err
	}
	optCfg := cfg.Sub("optimizer")
	if optCfg == nil {
		return nil, errors.Errorf("model configuration %q has no \"optimizer\"", cfg.Path())
	}
	optimizer, err := config.InstantiateAs[*Optimizer](optCfg)
	if err != nil {
		return nil, err
	}

	var scheduler SchedulerFactory
	var schedulerHParams map[string]any
	if schedulerCfg := cfg.Sub("scheduler"); schedulerCfg != nil && !schedulerCfg.IsEmpty() {
		// Fail early on an invalid configuration.
		if _, err := config.InstantiateAs[trainer.Scheduler](schedulerCfg); err != nil {
			return nil, err
		}
		scheduler = func() (trainer.Scheduler, error) {
			return config.InstantiateAs[trainer.Scheduler](schedulerCfg)
		}
		resolved, err := schedulerCfg.ResolvedClone()
		if err != nil {
			return nil, err
		}
		schedulerHParams = resolved.ToMap()
	}

	m, err := NewLitModule(net, optimizer, scheduler, cfg.GetBool("compile", false))
	if err != nil {
		return nil, err
	}
	m.SetSchedulerHyperparameters(schedulerHParams)
	return m, nil
}
