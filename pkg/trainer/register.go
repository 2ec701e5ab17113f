// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/pkg/errors"
)

// Configuration targets of the trainer, callbacks, loggers and schedulers.
const (
	Target                  = "trainer.Trainer"
	ModelCheckpointTarget   = "callbacks.ModelCheckpoint"
	EarlyStoppingTarget     = "callbacks.EarlyStopping"
	ModelSummaryTarget      = "callbacks.ModelSummary"
	ProgressBarTarget       = "callbacks.ProgressBar"
	CSVLoggerTarget         = "loggers.CSVLogger"
	PlotLoggerTarget        = "loggers.PlotLogger"
	TrackerLoggerTarget     = "loggers.TrackerLogger"
	ReduceLROnPlateauTarget = "schedulers.ReduceLROnPlateau"
	CosineAnnealingTarget   = "schedulers.CosineAnnealing"
)

// decodeInto returns a factory that decodes the configuration over the defaults returned by newFn.
func decodeInto[T any](newFn func() T, validate func(T) error) config.Factory {
	return func(cfg *config.Config) (any, error) {
		obj := newFn()
		if err := cfg.Decode(obj); err != nil {
			return nil, err
		}
		if validate != nil {
			if err := validate(obj); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}
}

func init() {
	config.Register(Target, func(cfg *config.Config) (any, error) {
		return FromConfig(cfg, nil, nil)
	})
	config.Register(ModelCheckpointTarget, decodeInto(NewModelCheckpoint, (*ModelCheckpoint).Validate))
	config.Register(EarlyStoppingTarget, decodeInto(func() *EarlyStopping { return NewEarlyStopping("") }, nil))
	config.Register(ModelSummaryTarget, decodeInto(NewModelSummary, nil))
	config.Register(ProgressBarTarget, decodeInto(NewProgressBar, nil))
	config.Register(CSVLoggerTarget, decodeInto(func() *CSVLogger { return NewCSVLogger("") }, nil))
	config.Register(PlotLoggerTarget, decodeInto(func() *PlotLogger { return NewPlotLogger("") }, nil))
	config.Register(TrackerLoggerTarget, decodeInto(func() *TrackerLogger { return &TrackerLogger{} }, nil))
	config.Register(ReduceLROnPlateauTarget, decodeInto(NewReduceLROnPlateau, (*ReduceLROnPlateau).Validate))
	config.Register(CosineAnnealingTarget, decodeInto(func() *CosineAnnealing { return &CosineAnnealing{} },
		func(c *CosineAnnealing) error {
			if c.TMax <= 0 {
				return errors.Errorf("CosineAnnealing: T_max must be > 0, got %d", c.TMax)
			}
			return nil
		}))
}

// DecodeConfig decodes the "trainer" configuration node over DefaultConfig.
func DecodeConfig(cfg *config.Config) (Config, error) {
	trainerCfg := DefaultConfig()
	if cfg == nil {
		return trainerCfg, nil
	}
	if target, found := config.TargetOf(cfg); found && target != Target {
		return trainerCfg, errors.Errorf("trainer configuration %q has target %q, expected %q", cfg.Path(), target,
			Target)
	}
	if err := cfg.Decode(&trainerCfg); err != nil {
		return trainerCfg, err
	}
	return trainerCfg, trainerCfg.Validate()
}

// FromConfig creates a Trainer from its configuration node, with the given callbacks and loggers.
func FromConfig(cfg *config.Config, callbacks []Callback, loggers []Logger) (*Trainer, error) {
	trainerCfg, err := DecodeConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(trainerCfg, callbacks, loggers)
}
