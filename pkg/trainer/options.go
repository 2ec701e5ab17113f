// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config of the Trainer, usually decoded from the "trainer" configuration group.
type Config struct {
	// DefaultRootDir is where checkpoints and logs are written when the callbacks and loggers don't say otherwise.
	DefaultRootDir string `yaml:"default_root_dir"`

	// MinEpochs trained before a callback (e.g. EarlyStopping) can stop the training.
	MinEpochs int `yaml:"min_epochs"`

	// MaxEpochs to train. Training stops once it is reached.
	MaxEpochs int `yaml:"max_epochs"`

	// Accelerator is one of "cpu", "gpu", "auto" or "simplego".
	Accelerator string `yaml:"accelerator"`

	// Devices is the number of devices per node, or "auto" for 1.
	Devices string `yaml:"devices"`

	// NumNodes is the number of machines.
	NumNodes int `yaml:"num_nodes"`

	// Strategy is only informative: there is no distributed training.
	Strategy string `yaml:"strategy"`

	// CheckValEveryNEpoch runs the validation every N training epochs.
	CheckValEveryNEpoch int `yaml:"check_val_every_n_epoch"`

	// Limits on the number of batches used per epoch.
	LimitTrainBatches BatchLimit `yaml:"limit_train_batches"`
	LimitValBatches   BatchLimit `yaml:"limit_val_batches"`
	LimitTestBatches  BatchLimit `yaml:"limit_test_batches"`

	// FastDevRun runs only N batches of each split for one epoch, without checkpoints or loggers.
	// "true" means 1 batch.
	FastDevRun FastDevRun `yaml:"fast_dev_run"`

	// NumSanityValSteps is the number of validation batches run before training starts.
	NumSanityValSteps int `yaml:"num_sanity_val_steps"`

	// Deterministic seeds the context random number generator even when no seed is given.
	Deterministic bool `yaml:"deterministic"`

	EnableProgressBar  bool `yaml:"enable_progress_bar"`
	EnableModelSummary bool `yaml:"enable_model_summary"`

	// LogEveryNSteps is the frequency of the training step metrics sent to the loggers.
	LogEveryNSteps int `yaml:"log_every_n_steps"`

	// Seed of the run, if set. It is used for the context random number generator and to shuffle the training data.
	Seed *int64 `yaml:"seed"`
}

// DefaultConfig returns the default configuration of the Trainer.
func DefaultConfig() Config {
	return Config{
		DefaultRootDir:      ".",
		MinEpochs:           1,
		MaxEpochs:           10,
		Accelerator:         "cpu",
		Devices:             "1",
		NumNodes:            1,
		Strategy:            "auto",
		CheckValEveryNEpoch: 1,
		LimitTrainBatches:   AllBatches,
		LimitValBatches:     AllBatches,
		LimitTestBatches:    AllBatches,
		NumSanityValSteps:   2,
		EnableProgressBar:   true,
		EnableModelSummary:  true,
		LogEveryNSteps:      50,
	}
}

// NumDevices parses Devices. "auto" and "" are 1 device.
func (cfg *Config) NumDevices() (int, error) {
	switch cfg.Devices {
	case "", "auto", "-1":
		return 1, nil
	}
	n, err := strconv.Atoi(cfg.Devices)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("trainer.devices must be a positive number or \"auto\", got %q", cfg.Devices)
	}
	return n, nil
}

// WorldSize is the total number of devices: devices per node times the number of nodes.
func (cfg *Config) WorldSize() (int, error) {
	devices, err := cfg.NumDevices()
	if err != nil {
		return 0, err
	}
	return devices * max(cfg.NumNodes, 1), nil
}

// Validate checks the configuration values.
func (cfg *Config) Validate() error {
	if cfg.MaxEpochs < 0 {
		return errors.Errorf("trainer.max_epochs must be >= 0, got %d", cfg.MaxEpochs)
	}
	if cfg.MinEpochs < 0 {
		return errors.Errorf("trainer.min_epochs must be >= 0, got %d", cfg.MinEpochs)
	}
	if cfg.CheckValEveryNEpoch < 0 {
		return errors.Errorf("trainer.check_val_every_n_epoch must be >= 0, got %d", cfg.CheckValEveryNEpoch)
	}
	if cfg.NumSanityValSteps < -1 {
		return errors.Errorf("trainer.num_sanity_val_steps must be >= -1, got %d", cfg.NumSanityValSteps)
	}
	if cfg.LogEveryNSteps <= 0 {
		return errors.Errorf("trainer.log_every_n_steps must be positive, got %d", cfg.LogEveryNSteps)
	}
	if _, err := cfg.NumDevices(); err != nil {
		return err
	}
	return nil
}

// BatchLimit limits the number of batches of an epoch: a fraction of the batches if it is a float in (0, 1],
// or a count if it is an integer.
type BatchLimit struct {
	Fraction float64
	Count    int
}

// AllBatches uses every batch of the epoch.
var AllBatches = BatchLimit{Fraction: 1}

// Batches limits an epoch to n batches.
func Batches(n int) BatchLimit { return BatchLimit{Count: n} }

// Apply returns the number of batches to use out of numBatches.
func (l BatchLimit) Apply(numBatches int) int {
	if l.Count > 0 {
		return min(l.Count, numBatches)
	}
	if l.Fraction <= 0 {
		return 0
	}
	return min(numBatches, int(math.Floor(l.Fraction*float64(numBatches))))
}

// UnmarshalYAML implements yaml.Unmarshaler: integers are counts and floats are fractions.
func (l *BatchLimit) UnmarshalYAML(node *yaml.Node) error {
	switch node.ShortTag() {
	case "!!int":
		var n int
		if err := node.Decode(&n); err != nil {
			return err
		}
		if n < 0 {
			return errors.Errorf("batch limit must be non-negative, got %d", n)
		}
		*l = BatchLimit{Count: n}
		if n == 0 {
			*l = BatchLimit{}
		}
		return nil
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		if f < 0 || f > 1 {
			return errors.Errorf("fractional batch limit must be in [0, 1], got %g", f)
		}
		*l = BatchLimit{Fraction: f}
		return nil
	case "!!null":
		*l = AllBatches
		return nil
	}
	return errors.Errorf("invalid batch limit %q: use an integer count or a fraction in [0, 1]", node.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (l BatchLimit) MarshalYAML() (any, error) {
	if l.Count > 0 {
		return l.Count, nil
	}
	return l.Fraction, nil
}

// FastDevRun is the number of batches of the fast development run, 0 when disabled.
type FastDevRun int

// UnmarshalYAML implements yaml.Unmarshaler: accepts booleans (true is 1 batch) and counts.
func (f *FastDevRun) UnmarshalYAML(node *yaml.Node) error {
	switch node.ShortTag() {
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*f = 0
		if b {
			*f = 1
		}
		return nil
	case "!!int":
		var n int
		if err := node.Decode(&n); err != nil {
			return err
		}
		if n < 0 {
			return errors.Errorf("fast_dev_run must be a boolean or a non-negative count, got %d", n)
		}
		*f = FastDevRun(n)
		return nil
	case "!!null":
		*f = 0
		return nil
	}
	return errors.Errorf("invalid fast_dev_run %q: use a boolean or a count of batches", node.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (f FastDevRun) MarshalYAML() (any, error) {
	return int(f), nil
}
