// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// Stage of a run, passed to the Setup and Teardown hooks.
type Stage string

const (
	StageFit      Stage = "fit"
	StageValidate Stage = "validate"
	StageTest     Stage = "test"
)

// Interval at which a scheduler is stepped.
const (
	IntervalEpoch = "epoch"
	IntervalStep  = "step"
)

// StepOutput is the host side result of one step of the model graph.
type StepOutput struct {
	// Loss is the mean loss of the batch.
	Loss float64

	// Preds are the predicted classes, and Targets the true labels of the batch.
	Preds, Targets []int32
}

// BatchSize is the number of examples of the step.
func (out StepOutput) BatchSize() int { return len(out.Targets) }

// Module is the model driven by the Trainer: it builds the step graph, holds the variables (in its Context),
// and is notified of the results of every step.
type Module interface {
	// Context holding the variables of the model.
	Context() *context.Context

	// StepGraph builds the computation of one step: the mean loss of the batch (a scalar) and the predicted class
	// of each example (shaped [batch_size]). Whether it is training is given by ctx.IsTraining.
	StepGraph(ctx *context.Context, images, labels *Node) (loss, preds *Node)

	// ConfigureOptimizers returns the optimizer, and optionally a learning rate scheduler.
	ConfigureOptimizers() (*OptimizerConfig, error)

	// TrainingStep is called with the results of every training step.
	TrainingStep(t *Trainer, out StepOutput, batchIdx int) error

	// ValidationStep is called with the results of every validation step.
	ValidationStep(t *Trainer, out StepOutput, batchIdx int) error

	// TestStep is called with the results of every test step.
	TestStep(t *Trainer, out StepOutput, batchIdx int) error
}

// OptimizerConfig is returned by Module.ConfigureOptimizers.
type OptimizerConfig struct {
	Optimizer optimizers.Interface

	// Scheduler is optional. It is either a GraphScheduler or a HostScheduler.
	Scheduler Scheduler

	// Monitor is the metric passed to a HostScheduler. Defaults to "val/loss".
	Monitor string

	// Interval is IntervalEpoch (the default) or IntervalStep.
	Interval string

	// Frequency in intervals of the scheduler steps. Defaults to 1.
	Frequency int
}

// Optional hooks of a Module.
type (
	SetupHook interface {
		Setup(t *Trainer, stage Stage) error
	}
	TeardownHook interface {
		Teardown(t *Trainer, stage Stage) error
	}
	TrainStartHook interface {
		OnTrainStart(t *Trainer) error
	}
	TrainEndHook interface {
		OnTrainEnd(t *Trainer) error
	}
	TrainEpochStartHook interface {
		OnTrainEpochStart(t *Trainer) error
	}
	TrainEpochEndHook interface {
		OnTrainEpochEnd(t *Trainer) error
	}
	ValidationEpochStartHook interface {
		OnValidationEpochStart(t *Trainer) error
	}
	ValidationEpochEndHook interface {
		OnValidationEpochEnd(t *Trainer) error
	}
	TestEpochStartHook interface {
		OnTestEpochStart(t *Trainer) error
	}
	TestEpochEndHook interface {
		OnTestEpochEnd(t *Trainer) error
	}
)

// HasHyperparameters is implemented by modules (and data modules) that report the hyperparameters they were
// created with.
type HasHyperparameters interface {
	Hyperparameters() map[string]any
}

// Loader is the dataset of one split, read once per epoch.
type Loader interface {
	train.Dataset

	// NumBatches in one epoch.
	NumBatches() int
}

// DataModule provides the loaders of each split.
type DataModule interface {
	// PrepareData downloads the data, if needed. Only called on local rank 0.
	PrepareData() error

	// Setup the data for the given stage and number of devices. It may be called more than once.
	Setup(stage string, worldSize int) error

	TrainDataLoader() (Loader, error)
	ValDataLoader() (Loader, error)
	TestDataLoader() (Loader, error)

	// StateDict is saved in the checkpoints, and restored with LoadStateDict.
	StateDict() map[string]any
	LoadStateDict(state map[string]any) error

	// Teardown releases the resources of the loaders.
	Teardown(stage string)
}

// Seedable data modules are given the seed of the run, used to shuffle the training data.
type Seedable interface {
	SetSeed(seed int64)
}
