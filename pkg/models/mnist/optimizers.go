// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Optimizer configures the optimizer of a LitModule. Kind is one of "adam", "adamw" or "sgd".
//
// For "adamw" the weight decay is decoupled from the gradient. For "adam" it is coupled: an L2 term
// (weight_decay/2 * w²) over the trainable weights of the net is added to the training loss, so weight_decay*w
// is added to the gradients before Adam normalizes them. "adam" defaults to no weight decay.
type Optimizer struct {
	Kind         string  `yaml:"-"`
	LearningRate float64 `yaml:"lr"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"eps"`

	// Decay of the SGD learning rate with the inverse square root of the global step.
	Decay bool `yaml:"decay"`
}

// NewOptimizer returns the default configuration of the given kind of optimizer.
func NewOptimizer(kind string) *Optimizer {
	o := &Optimizer{Kind: strings.ToLower(kind), LearningRate: optimizers.AdamDefaultLearningRate,
		Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
	switch o.Kind {
	case "adamw":
		o.WeightDecay = 0.01
	case "sgd":
		o.LearningRate = optimizers.SGDDefaultLearningRate
	}
	return o
}

// Validate the configuration.
func (o *Optimizer) Validate() error {
	switch o.Kind {
	case "adam", "adamw", "sgd":
	default:
		return errors.Errorf("unknown optimizer %q, valid values are \"adam\", \"adamw\" and \"sgd\"", o.Kind)
	}
	if o.LearningRate <= 0 {
		return errors.Errorf("optimizer %s: lr must be positive, got %g", o.Kind, o.LearningRate)
	}
	if o.WeightDecay < 0 {
		return errors.Errorf("optimizer %s: weight_decay must be >= 0, got %g", o.Kind, o.WeightDecay)
	}
	return nil
}

// Build sets the "learning_rate" hyperparameter of ctx, used by the learning rate schedulers, and returns the
// optimizer.
func (o *Optimizer) Build(ctx *context.Context) (optimizers.Interface, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	ctx.SetParam(optimizers.ParamLearningRate, o.LearningRate)
	if o.Kind == "sgd" {
		return optimizers.StochasticGradientDescent().
			WithDecay(o.Decay).
			WithLearningRate(o.LearningRate).
			Done(), nil
	}
	decoupled := o.WeightDecay
	if o.Kind == "adam" {
		decoupled = 0
	}
	return optimizers.Adam().
		LearningRate(o.LearningRate).
		Betas(o.Beta1, o.Beta2).
		Epsilon(o.Epsilon).
		WeightDecay(decoupled).
		Done(), nil
}

// L2Regularization is the amount of the coupled weight decay, added to the training loss by the LitModule. It
// is only non-zero for "adam".
func (o *Optimizer) L2Regularization() float64 {
	if o.Kind == "adam" {
		return o.WeightDecay
	}
	return 0
}

// Hyperparameters of the optimizer, for logging.
func (o *Optimizer) Hyperparameters() map[string]any {
	hparams := map[string]any{
		"_target_":     optimizerTargets[o.Kind],
		"lr":           o.LearningRate,
		"weight_decay": o.WeightDecay,
	}
	if o.Kind == "sgd" {
		hparams["decay"] = o.Decay
	} else {
		hparams["betas"] = []float64{o.Beta1, o.Beta2}
		hparams["eps"] = o.Epsilon
	}
	return hparams
}
