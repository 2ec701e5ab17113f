// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scheduler of the learning rate. It is either a GraphScheduler or a HostScheduler.
type Scheduler interface {
	Name() string
}

// GraphScheduler updates the learning rate inside the training step graph, before the optimizer.
type GraphScheduler interface {
	Scheduler

	// SetStepsPerEpoch is called by the Trainer before the training graph is built.
	SetStepsPerEpoch(steps int)

	// UpdateGraph builds the update of the learning rate variable.
	UpdateGraph(ctx *context.Context, g *Graph)
}

// HostScheduler updates the learning rate variable between steps, from the value of a monitored metric.
type HostScheduler interface {
	Scheduler

	// Step is called at the end of every interval (epoch or step) with the value of the monitored metric.
	Step(ctx *context.Context, metric float64) error

	// StateDict is saved in the checkpoints, and restored with LoadStateDict.
	StateDict() map[string]any
	LoadStateDict(state map[string]any) error
}

// LearningRate returns the current value of the learning rate variable of the optimizers.
func LearningRate(ctx *context.Context) (float64, error) {
	v := learningRateVar(ctx)
	if v == nil {
		return 0, errors.Errorf("learning rate variable %q not created yet", optimizers.ParamLearningRate)
	}
	value, err := v.Value()
	if err != nil {
		return 0, err
	}
	return shapes.ConvertTo[float64](value.Value()), nil
}

// SetLearningRate sets the value of the learning rate variable of the optimizers.
func SetLearningRate(ctx *context.Context, lr float64) error {
	v := learningRateVar(ctx)
	if v == nil {
		return errors.Errorf("learning rate variable %q not created yet", optimizers.ParamLearningRate)
	}
	return v.SetValue(tensors.FromAnyValue(shapes.CastAsDType(lr, v.DType())))
}

func learningRateVar(ctx *context.Context) *context.Variable {
	return ctx.GetVariableByScopeAndName(context.RootScope+optimizers.Scope, optimizers.ParamLearningRate)
}

// CosineAnnealing decays the learning rate from its initial value to EtaMin following a cosine, over TMax epochs.
// The initial value is the "learning_rate" hyperparameter of the context.
type CosineAnnealing struct {
	TMax        int     `yaml:"T_max"`
	EtaMin      float64 `yaml:"eta_min"`
	WarmUpSteps int     `yaml:"warmup_steps"`

	stepsPerEpoch int
}

var _ GraphScheduler = (*CosineAnnealing)(nil)

// Name implements Scheduler.
func (c *CosineAnnealing) Name() string { return "CosineAnnealing" }

// SetStepsPerEpoch implements GraphScheduler.
func (c *CosineAnnealing) SetStepsPerEpoch(steps int) { c.stepsPerEpoch = steps }

// UpdateGraph implements GraphScheduler. The learning rate variable is float32, like the model.
func (c *CosineAnnealing) UpdateGraph(ctx *context.Context, g *Graph) {
	period := c.TMax * max(c.stepsPerEpoch, 1)
	cosineschedule.New(ctx, g, dtypes.Float32).
		PeriodInSteps(period).
		MinLearningRate(c.EtaMin).
		WarmUpSteps(c.WarmUpSteps).
		Done()
}

// ReduceLROnPlateau multiplies the learning rate by Factor when the monitored metric stops improving for
// Patience intervals.
type ReduceLROnPlateau struct {
	Mode          string  `yaml:"mode"`
	Factor        float64 `yaml:"factor"`
	Patience      int     `yaml:"patience"`
	Threshold     float64 `yaml:"threshold"`
	ThresholdMode string  `yaml:"threshold_mode"`
	Cooldown      int     `yaml:"cooldown"`
	MinLR         float64 `yaml:"min_lr"`
	Eps           float64 `yaml:"eps"`

	best            float64
	numBadEpochs    int
	cooldownCounter int
	lastEpoch       int
}

var _ HostScheduler = (*ReduceLROnPlateau)(nil)

// NewReduceLROnPlateau returns a ReduceLROnPlateau with the default values.
func NewReduceLROnPlateau() *ReduceLROnPlateau {
	r := &ReduceLROnPlateau{
		Mode:          "min",
		Factor:        0.1,
		Patience:      10,
		Threshold:     1e-4,
		ThresholdMode: "rel",
		Eps:           1e-8,
	}
	r.reset()
	return r
}

// Validate checks the configuration.
func (r *ReduceLROnPlateau) Validate() error {
	if r.Factor >= 1 || r.Factor <= 0 {
		return errors.Errorf("ReduceLROnPlateau: factor should be in (0, 1), got %g", r.Factor)
	}
	if r.Mode != "min" && r.Mode != "max" {
		return errors.Errorf("ReduceLROnPlateau: mode %q is unknown, use \"min\" or \"max\"", r.Mode)
	}
	if r.ThresholdMode != "rel" && r.ThresholdMode != "abs" {
		return errors.Errorf("ReduceLROnPlateau: threshold_mode %q is unknown, use \"rel\" or \"abs\"", r.ThresholdMode)
	}
	return nil
}

func (r *ReduceLROnPlateau) reset() {
	r.best = math.Inf(1)
	if r.Mode == "max" {
		r.best = math.Inf(-1)
	}
	r.numBadEpochs = 0
	r.cooldownCounter = 0
}

// Name implements Scheduler.
func (r *ReduceLROnPlateau) Name() string { return "ReduceLROnPlateau" }

func (r *ReduceLROnPlateau) isBetter(value float64) bool {
	switch {
	case r.Mode == "min" && r.ThresholdMode == "rel":
		return value < r.best*(1-r.Threshold)
	case r.Mode == "min":
		return value < r.best-r.Threshold
	case r.ThresholdMode == "rel":
		return value > r.best*(1+r.Threshold)
	default:
		return value > r.best+r.Threshold
	}
}

// Step implements HostScheduler.
func (r *ReduceLROnPlateau) Step(ctx *context.Context, metric float64) error {
	r.lastEpoch++
	if r.isBetter(metric) {
		r.best = metric
		r.numBadEpochs = 0
	} else {
		r.numBadEpochs++
	}
	if r.cooldownCounter > 0 {
		r.cooldownCounter--
		r.numBadEpochs = 0
	}
	if r.numBadEpochs <= r.Patience {
		return nil
	}
	r.cooldownCounter = r.Cooldown
	r.numBadEpochs = 0
	oldLR, err := LearningRate(ctx)
	if err != nil {
		return err
	}
	newLR := max(oldLR*r.Factor, r.MinLR)
	if oldLR-newLR <= r.Eps {
		return nil
	}
	klog.Infof("ReduceLROnPlateau: reducing learning rate from %g to %g", oldLR, newLR)
	return SetLearningRate(ctx, newLR)
}

// StateDict implements HostScheduler.
func (r *ReduceLROnPlateau) StateDict() map[string]any {
	return map[string]any{
		"best":             floatToState(r.best),
		"num_bad_epochs":   r.numBadEpochs,
		"cooldown_counter": r.cooldownCounter,
		"last_epoch":       r.lastEpoch,
	}
}

// LoadStateDict implements HostScheduler.
func (r *ReduceLROnPlateau) LoadStateDict(state map[string]any) error {
	var err error
	if r.best, err = floatFromState(state, "best"); err != nil {
		return err
	}
	for key, ptr := range map[string]*int{
		"num_bad_epochs":   &r.numBadEpochs,
		"cooldown_counter": &r.cooldownCounter,
		"last_epoch":       &r.lastEpoch,
	} {
		value, err := floatFromState(state, key)
		if err != nil {
			return err
		}
		*ptr = int(value)
	}
	return nil
}

// floatToState converts f to a value that can be encoded in JSON.
func floatToState(f float64) any {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return f
}

// floatFromState reads a number from a state dictionary decoded from JSON.
func floatFromState(state map[string]any, key string) (float64, error) {
	v, found := state[key]
	if !found {
		return 0, errors.Errorf("state has no %q", key)
	}
	switch value := v.(type) {
	case float64:
		return value, nil
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case string:
		// JSON has no infinities.
		switch value {
		case "inf":
			return math.Inf(1), nil
		case "-inf":
			return math.Inf(-1), nil
		case "nan":
			return math.NaN(), nil
		}
	}
	return 0, errors.Errorf("state %q has invalid value %v (%T)", key, v, v)
}
