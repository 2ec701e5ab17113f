// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

// This file implements the LitModule, that binds a Net to the trainer: the step graph, the optimizer and the
// metrics of each phase.

import (
	"math"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/mnist-template/pkg/metrics"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SchedulerFactory creates a new learning rate scheduler for each call to ConfigureOptimizers.
type SchedulerFactory func() (trainer.Scheduler, error)

// Metrics logged by the LitModule.
const (
	TrainLossMetric  = "train/loss"
	TrainAccMetric   = "train/acc"
	ValLossMetric    = "val/loss"
	ValAccMetric     = "val/acc"
	ValAccBestMetric = "val/acc_best"
	TestLossMetric   = "test/loss"
	TestAccMetric    = "test/acc"
)

// phaseMetrics accumulates the loss and accuracy of one phase (train, val or test).
type phaseMetrics struct {
	prefix string
	loss   *metrics.Mean
	acc    *metrics.Accuracy
}

func newPhaseMetrics(prefix string) *phaseMetrics {
	return &phaseMetrics{prefix: prefix, loss: metrics.NewMean(), acc: metrics.NewAccuracy()}
}

func (p *phaseMetrics) reset() {
	p.loss.Reset()
	p.acc.Reset()
}

// update accumulates out and logs the running values.
func (p *phaseMetrics) update(t *trainer.Trainer, out trainer.StepOutput, opts trainer.LogOptions) error {
	p.loss.Update(out.Loss, float64(out.BatchSize()))
	if err := metrics.UpdateAccuracy(p.acc, out.Preds, out.Targets); err != nil {
		return errors.WithMessagef(err, "%s accuracy", p.prefix)
	}
	t.Log(p.prefix+"/loss", p.loss.Compute(), opts)
	t.Log(p.prefix+"/acc", p.acc.Compute(), opts)
	return nil
}

// LitModule trains a Net as a classifier of MNIST digits.
type LitModule struct {
	net       Net
	optimizer *Optimizer
	scheduler SchedulerFactory
	compile   bool

	// schedulerHParams is only used for logging.
	schedulerHParams map[string]any

	ctx              *context.Context
	train, val, test *phaseMetrics
	valAccBest       *metrics.Max
}

var (
	_ trainer.Module                   = (*LitModule)(nil)
	_ trainer.Materializer             = (*LitModule)(nil)
	_ trainer.SetupHook                = (*LitModule)(nil)
	_ trainer.TrainStartHook           = (*LitModule)(nil)
	_ trainer.TrainEpochStartHook      = (*LitModule)(nil)
	_ trainer.ValidationEpochStartHook = (*LitModule)(nil)
	_ trainer.ValidationEpochEndHook   = (*LitModule)(nil)
	_ trainer.TestEpochStartHook       = (*LitModule)(nil)
	_ trainer.HasHyperparameters       = (*LitModule)(nil)
)

// NewLitModule creates a LitModule with a new context. scheduler can be nil.
//
// If compile is set, the forward graph is compiled when the fit starts, before the first batch is read.
func NewLitModule(net Net, optimizer *Optimizer, scheduler SchedulerFactory, compile bool) (*LitModule, error) {
	if net == nil {
		return nil, errors.New("LitModule requires a net")
	}
	if optimizer == nil {
		return nil, errors.New("LitModule requires an optimizer")
	}
	if err := optimizer.Validate(); err != nil {
		return nil, err
	}
	return &LitModule{
		net:        net,
		optimizer:  optimizer,
		scheduler:  scheduler,
		compile:    compile,
		ctx:        context.New(),
		train:      newPhaseMetrics("train"),
		val:        newPhaseMetrics("val"),
		test:       newPhaseMetrics("test"),
		valAccBest: metrics.NewMax(),
	}, nil
}

// Net returns the network trained.
func (m *LitModule) Net() Net { return m.net }

// Context implements trainer.Module.
func (m *LitModule) Context() *context.Context { return m.ctx }

// Forward returns the logits of the images, shaped [batch_size, NumClasses]. The network variables are created
// under the "/model/net" scope.
func (m *LitModule) Forward(ctx *context.Context, images *Node) *Node {
	return m.net.Logits(ctx.In("model").In("net"), images)
}

// StepGraph implements trainer.Module: the mean sparse categorical cross-entropy of the batch and the arg-max of
// the logits. When training with a coupled weight decay, its L2 term is added with train.AddLoss, so it is
// optimized but not included in the logged loss.
func (m *LitModule) StepGraph(ctx *context.Context, images, labels *Node) (loss, preds *Node) {
	logits := m.Forward(ctx, images)
	if labels.DType() != dtypes.Int32 {
		labels = ConvertDType(labels, dtypes.Int32)
	}
	loss = ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
	preds = ArgMax(logits, -1, dtypes.Int32)
	if wd := m.optimizer.L2Regularization(); wd > 0 && ctx.IsTraining(images.Graph()) {
		var weights []*context.Variable
		ctx.In("model").In("net").EnumerateVariablesInScope(func(v *context.Variable) {
			if v.Trainable {
				weights = append(weights, v)
			}
		})
		if len(weights) > 0 {
			// The gradient of wd/2 * w² is wd * w.
			regularizers.L2(wd/2)(ctx, images.Graph(), weights...)
		}
	}
	return
}

// ConfigureOptimizers implements trainer.Module. The scheduler, if configured, steps every epoch on "val/loss".
func (m *LitModule) ConfigureOptimizers() (*trainer.OptimizerConfig, error) {
	opt, err := m.optimizer.Build(m.ctx)
	if err != nil {
		return nil, err
	}
	optConfig := &trainer.OptimizerConfig{Optimizer: opt}
	if m.scheduler != nil {
		scheduler, err := m.scheduler()
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create the learning rate scheduler")
		}
		optConfig.Scheduler = scheduler
		optConfig.Monitor = ValLossMetric
		optConfig.Interval = trainer.IntervalEpoch
		optConfig.Frequency = 1
	}
	return optConfig, nil
}

// TrainingStep implements trainer.Module.
func (m *LitModule) TrainingStep(t *trainer.Trainer, out trainer.StepOutput, _ int) error {
	return m.train.update(t, out, trainer.LogOptions{OnStep: true, OnEpoch: true, ProgBar: true})
}

// ValidationStep implements trainer.Module.
func (m *LitModule) ValidationStep(t *trainer.Trainer, out trainer.StepOutput, _ int) error {
	return m.val.update(t, out, trainer.LogOptions{OnEpoch: true, ProgBar: true})
}

// TestStep implements trainer.Module.
func (m *LitModule) TestStep(t *trainer.Trainer, out trainer.StepOutput, _ int) error {
	return m.test.update(t, out, trainer.LogOptions{OnEpoch: true, ProgBar: true})
}

// OnTrainStart discards the validation metrics of the sanity check.
func (m *LitModule) OnTrainStart(*trainer.Trainer) error {
	m.val.reset()
	m.valAccBest.Reset()
	return nil
}

// OnTrainEpochStart implements trainer.TrainEpochStartHook.
func (m *LitModule) OnTrainEpochStart(*trainer.Trainer) error {
	m.train.reset()
	return nil
}

// OnValidationEpochStart implements trainer.ValidationEpochStartHook.
func (m *LitModule) OnValidationEpochStart(*trainer.Trainer) error {
	m.val.reset()
	return nil
}

// OnValidationEpochEnd updates the best validation accuracy so far, logged as "val/acc_best".
func (m *LitModule) OnValidationEpochEnd(t *trainer.Trainer) error {
	acc := m.val.acc.Compute()
	if math.IsNaN(acc) {
		return nil
	}
	m.valAccBest.Update(acc)
	t.Log(ValAccBestMetric, m.valAccBest.Compute(), trainer.LogOptions{OnEpoch: true, ProgBar: true})
	return nil
}

// OnTestEpochStart implements trainer.TestEpochStartHook.
func (m *LitModule) OnTestEpochStart(*trainer.Trainer) error {
	m.test.reset()
	return nil
}

// Setup compiles the forward graph at the start of the fit, if compile is set.
func (m *LitModule) Setup(t *trainer.Trainer, stage trainer.Stage) error {
	if !m.compile || stage != trainer.StageFit {
		return nil
	}
	return m.compileForward(t.Backend())
}

// Materialize implements trainer.Materializer: it creates the variables of the network by running the forward
// graph on a batch of zeros.
func (m *LitModule) Materialize(backend backends.Backend) error {
	return m.compileForward(backend)
}

func (m *LitModule) compileForward(backend backends.Backend) error {
	start := time.Now()
	exec, err := context.NewExec(backend, m.ctx.Checked(false), func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), false)
		return m.Forward(ctx, images)
	})
	if err != nil {
		return errors.WithMessage(err, "failed to compile the forward graph")
	}
	defer exec.Finalize()
	zeros := tensors.FromShape(shapes.Make(dtypes.Float32, 1, Height, Width, 1))
	defer zeros.MustFinalizeAll()
	logits, err := exec.Exec1(zeros)
	if err != nil {
		return errors.WithMessagef(err, "failed to run the forward graph of %s", m.net.Name())
	}
	defer logits.MustFinalizeAll()
	if dims := logits.Shape().Dimensions; len(dims) != 2 || dims[0] != 1 {
		return errors.Errorf("%s returned logits shaped %s, expected [batch_size, num_classes]", m.net.Name(),
			logits.Shape())
	}
	klog.V(1).Infof("Compiled the forward graph of %s in %s", describeNet(m.net), time.Since(start))
	return nil
}

// SetSchedulerHyperparameters sets the configuration of the scheduler reported by Hyperparameters.
func (m *LitModule) SetSchedulerHyperparameters(hparams map[string]any) {
	m.schedulerHParams = hparams
}

// Hyperparameters implements trainer.HasHyperparameters.
func (m *LitModule) Hyperparameters() map[string]any {
	var scheduler any
	if m.scheduler != nil {
		scheduler = m.schedulerHParams
	}
	return map[string]any{
		"_target_":  LitModuleTarget,
		"net":       m.net.Hyperparameters(),
		"optimizer": m.optimizer.Hyperparameters(),
		"scheduler": scheduler,
		"compile":   m.compile,
	}
}
