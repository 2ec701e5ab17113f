// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist_test

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/mnist-template/pkg/config"
	mnistdata "github.com/gomlx/mnist-template/pkg/data/mnist"
	"github.com/gomlx/mnist-template/pkg/data/mnist/mnisttest"
	"github.com/gomlx/mnist-template/pkg/models/mnist"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelConfig(t *testing.T, net map[string]any, scheduler any) *config.Config {
	cfg, err := config.FromMap(map[string]any{
		"_target_": mnist.LitModuleTarget,
		"optimizer": map[string]any{
			"_target_":     mnist.AdamTarget,
			"_partial_":    true,
			"lr":           0.01,
			"weight_decay": 0.0,
		},
		"scheduler": scheduler,
		"net":       net,
		"compile":   false,
	})
	require.NoError(t, err)
	return cfg
}

func smallDenseNet() map[string]any {
	return map[string]any{
		"_target_":    mnist.SimpleDenseNetTarget,
		"input_size":  784,
		"lin1_size":   32,
		"lin2_size":   32,
		"lin3_size":   16,
		"output_size": 10,
	}
}

func TestOptimizer(t *testing.T) {
	adamW := mnist.NewOptimizer("AdamW")
	assert.Equal(t, "adamw", adamW.Kind)
	assert.Equal(t, 0.01, adamW.WeightDecay)
	assert.Equal(t, 0.0, mnist.NewOptimizer("adam").WeightDecay)
	assert.Equal(t, optimizers.SGDDefaultLearningRate, mnist.NewOptimizer("sgd").LearningRate)

	ctx := context.New()
	_, err := adamW.Build(ctx)
	require.NoError(t, err)
	assert.Equal(t, adamW.LearningRate, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, mnist.AdamWTarget, adamW.Hyperparameters()["_target_"])

	require.ErrorContains(t, mnist.NewOptimizer("rmsprop").Validate(), "unknown optimizer")
	sgd := mnist.NewOptimizer("sgd")
	sgd.LearningRate = 0
	require.ErrorContains(t, sgd.Validate(), "lr must be positive")
	_, err = sgd.Build(ctx)
	require.Error(t, err)

	optCfg, err := config.FromMap(map[string]any{"_target_": mnist.SGDTarget, "lr": 0.5, "decay": true})
	require.NoError(t, err)
	sgd, err = config.InstantiateAs[*mnist.Optimizer](optCfg)
	require.NoError(t, err)
	assert.Equal(t, "sgd", sgd.Kind)
	assert.Equal(t, 0.5, sgd.LearningRate)
	assert.True(t, sgd.Decay)
}

func TestCoupledWeightDecay(t *testing.T) {
	backend := must.M1(trainer.NewBackend("cpu"))
	defer backend.Finalize()

	adam := mnist.NewOptimizer("adam")
	adam.WeightDecay = 0.1
	assert.Equal(t, 0.1, adam.L2Regularization())
	adamW := mnist.NewOptimizer("adamw")
	assert.Equal(t, 0.0, adamW.L2Regularization())
	assert.Equal(t, 0.0, mnist.NewOptimizer("sgd").L2Regularization())

	// stepLosses runs the training step graph of module, without the optimizer, and returns the module loss and
	// the extra losses added to the context (NaN if none).
	stepLosses := func(module *mnist.LitModule) (loss, extra float64) {
		exec, err := context.NewExec(backend, module.Context().Checked(false),
			func(ctx *context.Context, images, labels *Node) (loss, extra *Node) {
				g := images.Graph()
				ctx.SetTraining(g, true)
				loss, _ = module.StepGraph(ctx, images, labels)
				extra = train.GetLosses(ctx, g)
				if extra == nil {
					extra = Scalar(g, dtypes.Float32, math.NaN())
				}
				return loss, ConvertDType(extra, dtypes.Float32)
			})
		require.NoError(t, err)
		defer exec.Finalize()
		images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, mnistdata.Height, mnistdata.Width, 1))
		labels := tensors.FromValue([][]int32{{1}, {2}})
		outputs, err := exec.Exec(images, labels)
		require.NoError(t, err)
		require.Len(t, outputs, 2)
		return float64(tensors.MustCopyFlatData[float32](outputs[0])[0]),
			float64(tensors.MustCopyFlatData[float32](outputs[1])[0])
	}

	module, err := mnist.NewLitModule(mnist.NewSimpleDenseNet(), adam, nil, false)
	require.NoError(t, err)
	require.NoError(t, module.Materialize(backend))
	var want float64
	module.Context().In("model").In("net").EnumerateVariablesInScope(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		value, err := v.Value()
		require.NoError(t, err)
		for _, x := range tensors.MustCopyFlatData[float32](value) {
			want += float64(x) * float64(x)
		}
	})
	want *= adam.WeightDecay / 2
	require.Greater(t, want, 0.0)
	loss, extra := stepLosses(module)
	assert.InEpsilon(t, want, extra, 1e-3, "L2 term of the coupled weight decay")
	assert.False(t, math.IsNaN(loss))

	// AdamW decays the weights in the optimizer: nothing is added to the loss.
	module, err = mnist.NewLitModule(mnist.NewSimpleDenseNet(), adamW, nil, false)
	require.NoError(t, err)
	require.NoError(t, module.Materialize(backend))
	_, extra = stepLosses(module)
	assert.True(t, math.IsNaN(extra))
}

func TestInstantiateLitModule(t *testing.T) {
	scheduler := map[string]any{
		"_target_":  trainer.ReduceLROnPlateauTarget,
		"_partial_": true,
		"mode":      "min",
		"factor":    0.5,
		"patience":  3,
	}
	m, err := config.InstantiateAs[*mnist.LitModule](modelConfig(t, smallDenseNet(), scheduler))
	require.NoError(t, err)
	assert.Equal(t, "SimpleDenseNet", m.Net().Name())

	hparams := m.Hyperparameters()
	assert.Equal(t, mnist.LitModuleTarget, hparams["_target_"])
	assert.Equal(t, false, hparams["compile"])
	assert.Equal(t, 32, hparams["net"].(map[string]any)["lin1_size"])
	assert.Equal(t, 0.5, hparams["scheduler"].(map[string]any)["factor"])

	optConfig, err := m.ConfigureOptimizers()
	require.NoError(t, err)
	require.NotNil(t, optConfig.Optimizer)
	plateau, ok := optConfig.Scheduler.(*trainer.ReduceLROnPlateau)
	require.True(t, ok, "got scheduler %T", optConfig.Scheduler)
	assert.Equal(t, 0.5, plateau.Factor)
	assert.Equal(t, 3, plateau.Patience)
	assert.Equal(t, mnist.ValLossMetric, optConfig.Monitor)
	assert.Equal(t, trainer.IntervalEpoch, optConfig.Interval)
	assert.Equal(t, 1, optConfig.Frequency)
	assert.Equal(t, 0.01, context.GetParamOr(m.Context(), optimizers.ParamLearningRate, 0.0))

	// Every call gets a new scheduler.
	optConfig2, err := m.ConfigureOptimizers()
	require.NoError(t, err)
	assert.NotSame(t, optConfig.Scheduler, optConfig2.Scheduler)

	// Without scheduler.
	m, err = config.InstantiateAs[*mnist.LitModule](modelConfig(t, smallDenseNet(), nil))
	require.NoError(t, err)
	optConfig, err = m.ConfigureOptimizers()
	require.NoError(t, err)
	assert.Nil(t, optConfig.Scheduler)
	assert.Nil(t, m.Hyperparameters()["scheduler"])
}

func TestInstantiateErrors(t *testing.T) {
	_, err := config.Instantiate(modelConfig(t, map[string]any{"_target_": "mnist.ResNet"}, nil))
	require.ErrorContains(t, err, "mnist.ResNet")

	badNet := smallDenseNet()
	badNet["lin2_size"] = 0
	_, err = config.Instantiate(modelConfig(t, badNet, nil))
	require.ErrorContains(t, err, "lin2_size")

	_, err = config.Instantiate(modelConfig(t, smallDenseNet(), map[string]any{
		"_target_": trainer.ReduceLROnPlateauTarget, "mode": "lowest"}))
	require.Error(t, err)

	cfg := modelConfig(t, smallDenseNet(), nil)
	require.NoError(t, cfg.Delete("net"))
	_, err = mnist.FromConfig(cfg)
	require.ErrorContains(t, err, "no \"net\"")

	cnnCfg, err := config.FromMap(map[string]any{"_target_": mnist.CNNTarget, "normalization": "group"})
	require.NoError(t, err)
	_, err = config.Instantiate(cnnCfg)
	require.ErrorContains(t, err, "invalid normalization")
}

func TestMaterialize(t *testing.T) {
	backend := must.M1(trainer.NewBackend("cpu"))
	defer backend.Finalize()

	dense, err := mnist.NewLitModule(mnist.NewSimpleDenseNet(), mnist.NewOptimizer("adam"), nil, false)
	require.NoError(t, err)
	require.NoError(t, dense.Materialize(backend))
	ctx := dense.Context()
	weights := ctx.GetVariableByScopeAndName("/model/net/000_hidden/dense", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, []int{784, 64}, weights.Shape().Dimensions)
	readout := ctx.GetVariableByScopeAndName("/model/net/readout/dense", "weights")
	require.NotNil(t, readout)
	assert.Equal(t, []int{64, 10}, readout.Shape().Dimensions)
	count := trainer.CountParameters(ctx)
	assert.Greater(t, count.Total, 784*64+64*128+128*64+64*10)
	assert.Greater(t, count.NonTrainable, 0, "batch normalization averages")

	cnn := mnist.NewCNN()
	cnn.Normalization = "layer"
	cnn.DropoutRate = 0.25
	cnnModule, err := mnist.NewLitModule(cnn, mnist.NewOptimizer("sgd"), nil, false)
	require.NoError(t, err)
	require.NoError(t, cnnModule.Materialize(backend))
	count = trainer.CountParameters(cnnModule.Context())
	// The two convolutions and the two dense layers, plus the layer normalization parameters.
	assert.Greater(t, count.Trainable, 3*3*1*32+3*3*32*64+7*7*64*128+128*10)
}

func TestFitAndTest(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, mnisttest.Write(dataDir, 240, 80, 1))
	dmCfg := mnistdata.DefaultConfig()
	dmCfg.DataDir = dataDir
	dmCfg.TrainValTestSplit = []int{240, 40, 40}
	dmCfg.BatchSize = 32
	dm, err := mnistdata.New(dmCfg)
	require.NoError(t, err)

	scheduler := map[string]any{"_target_": trainer.ReduceLROnPlateauTarget, "patience": 1}
	cfg := modelConfig(t, smallDenseNet(), scheduler)
	require.NoError(t, cfg.Set("compile", true))
	module, err := mnist.FromConfig(cfg)
	require.NoError(t, err)

	trainerCfg := trainer.DefaultConfig()
	trainerCfg.DefaultRootDir = t.TempDir()
	trainerCfg.Accelerator = "cpu"
	trainerCfg.MaxEpochs = 3
	trainerCfg.EnableProgressBar = false
	trainerCfg.EnableModelSummary = false
	seed := int64(42)
	trainerCfg.Seed = &seed
	tr, err := trainer.New(trainerCfg, nil, nil)
	require.NoError(t, err)
	defer tr.Finalize()

	require.NoError(t, tr.Fit(module, dm, ""))
	assert.Equal(t, 3, tr.CurrentEpoch())
	metrics := tr.CallbackMetrics()
	for _, name := range []string{mnist.TrainLossMetric, mnist.TrainAccMetric, mnist.ValLossMetric,
		mnist.ValAccMetric, mnist.ValAccBestMetric} {
		require.Contains(t, metrics, name)
		assert.False(t, math.IsNaN(metrics[name]), name)
	}
	assert.Greater(t, metrics[mnist.TrainAccMetric], 0.4, "the synthetic digits are easy to learn")
	assert.GreaterOrEqual(t, metrics[mnist.ValAccBestMetric], metrics[mnist.ValAccMetric])
	lr, err := trainer.LearningRate(module.Context())
	require.NoError(t, err)
	assert.LessOrEqual(t, lr, 0.01)

	results, err := tr.Test(module, dm, "")
	require.NoError(t, err)
	require.Contains(t, results, mnist.TestAccMetric)
	require.Contains(t, results, mnist.TestLossMetric)
	assert.GreaterOrEqual(t, results[mnist.TestAccMetric], 0.0)
	assert.LessOrEqual(t, results[mnist.TestAccMetric], 1.0)
}
