// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/mnist-template/pkg/metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNumFeatures = 4

// testLoader serves batches of a fixed in-memory dataset.
type testLoader struct {
	name      string
	features  []float32
	labels    []int32
	batchSize int
	pos       int
}

func (l *testLoader) Name() string { return l.name }
func (l *testLoader) Reset() { l.pos = 0 }
func (l *testLoader) NumBatches() int {
	return (len(l.labels) + l.batchSize - 1) / l.batchSize
}

func (l *testLoader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if l.pos >= len(l.labels) {
		return nil, nil, nil, io.EOF
	}
	end := min(l.pos+l.batchSize, len(l.labels))
	n := end - l.pos
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(
		slices.Clone(l.features[l.pos*testNumFeatures:end*testNumFeatures]), n, testNumFeatures)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(slices.Clone(l.labels[l.pos:end]), n, 1)}
	l.pos = end
	return
}

// newTestLoader generates a linearly separable dataset: the label is the sign of the first feature.
func newTestLoader(name string, n, batchSize int, seed uint64) *testLoader {
	rng := rand.New(rand.NewPCG(seed, 0))
	l := &testLoader{name: name, batchSize: batchSize, features: make([]float32, n*testNumFeatures),
		labels: make([]int32, n)}
	for ii := range n {
		label := int32(rng.IntN(2))
		l.labels[ii] = label
		x := l.features[ii*testNumFeatures : (ii+1)*testNumFeatures]
		x[0] = float32(1 + rng.Float64())
		if label == 0 {
			x[0] = -x[0]
		}
		for jj := 1; jj < testNumFeatures; jj++ {
			x[jj] = float32(0.1 * rng.NormFloat64())
		}
	}
	return l
}

// testDataModule records the calls it receives.
type testDataModule struct {
	train, val, test *testLoader
	setups           []string
	teardowns        []string
	restoredState    map[string]any
}

func newTestDataModule() *testDataModule {
	return &testDataModule{
		train: newTestLoader("train", 256, 16, 1),
		val:   newTestLoader("val", 64, 16, 2),
		test:  newTestLoader("test", 64, 16, 3),
	}
}

func (dm *testDataModule) PrepareData() error { return nil }
func (dm *testDataModule) Setup(stage string, worldSize int) error {
	dm.setups = append(dm.setups, stage)
	return nil
}
func (dm *testDataModule) TrainDataLoader() (Loader, error) { return dm.train, nil }
func (dm *testDataModule) ValDataLoader() (Loader, error) { return dm.val, nil }
func (dm *testDataModule) TestDataLoader() (Loader, error) { return dm.test, nil }
func (dm *testDataModule) StateDict() map[string]any {
	return map[string]any{"num_setups": len(dm.setups)}
}
func (dm *testDataModule) LoadStateDict(state map[string]any) error {
	dm.restoredState = state
	return nil
}
func (dm *testDataModule) Teardown(stage string) { dm.teardowns = append(dm.teardowns, stage) }

// testModule is a linear classifier of the testLoader data.
type testModule struct {
	ctx       *context.Context
	scheduler Scheduler
	loss      *metrics.Mean
	acc       *metrics.Accuracy
}

func newTestModule() *testModule {
	return &testModule{ctx: context.New(), loss: metrics.NewMean(), acc: metrics.NewAccuracy()}
}

func (m *testModule) Context() *context.Context { return m.ctx }

func (m *testModule) StepGraph(ctx *context.Context, features, labels *Node) (loss, preds *Node) {
	logits := layers.DenseWithBias(ctx.In("model").In("linear"), features, 2)
	loss = ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits}))
	preds = ArgMax(logits, -1, dtypes.Int32)
	return
}

func (m *testModule) ConfigureOptimizers() (*OptimizerConfig, error) {
	return &OptimizerConfig{
		Optimizer: optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(0.5).Done(),
		Scheduler: m.scheduler,
	}, nil
}

func (m *testModule) update(t *Trainer, prefix string, out StepOutput, opts LogOptions) error {
	m.loss.Update(out.Loss, float64(out.BatchSize()))
	if err := metrics.UpdateAccuracy(m.acc, out.Preds, out.Targets); err != nil {
		return err
	}
	t.Log(prefix+"/loss", m.loss.Compute(), opts)
	t.Log(prefix+"/acc", m.acc.Compute(), opts)
	return nil
}

func (m *testModule) reset() {
	m.loss.Reset()
	m.acc.Reset()
}

func (m *testModule) TrainingStep(t *Trainer, out StepOutput, _ int) error {
	return m.update(t, "train", out, LogOptions{OnStep: true, OnEpoch: true, ProgBar: true})
}

func (m *testModule) ValidationStep(t *Trainer, out StepOutput, _ int) error {
	return m.update(t, "val", out, LogOptions{OnEpoch: true, ProgBar: true})
}

func (m *testModule) TestStep(t *Trainer, out StepOutput, _ int) error {
	return m.update(t, "test", out, LogOptions{OnEpoch: true})
}

func (m *testModule) OnTrainEpochStart(*Trainer) error { m.reset(); return nil }
func (m *testModule) OnValidationEpochStart(*Trainer) error { m.reset(); return nil }
func (m *testModule) OnTestEpochStart(*Trainer) error { m.reset(); return nil }

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.DefaultRootDir = t.TempDir()
	cfg.Accelerator = "cpu"
	cfg.MaxEpochs = 2
	cfg.EnableProgressBar = false
	cfg.EnableModelSummary = false
	cfg.LogEveryNSteps = 1
	seed := int64(42)
	cfg.Seed = &seed
	return cfg
}

func newTestTrainer(t *testing.T, cfg Config, callbacks []Callback, loggers []Logger) *Trainer {
	trainer, err := New(cfg, callbacks, loggers)
	require.NoError(t, err)
	t.Cleanup(trainer.Finalize)
	return trainer
}

func TestFitAndTest(t *testing.T) {
	cfg := testConfig(t)
	csvLogger := NewCSVLogger(cfg.DefaultRootDir)
	trainer := newTestTrainer(t, cfg, nil, []Logger{csvLogger})
	module := newTestModule()
	dm := newTestDataModule()

	require.NoError(t, trainer.Fit(module, dm, ""))
	assert.Equal(t, 2, trainer.CurrentEpoch())
	assert.Equal(t, int64(2*16), trainer.GlobalStep())
	assert.False(t, trainer.Interrupted())
	assert.Equal(t, []string{"fit"}, dm.setups)
	assert.Equal(t, []string{"fit"}, dm.teardowns)

	metricsFit := trainer.CallbackMetrics()
	for _, name := range []string{"train/loss", "train/acc", "val/loss", "val/acc"} {
		require.Contains(t, metricsFit, name)
	}
	assert.Greater(t, metricsFit["val/acc"], 0.9)

	results, err := trainer.Test(module, dm, "")
	require.NoError(t, err)
	require.Contains(t, results, "test/acc")
	require.Contains(t, results, "test/loss")
	assert.Greater(t, results["test/acc"], 0.9)
	assert.Equal(t, results["test/acc"], trainer.CallbackMetrics()["test/acc"])

	// The CSV logger has one row per training step, and one per validation and training epoch.
	logDir, err := csvLogger.LogDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.DefaultRootDir, "csv", "version_0"), logDir)
	df, err := ReadMetricsCSV(filepath.Join(logDir, MetricsCSVFile))
	require.NoError(t, err)
	assert.Equal(t, 2*16+2*2+1, df.Nrow())
	assert.Contains(t, df.Names(), "val/acc")
	assert.Contains(t, df.Names(), "test/acc")
	assert.Contains(t, df.Names(), "epoch")
	assert.Equal(t, "step", df.Names()[len(df.Names())-1])
}

func TestValidate(t *testing.T) {
	cfg := testConfig(t)
	trainer := newTestTrainer(t, cfg, nil, nil)
	module := newTestModule()
	dm := newTestDataModule()
	require.NoError(t, trainer.Fit(module, dm, ""))

	results, err := trainer.Validate(module, dm, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"val/acc", "val/loss"}, sortedKeys(results))
	assert.Equal(t, []string{"fit", "validate"}, dm.setups)
}

func TestLimitBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.LimitTrainBatches = BatchLimit{Fraction: 0.5}
	cfg.LimitValBatches = Batches(1)
	cfg.LimitTestBatches = Batches(2)
	trainer := newTestTrainer(t, cfg, nil, nil)
	module := newTestModule()
	dm := newTestDataModule()
	require.NoError(t, trainer.Fit(module, dm, ""))
	assert.Equal(t, 8, trainer.NumTrainBatches())
	assert.Equal(t, 1, trainer.NumValBatches())
	assert.Equal(t, int64(2*8), trainer.GlobalStep())

	_, err := trainer.Test(module, dm, "")
	require.NoError(t, err)
	assert.Equal(t, 2, trainer.NumTestBatches())
}

func TestFastDevRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEpochs = 5
	cfg.FastDevRun = 2
	ckpt := NewModelCheckpoint()
	ckpt.SaveLast = true
	trainer := newTestTrainer(t, cfg, []Callback{ckpt}, []Logger{NewCSVLogger(cfg.DefaultRootDir)})
	assert.Empty(t, trainer.Loggers())

	require.NoError(t, trainer.Fit(newTestModule(), newTestDataModule(), ""))
	assert.Equal(t, 1, trainer.CurrentEpoch())
	assert.Equal(t, int64(2), trainer.GlobalStep())
	assert.Empty(t, ckpt.LastModelPath())
	assert.NoDirExists(t, ckpt.DirPath)
	assert.NoDirExists(t, filepath.Join(cfg.DefaultRootDir, "csv"))
}

func TestCheckpointResume(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEpochs = 1
	newCheckpoint := func() *ModelCheckpoint {
		ckpt := NewModelCheckpoint()
		ckpt.DirPath = filepath.Join(cfg.DefaultRootDir, "checkpoints")
		ckpt.SaveLast = true
		ckpt.SaveTopK = -1
		return ckpt
	}

	ckpt1 := newCheckpoint()
	trainer1 := newTestTrainer(t, cfg, []Callback{ckpt1}, nil)
	require.NoError(t, trainer1.Fit(newTestModule(), newTestDataModule(), ""))
	lastPath := filepath.Join(ckpt1.DirPath, "last.ckpt")
	assert.Equal(t, lastPath, ckpt1.LastModelPath())
	assert.DirExists(t, lastPath)
	assert.DirExists(t, filepath.Join(ckpt1.DirPath, "epoch_000.ckpt"))
	assert.FileExists(t, filepath.Join(lastPath, TrainerStateFile))
	epoch, err := ReadCheckpointEpoch(lastPath)
	require.NoError(t, err)
	assert.Equal(t, 0, epoch)
	saved := trainer1.CallbackMetrics()
	require.Contains(t, saved, "val/acc")
	require.Contains(t, saved, "train/acc")

	// Resume with a fresh module: the weights, epoch and global step come from the checkpoint.
	cfg.MaxEpochs = 2
	ckpt2 := newCheckpoint()
	trainer2 := newTestTrainer(t, cfg, []Callback{ckpt2}, nil)
	dm := newTestDataModule()
	module := newTestModule()

	// The restored weights score exactly as they did when saved.
	restored, err := trainer2.Validate(module, dm, lastPath)
	require.NoError(t, err)
	assert.InDelta(t, saved["val/acc"], restored["val/acc"], 1e-6)
	assert.InDelta(t, saved["val/loss"], restored["val/loss"], 1e-4)

	require.NoError(t, trainer2.Fit(module, dm, lastPath))
	resumed := trainer2.CallbackMetrics()
	assert.GreaterOrEqual(t, resumed["val/acc"], saved["val/acc"]-0.01, "resuming does not regress")
	assert.GreaterOrEqual(t, resumed["train/acc"], saved["train/acc"]-0.01, "resuming does not regress")
	assert.Equal(t, 2, trainer2.CurrentEpoch())
	assert.Equal(t, int64(2*16), trainer2.GlobalStep())
	assert.Equal(t, float64(1), dm.restoredState["num_setups"])
	assert.DirExists(t, filepath.Join(ckpt2.DirPath, "epoch_001.ckpt"))
	assert.NoDirExists(t, filepath.Join(ckpt2.DirPath, "epoch_002.ckpt"))
	assert.Len(t, ckpt2.BestKModels(), 2)

	// The restored model is as good as the one trained for 2 epochs.
	results, err := trainer2.Test(module, dm, "")
	require.NoError(t, err)
	assert.Greater(t, results["test/acc"], 0.9)
}

func TestTestBestCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEpochs = 3
	ckpt := NewModelCheckpoint()
	ckpt.Monitor = "val/loss"
	trainer := newTestTrainer(t, cfg, []Callback{ckpt}, nil)
	module := newTestModule()
	dm := newTestDataModule()

	_, err := trainer.Test(module, dm, "best")
	require.ErrorContains(t, err, "no best checkpoint")

	require.NoError(t, trainer.Fit(module, dm, ""))
	assert.Equal(t, filepath.Join(cfg.DefaultRootDir, "checkpoints"), ckpt.DirPath)
	entries, err := os.ReadDir(ckpt.DirPath)
	require.NoError(t, err)
	require.Len(t, entries, 1, "save_top_k=1 keeps only the best checkpoint")
	assert.Equal(t, filepath.Join(ckpt.DirPath, entries[0].Name()), ckpt.BestModelPath())
	assert.LessOrEqual(t, ckpt.BestModelScore(), trainer.CallbackMetrics()["val/loss"])

	results, err := trainer.Test(newTestModule(), dm, "best")
	require.NoError(t, err)
	assert.Greater(t, results["test/acc"], 0.9)
}

func TestEarlyStoppingStopsFit(t *testing.T) {
	threshold := 0.0
	newEarlyStopping := func() *EarlyStopping {
		es := NewEarlyStopping("val/acc")
		es.Mode = "max"
		es.StoppingThreshold = &threshold
		return es
	}

	cfg := testConfig(t)
	cfg.MaxEpochs = 10
	es := newEarlyStopping()
	trainer := newTestTrainer(t, cfg, []Callback{es}, nil)
	require.NoError(t, trainer.Fit(newTestModule(), newTestDataModule(), ""))
	assert.Equal(t, 1, trainer.CurrentEpoch())
	assert.Equal(t, 0, es.StoppedEpoch())

	// The stop is only honored once min_epochs is reached.
	cfg.MinEpochs = 3
	es = newEarlyStopping()
	trainer = newTestTrainer(t, cfg, []Callback{es}, nil)
	require.NoError(t, trainer.Fit(newTestModule(), newTestDataModule(), ""))
	assert.Equal(t, 3, trainer.CurrentEpoch())
}

func TestDistributedNotSupported(t *testing.T) {
	cfg := testConfig(t)
	cfg.Devices = "2"
	trainer := newTestTrainer(t, cfg, nil, nil)
	assert.Equal(t, 2, trainer.WorldSize())
	err := trainer.Fit(newTestModule(), newTestDataModule(), "")
	require.ErrorContains(t, err, "distributed training is not supported")
}

func TestFitErrorFinalizesLoggers(t *testing.T) {
	cfg := testConfig(t)
	logger := &recordingLogger{}
	trainer := newTestTrainer(t, cfg, nil, []Logger{logger})
	module := &failingModule{testModule: newTestModule(), failAt: 3}
	err := trainer.Fit(module, newTestDataModule(), "")
	require.ErrorContains(t, err, "failing on purpose")
	assert.True(t, trainer.Interrupted())
	assert.Equal(t, []string{"failed"}, logger.finalized)
}

type failingModule struct {
	*testModule
	failAt int
}

func (m *failingModule) TrainingStep(t *Trainer, out StepOutput, batchIdx int) error {
	if batchIdx == m.failAt {
		panic(errors.New("failing on purpose"))
	}
	return m.testModule.TrainingStep(t, out, batchIdx)
}

type recordingLogger struct {
	metrics   []map[string]float64
	steps     []int64
	finalized []string
}

func (l *recordingLogger) Name() string { return "recording" }
func (l *recordingLogger) SaveDir() string { return "" }
func (l *recordingLogger) LogHyperparams(map[string]any) error { return nil }
func (l *recordingLogger) LogMetrics(m map[string]float64, step int64) error {
	l.metrics = append(l.metrics, m)
	l.steps = append(l.steps, step)
	return nil
}
func (l *recordingLogger) Finalize(status string) error {
	l.finalized = append(l.finalized, status)
	return nil
}
