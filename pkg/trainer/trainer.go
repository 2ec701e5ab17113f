// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer implements a small training loop over GoMLX: it runs the training, validation and test
// epochs of a Module over the loaders of a DataModule, calls the lifecycle hooks of the module and of the
// callbacks, sends metrics to the loggers, steps the learning rate schedulers, and saves and restores
// checkpoints.
//
// The loop runs in one goroutine. Graph building errors (GoMLX panics) are returned as errors.
package trainer

import (
	"io"
	"maps"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/mnist-template/internal/ranklog"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// loopKind is the loop currently running.
type loopKind int

const (
	loopNone loopKind = iota
	loopTrain
	loopValidation
	loopTest
)

// LogOptions of Trainer.Log.
type LogOptions struct {
	// OnStep sends the value to the loggers every Config.LogEveryNSteps training steps.
	OnStep bool

	// OnEpoch sends the last value logged during the epoch to the loggers at the end of the epoch.
	OnEpoch bool

	// ProgBar displays the value in the progress bar.
	ProgBar bool
}

// Trainer runs the fit, validation and test loops of a Module.
type Trainer struct {
	cfg        Config
	backend    backends.Backend
	callbacks  []Callback
	loggers    []Logger
	hooks      *eventHooks
	fastDevRun int

	module    Module
	dm        DataModule
	optConfig *OptimizerConfig
	trainExec *context.Exec
	evalExec  *context.Exec
	worldSize int

	// Loop state.
	stage              Stage
	loop               loopKind
	sanityChecking     bool
	currentEpoch       int
	globalStep         int64
	batchIdx           int
	lastOutput         StepOutput
	numTrainBatches    int
	numValBatches      int
	numTestBatches     int
	validatedThisEpoch bool
	shouldStop         bool
	interrupted        bool

	// Metrics.
	callbackMetrics    map[string]float64
	progressBarMetrics map[string]float64
	epochMetrics       map[string]float64
	stepMetrics        map[string]float64
	lastMetrics        map[string]float64
}

// New creates a Trainer with the given callbacks and loggers. If enabled in the configuration, a ProgressBar and
// a ModelSummary callback are added when not given.
func New(cfg Config, callbacks []Callback, loggers []Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := NewBackend(cfg.Accelerator)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:                cfg,
		backend:            backend,
		hooks:              newEventHooks(),
		fastDevRun:         int(cfg.FastDevRun),
		callbackMetrics:    make(map[string]float64),
		progressBarMetrics: make(map[string]float64),
		epochMetrics:       make(map[string]float64),
		stepMetrics:        make(map[string]float64),
		lastMetrics:        make(map[string]float64),
	}
	t.worldSize, err = cfg.WorldSize()
	if err != nil {
		return nil, err
	}
	if t.fastDevRun > 0 {
		klog.Infof("Running in fast_dev_run mode: will run %d batch(es) of each split, loggers and checkpoints "+
			"are disabled.", t.fastDevRun)
		t.cfg.MaxEpochs = 1
		t.cfg.MinEpochs = 0
		t.cfg.NumSanityValSteps = 0
		t.cfg.CheckValEveryNEpoch = 1
		loggers = nil
	}
	t.loggers = loggers

	callbacks = append([]Callback(nil), callbacks...)
	if _, found := findCallback[*ProgressBar](callbacks); !found && cfg.EnableProgressBar {
		callbacks = append(callbacks, NewProgressBar())
	}
	if _, found := findCallback[*ModelSummary](callbacks); !found && cfg.EnableModelSummary {
		callbacks = append(callbacks, NewModelSummary())
	}
	for _, cb := range callbacks {
		if err := cb.Attach(t); err != nil {
			return nil, errors.WithMessagef(err, "failed to attach callback %q", cb.Name())
		}
	}
	t.callbacks = callbacks
	return t, nil
}

// Config returns the configuration of the Trainer.
func (t *Trainer) Config() Config { return t.cfg }

// Backend used to execute the graphs.
func (t *Trainer) Backend() backends.Backend { return t.backend }

// Context of the module being run, or nil before Fit, Validate or Test.
func (t *Trainer) Context() *context.Context {
	if t.module == nil {
		return nil
	}
	return t.module.Context()
}

// Callbacks attached to the Trainer.
func (t *Trainer) Callbacks() []Callback { return t.callbacks }

// Loggers of the Trainer. They are disabled in fast_dev_run mode.
func (t *Trainer) Loggers() []Logger { return t.loggers }

// CheckpointCallback returns the first ModelCheckpoint callback, or nil if there is none.
func (t *Trainer) CheckpointCallback() *ModelCheckpoint {
	cb, _ := findCallback[*ModelCheckpoint](t.callbacks)
	return cb
}

// GlobalRank of the process. Always 0 if the rank was not initialized.
func (t *Trainer) GlobalRank() int {
	rank, ok := ranklog.GlobalRank()
	if !ok {
		return 0
	}
	return rank
}

// IsGlobalZero returns whether this is the process of global rank 0.
func (t *Trainer) IsGlobalZero() bool { return t.GlobalRank() == 0 }

// WorldSize is the number of devices times the number of nodes.
func (t *Trainer) WorldSize() int { return t.worldSize }

// CurrentEpoch is the epoch being run, starting from 0. After Fit it is the number of epochs run.
func (t *Trainer) CurrentEpoch() int { return t.currentEpoch }

// GlobalStep is the number of optimizer steps run so far, including those of a resumed checkpoint.
func (t *Trainer) GlobalStep() int64 { return t.globalStep }

// BatchIdx is the index of the last batch run in the current epoch.
func (t *Trainer) BatchIdx() int { return t.batchIdx }

// LastStepOutput is the output of the last step run.
func (t *Trainer) LastStepOutput() StepOutput { return t.lastOutput }

// NumTrainBatches is the number of training batches per epoch, after the limits are applied.
func (t *Trainer) NumTrainBatches() int { return t.numTrainBatches }

// NumValBatches is the number of validation batches per epoch, after the limits are applied.
func (t *Trainer) NumValBatches() int { return t.numValBatches }

// NumTestBatches is the number of test batches, after the limits are applied.
func (t *Trainer) NumTestBatches() int { return t.numTestBatches }

// Stage being run: fit, validate or test.
func (t *Trainer) Stage() Stage { return t.stage }

// SanityChecking returns whether the validation being run is the sanity check before training.
func (t *Trainer) SanityChecking() bool { return t.sanityChecking }

// Training returns whether the training loop is running.
func (t *Trainer) Training() bool { return t.loop == loopTrain }

// Testing returns whether the test loop is running.
func (t *Trainer) Testing() bool { return t.loop == loopTest }

// ValidatedThisEpoch returns whether the validation loop ran in the current training epoch.
func (t *Trainer) ValidatedThisEpoch() bool { return t.validatedThisEpoch }

// FastDevRun returns the number of batches of the fast development run, or 0 if not in that mode.
func (t *Trainer) FastDevRun() int { return t.fastDevRun }

// Interrupted returns whether the last Fit failed.
func (t *Trainer) Interrupted() bool { return t.interrupted }

// ShouldStop returns whether a stop was requested.
func (t *Trainer) ShouldStop() bool { return t.shouldStop }

// RequestStop asks the Trainer to stop training at the end of the current epoch, once min_epochs is reached.
func (t *Trainer) RequestStop() { t.shouldStop = true }

// CallbackMetrics returns a copy of the latest value of every metric logged, as seen by the callbacks.
func (t *Trainer) CallbackMetrics() map[string]float64 { return maps.Clone(t.callbackMetrics) }

// ProgressBarMetrics returns a copy of the metrics logged with LogOptions.ProgBar.
func (t *Trainer) ProgressBarMetrics() map[string]float64 { return maps.Clone(t.progressBarMetrics) }

// LoggedMetrics returns a copy of the latest values sent to the loggers.
func (t *Trainer) LoggedMetrics() map[string]float64 { return maps.Clone(t.lastMetrics) }

// Log a metric value. It is meant to be called by the Module in its step and epoch end hooks.
func (t *Trainer) Log(name string, value float64, opts LogOptions) {
	if t.sanityChecking {
		return
	}
	if opts.ProgBar {
		t.progressBarMetrics[name] = value
	}
	if opts.OnStep && t.loop == loopTrain {
		t.stepMetrics[name] = value
		t.callbackMetrics[name] = value
	}
	if opts.OnEpoch || t.loop != loopTrain {
		t.epochMetrics[name] = value
	}
}

// Finalize releases the backend and the executors. The Trainer can't be used afterward.
func (t *Trainer) Finalize() {
	t.resetExecs()
	if t.backend != nil {
		t.backend.Finalize()
		t.backend = nil
	}
}

func (t *Trainer) resetExecs() {
	for _, exec := range []*context.Exec{t.trainExec, t.evalExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
	t.trainExec, t.evalExec = nil, nil
}

// Materializer is implemented by modules that can create their variables without data, so their parameters can
// be counted before training.
type Materializer interface {
	Materialize(backend backends.Backend) error
}

// Materialize creates the variables of the module, if it implements Materializer and they don't exist yet.
func (t *Trainer) Materialize(module Module) error {
	m, ok := module.(Materializer)
	if !ok || hasModelVariables(module.Context()) {
		return nil
	}
	return m.Materialize(t.backend)
}

// setup binds the module and the data module, and sets up the data for the stage.
func (t *Trainer) setup(module Module, dm DataModule, stage Stage) error {
	if module == nil || dm == nil {
		return errors.Errorf("trainer: module and data module must be given")
	}
	if t.module != nil && t.module != module {
		t.resetExecs()
	}
	t.module = module
	t.dm = dm
	t.stage = stage
	t.shouldStop = false
	t.interrupted = false
	t.sanityChecking = false
	t.loop = loopNone

	if t.IsGlobalZero() {
		if err := dm.PrepareData(); err != nil {
			return errors.WithMessage(err, "failed to prepare data")
		}
	}
	if t.cfg.Seed != nil {
		if s, ok := dm.(Seedable); ok {
			s.SetSeed(*t.cfg.Seed)
		}
	}
	if err := dm.Setup(string(stage), t.worldSize); err != nil {
		return err
	}
	if _, err := checkWorldSize(&t.cfg); err != nil {
		return err
	}
	if t.cfg.Seed != nil || t.cfg.Deterministic {
		seed := int64(0)
		if t.cfg.Seed != nil {
			seed = *t.cfg.Seed
		}
		SeedContext(module.Context(), seed)
	}
	if hook, ok := module.(SetupHook); ok {
		if err := hook.Setup(t, stage); err != nil {
			return errors.WithMessagef(err, "module Setup(%q)", stage)
		}
	}
	return nil
}

// teardown is always called at the end of Fit, Validate and Test.
func (t *Trainer) teardown(stage Stage) {
	t.loop = loopNone
	t.sanityChecking = false
	if hook, ok := t.module.(TeardownHook); ok {
		if err := hook.Teardown(t, stage); err != nil {
			klog.Errorf("module Teardown(%q) failed: %+v", stage, err)
		}
	}
	t.dm.Teardown(string(stage))
}

// limitBatches returns the number of batches to use out of numBatches.
func (t *Trainer) limitBatches(limit BatchLimit, numBatches int) int {
	if t.fastDevRun > 0 {
		return min(t.fastDevRun, numBatches)
	}
	return limit.Apply(numBatches)
}

// trainStepGraph builds the training step: the module's step, the learning rate schedule and the optimizer.
func (t *Trainer) trainStepGraph(ctx *context.Context, images, labels *Node) (loss, preds *Node) {
	g := images.Graph()
	ctx.SetTraining(g, true)
	loss, preds = t.module.StepGraph(ctx, images, labels)
	if scheduler, ok := t.optConfig.Scheduler.(GraphScheduler); ok {
		scheduler.UpdateGraph(ctx, g)
	}
	// Regularization terms added with train.AddLoss are optimized, but the reported loss is the module's.
	optimized := loss
	if extra := train.GetLosses(ctx, g); extra != nil {
		optimized = Add(loss, ConvertDType(extra, loss.DType()))
	}
	t.optConfig.Optimizer.UpdateGraph(ctx, g, optimized)
	return
}

// evalStepGraph builds the evaluation step, with the model in inference mode.
func (t *Trainer) evalStepGraph(ctx *context.Context, images, labels *Node) (loss, preds *Node) {
	ctx.SetTraining(images.Graph(), false)
	return t.module.StepGraph(ctx, images, labels)
}

func (t *Trainer) getEvalExec() (*context.Exec, error) {
	if t.evalExec != nil {
		return t.evalExec, nil
	}
	exec, err := context.NewExec(t.backend, t.module.Context().Checked(false), t.evalStepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluation executor")
	}
	t.evalExec = exec
	return exec, nil
}

func (t *Trainer) getTrainExec() (*context.Exec, error) {
	if t.trainExec != nil {
		return t.trainExec, nil
	}
	exec, err := context.NewExec(t.backend, t.module.Context().Checked(false), t.trainStepGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create training executor")
	}
	t.trainExec = exec
	return exec, nil
}

// runStep runs one step of exec with the batch, and frees the batch tensors.
func (t *Trainer) runStep(exec *context.Exec, inputs, labels []*tensors.Tensor) (out StepOutput, err error) {
	defer func() {
		for _, tensor := range append(inputs, labels...) {
			if finalizeErr := tensor.FinalizeAll(); finalizeErr != nil && err == nil {
				err = errors.WithMessage(finalizeErr, "failed to free batch")
			}
		}
	}()
	if len(inputs) != 1 || len(labels) != 1 {
		return out, errors.Errorf("expected batches with one input and one label tensor, got %d and %d",
			len(inputs), len(labels))
	}
	out.Targets = tensors.MustCopyFlatData[int32](labels[0])
	var loss, preds *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		var execErr error
		loss, preds, execErr = exec.Exec2(inputs[0], labels[0])
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return out, err
	}
	out.Loss = shapes.ConvertTo[float64](loss.Value())
	out.Preds = tensors.MustCopyFlatData[int32](preds)
	loss.MustFinalizeAll()
	preds.MustFinalizeAll()
	return out, nil
}

// callModuleHook calls hook on the module, if it implements H.
func callModuleHook[H any](t *Trainer, name string, call func(h H) error) error {
	if h, ok := t.module.(H); ok {
		if err := call(h); err != nil {
			return errors.WithMessagef(err, "module %s", name)
		}
	}
	return nil
}

// Fit trains the module on the data module. If ckptPath is not empty, the training resumes from that checkpoint:
// the weights, the optimizer state, the epoch and the state of the callbacks, the scheduler and the data module
// are restored.
func (t *Trainer) Fit(module Module, dm DataModule, ckptPath string) (err error) {
	if err = t.setup(module, dm, StageFit); err != nil {
		return err
	}
	defer t.teardown(StageFit)
	if panicErr := exceptions.TryCatch[error](func() { err = t.fit(ckptPath) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		t.interrupted = true
		t.onException(err)
		t.finalizeLoggers("failed")
		return err
	}
	return t.finalizeLoggers("success")
}

func (t *Trainer) fit(ckptPath string) error {
	optConfig, err := t.module.ConfigureOptimizers()
	if err != nil {
		return errors.WithMessage(err, "ConfigureOptimizers")
	}
	if optConfig == nil || optConfig.Optimizer == nil {
		return errors.Errorf("ConfigureOptimizers returned no optimizer")
	}
	if optConfig.Monitor == "" {
		optConfig.Monitor = "val/loss"
	}
	if optConfig.Interval == "" {
		optConfig.Interval = IntervalEpoch
	}
	if optConfig.Interval != IntervalEpoch && optConfig.Interval != IntervalStep {
		return errors.Errorf("scheduler interval must be %q or %q, got %q", IntervalEpoch, IntervalStep,
			optConfig.Interval)
	}
	if optConfig.Frequency <= 0 {
		optConfig.Frequency = 1
	}
	t.optConfig = optConfig
	if t.trainExec != nil {
		t.trainExec.Finalize()
		t.trainExec = nil
	}

	trainLoader, err := t.dm.TrainDataLoader()
	if err != nil {
		return err
	}
	valLoader, err := t.dm.ValDataLoader()
	if err != nil {
		return err
	}
	t.numTrainBatches = t.limitBatches(t.cfg.LimitTrainBatches, trainLoader.NumBatches())
	t.numValBatches = t.limitBatches(t.cfg.LimitValBatches, valLoader.NumBatches())
	if t.numTrainBatches == 0 {
		klog.Warningf("No training batches (limit_train_batches=%+v): skipping training", t.cfg.LimitTrainBatches)
		return nil
	}
	if scheduler, ok := optConfig.Scheduler.(GraphScheduler); ok {
		scheduler.SetStepsPerEpoch(t.numTrainBatches)
	}
	if err := t.Materialize(t.module); err != nil {
		return err
	}

	t.currentEpoch = 0
	t.globalStep = 0
	if ckptPath != "" {
		state, err := t.restoreCheckpoint(ckptPath)
		if err != nil {
			return err
		}
		if err := t.restoreTrainingState(state); err != nil {
			return err
		}
		klog.Infof("Restored training from %q: resuming at epoch %d (global step %d)", ckptPath,
			t.currentEpoch, t.globalStep)
	}

	if err := t.fire(EventFitStart); err != nil {
		return err
	}

	// Sanity check: a few validation batches to catch errors before training.
	if numSanity := t.cfg.NumSanityValSteps; numSanity != 0 && t.numValBatches > 0 {
		if numSanity < 0 {
			numSanity = t.numValBatches
		}
		t.sanityChecking = true
		if err := t.fire(EventSanityCheckStart); err != nil {
			return err
		}
		if err := t.runValidation(valLoader, min(numSanity, t.numValBatches)); err != nil {
			return errors.WithMessage(err, "sanity check")
		}
		if err := t.fire(EventSanityCheckEnd); err != nil {
			return err
		}
		t.sanityChecking = false
	}

	if err := callModuleHook(t, "OnTrainStart", func(h TrainStartHook) error { return h.OnTrainStart(t) }); err != nil {
		return err
	}
	if err := t.fire(EventTrainStart); err != nil {
		return err
	}
	for t.currentEpoch < t.cfg.MaxEpochs {
		if err := t.runTrainEpoch(trainLoader, valLoader); err != nil {
			return errors.WithMessagef(err, "epoch %d", t.currentEpoch)
		}
		t.currentEpoch++
		if t.shouldStop {
			if t.currentEpoch >= t.cfg.MinEpochs {
				klog.Infof("Training stopped at epoch %d, as requested by a callback", t.currentEpoch)
				break
			}
			klog.Infof("Stop requested at epoch %d, but min_epochs=%d was not reached yet", t.currentEpoch,
				t.cfg.MinEpochs)
			t.shouldStop = false
		}
	}
	if t.currentEpoch >= t.cfg.MaxEpochs && !t.shouldStop {
		klog.V(1).Infof("max_epochs=%d reached", t.cfg.MaxEpochs)
	}
	if err := callModuleHook(t, "OnTrainEnd", func(h TrainEndHook) error { return h.OnTrainEnd(t) }); err != nil {
		return err
	}
	if err := t.fire(EventTrainEnd); err != nil {
		return err
	}
	return t.fire(EventFitEnd)
}

// shouldValidate returns whether the validation runs at the end of the current epoch.
func (t *Trainer) shouldValidate() bool {
	if t.numValBatches == 0 || t.cfg.CheckValEveryNEpoch == 0 {
		return false
	}
	return (t.currentEpoch+1)%t.cfg.CheckValEveryNEpoch == 0
}

func (t *Trainer) runTrainEpoch(trainLoader, valLoader Loader) error {
	t.validatedThisEpoch = false
	t.loop = loopTrain
	t.epochMetrics = make(map[string]float64)
	t.stepMetrics = make(map[string]float64)
	if err := callModuleHook(t, "OnTrainEpochStart",
		func(h TrainEpochStartHook) error { return h.OnTrainEpochStart(t) }); err != nil {
		return err
	}
	if err := t.fire(EventTrainEpochStart); err != nil {
		return err
	}
	exec, err := t.getTrainExec()
	if err != nil {
		return err
	}

	trainLoader.Reset()
	for batchIdx := range t.numTrainBatches {
		_, inputs, labels, err := trainLoader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "dataset %q failed", trainLoader.Name())
		}
		out, err := t.runStep(exec, inputs, labels)
		if err != nil {
			return errors.WithMessagef(err, "training step %d", batchIdx)
		}
		if math.IsNaN(out.Loss) {
			return errors.Errorf("batch loss is NaN, training interrupted")
		}
		t.globalStep++
		t.batchIdx = batchIdx
		t.lastOutput = out
		if err := t.module.TrainingStep(t, out, batchIdx); err != nil {
			return errors.WithMessagef(err, "TrainingStep(batch %d)", batchIdx)
		}
		if err := t.fire(EventTrainBatchEnd); err != nil {
			return err
		}
		if t.globalStep%int64(t.cfg.LogEveryNSteps) == 0 {
			if err := t.flushStepMetrics(); err != nil {
				return err
			}
		}
		if t.optConfig.Interval == IntervalStep && t.globalStep%int64(t.optConfig.Frequency) == 0 {
			if err := t.stepHostScheduler(); err != nil {
				return err
			}
		}
	}

	if t.shouldValidate() {
		// Keep the training metrics of the epoch while validating.
		trainEpochMetrics := t.epochMetrics
		if err := t.runValidation(valLoader, t.numValBatches); err != nil {
			return err
		}
		t.validatedThisEpoch = true
		t.loop = loopTrain
		t.epochMetrics = trainEpochMetrics
	}

	if err := callModuleHook(t, "OnTrainEpochEnd",
		func(h TrainEpochEndHook) error { return h.OnTrainEpochEnd(t) }); err != nil {
		return err
	}
	if err := t.flushEpochMetrics(); err != nil {
		return err
	}
	if err := t.fire(EventTrainEpochEnd); err != nil {
		return err
	}
	if t.optConfig.Interval == IntervalEpoch && (t.currentEpoch+1)%t.optConfig.Frequency == 0 {
		if err := t.stepHostScheduler(); err != nil {
			return err
		}
	}
	t.loop = loopNone
	return nil
}

// stepHostScheduler steps a HostScheduler with the monitored metric.
func (t *Trainer) stepHostScheduler() error {
	scheduler, ok := t.optConfig.Scheduler.(HostScheduler)
	if !ok {
		return nil
	}
	value, found := t.callbackMetrics[t.optConfig.Monitor]
	if !found {
		if t.optConfig.Interval == IntervalEpoch && !t.validatedThisEpoch {
			// Validation metrics are only available in the epochs validation runs.
			return nil
		}
		return errors.Errorf("scheduler %s monitors metric %q, which is not available: available metrics are %v",
			scheduler.Name(), t.optConfig.Monitor, sortedKeys(t.callbackMetrics))
	}
	return scheduler.Step(t.module.Context(), value)
}

// runValidation runs numBatches of the validation loader.
func (t *Trainer) runValidation(loader Loader, numBatches int) error {
	t.loop = loopValidation
	t.epochMetrics = make(map[string]float64)
	if err := t.fire(EventValidationStart); err != nil {
		return err
	}
	if err := callModuleHook(t, "OnValidationEpochStart",
		func(h ValidationEpochStartHook) error { return h.OnValidationEpochStart(t) }); err != nil {
		return err
	}
	if err := t.runEvalBatches(loader, numBatches, t.module.ValidationStep, EventValidationBatchEnd); err != nil {
		return err
	}
	if err := callModuleHook(t, "OnValidationEpochEnd",
		func(h ValidationEpochEndHook) error { return h.OnValidationEpochEnd(t) }); err != nil {
		return err
	}
	if !t.sanityChecking {
		if err := t.flushEpochMetrics(); err != nil {
			return err
		}
	}
	return t.fire(EventValidationEnd)
}

// runEvalBatches runs the evaluation executor over numBatches of the loader.
func (t *Trainer) runEvalBatches(loader Loader, numBatches int,
	stepFn func(t *Trainer, out StepOutput, batchIdx int) error, batchEndEvent Event) error {
	exec, err := t.getEvalExec()
	if err != nil {
		return err
	}
	loader.Reset()
	for batchIdx := range numBatches {
		_, inputs, labels, err := loader.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "dataset %q failed", loader.Name())
		}
		out, err := t.runStep(exec, inputs, labels)
		if err != nil {
			return errors.WithMessagef(err, "evaluation step %d of %q", batchIdx, loader.Name())
		}
		t.batchIdx = batchIdx
		t.lastOutput = out
		if err := stepFn(t, out, batchIdx); err != nil {
			return errors.WithMessagef(err, "%s step (batch %d)", loader.Name(), batchIdx)
		}
		if err := t.fire(batchEndEvent); err != nil {
			return err
		}
	}
	return nil
}

// Validate runs one validation epoch of the module and returns the metrics logged. See Test for ckptPath.
func (t *Trainer) Validate(module Module, dm DataModule, ckptPath string) (metrics map[string]float64, err error) {
	if err = t.setup(module, dm, StageValidate); err != nil {
		return nil, err
	}
	defer t.teardown(StageValidate)
	if panicErr := exceptions.TryCatch[error](func() { metrics, err = t.evaluate(ckptPath, StageValidate) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		t.onException(err)
		return nil, err
	}
	return metrics, nil
}

// Test runs the test epoch of the module and returns the metrics logged.
//
// ckptPath can be "best" for the best checkpoint of the ModelCheckpoint callback, the path of a checkpoint,
// or empty to use the current weights.
func (t *Trainer) Test(module Module, dm DataModule, ckptPath string) (metrics map[string]float64, err error) {
	if err = t.setup(module, dm, StageTest); err != nil {
		return nil, err
	}
	defer t.teardown(StageTest)
	if panicErr := exceptions.TryCatch[error](func() { metrics, err = t.evaluate(ckptPath, StageTest) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		t.onException(err)
		t.finalizeLoggers("failed")
		return nil, err
	}
	if err = t.finalizeLoggers("success"); err != nil {
		return nil, err
	}
	return metrics, nil
}

// evaluate runs the test or validation epoch.
func (t *Trainer) evaluate(ckptPath string, stage Stage) (map[string]float64, error) {
	if ckptPath == "best" {
		ckpt := t.CheckpointCallback()
		if ckpt == nil || ckpt.BestModelPath() == "" {
			return nil, errors.Errorf("ckpt_path=\"best\" but there is no best checkpoint: configure a " +
				"ModelCheckpoint callback and run Fit first")
		}
		ckptPath = ckpt.BestModelPath()
	}
	if ckptPath != "" {
		if err := t.Materialize(t.module); err != nil {
			return nil, err
		}
		if _, err := t.restoreCheckpoint(ckptPath); err != nil {
			return nil, err
		}
		klog.Infof("Loaded model weights from the checkpoint at %s", ckptPath)
	} else if !hasModelVariables(t.module.Context()) {
		klog.Warningf("Evaluating a model that was not trained nor loaded from a checkpoint")
	}

	if stage == StageValidate {
		loader, err := t.dm.ValDataLoader()
		if err != nil {
			return nil, err
		}
		t.numValBatches = t.limitBatches(t.cfg.LimitValBatches, loader.NumBatches())
		return t.validateOnly(loader)
	}
	loader, err := t.dm.TestDataLoader()
	if err != nil {
		return nil, err
	}
	t.numTestBatches = t.limitBatches(t.cfg.LimitTestBatches, loader.NumBatches())

	t.loop = loopTest
	t.epochMetrics = make(map[string]float64)
	if err := t.fire(EventTestStart); err != nil {
		return nil, err
	}
	if err := callModuleHook(t, "OnTestEpochStart",
		func(h TestEpochStartHook) error { return h.OnTestEpochStart(t) }); err != nil {
		return nil, err
	}
	if err := t.runEvalBatches(loader, t.numTestBatches, t.module.TestStep, EventTestBatchEnd); err != nil {
		return nil, err
	}
	if err := callModuleHook(t, "OnTestEpochEnd",
		func(h TestEpochEndHook) error { return h.OnTestEpochEnd(t) }); err != nil {
		return nil, err
	}
	results := maps.Clone(t.epochMetrics)
	if err := t.flushEpochMetrics(); err != nil {
		return nil, err
	}
	if err := t.fire(EventTestEnd); err != nil {
		return nil, err
	}
	if t.IsGlobalZero() {
		PrintResults(StageTest, results)
	}
	t.loop = loopNone
	return results, nil
}

// validateOnly runs the validation loop outside of Fit.
func (t *Trainer) validateOnly(loader Loader) (map[string]float64, error) {
	if err := t.runValidation(loader, t.numValBatches); err != nil {
		return nil, err
	}
	results := make(map[string]float64)
	for name, value := range t.callbackMetrics {
		if strings.HasPrefix(name, "val/") {
			results[name] = value
		}
	}
	if t.IsGlobalZero() {
		PrintResults(StageValidate, results)
	}
	t.loop = loopNone
	return results, nil
}

// flushStepMetrics sends the step metrics to the loggers.
func (t *Trainer) flushStepMetrics() error {
	if len(t.stepMetrics) == 0 {
		return nil
	}
	metrics := t.stepMetrics
	t.stepMetrics = make(map[string]float64)
	return t.logToLoggers(metrics)
}

// flushEpochMetrics updates the callback metrics with the epoch metrics and sends them to the loggers.
func (t *Trainer) flushEpochMetrics() error {
	if len(t.epochMetrics) == 0 {
		return nil
	}
	metrics := t.epochMetrics
	t.epochMetrics = make(map[string]float64)
	maps.Copy(t.callbackMetrics, metrics)
	metrics["epoch"] = float64(t.currentEpoch)
	return t.logToLoggers(metrics)
}

func (t *Trainer) logToLoggers(metrics map[string]float64) error {
	maps.Copy(t.lastMetrics, metrics)
	if !t.IsGlobalZero() {
		return nil
	}
	for _, logger := range t.loggers {
		if err := logger.LogMetrics(metrics, t.globalStep); err != nil {
			return errors.WithMessagef(err, "logger %q failed to log metrics", logger.Name())
		}
	}
	return nil
}

func (t *Trainer) finalizeLoggers(status string) error {
	var firstErr error
	for _, logger := range t.loggers {
		if err := logger.Finalize(status); err != nil {
			klog.Errorf("Logger %q failed to finalize: %+v", logger.Name(), err)
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "logger %q failed to finalize", logger.Name())
			}
		}
	}
	return firstErr
}

// onException fires the EventException hooks, which can't fail the run any further.
func (t *Trainer) onException(err error) {
	klog.V(1).Infof("Trainer interrupted by error: %v", err)
	if hookErr := t.fire(EventException); hookErr != nil {
		klog.Errorf("Exception hooks failed: %+v", hookErr)
	}
}
