// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointSuffix of the checkpoint directories saved by the Trainer.
const CheckpointSuffix = ".ckpt"

// TrainerStateFile is the file, inside a checkpoint directory, with the state of the training loop.
const TrainerStateFile = "trainer_state.json"

// CheckpointState is the state of the training loop saved along the variables of the model.
type CheckpointState struct {
	// Epoch of the checkpoint: the last epoch completed.
	Epoch      int   `json:"epoch"`
	GlobalStep int64 `json:"global_step"`

	Callbacks       map[string]map[string]any `json:"callbacks,omitempty"`
	Scheduler       map[string]any            `json:"scheduler,omitempty"`
	DataModule      map[string]any            `json:"datamodule,omitempty"`
	HyperParameters map[string]any            `json:"hyper_parameters,omitempty"`
}

// SaveCheckpoint saves the variables of the module (the model weights and the optimizer state) and the state of
// the Trainer into the directory path. An existing checkpoint at path is replaced.
func (t *Trainer) SaveCheckpoint(path string) error {
	if t.module == nil {
		return errors.Errorf("SaveCheckpoint(%q): no module being trained", path)
	}
	if !t.IsGlobalZero() {
		return nil
	}
	if err := removeCheckpoint(path); err != nil {
		return err
	}

	ctx := t.module.Context()
	prevLoader := ctx.Loader()
	err := exceptions.TryCatch[error](func() {
		handler, err := checkpoints.Build(ctx).Dir(path).ExcludeAllParams().Done()
		if err != nil {
			panic(err)
		}
		defer ctx.SetLoader(prevLoader)
		if err = handler.Save(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint to %q", path)
	}

	state := t.trainerState()
	contents, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode trainer state for checkpoint %q", path)
	}
	if err = os.WriteFile(filepath.Join(path, TrainerStateFile), contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write trainer state of checkpoint %q", path)
	}
	klog.V(1).Infof("Saved checkpoint %q (epoch %d, global step %d)", path, state.Epoch, state.GlobalStep)
	return t.fire(EventSaveCheckpoint)
}

// removeCheckpoint removes the checkpoint at path. It refuses to remove a directory that is not a checkpoint.
func removeCheckpoint(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to access checkpoint %q", path)
	}
	if _, err := os.Stat(filepath.Join(path, TrainerStateFile)); err != nil {
		return errors.Errorf("%q exists and it is not a checkpoint (it has no %s), not overwriting it",
			path, TrainerStateFile)
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "failed to remove previous checkpoint %q", path)
	}
	return nil
}

// trainerState collects the state of the Trainer, the callbacks, the scheduler and the data module.
func (t *Trainer) trainerState() *CheckpointState {
	state := &CheckpointState{
		Epoch:      t.currentEpoch,
		GlobalStep: t.globalStep,
		Callbacks:  make(map[string]map[string]any),
	}
	for _, cb := range t.callbacks {
		if stateful, ok := cb.(StatefulCallback); ok {
			state.Callbacks[cb.Name()] = stateful.StateDict()
		}
	}
	if t.optConfig != nil {
		if scheduler, ok := t.optConfig.Scheduler.(HostScheduler); ok {
			state.Scheduler = scheduler.StateDict()
		}
	}
	if t.dm != nil {
		state.DataModule = t.dm.StateDict()
	}
	if hp, ok := t.module.(HasHyperparameters); ok {
		state.HyperParameters = hp.Hyperparameters()
	}
	return state
}

// restoreCheckpoint loads the variables saved at path into the module context, and returns the trainer state.
func (t *Trainer) restoreCheckpoint(path string) (*CheckpointState, error) {
	state, err := ReadCheckpointState(path)
	if err != nil {
		return nil, err
	}

	ctx := t.module.Context()
	prevLoader := ctx.Loader()
	err = exceptions.TryCatch[error](func() {
		_, err := checkpoints.Load(ctx).Dir(path).Immediate().ExcludeAllParams().Done()
		ctx.SetLoader(prevLoader)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint %q", path)
	}
	// The executors were built with the previous variables.
	t.resetExecs()
	return state, nil
}

// restoreTrainingState resumes the loop state from a checkpoint: training continues at the epoch after the saved one.
func (t *Trainer) restoreTrainingState(state *CheckpointState) error {
	t.currentEpoch = state.Epoch + 1
	t.globalStep = state.GlobalStep
	for _, cb := range t.callbacks {
		stateful, ok := cb.(StatefulCallback)
		if !ok {
			continue
		}
		if cbState, found := state.Callbacks[cb.Name()]; found {
			if err := stateful.LoadStateDict(cbState); err != nil {
				return errors.WithMessagef(err, "failed to restore the state of callback %q", cb.Name())
			}
		}
	}
	if scheduler, ok := t.optConfig.Scheduler.(HostScheduler); ok && state.Scheduler != nil {
		if err := scheduler.LoadStateDict(state.Scheduler); err != nil {
			return errors.WithMessagef(err, "failed to restore the state of scheduler %s", scheduler.Name())
		}
	}
	if state.DataModule != nil {
		if err := t.dm.LoadStateDict(state.DataModule); err != nil {
			return errors.WithMessage(err, "failed to restore the state of the data module")
		}
	}
	return nil
}

// ReadCheckpointState reads the trainer state of the checkpoint at path. The variables are not loaded.
func ReadCheckpointState(path string) (*CheckpointState, error) {
	contents, err := os.ReadFile(filepath.Join(path, TrainerStateFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", path)
	}
	state := &CheckpointState{}
	if err = json.Unmarshal(contents, state); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s of checkpoint %q", TrainerStateFile, path)
	}
	return state, nil
}

// ReadCheckpointEpoch returns the epoch saved in the checkpoint at path.
func ReadCheckpointEpoch(path string) (int, error) {
	state, err := ReadCheckpointState(path)
	if err != nil {
		return 0, err
	}
	return state.Epoch, nil
}
