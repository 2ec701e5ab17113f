// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceLROnPlateau(t *testing.T) {
	ctx := context.New()
	_, err := LearningRate(ctx)
	require.Error(t, err, "learning rate variable doesn't exist yet")
	optimizers.LearningRateVar(ctx, dtypes.Float32, 0.1)

	r := NewReduceLROnPlateau()
	r.Patience = 1
	r.Factor = 0.5
	r.MinLR = 0.03
	require.NoError(t, r.Validate())

	lr := func() float64 {
		value, err := LearningRate(ctx)
		require.NoError(t, err)
		return value
	}
	require.NoError(t, r.Step(ctx, 1.0)) // Improves from +Inf.
	require.NoError(t, r.Step(ctx, 0.5)) // Improves.
	require.NoError(t, r.Step(ctx, 0.5)) // 1 bad epoch, within patience.
	assert.InDelta(t, 0.1, lr(), 1e-6)
	require.NoError(t, r.Step(ctx, 0.6)) // 2 bad epochs: reduce.
	assert.InDelta(t, 0.05, lr(), 1e-6)
	require.NoError(t, r.Step(ctx, 0.7))
	require.NoError(t, r.Step(ctx, 0.7)) // Reduce, bounded by min_lr.
	assert.InDelta(t, 0.03, lr(), 1e-6)

	// The state survives a round trip through JSON, including the best score.
	encoded, err := json.Marshal(r.StateDict())
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.Unmarshal(encoded, &state))
	restored := NewReduceLROnPlateau()
	require.NoError(t, restored.LoadStateDict(state))
	assert.Equal(t, 0.5, restored.best)
	assert.Equal(t, 6, restored.lastEpoch)

	// A fresh scheduler has an infinite best score, stored as a string.
	encoded, err = json.Marshal(NewReduceLROnPlateau().StateDict())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(encoded, &state))
	require.NoError(t, restored.LoadStateDict(state))
	assert.True(t, math.IsInf(restored.best, 1))
}

func TestReduceLROnPlateauValidate(t *testing.T) {
	r := NewReduceLROnPlateau()
	r.Factor = 1
	require.ErrorContains(t, r.Validate(), "factor")
	r = NewReduceLROnPlateau()
	r.Mode = "maximize"
	require.ErrorContains(t, r.Validate(), "mode")
	r = NewReduceLROnPlateau()
	r.ThresholdMode = "percent"
	require.ErrorContains(t, r.Validate(), "threshold_mode")
}

func TestReduceLROnPlateauMaxMode(t *testing.T) {
	r := NewReduceLROnPlateau()
	r.Mode = "max"
	r.ThresholdMode = "abs"
	r.Threshold = 0.1
	r.reset()
	assert.True(t, r.isBetter(0.0))
	r.best = 0.5
	assert.False(t, r.isBetter(0.55))
	assert.True(t, r.isBetter(0.65))
}

func TestCosineAnnealingFit(t *testing.T) {
	cfg := testConfig(t)
	trainer := newTestTrainer(t, cfg, nil, nil)
	module := newTestModule()
	module.ctx.SetParam(optimizers.ParamLearningRate, 0.5)
	module.scheduler = &CosineAnnealing{TMax: cfg.MaxEpochs, EtaMin: 0.01}
	require.NoError(t, trainer.Fit(module, newTestDataModule(), ""))

	lr, err := LearningRate(module.ctx)
	require.NoError(t, err)
	assert.Less(t, lr, 0.05, "after T_max epochs the learning rate should be close to eta_min")
	assert.GreaterOrEqual(t, lr, 0.01-1e-6)
}
