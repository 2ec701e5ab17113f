// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ckptinfo

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCheckpoint saves a small model and its trainer state in dir, the way the trainer does.
func writeCheckpoint(t *testing.T, dir string, epoch int, lr float64) string {
	path := filepath.Join(dir, "checkpoints", "last"+trainer.CheckpointSuffix)
	ctx := context.New()
	ctx.In("model").In("dense").VariableWithValue("weights", [][]float32{{1, -2}, {3, -4}})
	ctx.In("model").In("dense").VariableWithValue("biases", []float32{0.5, -0.5})
	ctx.In("optimizer").VariableWithValue("step", int64(10*(epoch+1))).SetTrainable(false)
	handler, err := checkpoints.Build(ctx).Dir(path).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	state := &trainer.CheckpointState{
		Epoch:      epoch,
		GlobalStep: int64(10 * (epoch + 1)),
		Callbacks: map[string]map[string]any{
			"ModelCheckpoint": {"monitor": "val/acc", "best_model_score": 0.5 + 0.1*float64(epoch)},
		},
		HyperParameters: map[string]any{
			"_target_":  "mnist.LitModule",
			"optimizer": map[string]any{"_target_": "optimizers.Adam", "lr": lr},
			"net":       map[string]any{"lin1_size": 64},
		},
	}
	data := must.M1(json.Marshal(state))
	require.NoError(t, os.WriteFile(filepath.Join(path, trainer.TrainerStateFile), data, 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeCheckpoint(t, t.TempDir(), 2, 0.001)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.State.Epoch)
	assert.Equal(t, int64(30), c.State.GlobalStep)

	vars := c.VariablesIn("/model")
	require.Len(t, vars, 2)
	assert.Equal(t, "biases", vars[0].Name())
	assert.Equal(t, "weights", vars[1].Name())
	assert.Len(t, c.VariablesIn(context.RootScope), 3)

	numVars, numParams, memory := c.count("/model")
	assert.Equal(t, 2, numVars)
	assert.Equal(t, 6, numParams)
	assert.Equal(t, uintptr(6*4), memory)
	assert.Equal(t, "val/acc=0.7000", c.bestScore())

	_, err = Load(filepath.Join(t.TempDir(), "missing.ckpt"))
	require.Error(t, err)
}

func TestReports(t *testing.T) {
	c1 := must.M1(Load(writeCheckpoint(t, filepath.Join(t.TempDir(), "run_a"), 0, 0.001)))
	c2 := must.M1(Load(writeCheckpoint(t, filepath.Join(t.TempDir(), "run_b"), 1, 0.01)))
	ckpts := []*Checkpoint{c1, c2}

	var buf bytes.Buffer
	require.NoError(t, Summary(&buf, ckpts, "/model"))
	out := buf.String()
	assert.Contains(t, out, "run_a")
	assert.Contains(t, out, "run_b")
	assert.Contains(t, out, "Global step")
	assert.Contains(t, out, "val/acc=0.6000")

	buf.Reset()
	require.NoError(t, Hyperparameters(&buf, ckpts, true))
	out = buf.String()
	assert.Contains(t, out, "optimizer.lr")
	assert.NotContains(t, out, "net.lin1_size", "only the differences are listed")

	buf.Reset()
	backend := must.M1(simplego.New(""))
	defer backend.Finalize()
	require.NoError(t, Variables(&buf, backend, c1, context.RootScope))
	out = buf.String()
	assert.Contains(t, out, "weights")
	assert.Contains(t, out, "2.5", "mean absolute value of the weights")
	assert.Contains(t, out, "10", "value of the scalar step")
}

func TestShortNames(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, shortNames("logs/runs/A/checkpoints/last.ckpt", "logs/runs/B/checkpoints/last.ckpt"))
	assert.Equal(t, []string{"last.ckpt"}, shortNames("logs/runs/A/checkpoints/last.ckpt"))
	assert.Equal(t, []string{"A...last.ckpt", "B...best.ckpt"},
		shortNames("runs/A/last.ckpt", "runs/B/best.ckpt"))
}
