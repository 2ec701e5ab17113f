// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ckptinfo reports the contents of the checkpoints saved by the trainer: the state of the training loop,
// the hyperparameters of the module and the variables of the model.
package ckptinfo

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/pkg/errors"
)

// Checkpoint loaded for inspection.
type Checkpoint struct {
	Path  string
	State *trainer.CheckpointState
	Ctx   *context.Context
}

// Load the trainer state and the variables of the checkpoint directory at path.
func Load(path string) (*Checkpoint, error) {
	state, err := trainer.ReadCheckpointState(path)
	if err != nil {
		return nil, err
	}
	ctx := context.New()
	err = exceptions.TryCatch[error](func() {
		if _, err := checkpoints.Load(ctx).Dir(path).Immediate().Done(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load the variables of checkpoint %q", path)
	}
	return &Checkpoint{Path: path, State: state, Ctx: ctx}, nil
}

// VariablesIn returns the variables under scope, sorted by scope and name.
func (c *Checkpoint) VariablesIn(scope string) []*context.Variable {
	var vars []*context.Variable
	c.Ctx.InAbsPath(scope).EnumerateVariablesInScope(func(v *context.Variable) {
		vars = append(vars, v)
	})
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		if c := strings.Compare(a.Scope(), b.Scope()); c != 0 {
			return c
		}
		return strings.Compare(a.Name(), b.Name())
	})
	return vars
}

// count returns the number of trainable parameters and the memory used by the variables under scope.
func (c *Checkpoint) count(scope string) (numVars, numParams int, memory uintptr) {
	for _, v := range c.VariablesIn(scope) {
		numVars++
		if !v.IsValid() {
			continue
		}
		if v.Trainable {
			numParams += v.Shape().Size()
		}
		memory += v.Shape().Memory()
	}
	return
}

// bestScore returns the best score of the ModelCheckpoint callback saved in the checkpoint.
func (c *Checkpoint) bestScore() string {
	state := c.State.Callbacks["ModelCheckpoint"]
	if state == nil {
		return "-"
	}
	monitor, _ := state["monitor"].(string)
	switch score := state["best_model_score"].(type) {
	case float64:
		return fmt.Sprintf("%s=%.4f", monitor, score)
	case string:
		return fmt.Sprintf("%s=%s", monitor, score)
	}
	return "-"
}

// Summary writes a table with one column per checkpoint: the epoch, the global step, the best score and the size
// of the model under scope. Rows that differ across the checkpoints are highlighted.
func Summary(w io.Writer, ckpts []*Checkpoint, scope string) error {
	paths := make([]string, len(ckpts))
	for ii, c := range ckpts {
		paths[ii] = c.Path
	}
	t := newTable(lipgloss.Left, lipgloss.Right)
	t.Headers(append([]string{"Summary"}, shortNames(paths...)...)...)
	addRow := func(name string, value func(c *Checkpoint) string) {
		values := make([]string, len(ckpts))
		for ii, c := range ckpts {
			values[ii] = value(c)
		}
		t.add(!allEqual(values), append([]string{name}, values...)...)
	}
	addRow("Epoch", func(c *Checkpoint) string { return humanize.Comma(int64(c.State.Epoch)) })
	addRow("Global step", func(c *Checkpoint) string { return humanize.Comma(c.State.GlobalStep) })
	addRow("Best score", (*Checkpoint).bestScore)
	addRow("Variables", func(c *Checkpoint) string {
		n, _, _ := c.count(scope)
		return humanize.Comma(int64(n))
	})
	addRow("Parameters", func(c *Checkpoint) string {
		_, n, _ := c.count(scope)
		return humanize.Comma(int64(n))
	})
	addRow("Memory", func(c *Checkpoint) string {
		_, _, m := c.count(scope)
		return humanize.Bytes(uint64(m))
	})
	_, err := fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render(fmt.Sprintf("Checkpoints (scope %q)", scope)), t.Render())
	return errors.Wrap(err, "failed to write summary")
}

// Hyperparameters writes a table with the hyperparameters of the module saved in each checkpoint, keyed by their
// dotted path. If onlyDiff is set, only the hyperparameters that differ across checkpoints are listed.
func Hyperparameters(w io.Writer, ckpts []*Checkpoint, onlyDiff bool) error {
	flat := make([]map[string]any, len(ckpts))
	paths := make([]string, len(ckpts))
	keySet := make(map[string]bool)
	for ii, c := range ckpts {
		paths[ii] = c.Path
		cfg, err := config.FromMap(c.State.HyperParameters)
		if err != nil {
			return errors.WithMessagef(err, "hyperparameters of checkpoint %q", c.Path)
		}
		flat[ii] = cfg.Flatten()
		for key := range flat[ii] {
			keySet[key] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	t := newTable(lipgloss.Left)
	t.Headers(append([]string{"Hyperparameter"}, shortNames(paths...)...)...)
	for _, key := range keys {
		values := make([]string, len(ckpts))
		for ii := range ckpts {
			if v, found := flat[ii][key]; found {
				values[ii] = fmt.Sprint(v)
			} else {
				values[ii] = "<missing>"
			}
		}
		differ := !allEqual(values)
		if onlyDiff && !differ {
			continue
		}
		t.add(differ, append([]string{key}, values...)...)
	}
	_, err := fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render("Hyperparameters"), t.Render())
	return errors.Wrap(err, "failed to write hyperparameters")
}

// Variables writes the variables of the checkpoint under scope, with their shape, size and statistics of their
// values: the value itself for scalars, else the mean absolute value (MAV), the root-mean-square (RMS) and the
// max absolute value (MaxAV). The statistics are computed with backend.
func Variables(w io.Writer, backend backends.Backend, c *Checkpoint, scope string) error {
	statsExec, err := NewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	})
	if err != nil {
		return errors.WithMessage(err, "failed to build the variable statistics graph")
	}
	defer statsExec.Finalize()

	t := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	t.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, v := range c.VariablesIn(scope) {
		if !v.IsValid() {
			t.add(true, v.Scope(), v.Name(), "<invalid>", "", "", "", "", "")
			continue
		}
		shape := v.Shape()
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "variable %s", v.ScopeAndName())
		}
		var mav, rms, maxAV string
		switch {
		case shape.Size() == 1:
			mav = fmt.Sprintf("%v", value.Value())
		case shape.DType.IsFloat():
			stats, err := statsExec.Exec(value)
			if err != nil {
				return errors.WithMessagef(err, "statistics of variable %s", v.ScopeAndName())
			}
			mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
		}
		t.add(false, v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV)
	}
	_, err = fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render(fmt.Sprintf("Variables of %s in scope %q", c.Path, scope)),
		t.Render())
	return errors.Wrap(err, "failed to write variables")
}
