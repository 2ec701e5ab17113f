// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics implements running metrics accumulated on the host, across the batches of an epoch:
// the mean of a value (e.g. the loss), the classification accuracy and the running maximum of a value.
//
// The per-batch values are computed by the model graph; these accumulators only aggregate them.
package metrics

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Metric types, used to group metrics of the same kind, e.g. in the same plot.
const (
	LossMetricType     = "loss"
	AccuracyMetricType = "accuracy"
)

// Number is any integer or float type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Metric is a running metric.
type Metric interface {
	// Compute returns the current value of the metric, or NaN if it has seen no data.
	Compute() float64

	// Reset the metric to its initial state.
	Reset()
}

// Mean is the running (weighted) mean of a value.
type Mean struct {
	sum, weight float64
}

// NewMean returns a new empty Mean.
func NewMean() *Mean {
	return &Mean{}
}

// Update adds value with the given weight, usually the number of examples of the batch.
func (m *Mean) Update(value, weight float64) {
	m.sum += value * weight
	m.weight += weight
}

// Compute implements Metric.
func (m *Mean) Compute() float64 {
	if m.weight == 0 {
		return math.NaN()
	}
	return m.sum / m.weight
}

// Reset implements Metric.
func (m *Mean) Reset() {
	m.sum, m.weight = 0, 0
}

// Accuracy is the running fraction of correct predictions.
type Accuracy struct {
	correct, total int64
}

// NewAccuracy returns a new empty Accuracy.
func NewAccuracy() *Accuracy {
	return &Accuracy{}
}

// Update adds the given counts of correct predictions out of total.
func (a *Accuracy) Update(correct, total int) {
	a.correct += int64(correct)
	a.total += int64(total)
}

// Compute implements Metric.
func (a *Accuracy) Compute() float64 {
	if a.total == 0 {
		return math.NaN()
	}
	return float64(a.correct) / float64(a.total)
}

// Reset implements Metric.
func (a *Accuracy) Reset() {
	a.correct, a.total = 0, 0
}

// CountCorrect returns how many predictions match their targets.
func CountCorrect[T Number](predictions, targets []T) (int, error) {
	if len(predictions) != len(targets) {
		return 0, errors.Errorf("predictions (%d) and targets (%d) must have the same length",
			len(predictions), len(targets))
	}
	correct := 0
	for ii, p := range predictions {
		if p == targets[ii] {
			correct++
		}
	}
	return correct, nil
}

// UpdateAccuracy updates acc with the predictions and targets of one batch.
func UpdateAccuracy[T Number](acc *Accuracy, predictions, targets []T) error {
	correct, err := CountCorrect(predictions, targets)
	if err != nil {
		return err
	}
	acc.Update(correct, len(targets))
	return nil
}

// Max is the running maximum of a value.
type Max struct {
	value float64
	set   bool
}

// NewMax returns a new empty Max.
func NewMax() *Max {
	return &Max{}
}

// Update the maximum with value. NaN values are ignored.
func (m *Max) Update(value float64) {
	if math.IsNaN(value) {
		return
	}
	if !m.set || value > m.value {
		m.value = value
		m.set = true
	}
}

// Compute implements Metric.
func (m *Max) Compute() float64 {
	if !m.set {
		return math.NaN()
	}
	return m.value
}

// Reset implements Metric.
func (m *Max) Reset() {
	m.value, m.set = 0, false
}

// MetricType returns the metric type of a metric name, like "val/acc" or "train/loss", based on its suffix.
func MetricType(name string) string {
	for ii := len(name) - 1; ii >= 0; ii-- {
		if name[ii] == '/' {
			name = name[ii+1:]
			break
		}
	}
	switch name {
	case "loss":
		return LossMetricType
	case "acc", "acc_best", "accuracy":
		return AccuracyMetricType
	default:
		return name
	}
}
