// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMean(t *testing.T) {
	m := NewMean()
	assert.True(t, math.IsNaN(m.Compute()))
	m.Update(1.0, 2)
	m.Update(4.0, 1)
	assert.InDelta(t, 2.0, m.Compute(), 1e-9)
	m.Reset()
	assert.True(t, math.IsNaN(m.Compute()))
}

func TestAccuracy(t *testing.T) {
	acc := NewAccuracy()
	assert.True(t, math.IsNaN(acc.Compute()))
	require.NoError(t, UpdateAccuracy(acc, []int32{1, 2, 3, 4}, []int32{1, 2, 0, 0}))
	assert.InDelta(t, 0.5, acc.Compute(), 1e-9)
	require.NoError(t, UpdateAccuracy(acc, []int32{7}, []int32{7}))
	assert.InDelta(t, 0.6, acc.Compute(), 1e-9)
	require.Error(t, UpdateAccuracy(acc, []int32{1}, []int32{1, 2}))
	acc.Reset()
	assert.True(t, math.IsNaN(acc.Compute()))

	n, err := CountCorrect([]float64{0.5, 1}, []float64{0.5, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMax(t *testing.T) {
	m := NewMax()
	assert.True(t, math.IsNaN(m.Compute()))
	m.Update(-3)
	assert.Equal(t, -3.0, m.Compute())
	m.Update(0.8)
	m.Update(math.NaN())
	m.Update(0.5)
	assert.Equal(t, 0.8, m.Compute())
	m.Reset()
	assert.True(t, math.IsNaN(m.Compute()))
}

func TestMetricType(t *testing.T) {
	assert.Equal(t, LossMetricType, MetricType("val/loss"))
	assert.Equal(t, AccuracyMetricType, MetricType("val/acc_best"))
	assert.Equal(t, AccuracyMetricType, MetricType("acc"))
	assert.Equal(t, "lr", MetricType("lr"))
}
