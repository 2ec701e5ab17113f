// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EarlyStopping requests the Trainer to stop when the monitored metric stops improving.
// It is checked at the end of every validation.
type EarlyStopping struct {
	Monitor string `yaml:"monitor"`

	// MinDelta is the minimum change of the monitored metric to count as an improvement.
	MinDelta float64 `yaml:"min_delta"`

	// Patience is the number of checks without improvement before stopping.
	Patience int `yaml:"patience"`

	// Mode is "min" or "max".
	Mode string `yaml:"mode"`

	// CheckFinite stops the training when the metric becomes NaN or infinite.
	CheckFinite bool `yaml:"check_finite"`

	// StoppingThreshold, if set, stops the training as soon as the metric reaches it.
	StoppingThreshold *float64 `yaml:"stopping_threshold"`

	// DivergenceThreshold, if set, stops the training as soon as the metric is worse than it.
	DivergenceThreshold *float64 `yaml:"divergence_threshold"`

	Verbose bool `yaml:"verbose"`

	waitCount    int
	stoppedEpoch int
	bestScore    float64
}

var _ StatefulCallback = (*EarlyStopping)(nil)

// NewEarlyStopping returns an EarlyStopping with the default values for monitor.
func NewEarlyStopping(monitor string) *EarlyStopping {
	return &EarlyStopping{
		Monitor:     monitor,
		Patience:    3,
		Mode:        "min",
		CheckFinite: true,
	}
}

// Name implements Callback.
func (es *EarlyStopping) Name() string { return "EarlyStopping" }

// StoppedEpoch is the epoch when the stop was requested, or 0.
func (es *EarlyStopping) StoppedEpoch() int { return es.stoppedEpoch }

// BestScore so far.
func (es *EarlyStopping) BestScore() float64 { return es.bestScore }

// Attach implements Callback.
func (es *EarlyStopping) Attach(t *Trainer) error {
	if es.Monitor == "" {
		return errors.Errorf("EarlyStopping: monitor must be set")
	}
	if es.Mode != "min" && es.Mode != "max" {
		return errors.Errorf("EarlyStopping: mode %q is unknown, use \"min\" or \"max\"", es.Mode)
	}
	if es.Patience < 0 {
		return errors.Errorf("EarlyStopping: patience must be >= 0, got %d", es.Patience)
	}
	es.MinDelta = math.Abs(es.MinDelta)
	es.bestScore = math.Inf(1)
	if es.Mode == "max" {
		es.bestScore = math.Inf(-1)
	}
	t.On(EventValidationEnd, es.Name(), PriorityEarlyStopping, func(t *Trainer) error {
		if t.SanityChecking() || t.Stage() != StageFit || t.FastDevRun() > 0 {
			return nil
		}
		return es.check(t)
	})
	return nil
}

// improved returns whether current is better than the best score by more than MinDelta.
func (es *EarlyStopping) improved(current float64) bool {
	if es.Mode == "max" {
		return current-es.MinDelta > es.bestScore
	}
	return current+es.MinDelta < es.bestScore
}

func (es *EarlyStopping) check(t *Trainer) error {
	metrics := t.CallbackMetrics()
	current, found := metrics[es.Monitor]
	if !found {
		return errors.Errorf("EarlyStopping conditioned on metric %q which is not available: available metrics "+
			"are %v", es.Monitor, sortedKeys(metrics))
	}
	stop, reason := es.evaluate(current)
	if stop {
		es.stoppedEpoch = t.CurrentEpoch()
		t.RequestStop()
	}
	if reason != "" && (es.Verbose || stop) {
		klog.Infof("EarlyStopping: %s", reason)
	}
	return nil
}

// evaluate updates the state with the current value of the metric, and returns whether to stop.
func (es *EarlyStopping) evaluate(current float64) (stop bool, reason string) {
	worse := func(a, b float64) bool {
		if es.Mode == "max" {
			return a < b
		}
		return a > b
	}
	switch {
	case es.CheckFinite && (math.IsNaN(current) || math.IsInf(current, 0)):
		return true, fmt.Sprintf("monitored metric %s = %g is not finite, previous best score %g: "+
			"signaling Trainer to stop", es.Monitor, current, es.bestScore)
	case es.StoppingThreshold != nil && !worse(current, *es.StoppingThreshold):
		return true, fmt.Sprintf("stopping threshold reached: %s = %g, threshold %g: signaling Trainer to stop",
			es.Monitor, current, *es.StoppingThreshold)
	case es.DivergenceThreshold != nil && worse(current, *es.DivergenceThreshold):
		return true, fmt.Sprintf("divergence threshold reached: %s = %g, threshold %g: signaling Trainer to stop",
			es.Monitor, current, *es.DivergenceThreshold)
	case es.improved(current):
		reason = fmt.Sprintf("metric %s improved to %g (from %g)", es.Monitor, current, es.bestScore)
		es.bestScore = current
		es.waitCount = 0
		return false, reason
	}
	es.waitCount++
	if es.waitCount >= es.Patience {
		return true, fmt.Sprintf("monitored metric %s did not improve in the last %d records, best score %g: "+
			"signaling Trainer to stop", es.Monitor, es.waitCount, es.bestScore)
	}
	return false, ""
}

// StateDict implements StatefulCallback.
func (es *EarlyStopping) StateDict() map[string]any {
	return map[string]any{
		"wait_count":    es.waitCount,
		"stopped_epoch": es.stoppedEpoch,
		"best_score":    floatToState(es.bestScore),
		"patience":      es.Patience,
	}
}

// LoadStateDict implements StatefulCallback.
func (es *EarlyStopping) LoadStateDict(state map[string]any) error {
	var err error
	if es.bestScore, err = floatFromState(state, "best_score"); err != nil {
		return err
	}
	for key, ptr := range map[string]*int{"wait_count": &es.waitCount, "stopped_epoch": &es.stoppedEpoch} {
		value, err := floatFromState(state, key)
		if err != nil {
			return err
		}
		*ptr = int(value)
	}
	return nil
}
