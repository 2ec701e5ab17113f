// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/mnist-template/pkg/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TrackerLogger sends the hyperparameters and metrics to a tracking run. The run is started on first use, or
// the active run is reused. The run is not finished by the logger: it's closed at the end of the task.
type TrackerLogger struct {
	Dir     string   `yaml:"save_dir"`
	Project string   `yaml:"project"`
	RunName string   `yaml:"name"`
	Tags    []string `yaml:"tags"`
	ID      string   `yaml:"id"`

	run *tracking.Run
}

var _ Logger = (*TrackerLogger)(nil)

// Name implements Logger.
func (l *TrackerLogger) Name() string { return "TrackerLogger" }

// SaveDir implements Logger.
func (l *TrackerLogger) SaveDir() string { return l.Dir }

// Run returns the tracking run, starting it if needed.
func (l *TrackerLogger) Run() (*tracking.Run, error) {
	if l.run != nil && !l.run.Finished() {
		return l.run, nil
	}
	if active := tracking.Active(); active != nil {
		l.run = active
		return active, nil
	}
	run, err := tracking.Init(tracking.Options{
		SaveDir: l.Dir,
		Project: l.Project,
		Name:    l.RunName,
		Tags:    l.Tags,
		ID:      l.ID,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "TrackerLogger")
	}
	klog.Infof("Tracking run %s in %s", run.ID(), run.Dir())
	l.run = run
	return run, nil
}

// LogHyperparams implements Logger.
func (l *TrackerLogger) LogHyperparams(params map[string]any) error {
	run, err := l.Run()
	if err != nil {
		return err
	}
	return run.SetConfig(params)
}

// LogMetrics implements Logger.
func (l *TrackerLogger) LogMetrics(metrics map[string]float64, step int64) error {
	run, err := l.Run()
	if err != nil {
		return err
	}
	return run.Log(metrics, step)
}

// Finalize implements Logger.
func (l *TrackerLogger) Finalize(status string) error {
	if l.run != nil {
		klog.V(1).Infof("TrackerLogger: run %s %s", l.run.ID(), status)
	}
	return nil
}
