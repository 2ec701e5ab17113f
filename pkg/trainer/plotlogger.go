// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/mnist-template/pkg/metrics"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// PlotPointsFile is where PlotLogger saves the points, one JSON object per line.
const PlotPointsFile = "plot_points.jsonl"

// Point of a metric plot.
type Point struct {
	// MetricName of this point, like "val/acc".
	MetricName string

	// MetricType like "loss" or "accuracy": metrics of the same type are drawn in the same plot.
	MetricType string

	// Step is the global step when the metric was measured.
	Step float64

	// Value is the metric captured.
	Value float64
}

// PlotLogger draws one PNG per metric type (loss, accuracy, ...) under <save_dir>/<name>, with one line per
// metric, over the global step. Only epoch level metrics (logged along with "epoch") are drawn.
type PlotLogger struct {
	Dir     string `yaml:"save_dir"`
	RunName string `yaml:"name"`

	// Width and Height of the images in inches.
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`

	// StepMetrics also draws the metrics logged on every step.
	StepMetrics bool `yaml:"step_metrics"`

	points []Point
}

var _ Logger = (*PlotLogger)(nil)

// NewPlotLogger returns a PlotLogger writing to saveDir/plots.
func NewPlotLogger(saveDir string) *PlotLogger {
	return &PlotLogger{Dir: saveDir, RunName: "plots", Width: 6, Height: 4}
}

// Name implements Logger.
func (l *PlotLogger) Name() string { return "PlotLogger" }

// SaveDir implements Logger.
func (l *PlotLogger) SaveDir() string { return l.Dir }

// PlotDir is the directory of the images.
func (l *PlotLogger) PlotDir() string {
	name := l.RunName
	if name == "" {
		name = "plots"
	}
	return filepath.Join(l.Dir, name)
}

// LogHyperparams implements Logger. Hyperparameters are not plotted.
func (l *PlotLogger) LogHyperparams(map[string]any) error { return nil }

// LogMetrics implements Logger.
func (l *PlotLogger) LogMetrics(logged map[string]float64, step int64) error {
	if _, isEpoch := logged["epoch"]; !isEpoch && !l.StepMetrics {
		return nil
	}
	for _, name := range sortedKeys(logged) {
		value := logged[name]
		if name == "epoch" || math.IsNaN(value) || math.IsInf(value, 0) {
			continue
		}
		l.points = append(l.points, Point{
			MetricName: name,
			MetricType: metrics.MetricType(name),
			Step:       float64(step),
			Value:      value,
		})
	}
	return nil
}

// Points logged so far.
func (l *PlotLogger) Points() []Point { return slices.Clone(l.points) }

// Finalize implements Logger: it saves the points and draws the plots.
func (l *PlotLogger) Finalize(status string) error {
	if len(l.points) == 0 {
		return nil
	}
	dir := l.PlotDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "PlotLogger: failed to create %q", dir)
	}
	if err := SavePoints(filepath.Join(dir, PlotPointsFile), l.points); err != nil {
		return err
	}
	files, err := l.Draw(dir)
	if err != nil {
		return err
	}
	klog.V(1).Infof("PlotLogger (%s): saved %v", status, files)
	return nil
}

// Draw writes one PNG per metric type to dir, and returns the files written.
func (l *PlotLogger) Draw(dir string) ([]string, error) {
	byType := make(map[string]map[string]plotter.XYs)
	for _, point := range l.points {
		byName, found := byType[point.MetricType]
		if !found {
			byName = make(map[string]plotter.XYs)
			byType[point.MetricType] = byName
		}
		byName[point.MetricName] = append(byName[point.MetricName], plotter.XY{X: point.Step, Y: point.Value})
	}
	width, height := l.Width, l.Height
	if width <= 0 || height <= 0 {
		width, height = 6, 4
	}
	var files []string
	for _, metricType := range sortedKeys(byType) {
		p := plot.New()
		p.Title.Text = metricType
		p.X.Label.Text = "step"
		p.Y.Label.Text = metricType
		p.Legend.Top = true
		p.Add(plotter.NewGrid())
		for ii, name := range sortedKeys(byType[metricType]) {
			line, err := plotter.NewLine(byType[metricType][name])
			if err != nil {
				return files, errors.Wrapf(err, "PlotLogger: failed to plot %q", name)
			}
			line.Width = vg.Points(2)
			line.Color = plotutil.Color(ii)
			p.Add(line)
			p.Legend.Add(name, line)
		}
		path := filepath.Join(dir, strings.ReplaceAll(metricType, string(os.PathSeparator), "_")+".png")
		if err := p.Save(vg.Length(width)*vg.Inch, vg.Length(height)*vg.Inch, path); err != nil {
			return files, errors.Wrapf(err, "PlotLogger: failed to save %q", path)
		}
		files = append(files, path)
	}
	return files, nil
}

// SavePoints writes the points to filePath, one JSON object per line.
func SavePoints(filePath string, points []Point) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to write points to %q", filePath)
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write points to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// LoadPoints reads the points saved with SavePoints.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var points []Point
	dec := json.NewDecoder(f)
	for dec.More() {
		var point Point
		if err = dec.Decode(&point); err != nil {
			return nil, errors.Wrapf(err, "failed to parse points in %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}
