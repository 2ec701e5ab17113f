// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// MetricsCSVFile written by CSVLogger.
	MetricsCSVFile = "metrics.csv"

	// HParamsFile written by CSVLogger.
	HParamsFile = "hparams.yaml"
)

// CSVLogger writes the metrics to <save_dir>/<name>/version_<N>/metrics.csv, one row per call to LogMetrics,
// and the hyperparameters to hparams.yaml in the same directory.
type CSVLogger struct {
	Dir     string `yaml:"save_dir"`
	RunName string `yaml:"name"`

	// Version of the run. If nil, the next free version is used.
	Version *int `yaml:"version"`

	// Prefix added to the name of every metric.
	Prefix string `yaml:"prefix"`

	// FlushLogsEveryNSteps is the number of rows between writes of the file.
	FlushLogsEveryNSteps int `yaml:"flush_logs_every_n_steps"`

	logDir  string
	rows    []map[string]string
	columns []string
	unsaved int
	hparams map[string]any
}

var _ Logger = (*CSVLogger)(nil)

// NewCSVLogger returns a CSVLogger writing under saveDir/csv.
func NewCSVLogger(saveDir string) *CSVLogger {
	return &CSVLogger{Dir: saveDir, RunName: "csv", FlushLogsEveryNSteps: 100}
}

// Name implements Logger.
func (l *CSVLogger) Name() string { return "CSVLogger" }

// SaveDir implements Logger.
func (l *CSVLogger) SaveDir() string { return l.Dir }

// LogDir is the versioned directory of the files. It's created on the first write.
func (l *CSVLogger) LogDir() (string, error) {
	if l.logDir != "" {
		return l.logDir, nil
	}
	if l.Dir == "" {
		return "", errors.Errorf("CSVLogger: save_dir not set")
	}
	name := l.RunName
	if name == "" {
		name = "csv"
	}
	version := -1
	if l.Version != nil {
		version = *l.Version
	}
	dir, err := versionedDir(l.Dir, name, version)
	if err != nil {
		return "", err
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "CSVLogger: failed to create %q", dir)
	}
	l.logDir = dir
	return dir, nil
}

// LogHyperparams implements Logger.
func (l *CSVLogger) LogHyperparams(params map[string]any) error {
	if l.hparams == nil {
		l.hparams = make(map[string]any, len(params))
	}
	for key, value := range params {
		l.hparams[key] = value
	}
	dir, err := l.LogDir()
	if err != nil {
		return err
	}
	contents, err := yaml.Marshal(l.hparams)
	if err != nil {
		return errors.Wrap(err, "CSVLogger: failed to encode hyperparameters")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, HParamsFile), contents, 0o644),
		"CSVLogger: failed to write hyperparameters")
}

// LogMetrics implements Logger.
func (l *CSVLogger) LogMetrics(metrics map[string]float64, step int64) error {
	row := make(map[string]string, len(metrics)+1)
	for name, value := range metrics {
		name = l.Prefix + name
		row[name] = strconv.FormatFloat(value, 'g', -1, 64)
		if !slices.Contains(l.columns, name) {
			l.columns = append(l.columns, name)
		}
	}
	row["step"] = strconv.FormatInt(step, 10)
	l.rows = append(l.rows, row)
	l.unsaved++
	if l.FlushLogsEveryNSteps <= 0 || l.unsaved >= l.FlushLogsEveryNSteps {
		return l.Save()
	}
	return nil
}

// Save writes all the rows logged so far. Columns are the sorted metric names, followed by "step". Metrics
// missing in a row are left empty.
func (l *CSVLogger) Save() error {
	if len(l.rows) == 0 {
		return nil
	}
	dir, err := l.LogDir()
	if err != nil {
		return err
	}
	columns := slices.Sorted(slices.Values(l.columns))
	columns = append(columns, "step")
	records := make([][]string, 0, len(l.rows)+1)
	records = append(records, columns)
	for _, row := range l.rows {
		record := make([]string, len(columns))
		for ii, column := range columns {
			record[ii] = row[column]
		}
		records = append(records, record)
	}
	df := dataframe.LoadRecords(records, dataframe.DetectTypes(false), dataframe.DefaultType(series.String),
		dataframe.HasHeader(true))
	if df.Err != nil {
		return errors.Wrap(df.Err, "CSVLogger: failed to build metrics table")
	}
	f, err := os.Create(filepath.Join(dir, MetricsCSVFile))
	if err != nil {
		return errors.Wrapf(err, "CSVLogger: failed to create %s", MetricsCSVFile)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "CSVLogger: failed to write %s", MetricsCSVFile)
	}
	l.unsaved = 0
	return errors.Wrapf(f.Close(), "CSVLogger: failed to close %s", MetricsCSVFile)
}

// Finalize implements Logger.
func (l *CSVLogger) Finalize(status string) error {
	if len(l.rows) == 0 && l.hparams == nil {
		return nil
	}
	klog.V(1).Infof("CSVLogger: %d rows of metrics, status %s", len(l.rows), status)
	return l.Save()
}

// ReadMetricsCSV reads a metrics.csv written by CSVLogger. Empty values are read as NaN.
func ReadMetricsCSV(path string) (dataframe.DataFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return dataframe.DataFrame{}, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.DefaultType(series.Float), dataframe.DetectTypes(false),
		dataframe.WithTypes(map[string]series.Type{"step": series.Int}))
	if df.Err != nil {
		return df, errors.Wrapf(df.Err, "failed to parse %q", path)
	}
	return df, nil
}
