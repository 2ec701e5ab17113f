// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records experiment runs on the local disk: the configuration of the run, the metrics logged
// during training and a summary when the run finishes.
//
// Each run gets its own directory "<save_dir>/tracking/run-<time>-<id>" holding:
//
//   - run.pb: length-delimited protobuf records (structpb.Struct), one per call to SetConfig, Log and Finish.
//   - summary.yaml: last value of every metric, exit code and duration, written by Finish.
//
// There is at most one active run per process. It must be finished explicitly, so that sweeps with many
// runs in the same process don't leave runs open: see Finish.
package tracking

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	// RecordsFile is the name of the file with the protobuf records of a run.
	RecordsFile = "run.pb"

	// SummaryFile is the name of the run summary written by Run.Finish.
	SummaryFile = "summary.yaml"

	recordTypeKey = "type"
)

// Options to start a run.
type Options struct {
	// SaveDir is the base directory: the run is created under SaveDir/tracking.
	SaveDir string

	// Project and Name are free descriptive fields.
	Project string
	Name    string

	// Tags of the run.
	Tags []string

	// ID of the run. If empty, a new UUID is generated.
	ID string
}

// Run is an experiment run being tracked.
type Run struct {
	mu sync.Mutex

	id, name, project string
	tags              []string
	dir               string
	startTime         time.Time
	file              *os.File
	writer            *bufio.Writer
	latest            map[string]float64
	lastStep          int64
	finished          bool
}

var (
	muActive  sync.Mutex
	activeRun *Run
)

// Init starts a new run and makes it the active run. It fails if there is already an active run.
func Init(opts Options) (*Run, error) {
	muActive.Lock()
	defer muActive.Unlock()
	if activeRun != nil {
		return nil, errors.Errorf("tracking run %q is still active, call Finish first", activeRun.id)
	}
	if opts.SaveDir == "" {
		return nil, errors.New("tracking requires a save directory")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	start := time.Now()
	dir := filepath.Join(opts.SaveDir, "tracking", fmt.Sprintf("run-%s-%s", start.Format("20060102_150405"), id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create tracking directory %q", dir)
	}
	f, err := os.Create(filepath.Join(dir, RecordsFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create tracking records in %q", dir)
	}
	r := &Run{
		id:        id,
		name:      opts.Name,
		project:   opts.Project,
		tags:      slices.Clone(opts.Tags),
		dir:       dir,
		startTime: start,
		file:      f,
		writer:    bufio.NewWriter(f),
		latest:    make(map[string]float64),
	}
	tags := make([]any, len(opts.Tags))
	for ii, tag := range opts.Tags {
		tags[ii] = tag
	}
	err = r.write("init", map[string]any{
		"id":         id,
		"name":       opts.Name,
		"project":    opts.Project,
		"tags":       tags,
		"start_time": start.Format(time.RFC3339Nano),
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	activeRun = r
	klog.V(1).Infof("Tracking run %s in %q", id, dir)
	return r, nil
}

// Active returns the active run, or nil if there is none.
func Active() *Run {
	muActive.Lock()
	defer muActive.Unlock()
	return activeRun
}

// Finish finishes the active run, if there is one.
func Finish(exitCode int) error {
	r := Active()
	if r == nil {
		return nil
	}
	return r.Finish(exitCode)
}

// ID of the run.
func (r *Run) ID() string { return r.id }

// Dir where the run files are stored.
func (r *Run) Dir() string { return r.dir }

// Finished returns whether Finish was called.
func (r *Run) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// toStructValues converts values to the types accepted by structpb.
func toStructValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = toStructValue(v)
	}
	return out
}

func toStructValue(v any) any {
	switch value := v.(type) {
	case nil, bool, string, int, int32, int64, uint32, uint64, float32, float64:
		return value
	case map[string]any:
		return toStructValues(value)
	case []any:
		list := make([]any, len(value))
		for ii, elem := range value {
			list[ii] = toStructValue(elem)
		}
		return list
	case []string:
		list := make([]any, len(value))
		for ii, elem := range value {
			list[ii] = elem
		}
		return list
	default:
		return fmt.Sprint(value)
	}
}

// write one record. It must be called with r.mu locked, or before the run is published.
func (r *Run) write(recordType string, fields map[string]any) error {
	if r.finished {
		return errors.Errorf("tracking run %q already finished", r.id)
	}
	values := toStructValues(fields)
	values[recordTypeKey] = recordType
	msg, err := structpb.NewStruct(values)
	if err != nil {
		return errors.Wrapf(err, "failed to convert %q record of run %q", recordType, r.id)
	}
	if _, err := protodelim.MarshalTo(r.writer, msg); err != nil {
		return errors.Wrapf(err, "failed to write %q record of run %q", recordType, r.id)
	}
	return errors.Wrapf(r.writer.Flush(), "failed to write %q record of run %q", recordType, r.id)
}

// SetConfig records the configuration of the run.
func (r *Run) SetConfig(cfg map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write("config", map[string]any{"config": cfg})
}

// Log records the metrics at the given step.
func (r *Run) Log(metrics map[string]float64, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make(map[string]any, len(metrics))
	for k, v := range metrics {
		values[k] = v
		r.latest[k] = v
	}
	r.lastStep = step
	return r.write("metrics", map[string]any{
		"step":    step,
		"time":    time.Since(r.startTime).Seconds(),
		"metrics": values,
	})
}

// Summary returns the last logged value of every metric.
func (r *Run) Summary() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.latest)
}

type runSummary struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name,omitempty"`
	Project    string             `yaml:"project,omitempty"`
	Tags       []string           `yaml:"tags,omitempty"`
	ExitCode   int                `yaml:"exit_code"`
	Duration   string             `yaml:"duration"`
	LastStep   int64              `yaml:"last_step"`
	Metrics    map[string]float64 `yaml:"metrics"`
	StartTime  string             `yaml:"start_time"`
	FinishTime string             `yaml:"finish_time"`
}

// Finish closes the run, writing its summary, and clears it as the active run. Calling Finish more than once
// is a no-op.
func (r *Run) Finish(exitCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}
	defer func() {
		muActive.Lock()
		if activeRun == r {
			activeRun = nil
		}
		muActive.Unlock()
	}()

	finish := time.Now()
	latest := make(map[string]any, len(r.latest))
	for k, v := range r.latest {
		latest[k] = v
	}
	err := r.write("finish", map[string]any{
		"exit_code": exitCode,
		"duration":  finish.Sub(r.startTime).Seconds(),
		"summary":   latest,
	})
	r.finished = true
	if closeErr := r.file.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close records of run %q", r.id)
	}
	if err != nil {
		return err
	}

	summary := runSummary{
		ID:         r.id,
		Name:       r.name,
		Project:    r.project,
		Tags:       r.tags,
		ExitCode:   exitCode,
		Duration:   finish.Sub(r.startTime).Round(time.Millisecond).String(),
		LastStep:   r.lastStep,
		Metrics:    maps.Clone(r.latest),
		StartTime:  r.startTime.Format(time.RFC3339),
		FinishTime: finish.Format(time.RFC3339),
	}
	data, err := yaml.Marshal(&summary)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize summary of run %q", r.id)
	}
	path := filepath.Join(r.dir, SummaryFile)
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write summary of run %q", r.id)
}

// ReadRecords reads all records of a run from its records file.
func ReadRecords(path string) ([]*structpb.Struct, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open tracking records %q", path)
	}
	defer func() { _ = f.Close() }()
	reader := bufio.NewReader(f)
	var records []*structpb.Struct
	for {
		msg := &structpb.Struct{}
		err := protodelim.UnmarshalFrom(reader, msg)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read record #%d of %q", len(records), path)
		}
		records = append(records, msg)
	}
	return records, nil
}

// RecordType returns the type of a record read with ReadRecords: "init", "config", "metrics" or "finish".
func RecordType(record *structpb.Struct) string {
	return record.GetFields()[recordTypeKey].GetStringValue()
}
