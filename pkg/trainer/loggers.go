// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Logger receives the hyperparameters and the metrics of a run.
type Logger interface {
	// Name of the logger.
	Name() string

	// SaveDir is the directory where the logger writes, or "" if it doesn't write files.
	SaveDir() string

	// LogHyperparams records the flat mapping of hyperparameters.
	LogHyperparams(params map[string]any) error

	// LogMetrics records scalar metrics at the given global step.
	LogMetrics(metrics map[string]float64, step int64) error

	// Finalize is called at the end of Fit and Test, with status "success" or "failed".
	Finalize(status string) error
}

// sortedKeys returns the keys of m in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// nextVersion returns the next "version_N" subdirectory name of dir: one more than the largest one there.
func nextVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "failed to list %q", dir)
	}
	version := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "version_") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), "version_"))
		if err == nil && n >= version {
			version = n + 1
		}
	}
	return version, nil
}

// versionedDir returns <saveDir>/<name>/version_<N>, choosing the next free version if version < 0.
func versionedDir(saveDir, name string, version int) (string, error) {
	root := filepath.Join(saveDir, name)
	if version < 0 {
		var err error
		version, err = nextVersion(root)
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(root, "version_"+strconv.Itoa(version)), nil
}
