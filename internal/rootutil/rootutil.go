// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rootutil finds the root directory of the project, marked by an indicator file, and sets up the
// environment from it.
package rootutil

import (
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultIndicator is the file marking the project root.
	DefaultIndicator = ".project-root"

	// EnvVar is set to the project root by SetupRoot. Configuration files refer to it with ${oc.env:PROJECT_ROOT}.
	EnvVar = "PROJECT_ROOT"
)

// FindRoot searches start and its parents for a directory holding the indicator file.
func FindRoot(start, indicator string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get absolute path of %q", start)
	}
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		dir = filepath.Dir(dir)
	}
	for {
		found, err := fsutil.FileExists(filepath.Join(dir, indicator))
		if err != nil {
			return "", err
		}
		if found {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.Errorf("project root indicator %q not found in %q or any of its parents", indicator, start)
		}
		dir = parent
	}
}

// SetupRoot finds the project root from start, optionally sets the PROJECT_ROOT environment variable and
// loads the ".env" file at the root, if present. Variables already set in the environment are not overwritten.
func SetupRoot(start, indicator string, loadDotEnv, setEnv bool) (string, error) {
	if indicator == "" {
		indicator = DefaultIndicator
	}
	root, err := FindRoot(start, indicator)
	if err != nil {
		return "", err
	}
	if setEnv {
		if err := os.Setenv(EnvVar, root); err != nil {
			return "", errors.Wrapf(err, "failed to set %s", EnvVar)
		}
	}
	if loadDotEnv {
		envFile := filepath.Join(root, ".env")
		found, err := fsutil.FileExists(envFile)
		if err != nil {
			return "", err
		}
		if found {
			if err := godotenv.Load(envFile); err != nil {
				return "", errors.Wrapf(err, "failed to load %q", envFile)
			}
			klog.V(1).Infof("Loaded environment from %q", envFile)
		}
	}
	return root, nil
}
