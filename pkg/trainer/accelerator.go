// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendConfig returns the GoMLX backend configuration for the accelerator: "cpu" and "simplego" use the pure Go
// backend, "gpu" uses XLA with CUDA, and "auto" (or "") uses the default backend, which can be overridden with
// the GOMLX_BACKEND environment variable.
func BackendConfig(accelerator string) (string, error) {
	switch strings.ToLower(accelerator) {
	case "cpu", "simplego", simplego.BackendName:
		return simplego.BackendName, nil
	case "gpu", "cuda":
		return "xla:cuda", nil
	case "auto", "":
		return "", nil
	}
	return "", errors.Errorf("unknown accelerator %q: use \"cpu\", \"gpu\", \"simplego\" or \"auto\"", accelerator)
}

// NewBackend creates the backend for the accelerator. See BackendConfig.
func NewBackend(accelerator string) (backends.Backend, error) {
	config, err := BackendConfig(accelerator)
	if err != nil {
		return nil, err
	}
	logCPUInfo()
	var backend backends.Backend
	if config == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(config)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for accelerator %q", accelerator)
	}
	klog.Infof("Backend: %s", backend.Description())
	return backend, nil
}

func logCPUInfo() {
	klog.V(1).Infof("CPU: %s (%d physical cores, %d logical), AVX2=%v, AVX512F=%v",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX512F))
}

// checkWorldSize returns the world size of the configuration, or an error if it is larger than 1: there is no
// distributed training.
func checkWorldSize(cfg *Config) (int, error) {
	worldSize, err := cfg.WorldSize()
	if err != nil {
		return 0, err
	}
	if worldSize > 1 {
		devices, _ := cfg.NumDevices()
		return 0, errors.Errorf("distributed training is not supported: world size is %d (devices=%d x num_nodes=%d, "+
			"strategy %q), set trainer.devices=1 and trainer.num_nodes=1", worldSize, devices, cfg.NumNodes,
			cfg.Strategy)
	}
	return worldSize, nil
}
