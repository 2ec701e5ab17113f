// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import "github.com/gomlx/mnist-template/pkg/config"

// Target is the configuration "_target_" that instantiates a DataModule.
const Target = "mnist.DataModule"

func init() {
	config.Register(Target, func(cfg *config.Config) (any, error) {
		dmCfg := DefaultConfig()
		if err := cfg.Decode(&dmCfg); err != nil {
			return nil, err
		}
		return New(dmCfg)
	})
}
