// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"
)

// GlobalSeedEnv is the environment variable set by SeedEverything, read by processes spawned by the run.
const GlobalSeedEnv = "GLOBAL_SEED"

// SeedEverything returns the seed of the run: the given one, or the one in GlobalSeedEnv, or a random one.
// The seed is exported in GlobalSeedEnv.
//
// The returned seed goes into Config.Seed: the Trainer seeds the shuffling of the data module (Seedable) and
// the context RNG (SeedContext) with it when a stage is set up.
func SeedEverything(seed *int64) int64 {
	var value int64
	switch {
	case seed != nil:
		value = *seed
	case os.Getenv(GlobalSeedEnv) != "":
		parsed, err := strconv.ParseInt(os.Getenv(GlobalSeedEnv), 10, 64)
		if err != nil {
			klog.Warningf("Invalid %s=%q, using a random seed", GlobalSeedEnv, os.Getenv(GlobalSeedEnv))
			value = rand.Int64N(1 << 32)
		} else {
			value = parsed
		}
	default:
		value = rand.Int64N(1 << 32)
		klog.Warningf("No seed given, seed set to %d", value)
	}
	if err := os.Setenv(GlobalSeedEnv, strconv.FormatInt(value, 10)); err != nil {
		klog.Warningf("Failed to set %s: %v", GlobalSeedEnv, err)
	}
	klog.Infof("Seed set to %d", value)
	return value
}

// SeedContext makes the initialization of the variables and the random numbers of the context deterministic.
func SeedContext(ctx *context.Context, seed int64) {
	ctx.SetParam(context.ParamInitialSeed, seed)
	ctx.RngStateFromSeed(seed)
}
