// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ranklog

import (
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// RankEnvVars are the environment variables checked, in order, by InitFromEnv.
var RankEnvVars = []string{"RANK", "LOCAL_RANK", "SLURM_PROCID", "JSM_NAMESPACE_RANK"}

var (
	muRank     sync.RWMutex
	globalRank = -1
)

// SetGlobalRank sets the rank of the current process. It must be called (or InitFromEnv) before any Logger is used.
func SetGlobalRank(rank int) {
	muRank.Lock()
	defer muRank.Unlock()
	globalRank = rank
}

// ResetGlobalRank makes the global rank uninitialized again.
func ResetGlobalRank() {
	SetGlobalRank(-1)
}

// GlobalRank returns the rank of the current process and whether it was initialized.
func GlobalRank() (rank int, ok bool) {
	muRank.RLock()
	defer muRank.RUnlock()
	return globalRank, globalRank >= 0
}

// IsRankZero returns whether the current process has rank 0. An uninitialized rank is not rank zero.
func IsRankZero() bool {
	rank, ok := GlobalRank()
	return ok && rank == 0
}

// RankFromEnv returns the rank given by the first set variable of RankEnvVars, or 0 if none is set.
func RankFromEnv() (int, error) {
	for _, name := range RankEnvVars {
		value, found := os.LookupEnv(name)
		if !found || value == "" {
			continue
		}
		rank, err := strconv.Atoi(value)
		if err != nil || rank < 0 {
			return 0, errors.Errorf("invalid process rank %q in environment variable %s", value, name)
		}
		return rank, nil
	}
	return 0, nil
}

// InitFromEnv sets the global rank from the environment (see RankFromEnv) and returns it.
func InitFromEnv() (int, error) {
	rank, err := RankFromEnv()
	if err != nil {
		return 0, err
	}
	SetGlobalRank(rank)
	return rank, nil
}
