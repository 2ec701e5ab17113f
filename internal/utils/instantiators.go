// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package utils

import (
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/gomlx/mnist-template/pkg/trainer"
	"github.com/pkg/errors"
)

// instantiateAll instantiates, in order, the entries of cfg that have a "_target_". Entries without one
// (e.g. disabled with "null") are skipped.
func instantiateAll[T any](cfg *config.Config, path, kind string) ([]T, error) {
	if cfg == nil {
		return nil, nil
	}
	raw, found := cfg.Raw(path)
	if !found || raw == nil {
		log.Warningf("No %s configs found! Skipping...", kind)
		return nil, nil
	}
	group, ok := raw.(*config.Config)
	if !ok {
		return nil, errors.Errorf("%s config must be a mapping, got %T", kind, raw)
	}
	if group.IsEmpty() {
		log.Warningf("No %s configs found! Skipping...", kind)
		return nil, nil
	}
	var objects []T
	for _, key := range group.Keys() {
		entry := group.Sub(key)
		target, found := config.TargetOf(entry)
		if !found {
			continue
		}
		log.Infof("Instantiating %s <%s>", kind, target)
		obj, err := config.InstantiateAs[T](entry)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s %q", kind, key)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// InstantiateCallbacks instantiates the callbacks configured under the "callbacks" key of cfg.
func InstantiateCallbacks(cfg *config.Config) ([]trainer.Callback, error) {
	return instantiateAll[trainer.Callback](cfg, "callbacks", "callback")
}

// InstantiateLoggers instantiates the loggers configured under the "logger" key of cfg.
func InstantiateLoggers(cfg *config.Config) ([]trainer.Logger, error) {
	return instantiateAll[trainer.Logger](cfg, "logger", "logger")
}
