// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// TargetKey is the configuration key naming the registered factory used to instantiate a configuration node.
const TargetKey = "_target_"

// PartialKey marks a node whose object is created later, possibly more than once, by the code using it.
const PartialKey = "_partial_"

// Factory builds an object from its configuration node, which includes the TargetKey.
type Factory func(cfg *Config) (any, error)

var (
	muRegistry sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register a factory for the given target name (e.g. "mnist.DataModule"). It is meant to be called at init() time,
// and it panics if the target was already registered.
func Register(target string, factory Factory) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[target]; found {
		panic(errors.Errorf("config: target %q registered twice", target))
	}
	registry[target] = factory
}

// RegisteredTargets returns the sorted list of registered targets.
func RegisteredTargets() []string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

// TargetOf returns the target of a configuration node, if it has one.
func TargetOf(cfg *Config) (string, bool) {
	if cfg == nil {
		return "", false
	}
	v, found := cfg.Get(TargetKey)
	if !found {
		return "", false
	}
	target, ok := v.(string)
	return target, ok && target != ""
}

// Instantiate the object described by cfg, using the factory registered for its TargetKey.
func Instantiate(cfg *Config) (any, error) {
	target, found := TargetOf(cfg)
	if !found {
		return nil, errors.Errorf("configuration %q has no %q to instantiate", cfg.Path(), TargetKey)
	}
	muRegistry.RLock()
	factory, found := registry[target]
	muRegistry.RUnlock()
	if !found {
		return nil, errors.Errorf("error locating target %q (configuration %q): registered targets are [%s]",
			target, cfg.Path(), strings.Join(RegisteredTargets(), ", "))
	}
	obj, err := factory(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "error instantiating %q", target)
	}
	return obj, nil
}

// InstantiateAs instantiates cfg and checks the result is of type T.
func InstantiateAs[T any](cfg *Config) (T, error) {
	var zero T
	obj, err := Instantiate(cfg)
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		target, _ := TargetOf(cfg)
		return zero, errors.Errorf("target %q built a %T, expected %T", target, obj, zero)
	}
	return typed, nil
}
