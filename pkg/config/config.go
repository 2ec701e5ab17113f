// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config implements a hierarchical configuration tree, composed from YAML files organised in groups
// and overridden from the command line.
//
// A Config is an ordered mapping of string keys to values. Values are one of: nil, bool, int, float64, string,
// []any (lists) or *Config (sub-trees). Keys keep the order in which they were defined, which is the order
// used when the configuration is printed or saved.
//
// Paths are dot separated, e.g. "trainer.max_epochs". List elements can be addressed by their index, e.g.
// "tags.0".
//
// String values may contain interpolations, like "${paths.root_dir}/data" or "${oc.env:HOME}", see Config.Resolve.
//
// Once composed (see Composer), configurations are set in "struct mode": setting a key that doesn't exist yet
// is an error, except within an OpenDict call.
package config

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config is an ordered tree of configuration values. Create it with New, FromMap, Parse or Load, or compose it
// from a directory of configuration files with a Composer.
//
// It is not safe for concurrent mutation.
type Config struct {
	keys   []string
	values map[string]any
	parent *Config

	// Only used at the root of the tree.
	structMode bool
	openDepth  int
}

// New returns an empty configuration.
func New() *Config {
	return &Config{values: make(map[string]any)}
}

// FromMap creates a configuration from a Go map. Nested maps become sub-configurations.
// Since Go maps have no order, keys are sorted.
func FromMap(m map[string]any) (*Config, error) {
	c := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := normalize(m[k])
		if err != nil {
			return nil, errors.WithMessagef(err, "key %q", k)
		}
		c.setLocal(k, v)
	}
	return c, nil
}

// normalize converts values to the types stored in a Config.
func normalize(v any) (any, error) {
	switch value := v.(type) {
	case nil, bool, string, int, float64:
		return value, nil
	case *Config:
		if value == nil {
			return nil, nil
		}
		if value.parent != nil {
			return value.Clone(), nil
		}
		return value, nil
	case int8:
		return int(value), nil
	case int16:
		return int(value), nil
	case int32:
		return int(value), nil
	case int64:
		return int(value), nil
	case uint:
		return int(value), nil
	case uint8:
		return int(value), nil
	case uint16:
		return int(value), nil
	case uint32:
		return int(value), nil
	case uint64:
		return int(value), nil
	case float32:
		return float64(value), nil
	case map[string]any:
		return FromMap(value)
	case []string:
		list := make([]any, len(value))
		for ii, s := range value {
			list[ii] = s
		}
		return list, nil
	case []int:
		list := make([]any, len(value))
		for ii, n := range value {
			list[ii] = n
		}
		return list, nil
	case []float64:
		list := make([]any, len(value))
		for ii, f := range value {
			list[ii] = f
		}
		return list, nil
	case []any:
		list := make([]any, len(value))
		for ii, elem := range value {
			normalized, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			list[ii] = normalized
		}
		return list, nil
	default:
		return nil, errors.Errorf("unsupported configuration value type %T", v)
	}
}

// root of the tree c belongs to.
func (c *Config) root() *Config {
	r := c
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Keys returns the keys of this node, in order.
func (c *Config) Keys() []string {
	if c == nil {
		return nil
	}
	return slices.Clone(c.keys)
}

// Len returns the number of keys in this node.
func (c *Config) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// IsEmpty returns whether c is nil or has no keys.
func (c *Config) IsEmpty() bool {
	return c.Len() == 0
}

// Path returns the dot separated path of this node from the root of the tree. It returns "" for the root.
func (c *Config) Path() string {
	if c.parent == nil {
		return ""
	}
	for _, k := range c.parent.keys {
		if sub, ok := c.parent.values[k].(*Config); ok && sub == c {
			return joinPath(c.parent.Path(), k)
		}
	}
	return ""
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// lookup returns the raw value at path.
func (c *Config) lookup(path string) (any, bool) {
	if c == nil {
		return nil, false
	}
	var current any = c
	for _, part := range splitPath(path) {
		switch node := current.(type) {
		case *Config:
			v, found := node.values[part]
			if !found {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Has returns whether there is a value (possibly nil) at the given path.
func (c *Config) Has(path string) bool {
	_, found := c.lookup(path)
	return found
}

// Get returns the value at path, with interpolations resolved.
//
// It returns found=false if the path doesn't exist. Interpolation failures are reported as not found and logged
// by the caller of Resolve: use Value if the error is needed.
func (c *Config) Get(path string) (value any, found bool) {
	value, err := c.Value(path)
	if err != nil {
		return nil, false
	}
	return value, true
}

// Value returns the value at path, with interpolations resolved, or an error if the path doesn't exist or
// the interpolation failed.
func (c *Config) Value(path string) (any, error) {
	raw, found := c.lookup(path)
	if !found {
		return nil, errors.Errorf("key %q not found in configuration", joinPath(c.Path(), path))
	}
	return newResolver(c.root()).resolveValue(joinPath(c.Path(), path), raw)
}

// Raw returns the value at path without resolving interpolations.
func (c *Config) Raw(path string) (any, bool) {
	return c.lookup(path)
}

// Sub returns the sub-configuration at path, or nil if it doesn't exist or is not a mapping.
// The returned node is part of the same tree: changes to it are reflected in c.
func (c *Config) Sub(path string) *Config {
	v, found := c.lookup(path)
	if !found {
		return nil
	}
	sub, _ := v.(*Config)
	return sub
}

// GetString returns the string at path, or defaultValue if it is not set or null.
// Non-string scalars are formatted with fmt.
func (c *Config) GetString(path, defaultValue string) string {
	v, found := c.Get(path)
	if !found || v == nil {
		return defaultValue
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// GetInt returns the int at path, or defaultValue if it is not set, null or not a number.
func (c *Config) GetInt(path string, defaultValue int) int {
	v, found := c.Get(path)
	if !found {
		return defaultValue
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetFloat returns the float at path, or defaultValue if it is not set, null or not a number.
func (c *Config) GetFloat(path string, defaultValue float64) float64 {
	v, found := c.Get(path)
	if !found {
		return defaultValue
	}
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetBool returns the bool at path, or defaultValue if it is not set, null or not a bool.
func (c *Config) GetBool(path string, defaultValue bool) bool {
	v, found := c.Get(path)
	if !found {
		return defaultValue
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetStrings returns the list of strings at path. A single string is returned as a list with one element.
// It returns nil if the value is not set or null.
func (c *Config) GetStrings(path string) []string {
	v, found := c.Get(path)
	if !found || v == nil {
		return nil
	}
	switch value := v.(type) {
	case []any:
		list := make([]string, 0, len(value))
		for _, elem := range value {
			list = append(list, fmt.Sprintf("%v", elem))
		}
		return list
	case string:
		return []string{value}
	default:
		return []string{fmt.Sprintf("%v", value)}
	}
}

// setLocal sets key in this node, keeping the order of an existing key.
func (c *Config) setLocal(key string, value any) {
	if sub, ok := value.(*Config); ok {
		sub.parent = c
	}
	if _, found := c.values[key]; !found {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// IsStruct returns whether the tree is in struct mode, and not inside an OpenDict call.
func (c *Config) IsStruct() bool {
	r := c.root()
	return r.structMode && r.openDepth == 0
}

// SetStruct sets the struct mode of the whole tree c belongs to.
func (c *Config) SetStruct(structMode bool) {
	c.root().structMode = structMode
}

// OpenDict temporarily disables struct mode on the tree of c while fn runs, so new keys can be added.
// It is the only sanctioned way to inject derived values (tags, output paths) in a composed configuration.
func OpenDict(c *Config, fn func() error) error {
	r := c.root()
	r.openDepth++
	defer func() { r.openDepth-- }()
	return fn()
}

// Set sets the value at path.
//
// In struct mode, the path must already exist. Otherwise, missing intermediary nodes are created.
// Maps are converted to sub-configurations.
func (c *Config) Set(path string, value any) error {
	return c.set(path, value, false)
}

// ForceSet sets the value at path creating missing keys even in struct mode.
func (c *Config) ForceSet(path string, value any) error {
	return c.set(path, value, true)
}

func (c *Config) set(path string, value any, force bool) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return errors.New("cannot set value with an empty path")
	}
	normalized, err := normalize(value)
	if err != nil {
		return errors.WithMessagef(err, "setting %q", path)
	}
	strict := c.IsStruct() && !force
	node := c
	for ii, part := range parts[:len(parts)-1] {
		v, found := node.values[part]
		if !found || v == nil {
			if strict {
				return errors.Errorf("key %q is not in struct", joinPath(c.Path(), strings.Join(parts[:ii+1], ".")))
			}
			sub := New()
			node.setLocal(part, sub)
			node = sub
			continue
		}
		sub, ok := v.(*Config)
		if !ok {
			if list, isList := v.([]any); isList {
				idx, err := strconv.Atoi(parts[ii+1])
				if err == nil && ii+1 == len(parts)-1 && idx >= 0 && idx < len(list) {
					list[idx] = normalized
					return nil
				}
			}
			return errors.Errorf("cannot set %q: %q is a %T, not a mapping",
				path, strings.Join(parts[:ii+1], "."), v)
		}
		node = sub
	}
	last := parts[len(parts)-1]
	if _, found := node.values[last]; !found && strict {
		return errors.Errorf("key %q is not in struct", joinPath(c.Path(), path))
	}
	node.setLocal(last, normalized)
	return nil
}

// Delete removes the value at path. It returns an error if the path doesn't exist.
func (c *Config) Delete(path string) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return errors.New("cannot delete an empty path")
	}
	node := c
	if len(parts) > 1 {
		node = c.Sub(strings.Join(parts[:len(parts)-1], "."))
	}
	last := parts[len(parts)-1]
	if node == nil {
		return errors.Errorf("key %q not found in configuration", path)
	}
	if _, found := node.values[last]; !found {
		return errors.Errorf("key %q not found in configuration", path)
	}
	delete(node.values, last)
	node.keys = slices.DeleteFunc(node.keys, func(k string) bool { return k == last })
	return nil
}

// Clone returns a deep copy of c, detached from any parent. Struct mode is preserved.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := New()
	clone.structMode = c.root().structMode
	for _, k := range c.keys {
		clone.setLocal(k, cloneValue(c.values[k]))
	}
	return clone
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case *Config:
		sub := value.Clone()
		sub.structMode = false
		return sub
	case []any:
		list := make([]any, len(value))
		for ii, elem := range value {
			list[ii] = cloneValue(elem)
		}
		return list
	default:
		return value
	}
}

// Merge deep-merges other into c: mappings are merged key by key, any other value (including lists) replaces
// the previous one. New keys are appended in the order of other. Struct mode is not enforced.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		v := other.values[k]
		if src, ok := v.(*Config); ok {
			if dst, ok := c.values[k].(*Config); ok {
				dst.Merge(src)
				continue
			}
			sub := src.Clone()
			sub.structMode = false
			c.setLocal(k, sub)
			continue
		}
		c.setLocal(k, cloneValue(v))
	}
}

// ToMap converts the configuration to nested Go maps, without resolving interpolations.
func (c *Config) ToMap() map[string]any {
	if c == nil {
		return nil
	}
	m := make(map[string]any, len(c.keys))
	for _, k := range c.keys {
		m[k] = toPlain(c.values[k])
	}
	return m
}

func toPlain(v any) any {
	switch value := v.(type) {
	case *Config:
		return value.ToMap()
	case []any:
		list := make([]any, len(value))
		for ii, elem := range value {
			list[ii] = toPlain(elem)
		}
		return list
	default:
		return value
	}
}

// Flatten returns all leaf values (including lists, kept whole) keyed by their dotted path.
func (c *Config) Flatten() map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, node *Config)
	walk = func(prefix string, node *Config) {
		for _, k := range node.keys {
			v := node.values[k]
			if sub, ok := v.(*Config); ok {
				walk(joinPath(prefix, k), sub)
				continue
			}
			out[joinPath(prefix, k)] = toPlain(v)
		}
	}
	if c != nil {
		walk("", c)
	}
	return out
}
