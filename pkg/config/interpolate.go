// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ResolverFn implements a custom interpolation "${name:arg1,arg2}". It receives the comma separated
// arguments, already trimmed.
type ResolverFn func(root *Config, args []string) (any, error)

var (
	muResolvers sync.RWMutex
	resolvers   = map[string]ResolverFn{
		"oc.env": envResolver,
		"now":    nowResolver,
		"hydra":  hydraResolver,
	}

	muNow   sync.Mutex
	nowTime = time.Now()
)

// RegisterResolver registers a custom interpolation resolver. It is meant to be called at init() time.
func RegisterResolver(name string, fn ResolverFn) {
	muResolvers.Lock()
	defer muResolvers.Unlock()
	resolvers[name] = fn
}

// SetNow sets the time used by the "${now:format}" interpolation. It defaults to the process start time, so
// every "${now:...}" of a run refers to the same instant.
func SetNow(t time.Time) {
	muNow.Lock()
	defer muNow.Unlock()
	nowTime = t
}

// Now returns the time used by "${now:format}" interpolations.
func Now() time.Time {
	muNow.Lock()
	defer muNow.Unlock()
	return nowTime
}

// envResolver implements ${oc.env:VAR} and ${oc.env:VAR,default}.
func envResolver(_ *Config, args []string) (any, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errors.New("oc.env requires the name of an environment variable")
	}
	if v, found := os.LookupEnv(args[0]); found {
		return v, nil
	}
	if len(args) > 1 {
		def := strings.Join(args[1:], ",")
		if def == "null" {
			return nil, nil
		}
		return strings.Trim(def, `"'`), nil
	}
	return nil, errors.Errorf("environment variable %q not found", args[0])
}

// nowResolver implements ${now:<strftime format>}.
func nowResolver(_ *Config, args []string) (any, error) {
	format := "%Y-%m-%d_%H-%M-%S"
	if len(args) > 0 {
		format = strings.Join(args, ",")
	}
	return Strftime(Now(), format), nil
}

// hydraResolver implements ${hydra:path}, a shortcut to ${hydra.path}.
func hydraResolver(root *Config, args []string) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("hydra resolver requires a key")
	}
	path := "hydra." + strings.Join(args, ",")
	raw, found := root.lookup(path)
	if !found {
		return nil, errors.Errorf("key %q not found in configuration", path)
	}
	return newResolver(root).resolveValue(path, raw)
}

var strftimeCodes = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'p': "PM",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'f': "000000",
	'z': "-0700",
	'Z': "MST",
}

// Strftime formats t with the C strftime directives most commonly used in run directory names.
func Strftime(t time.Time, format string) string {
	var sb strings.Builder
	for ii := 0; ii < len(format); ii++ {
		ch := format[ii]
		if ch != '%' || ii+1 >= len(format) {
			sb.WriteByte(ch)
			continue
		}
		ii++
		code := format[ii]
		if code == '%' {
			sb.WriteByte('%')
			continue
		}
		if layout, found := strftimeCodes[code]; found {
			if code == 'f' {
				sb.WriteString(fmt.Sprintf("%06d", t.Nanosecond()/1000))
				continue
			}
			sb.WriteString(t.Format(layout))
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(code)
	}
	return sb.String()
}

var interpolationRegexp = regexp.MustCompile(`\$\{([^${}]+)\}`)

// HasInterpolation returns whether s contains an interpolation.
func HasInterpolation(s string) bool {
	return interpolationRegexp.MatchString(s)
}

// MissingValue marks a mandatory value that must be given, usually by a command-line override.
// Accessing it before it is set is an error.
const MissingValue = "???"

type resolver struct {
	root  *Config
	stack []string
}

func newResolver(root *Config) *resolver {
	return &resolver{root: root}
}

// resolveValue resolves interpolations in raw, found at path.
// Sub-configurations and lists are resolved into copies.
func (r *resolver) resolveValue(path string, raw any) (any, error) {
	switch value := raw.(type) {
	case string:
		if value == MissingValue {
			return nil, errors.Errorf("missing mandatory value %q", path)
		}
		return r.resolveString(path, value)
	case *Config:
		clone := value.Clone()
		clone.structMode = false
		if err := r.resolveTree(path, clone); err != nil {
			return nil, err
		}
		return clone, nil
	case []any:
		list := make([]any, len(value))
		for ii, elem := range value {
			resolved, err := r.resolveValue(joinPath(path, fmt.Sprint(ii)), elem)
			if err != nil {
				return nil, err
			}
			list[ii] = resolved
		}
		return list, nil
	default:
		return value, nil
	}
}

// resolveTree resolves in place every string of node, which is a copy of the tree at path.
func (r *resolver) resolveTree(path string, node *Config) error {
	for _, k := range node.keys {
		resolved, err := r.resolveValue(joinPath(path, k), node.values[k])
		if err != nil {
			return err
		}
		node.setLocal(k, resolved)
	}
	return nil
}

func (r *resolver) resolveString(path, s string) (any, error) {
	matches := interpolationRegexp.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if slices.Contains(r.stack, path) {
		return nil, errors.Errorf("interpolation cycle detected: %s -> %s", strings.Join(r.stack, " -> "), path)
	}
	r.stack = append(r.stack, path)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()

	// A single interpolation spanning the whole string keeps the type of the referenced value.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		v, err := r.evaluate(s[matches[0][2]:matches[0][3]])
		if err != nil {
			return nil, errors.WithMessagef(err, "resolving %q at %q", s, path)
		}
		return v, nil
	}

	var sb strings.Builder
	last := 0
	for _, match := range matches {
		sb.WriteString(s[last:match[0]])
		v, err := r.evaluate(s[match[2]:match[3]])
		if err != nil {
			return nil, errors.WithMessagef(err, "resolving %q at %q", s, path)
		}
		if v == nil {
			sb.WriteString("None")
		} else {
			sb.WriteString(fmt.Sprint(v))
		}
		last = match[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// evaluate one interpolation expression (the content inside "${...}").
func (r *resolver) evaluate(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if name, argsStr, isResolver := strings.Cut(expr, ":"); isResolver {
		muResolvers.RLock()
		fn, found := resolvers[name]
		muResolvers.RUnlock()
		if !found {
			return nil, errors.Errorf("unknown interpolation resolver %q", name)
		}
		var args []string
		if argsStr != "" {
			for _, arg := range strings.Split(argsStr, ",") {
				args = append(args, strings.TrimSpace(arg))
			}
		}
		return fn(r.root, args)
	}
	raw, found := r.root.lookup(expr)
	if !found {
		return nil, errors.Errorf("interpolation key %q not found", expr)
	}
	return r.resolveValue(expr, raw)
}

// Resolve replaces, in place, every interpolation of the tree with its value.
// References are always relative to the root of the tree.
func (c *Config) Resolve() error {
	r := newResolver(c.root())
	prefix := c.Path()
	for _, k := range c.keys {
		resolved, err := r.resolveValue(joinPath(prefix, k), c.values[k])
		if err != nil {
			return err
		}
		c.setLocal(k, resolved)
	}
	return nil
}

// ResolvedClone returns a detached deep copy of c with interpolations resolved against the tree c belongs to.
func (c *Config) ResolvedClone() (*Config, error) {
	if c == nil {
		return nil, nil
	}
	clone := c.Clone()
	clone.structMode = false
	if err := newResolver(c.root()).resolveTree(c.Path(), clone); err != nil {
		return nil, err
	}
	return clone, nil
}
