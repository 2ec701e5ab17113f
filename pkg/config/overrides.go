// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"

	"github.com/pkg/errors"
)

// OverrideOp is the kind of command-line override.
type OverrideOp int

const (
	// OpSet is "key=value": the key must exist.
	OpSet OverrideOp = iota

	// OpAdd is "+key=value": the key must not exist.
	OpAdd

	// OpForce is "++key=value": set the key whether it exists or not.
	OpForce

	// OpDelete is "~key" or "~key=value": remove the key.
	OpDelete
)

// String implements fmt.Stringer.
func (op OverrideOp) String() string {
	switch op {
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	case OpForce:
		return "force"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Override is one parsed command-line override.
type Override struct {
	Op  OverrideOp
	Key string

	// RawValue is the text after the "=", if any. HasValue is false for "~key".
	RawValue string
	HasValue bool

	// Value is RawValue parsed with ParseValue.
	Value any

	// Text is the original override as given.
	Text string
}

// String returns the override as it was given in the command line.
func (o Override) String() string {
	return o.Text
}

// ParseOverride parses one command-line override. See OverrideOp for the supported forms.
func ParseOverride(text string) (Override, error) {
	o := Override{Text: text}
	s := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(s, "++"):
		o.Op = OpForce
		s = s[2:]
	case strings.HasPrefix(s, "+"):
		o.Op = OpAdd
		s = s[1:]
	case strings.HasPrefix(s, "~"):
		o.Op = OpDelete
		s = s[1:]
	}
	key, rawValue, hasValue := strings.Cut(s, "=")
	o.Key = strings.TrimSpace(key)
	if o.Key == "" {
		return o, errors.Errorf("invalid override %q: missing key", text)
	}
	if strings.ContainsAny(o.Key, " \t${}") {
		return o, errors.Errorf("invalid override %q: malformed key %q", text, o.Key)
	}
	if !hasValue && o.Op != OpDelete {
		return o, errors.Errorf("invalid override %q: expected key=value", text)
	}
	o.HasValue = hasValue
	o.RawValue = rawValue
	if hasValue {
		v, err := ParseValue(rawValue)
		if err != nil {
			return o, errors.WithMessagef(err, "invalid override %q", text)
		}
		o.Value = v
	}
	return o, nil
}

// ParseOverrides parses a list of command-line overrides.
func ParseOverrides(texts []string) ([]Override, error) {
	overrides := make([]Override, 0, len(texts))
	for _, text := range texts {
		o, err := ParseOverride(text)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

// Apply applies a value override to c. Struct mode doesn't apply to OpAdd and OpForce.
func (o Override) Apply(c *Config) error {
	exists := c.Has(o.Key)
	switch o.Op {
	case OpSet:
		if !exists {
			return errors.Errorf("could not override %q: no match in config; to append to your config use +%s",
				o.Key, strings.TrimPrefix(o.Text, "+"))
		}
		return c.ForceSet(o.Key, o.Value)
	case OpAdd:
		if exists {
			return errors.Errorf("could not append to config: an item is already at %q", o.Key)
		}
		return c.ForceSet(o.Key, o.Value)
	case OpForce:
		return c.ForceSet(o.Key, o.Value)
	case OpDelete:
		if !exists {
			return errors.Errorf("could not delete from config: %q does not exist", o.Key)
		}
		return c.Delete(o.Key)
	}
	return errors.Errorf("unknown override operation %d", o.Op)
}
