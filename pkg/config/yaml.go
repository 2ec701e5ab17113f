// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Parse a YAML document into a Config. The document must be empty or a mapping.
// Key order is preserved.
func Parse(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML configuration")
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return New(), nil
	}
	v, err := fromNode(doc.Content[0])
	if err != nil {
		return nil, err
	}
	switch value := v.(type) {
	case nil:
		return New(), nil
	case *Config:
		return value, nil
	default:
		return nil, errors.Errorf("configuration must be a YAML mapping, got %T", v)
	}
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return c, nil
}

// packageDirective returns the value of a "# @package <name>" header comment, or "" if there is none.
// Only comment lines before the first non-comment line are considered.
func packageDirective(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			return ""
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "#"))
		if rest, found := strings.CutPrefix(line, "@package"); found {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func fromNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return fromNode(node.Content[0])
	case yaml.AliasNode:
		return fromNode(node.Alias)
	case yaml.MappingNode:
		c := New()
		for ii := 0; ii+1 < len(node.Content); ii += 2 {
			keyNode, valueNode := node.Content[ii], node.Content[ii+1]
			if keyNode.Tag == "!!merge" {
				merged, err := fromNode(valueNode)
				if err != nil {
					return nil, err
				}
				if sub, ok := merged.(*Config); ok {
					c.Merge(sub)
				}
				continue
			}
			v, err := fromNode(valueNode)
			if err != nil {
				return nil, errors.WithMessagef(err, "key %q", keyNode.Value)
			}
			c.setLocal(keyNode.Value, v)
		}
		return c, nil
	case yaml.SequenceNode:
		list := make([]any, 0, len(node.Content))
		for _, elemNode := range node.Content {
			v, err := fromNode(elemNode)
			if err != nil {
				return nil, err
			}
			list = append(list, v)
		}
		return list, nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!str", "!!timestamp", "!!binary":
			return node.Value, nil
		}
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, errors.Wrapf(err, "line %d: failed to decode %q", node.Line, node.Value)
		}
		return normalize(v)
	default:
		return nil, errors.Errorf("line %d: unsupported YAML node kind %d", node.Line, node.Kind)
	}
}

func toNode(v any) (*yaml.Node, error) {
	switch value := v.(type) {
	case *Config:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, k := range value.keys {
			valueNode, err := toNode(value.values[k])
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
				valueNode)
		}
		return node, nil
	case []any:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, elem := range value {
			elemNode, err := toNode(elem)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, elemNode)
		}
		return node, nil
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case float64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: formatFloat(value)}, nil
	default:
		node := &yaml.Node{}
		if err := node.Encode(value); err != nil {
			return nil, errors.Wrapf(err, "failed to encode %v", value)
		}
		return node, nil
	}
}

// formatFloat formats f so that it is read back as a float: 1.0 is written "1.0", not "1".
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// YAML serializes the configuration, preserving key order. Interpolations are not resolved.
func (c *Config) YAML() ([]byte, error) {
	node, err := toNode(c)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return nil, errors.Wrap(err, "failed to serialize configuration to YAML")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to serialize configuration to YAML")
	}
	return buf.Bytes(), nil
}

// Save writes the configuration as YAML to path.
func (c *Config) Save(path string) error {
	data, err := c.YAML()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write configuration to %q", path)
}

// Decode resolves the interpolations of c and decodes it into out, a pointer to a struct (with `yaml` tags),
// a map or a slice.
//
// The instantiation keys ("_target_" and "_partial_") and the extra keys given in ignore are skipped, and
// null values keep the defaults already in out. Any other key that doesn't match a field of a struct is an
// error, so a misspelled option is reported instead of silently ignored.
func (c *Config) Decode(out any, ignore ...string) error {
	resolved, err := c.ResolvedClone()
	if err != nil {
		return err
	}
	for _, key := range slices.Clone(resolved.keys) {
		if key == TargetKey || key == PartialKey || slices.Contains(ignore, key) || resolved.values[key] == nil {
			_ = resolved.Delete(key)
		}
	}
	data, err := resolved.YAML()
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to decode configuration %q into %T", c.Path(), out)
	}
	return nil
}

// ParseValue parses a command-line value with YAML rules: "1" is an int, "0.5" a float, "true" a bool,
// "null" nil, "[a,b]" a list, "{a: 1}" a mapping and anything else a string.
func ParseValue(s string) (any, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	// Interpolations and quoted strings are kept as strings.
	if strings.HasPrefix(s, "${") {
		return s, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(s), &node); err != nil {
		return s, nil
	}
	v, err := fromNode(&node)
	if err != nil {
		return nil, err
	}
	return v, nil
}
