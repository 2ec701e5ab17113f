// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sweep

import (
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/pkg/errors"
)

// Param is one command-line override, possibly sweeping over several values.
type Param struct {
	config.Override

	// Values the override takes, as text. For a fixed override it holds only the value given.
	Values []string

	// Interval is set for "interval(low,high)", which can only be sampled (see RandomSearch).
	Interval *Interval
}

// Interval of a float parameter sampled uniformly.
type Interval struct {
	Low, High float64
}

// IsSweep returns whether the parameter takes more than one value.
func (p *Param) IsSweep() bool {
	return p.Interval != nil || len(p.Values) > 1
}

// Assign returns the override text that sets the parameter to value, keeping its "+"/"++" prefix.
func (p *Param) Assign(value string) string {
	prefix := ""
	switch p.Op {
	case config.OpAdd:
		prefix = "+"
	case config.OpForce:
		prefix = "++"
	}
	return prefix + p.Key + "=" + value
}

// GroupOptions lists the options of a configuration group, used to expand "glob(pattern)".
// config.Composer.Options implements it.
type GroupOptions func(group string) []string

// ParseParam parses a command-line override, expanding the sweep syntax of its value:
//
//   - "a,b,c": one value per comma separated element (commas inside brackets or quotes don't count).
//   - "choice(a,b,c)": same as above.
//   - "range(start,stop[,step])": numbers from start (inclusive) to stop (exclusive).
//   - "interval(low,high)": a float sampled uniformly, only for sweepers that sample.
//   - "glob(pattern)": the options of the configuration group matching pattern, e.g. "experiment=glob(*)".
func ParseParam(text string, options GroupOptions) (*Param, error) {
	o, err := config.ParseOverride(text)
	if err != nil {
		return nil, err
	}
	p := &Param{Override: o}
	if !o.HasValue {
		return p, nil
	}
	raw := strings.TrimSpace(o.RawValue)
	if name, args, ok := parseCall(raw); ok {
		switch name {
		case "choice":
			if len(args) == 0 {
				return nil, errors.Errorf("override %q: choice() requires at least one value", text)
			}
			p.Values = args
			return p, nil
		case "range":
			p.Values, err = expandRange(args)
			if err != nil {
				return nil, errors.WithMessagef(err, "override %q", text)
			}
			return p, nil
		case "interval":
			p.Interval, err = parseInterval(args)
			if err != nil {
				return nil, errors.WithMessagef(err, "override %q", text)
			}
			return p, nil
		case "glob":
			if options == nil {
				return nil, errors.Errorf("override %q: glob() requires a configuration group", text)
			}
			p.Values, err = expandGlob(o.Key, args, options)
			if err != nil {
				return nil, errors.WithMessagef(err, "override %q", text)
			}
			return p, nil
		}
	}
	p.Values = splitTopLevel(raw)
	if len(p.Values) == 0 {
		p.Values = []string{""}
	}
	return p, nil
}

// ParseParams parses all the overrides with ParseParam.
func ParseParams(texts []string, options GroupOptions) ([]*Param, error) {
	params := make([]*Param, 0, len(texts))
	for _, text := range texts {
		p, err := ParseParam(text, options)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

// parseCall parses "name(arg, ...)" for the known sweep functions.
func parseCall(s string) (name string, args []string, ok bool) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", nil, false
	}
	name = s[:open]
	switch name {
	case "choice", "range", "interval", "glob":
	default:
		return "", nil, false
	}
	return name, splitTopLevel(s[open+1 : len(s)-1]), true
}

// splitTopLevel splits s on the commas that are not inside brackets, braces, parenthesis or quotes.
// Elements are trimmed.
func splitTopLevel(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var parts []string
	depth := 0
	var quote rune
	start := 0
	for ii, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '[' || r == '{' || r == '(':
			depth++
		case r == ']' || r == '}' || r == ')':
			depth--
		case r == ',' && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:ii]))
			start = ii + 1
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

func parseNumbers(args []string) (values []float64, allInts bool, err error) {
	allInts = true
	for _, arg := range args {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, false, errors.Errorf("%q is not a number", arg)
		}
		if strings.ContainsAny(arg, ".eE") {
			allInts = false
		}
		values = append(values, v)
	}
	return values, allInts, nil
}

func formatNumber(v float64, asInt bool) string {
	if asInt {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// maxRangeValues limits the expansion of range().
const maxRangeValues = 100_000

func expandRange(args []string) ([]string, error) {
	if len(args) < 1 || len(args) > 3 {
		return nil, errors.Errorf("range() takes 1 to 3 arguments, got %d", len(args))
	}
	numbers, allInts, err := parseNumbers(args)
	if err != nil {
		return nil, err
	}
	start, step := 0.0, 1.0
	var stop float64
	switch len(numbers) {
	case 1:
		stop = numbers[0]
	case 2:
		start, stop = numbers[0], numbers[1]
	case 3:
		start, stop, step = numbers[0], numbers[1], numbers[2]
	}
	if step == 0 {
		return nil, errors.New("range() step must not be 0")
	}
	var values []string
	for ii := 0; ; ii++ {
		v := start + float64(ii)*step
		if (step > 0 && v >= stop) || (step < 0 && v <= stop) {
			break
		}
		if ii >= maxRangeValues {
			return nil, errors.Errorf("range() has more than %d values", maxRangeValues)
		}
		if !allInts {
			// Avoid 0.30000000000000004.
			v = math.Round(v*1e12) / 1e12
		}
		values = append(values, formatNumber(v, allInts))
	}
	if len(values) == 0 {
		return nil, errors.New("range() is empty")
	}
	return values, nil
}

func parseInterval(args []string) (*Interval, error) {
	if len(args) != 2 {
		return nil, errors.Errorf("interval() takes 2 arguments, got %d", len(args))
	}
	numbers, _, err := parseNumbers(args)
	if err != nil {
		return nil, err
	}
	if numbers[0] >= numbers[1] {
		return nil, errors.Errorf("interval(%g, %g) is empty", numbers[0], numbers[1])
	}
	return &Interval{Low: numbers[0], High: numbers[1]}, nil
}

func expandGlob(group string, patterns []string, options GroupOptions) ([]string, error) {
	available := options(group)
	if len(available) == 0 {
		return nil, errors.Errorf("glob(): %q is not a configuration group, or it has no options", group)
	}
	var values []string
	for _, option := range available {
		for _, pattern := range patterns {
			matched, err := path.Match(pattern, option)
			if err != nil {
				return nil, errors.Wrapf(err, "glob(): invalid pattern %q", pattern)
			}
			if matched {
				values = append(values, option)
				break
			}
		}
	}
	if len(values) == 0 {
		return nil, errors.Errorf("glob(%s) matched no option of %q", strings.Join(patterns, ","), group)
	}
	return values, nil
}
