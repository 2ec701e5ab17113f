// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RunMode selects how the output directory of a run is computed.
type RunMode string

const (
	// RunModeRun uses "hydra.run.dir" as the output directory.
	RunModeRun RunMode = "RUN"

	// RunModeMultirun uses "hydra.sweep.dir"/"hydra.sweep.subdir" as the output directory.
	RunModeMultirun RunMode = "MULTIRUN"
)

const (
	// DefaultsKey is the key holding the defaults list of a configuration file.
	DefaultsKey = "defaults"

	// SelfEntry marks, in a defaults list, where the content of the file itself is merged.
	SelfEntry = "_self_"

	// GlobalPackage is the "# @package" directive to merge a group file at the root of the configuration.
	GlobalPackage = "_global_"

	maxDefaultsDepth = 16
)

// Composer builds a configuration from a directory of YAML files. The directory holds the primary
// configurations (e.g. "train.yaml") and one subdirectory per configuration group (e.g. "model/", "trainer/").
//
// The primary configuration lists in its "defaults" which option of each group to use, and where its own
// content (`_self_`) goes in the merge order. Group files can have their own defaults lists, and they are
// merged under their group path (e.g. "model/mnist.yaml" is merged under "model") unless they start with
// a "# @package _global_" comment.
//
// Group files can override the choices of other groups with "override /group: option". Command-line
// group overrides take precedence over those.
type Composer struct {
	// Dir is the configuration directory.
	Dir string

	// Mode selects the output directory: "hydra.run.dir" or "hydra.sweep.dir"/"hydra.sweep.subdir".
	Mode RunMode

	// JobNum is the index of the job within a sweep. Stored in "hydra.job.num".
	JobNum int

	// JobName is stored in "hydra.job.name". It defaults to the primary configuration name.
	JobName string
}

// NewComposer creates a Composer for the given configuration directory, in RunModeRun.
func NewComposer(dir string) *Composer {
	return &Composer{Dir: dir, Mode: RunModeRun}
}

type defaultEntry struct {
	group    string
	pkg      string
	options  []string
	isNull   bool
	self     bool
	optional bool
	override bool
}

type groupChoice struct {
	options []string
	isNull  bool
	fromCLI bool
}

func (ch groupChoice) value() any {
	if ch.isNull || len(ch.options) == 0 {
		return nil
	}
	if len(ch.options) == 1 {
		return ch.options[0]
	}
	list := make([]any, len(ch.options))
	for ii, opt := range ch.options {
		list[ii] = opt
	}
	return list
}

func parseOptions(v any) (options []string, isNull bool, err error) {
	switch value := v.(type) {
	case nil:
		return nil, true, nil
	case string:
		if value == "null" {
			return nil, true, nil
		}
		return []string{value}, false, nil
	case []any:
		if len(value) == 0 {
			return nil, true, nil
		}
		for _, elem := range value {
			s, ok := elem.(string)
			if !ok {
				return nil, false, errors.Errorf("group options must be strings, got %T", elem)
			}
			options = append(options, s)
		}
		return options, false, nil
	default:
		return nil, false, errors.Errorf("group option must be a string, a list or null, got %T", v)
	}
}

// resolveGroupPath returns the absolute group path of key, relative to currentGroup unless it starts with "/".
func resolveGroupPath(currentGroup, key string) string {
	if abs, found := strings.CutPrefix(key, "/"); found {
		return abs
	}
	if currentGroup == "" {
		return key
	}
	return currentGroup + "/" + key
}

// parseDefaults parses a defaults list of a file in currentGroup ("" for primary configurations).
func parseDefaults(raw any, currentGroup, file string) ([]defaultEntry, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.Errorf("%s: %q must be a list, got %T", file, DefaultsKey, raw)
	}
	var entries []defaultEntry
	for _, item := range list {
		switch value := item.(type) {
		case string:
			if value == SelfEntry {
				entries = append(entries, defaultEntry{self: true})
				continue
			}
			// A plain name refers to a configuration in the same group, possibly in a sub-directory.
			group, option := currentGroup, value
			if idx := strings.LastIndex(value, "/"); idx >= 0 {
				group = resolveGroupPath(currentGroup, value[:idx])
				option = value[idx+1:]
			}
			entries = append(entries, defaultEntry{group: group, options: []string{option}})
		case *Config:
			if value.Len() != 1 {
				return nil, errors.Errorf("%s: each entry of %q must have exactly one key, got %v",
					file, DefaultsKey, value.keys)
			}
			key := value.keys[0]
			entry := defaultEntry{}
			fields := strings.Fields(key)
			for len(fields) > 1 {
				switch fields[0] {
				case "optional":
					entry.optional = true
				case "override":
					entry.override = true
				default:
					return nil, errors.Errorf("%s: invalid defaults entry keyword %q in %q", file, fields[0], key)
				}
				fields = fields[1:]
			}
			if len(fields) != 1 {
				return nil, errors.Errorf("%s: invalid defaults entry %q", file, key)
			}
			groupKey := fields[0]
			if name, pkg, hasPkg := strings.Cut(groupKey, "@"); hasPkg {
				groupKey = name
				entry.pkg = pkg
			}
			entry.group = resolveGroupPath(currentGroup, groupKey)
			options, isNull, err := parseOptions(value.values[key])
			if err != nil {
				return nil, errors.WithMessagef(err, "%s: defaults entry %q", file, key)
			}
			entry.options, entry.isNull = options, isNull
			entries = append(entries, entry)
		default:
			return nil, errors.Errorf("%s: invalid entry in %q of type %T", file, DefaultsKey, item)
		}
	}
	return entries, nil
}

// groupFile returns the path of the YAML file for group/option.
func (cp *Composer) groupFile(group, option string) string {
	name := option
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		name += ".yaml"
	}
	return filepath.Join(cp.Dir, filepath.FromSlash(group), name)
}

// IsGroup returns whether name is a configuration group, that is, a subdirectory of the configuration directory.
func (cp *Composer) IsGroup(name string) bool {
	if name == "" || strings.Contains(name, ".") {
		return false
	}
	fi, err := os.Stat(filepath.Join(cp.Dir, filepath.FromSlash(name)))
	return err == nil && fi.IsDir()
}

// Options lists the available options of a group.
func (cp *Composer) Options(group string) []string {
	entries, err := os.ReadDir(filepath.Join(cp.Dir, filepath.FromSlash(group)))
	if err != nil {
		return nil
	}
	var options []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name, found := strings.CutSuffix(entry.Name(), ".yaml"); found {
			options = append(options, name)
		}
	}
	return options
}

type loadedFile struct {
	content  *Config
	pkg      string
	defaults []defaultEntry
}

func (cp *Composer) loadFile(group, option string) (*loadedFile, error) {
	path := cp.groupFile(group, option)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && group != "" {
			return nil, errors.Errorf("could not find %q in group %q, available options: %v",
				option, group, cp.Options(group))
		}
		return nil, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	content, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	defaults, err := parseDefaults(content.values[DefaultsKey], group, path)
	if err != nil {
		return nil, err
	}
	if content.Has(DefaultsKey) {
		_ = content.Delete(DefaultsKey)
	}
	return &loadedFile{content: content, pkg: packageDirective(data), defaults: defaults}, nil
}

// Compose the primary configuration configName (a file in the configuration directory, with or without the
// ".yaml" suffix) with the given command-line overrides.
//
// The returned configuration is in struct mode and has its "hydra" section populated with the run information
// (output directory, group choices, job name and number, overrides). Interpolations are not resolved.
func (cp *Composer) Compose(configName string, overrides []string) (*Config, error) {
	configName = strings.TrimSuffix(configName, ".yaml")
	parsed, err := ParseOverrides(overrides)
	if err != nil {
		return nil, err
	}
	var groupOverrides, valueOverrides []Override
	for _, o := range parsed {
		if o.Op != OpForce && cp.IsGroup(o.Key) {
			groupOverrides = append(groupOverrides, o)
		} else {
			valueOverrides = append(valueOverrides, o)
		}
	}

	primary, err := cp.loadFile("", configName)
	if err != nil {
		return nil, err
	}
	entries := primary.defaults
	if !slices.ContainsFunc(entries, func(e defaultEntry) bool { return e.self }) {
		entries = append(entries, defaultEntry{self: true})
	}

	// Group choices: primary defaults, then command line, then "override" entries of the selected files.
	choices := make(map[string]*groupChoice)
	var order []string
	for _, e := range entries {
		if e.self {
			continue
		}
		if _, found := choices[e.group]; !found {
			order = append(order, e.group)
		}
		choices[e.group] = &groupChoice{options: e.options, isNull: e.isNull}
	}
	for _, o := range groupOverrides {
		ch, found := choices[o.Key]
		switch o.Op {
		case OpSet:
			if !found {
				return nil, errors.Errorf("could not override %q: no match in the defaults list; "+
					"to append to your defaults list use +%s", o.Key, o.Text)
			}
		case OpAdd:
			if found && !ch.isNull {
				return nil, errors.Errorf("could not add %q: group is already in the defaults list", o.Key)
			}
			if !found {
				order = append(order, o.Key)
				entries = append(entries, defaultEntry{group: o.Key})
			}
		case OpDelete:
			if !found {
				return nil, errors.Errorf("could not delete %q: not in the defaults list", o.Key)
			}
			choices[o.Key] = &groupChoice{isNull: true, fromCLI: true}
			continue
		}
		options, isNull, err := parseOptions(o.Value)
		if err != nil {
			return nil, errors.WithMessagef(err, "override %q", o.Text)
		}
		choices[o.Key] = &groupChoice{options: options, isNull: isNull, fromCLI: true}
	}
	if err := cp.applyOverrideEntries(entries, choices, &order); err != nil {
		return nil, err
	}

	result := New()
	for _, e := range entries {
		if e.self {
			result.Merge(primary.content)
			continue
		}
		ch := choices[e.group]
		if ch == nil || ch.isNull {
			continue
		}
		for _, option := range ch.options {
			if err := cp.mergeOption(result, e.group, option, e.pkg, e.optional, choices, 0); err != nil {
				return nil, err
			}
		}
	}
	if result.Has(DefaultsKey) {
		_ = result.Delete(DefaultsKey)
	}

	for _, o := range valueOverrides {
		if err := o.Apply(result); err != nil {
			return nil, err
		}
	}

	if err := cp.setRuntime(result, configName, overrides, choices, order); err != nil {
		return nil, err
	}
	result.SetStruct(true)
	return result, nil
}

// applyOverrideEntries collects "override /group: option" entries of the selected group files.
// Command-line choices are not changed.
func (cp *Composer) applyOverrideEntries(entries []defaultEntry, choices map[string]*groupChoice, order *[]string) error {
	for _, e := range entries {
		if e.self {
			continue
		}
		ch := choices[e.group]
		if ch == nil || ch.isNull {
			continue
		}
		for _, option := range ch.options {
			if _, err := os.Stat(cp.groupFile(e.group, option)); err != nil && e.optional {
				continue
			}
			loaded, err := cp.loadFile(e.group, option)
			if err != nil {
				return err
			}
			for _, nested := range loaded.defaults {
				if !nested.override {
					continue
				}
				previous, found := choices[nested.group]
				if found && previous.fromCLI {
					continue
				}
				if !found {
					*order = append(*order, nested.group)
				}
				choices[nested.group] = &groupChoice{options: nested.options, isNull: nested.isNull}
			}
		}
	}
	return nil
}

// mergeOption merges group/option, and its own defaults list, into result.
func (cp *Composer) mergeOption(result *Config, group, option, pkg string, optional bool,
	choices map[string]*groupChoice, depth int) error {
	if depth > maxDefaultsDepth {
		return errors.Errorf("defaults list nested too deep at %s/%s, is there a cycle?", group, option)
	}
	if optional {
		if _, err := os.Stat(cp.groupFile(group, option)); err != nil {
			return nil
		}
	}
	loaded, err := cp.loadFile(group, option)
	if err != nil {
		return err
	}
	target := strings.ReplaceAll(group, "/", ".")
	if loaded.pkg != "" {
		pkg = loaded.pkg
	}
	switch pkg {
	case "":
	case GlobalPackage:
		target = ""
	default:
		target = strings.ReplaceAll(pkg, "_group_", target)
	}

	defaults := loaded.defaults
	if !slices.ContainsFunc(defaults, func(e defaultEntry) bool { return e.self }) {
		defaults = append(defaults, defaultEntry{self: true})
	}
	for _, e := range defaults {
		switch {
		case e.self:
			if err := mergeAt(result, target, loaded.content); err != nil {
				return errors.WithMessagef(err, "merging %s/%s", group, option)
			}
		case e.override:
			// Already applied to the choices.
		default:
			options, isNull := e.options, e.isNull
			if ch, found := choices[e.group]; found && ch.fromCLI {
				options, isNull = ch.options, ch.isNull
			}
			if isNull {
				continue
			}
			for _, nestedOption := range options {
				err := cp.mergeOption(result, e.group, nestedOption, e.pkg, e.optional, choices, depth+1)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func mergeAt(result *Config, target string, content *Config) error {
	if target == "" {
		result.Merge(content)
		return nil
	}
	node := result.Sub(target)
	if node == nil {
		if err := result.ForceSet(target, New()); err != nil {
			return err
		}
		node = result.Sub(target)
	}
	node.Merge(content)
	return nil
}

// setRuntime populates the "hydra" section with the information about the run.
func (cp *Composer) setRuntime(result *Config, configName string, overrides []string,
	choices map[string]*groupChoice, order []string) error {
	jobName := cp.JobName
	if jobName == "" {
		jobName = configName
	}
	mode := cp.Mode
	if mode == "" {
		mode = RunModeRun
	}
	choicesCfg := New()
	for _, group := range order {
		choicesCfg.setLocal(group, choices[group].value())
	}
	taskOverrides := make([]any, len(overrides))
	for ii, o := range overrides {
		taskOverrides[ii] = o
	}
	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "failed to get current directory")
	}
	configDir, err := filepath.Abs(cp.Dir)
	if err != nil {
		return errors.Wrapf(err, "failed to get absolute path of %q", cp.Dir)
	}
	settings := []struct {
		key   string
		value any
	}{
		{"hydra.mode", string(mode)},
		{"hydra.job.name", jobName},
		{"hydra.job.num", cp.JobNum},
		{"hydra.overrides.task", taskOverrides},
		{"hydra.runtime.cwd", cwd},
		{"hydra.runtime.config_name", configName},
		{"hydra.runtime.config_dir", configDir},
		{"hydra.runtime.choices", choicesCfg},
	}
	for _, s := range settings {
		if err := result.ForceSet(s.key, s.value); err != nil {
			return err
		}
	}

	var outputDir string
	if mode == RunModeMultirun {
		sweepDir, err := result.Value("hydra.sweep.dir")
		if err != nil || sweepDir == nil {
			sweepDir = Strftime(Now(), "multirun/%Y-%m-%d/%H-%M-%S")
		}
		subDir, err := result.Value("hydra.sweep.subdir")
		if err != nil || subDir == nil {
			subDir = cp.JobNum
		}
		outputDir = filepath.Join(fmt.Sprint(sweepDir), fmt.Sprint(subDir))
	} else {
		runDir, err := result.Value("hydra.run.dir")
		if err != nil || runDir == nil {
			runDir = Strftime(Now(), "outputs/%Y-%m-%d/%H-%M-%S")
		}
		outputDir = fmt.Sprint(runDir)
	}
	absOutputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return errors.Wrapf(err, "failed to get absolute path of output directory %q", outputDir)
	}
	return result.ForceSet("hydra.runtime.output_dir", absOutputDir)
}

// WriteRunFiles creates the output directory of the run and saves in its ".hydra" subdirectory the composed
// configuration ("config.yaml", without the "hydra" section), the "hydra" section ("hydra.yaml") and the
// command-line overrides ("overrides.yaml").
func WriteRunFiles(cfg *Config) (outputDir string, err error) {
	outputDir = cfg.GetString("hydra.runtime.output_dir", "")
	if outputDir == "" {
		return "", errors.New("configuration has no hydra.runtime.output_dir, was it created with a Composer?")
	}
	runDir := filepath.Join(outputDir, ".hydra")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create %q", runDir)
	}
	jobCfg := cfg.Clone()
	jobCfg.SetStruct(false)
	if jobCfg.Has("hydra") {
		_ = jobCfg.Delete("hydra")
	}
	if err := jobCfg.Save(filepath.Join(runDir, "config.yaml")); err != nil {
		return "", err
	}
	hydraCfg := New()
	if h := cfg.Sub("hydra"); h != nil {
		hydraCfg.setLocal("hydra", h.Clone())
	}
	if err := hydraCfg.Save(filepath.Join(runDir, "hydra.yaml")); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg.GetStrings("hydra.overrides.task"))
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize overrides")
	}
	if err := os.WriteFile(filepath.Join(runDir, "overrides.yaml"), data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write overrides to %q", runDir)
	}
	return outputDir, nil
}
