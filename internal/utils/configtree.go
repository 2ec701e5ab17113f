// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
	"github.com/gomlx/mnist-template/internal/ranklog"
	"github.com/gomlx/mnist-template/pkg/config"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPrintOrder of the top level fields in PrintConfigTree.
var DefaultPrintOrder = []string{"data", "model", "callbacks", "logger", "trainer", "paths", "extras"}

const (
	// ConfigTreeFile is written in the output directory by PrintConfigTree.
	ConfigTreeFile = "config_tree.log"

	// TagsFile is written in the output directory by EnforceTags.
	TagsFile = "tags.log"

	// DefaultTag is used when the user enters no tags.
	DefaultTag = "dev"
)

var (
	treeStyle     = lipgloss.NewStyle().Faint(true)
	treeItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A8CC8C"))
)

// RenderConfigTree renders the configuration as a tree: one branch per top level field, with the fields in
// printOrder first (those missing are warned about and skipped), followed by all the others. If resolve is
// set, interpolations are resolved.
func RenderConfigTree(cfg *config.Config, printOrder []string, resolve bool) (string, error) {
	view := cfg
	if resolve {
		var err error
		view, err = cfg.ResolvedClone()
		if err != nil {
			return "", err
		}
	}
	queue := make([]string, 0, view.Len())
	for _, field := range printOrder {
		if view.Has(field) {
			queue = append(queue, field)
		} else {
			log.Warningf("Field '%s' not found in config. Skipping '%s' config printing...", field, field)
		}
	}
	for _, field := range view.Keys() {
		if !slices.Contains(queue, field) {
			queue = append(queue, field)
		}
	}

	root := tree.Root("CONFIG").
		RootStyle(treeStyle).
		EnumeratorStyle(treeStyle).
		ItemStyle(treeItemStyle)
	for _, field := range queue {
		raw, _ := view.Raw(field)
		var content string
		if sub, ok := raw.(*config.Config); ok {
			data, err := sub.YAML()
			if err != nil {
				return "", err
			}
			content = strings.TrimRight(string(data), "\n")
		} else {
			content = fmt.Sprint(raw)
		}
		root.Child(tree.Root(field).RootStyle(treeStyle).EnumeratorStyle(treeStyle).Child(content))
	}
	return root.String(), nil
}

// PrintConfigTree writes the configuration tree (see RenderConfigTree) to w, and if save is set, also to
// ConfigTreeFile in the output directory ("paths.output_dir"). Only the process of rank 0 prints it.
func PrintConfigTree(cfg *config.Config, printOrder []string, resolve, save bool, w io.Writer) error {
	if !ranklog.IsRankZero() {
		return nil
	}
	rendered, err := RenderConfigTree(cfg, printOrder, resolve)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, rendered); err != nil {
		return errors.Wrap(err, "failed to print the configuration tree")
	}
	if save {
		return writeToOutputDir(cfg, ConfigTreeFile, []byte(rendered+"\n"))
	}
	return nil
}

// EnforceTags makes sure the run has tags: if the configuration has none, it prompts the user (reading the
// answer from input) for a comma separated list, defaulting to DefaultTag. A multirun without tags is an error,
// since there is no one to answer the prompt of each job.
//
// If save is set, the tags are written to TagsFile in the output directory.
func EnforceTags(cfg *config.Config, save bool, input io.Reader) error {
	if !ranklog.IsRankZero() {
		return nil
	}
	tags := cfg.GetStrings("tags")
	if len(tags) == 0 {
		if cfg.GetString("hydra.mode", "") == string(config.RunModeMultirun) {
			return errors.New("Specify tags before launching a multirun!")
		}
		log.Warningf("No tags provided in config. Prompting user to input tags...")
		_, _ = fmt.Fprintf(os.Stderr, "Enter a list of comma separated tags (%s): ", DefaultTag)
		answer, err := bufio.NewReader(input).ReadString('\n')
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "failed to read tags")
		}
		tags = parseTags(answer)
		tagValues := make([]any, len(tags))
		for ii, tag := range tags {
			tagValues[ii] = tag
		}
		if err := config.OpenDict(cfg, func() error { return cfg.Set("tags", tagValues) }); err != nil {
			return err
		}
		log.Infof("Tags: %v", tags)
	}
	if save {
		data, err := yaml.Marshal(tags)
		if err != nil {
			return errors.Wrap(err, "failed to serialize tags")
		}
		return writeToOutputDir(cfg, TagsFile, data)
	}
	return nil
}

// parseTags splits a comma separated list of tags, dropping empty ones.
func parseTags(answer string) []string {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return []string{DefaultTag}
	}
	var tags []string
	for _, tag := range strings.Split(answer, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return []string{DefaultTag}
	}
	return tags
}

func writeToOutputDir(cfg *config.Config, name string, data []byte) error {
	outputDir := cfg.GetString("paths.output_dir", "")
	if outputDir == "" {
		return errors.Errorf("cannot save %q: paths.output_dir is not set", name)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", outputDir)
	}
	path := filepath.Join(outputDir, name)
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %q", path)
}
