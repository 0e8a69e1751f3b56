// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cascadebuild/cascade/services/build/action"
)

// Config is the cascade.yaml workspace description.
type Config struct {
	// SourceDir and DerivedDir are the artifact roots, relative to the
	// workspace file unless absolute.
	SourceDir  string `yaml:"source_dir"`
	DerivedDir string `yaml:"derived_dir"`

	// Parallelism bounds concurrently evaluating nodes; zero picks a
	// default based on CPU count.
	Parallelism int `yaml:"parallelism"`

	// ExecConcurrency bounds concurrently running commands.
	ExecConcurrency int `yaml:"exec_concurrency"`

	// MaxRetries is the per-action retry budget.
	MaxRetries int `yaml:"max_retries"`

	// CacheDir enables the persistent action cache when non-empty.
	CacheDir string `yaml:"cache_dir"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables JSON file logging when non-empty.
	LogDir string `yaml:"log_dir"`

	Actions   []ActionConfig   `yaml:"actions"`
	Templates []TemplateConfig `yaml:"templates"`
}

// ActionConfig declares one action in the workspace file.
type ActionConfig struct {
	ID             string            `yaml:"id"`
	Owner          string            `yaml:"owner"`
	Inputs         []string          `yaml:"inputs"`
	OptionalInputs []string          `yaml:"optional_inputs"`
	Outputs        []string          `yaml:"outputs"`
	Cmd            []string          `yaml:"cmd"`
	Env            map[string]string `yaml:"env"`

	// Deps names producing action IDs for derived inputs. Inputs listed
	// here resolve against the derived root instead of the source root.
	Deps map[string]string `yaml:"deps"`
}

// TemplateConfig declares one per-file action template.
type TemplateConfig struct {
	ID         string            `yaml:"id"`
	Owner      string            `yaml:"owner"`
	InputTree  string            `yaml:"input_tree"`
	OutputTree string            `yaml:"output_tree"`
	Cmd        []string          `yaml:"cmd"`
	Env        map[string]string `yaml:"env"`

	// OutputSuffix rewrites each child's extension; empty keeps the
	// child path unchanged.
	OutputSuffix string `yaml:"output_suffix"`
}

// LoadConfig reads and validates a workspace file. Relative roots are
// resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.SourceDir == "" || cfg.DerivedDir == "" {
		return nil, fmt.Errorf("%s: source_dir and derived_dir are required", path)
	}

	base := filepath.Dir(path)
	cfg.SourceDir = absolutize(base, cfg.SourceDir)
	cfg.DerivedDir = absolutize(base, cfg.DerivedDir)
	if cfg.CacheDir != "" {
		cfg.CacheDir = absolutize(base, cfg.CacheDir)
	}
	if cfg.LogDir != "" && !strings.HasPrefix(cfg.LogDir, "~") {
		cfg.LogDir = absolutize(base, cfg.LogDir)
	}

	for i, a := range cfg.Actions {
		if a.ID == "" {
			return nil, fmt.Errorf("%s: actions[%d]: id is required", path, i)
		}
		if len(a.Outputs) == 0 {
			return nil, fmt.Errorf("%s: action %s: at least one output is required", path, a.ID)
		}
		if len(a.Cmd) == 0 {
			return nil, fmt.Errorf("%s: action %s: cmd is required", path, a.ID)
		}
	}
	for i, t := range cfg.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("%s: templates[%d]: id is required", path, i)
		}
		if t.InputTree == "" || t.OutputTree == "" {
			return nil, fmt.Errorf("%s: template %s: input_tree and output_tree are required", path, t.ID)
		}
		if len(t.Cmd) == 0 {
			return nil, fmt.Errorf("%s: template %s: cmd is required", path, t.ID)
		}
	}
	return &cfg, nil
}

func absolutize(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Digest hashes the configuration material that must invalidate cached
// executions when it changes.
func (c *Config) Digest() string {
	h := sha256.New()
	for _, a := range c.Actions {
		fmt.Fprintf(h, "a:%s:%s\x00", a.ID, strings.Join(a.Cmd, "\x01"))
	}
	for _, t := range c.Templates {
		fmt.Fprintf(h, "t:%s:%s:%s\x00", t.ID, strings.Join(t.Cmd, "\x01"), t.OutputSuffix)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// toAction converts an ActionConfig into a graph action. The command
// vector rides in Args for the command runner.
func (a *ActionConfig) toAction() *action.Action {
	inputs := make([]action.Artifact, 0, len(a.Inputs))
	for _, in := range a.Inputs {
		if owner, ok := a.Deps[in]; ok {
			inputs = append(inputs, action.Derived(in, owner))
			continue
		}
		inputs = append(inputs, action.Source(in))
	}
	optional := make([]action.Artifact, 0, len(a.OptionalInputs))
	for _, in := range a.OptionalInputs {
		optional = append(optional, action.Source(in))
	}
	outputs := make([]action.Artifact, 0, len(a.Outputs))
	for _, out := range a.Outputs {
		outputs = append(outputs, action.Derived(out, a.ID))
	}
	return &action.Action{
		ID:             a.ID,
		Mnemonic:       commandMnemonic,
		Owner:          a.Owner,
		Inputs:         inputs,
		OptionalInputs: optional,
		Outputs:        outputs,
		Args:           a.Cmd,
		Env:            a.Env,
	}
}

// toTemplate converts a TemplateConfig into a graph template.
func (t *TemplateConfig) toTemplate() *action.Template {
	mapper := action.IdentityMapper
	if t.OutputSuffix != "" {
		suffix := t.OutputSuffix
		mapper = func(rel string) string {
			ext := filepath.Ext(rel)
			return strings.TrimSuffix(rel, ext) + suffix
		}
	}
	return &action.Template{
		ID:         t.ID,
		Mnemonic:   commandMnemonic,
		Owner:      t.Owner,
		InputTree:  action.SourceTree(t.InputTree),
		OutputTree: action.DerivedTree(t.OutputTree, t.ID),
		Mapper:     mapper,
		Args:       t.Cmd,
		Env:        t.Env,
	}
}
