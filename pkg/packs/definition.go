// Package packs turns declarative agent pack files into registry builders.
package packs

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinPacks []byte

// File is the top-level structure of a pack definition file.
type File struct {
	Packs []Pack `json:"packs" yaml:"packs"`
}

// Pack groups agents under one name.
type Pack struct {
	Name   string  `json:"name" yaml:"name"`
	Agents []Agent `json:"agents" yaml:"agents"`
}

// Agent declares one loop-backed agent.
type Agent struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	System      string   `json:"system,omitempty" yaml:"system,omitempty"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	Tools       []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	MaxRounds   int      `json:"max_rounds,omitempty" yaml:"max_rounds,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Builtin returns the packs shipped with the binary.
func Builtin() (*File, error) {
	return Parse(builtinPacks, ".yaml")
}

// LoadFile reads a JSON or YAML pack file.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("pack file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes data according to ext and validates the result.
func Parse(data []byte, ext string) (*File, error) {
	var f File
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse JSON packs: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse YAML packs: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported pack file format: %s (supported: .json, .yaml, .yml)", ext)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks names are present and unique.
func (f *File) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, pack := range f.Packs {
		if strings.TrimSpace(pack.Name) == "" {
			errs = append(errs, fmt.Errorf("packs[%d]: name is required", i))
			continue
		}
		for j, a := range pack.Agents {
			key := pack.Name + "/" + a.Name
			switch {
			case strings.TrimSpace(a.Name) == "":
				errs = append(errs, fmt.Errorf("packs[%d].agents[%d]: name is required", i, j))
			case seen[key]:
				errs = append(errs, fmt.Errorf("duplicate agent %s", key))
			case a.MaxRounds < 0:
				errs = append(errs, fmt.Errorf("agent %s: max_rounds cannot be negative", key))
			}
			seen[key] = true
		}
	}
	return errors.Join(errs...)
}

// Merge returns f with the packs of other appended. Agents of other replace
// agents of f with the same pack and name.
func (f *File) Merge(other *File) *File {
	out := &File{}
	index := map[string]int{}
	add := func(p Pack) {
		i, ok := index[p.Name]
		if !ok {
			index[p.Name] = len(out.Packs)
			out.Packs = append(out.Packs, Pack{Name: p.Name})
			i = len(out.Packs) - 1
		}
		for _, a := range p.Agents {
			replaced := false
			for k := range out.Packs[i].Agents {
				if out.Packs[i].Agents[k].Name == a.Name {
					out.Packs[i].Agents[k] = a
					replaced = true
				}
			}
			if !replaced {
				out.Packs[i].Agents = append(out.Packs[i].Agents, a)
			}
		}
	}
	for _, p := range f.Packs {
		add(p)
	}
	if other != nil {
		for _, p := range other.Packs {
			add(p)
		}
	}
	return out
}
