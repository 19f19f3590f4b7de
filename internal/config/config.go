// Package config loads and hot-reloads the watch configuration: the
// include/exclude path trees and their per-tree recording settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cmdtrace/internal/pathtree"
)

// TreeSettings governs how events matching a tree are recorded.
type TreeSettings struct {
	MaxFileSize    int64         `yaml:"max_file_size,omitempty"`
	Hash           bool          `yaml:"hash"`
	Archive        bool          `yaml:"archive"`
	MaxRFileLines  int           `yaml:"max_rfile_lines,omitempty"`
	ReadFlushBytes int64         `yaml:"read_flush_bytes,omitempty"`
	WriteFlushCount int          `yaml:"write_flush_count,omitempty"`
	ReloadDebounce time.Duration `yaml:"reload_debounce,omitempty"`
}

// rawConfig is the YAML-facing shape; WatchConfig adds the compiled trees.
type rawConfig struct {
	Include  []string     `yaml:"include"`
	Exclude  []string     `yaml:"exclude"`
	Settings TreeSettings `yaml:"settings"`
	Group    string       `yaml:"msenter_group,omitempty"`
}

// WatchConfig is the compiled, ready-to-use configuration.
type WatchConfig struct {
	Include  *pathtree.Tree
	Exclude  *pathtree.Tree
	Settings TreeSettings
	Group    string // system group permitted to join the rendezvous namespace
}

// DefaultGroup is used when the configuration omits msenter_group.
const DefaultGroup = "msenter-cmdtrace"

// DefaultSettings mirrors shournal's defaults: hash on, archive off, a
// generous read-flush threshold, and a modest write-count threshold so
// long shell sessions don't grow caches unbounded.
func DefaultSettings() TreeSettings {
	return TreeSettings{
		MaxFileSize:     64 << 20, // 64 MiB
		Hash:            true,
		Archive:         false,
		MaxRFileLines:   256,
		ReadFlushBytes:  32 << 20,
		WriteFlushCount: 256,
		ReloadDebounce:  300 * time.Millisecond,
	}
}

// Default returns a permissive configuration watching /tmp, with no
// exclusions — a safe starting point when no config file is supplied.
func Default() *WatchConfig {
	inc := pathtree.New()
	inc.Insert("/tmp")
	return &WatchConfig{
		Include:  inc,
		Exclude:  pathtree.New(),
		Settings: DefaultSettings(),
		Group:    DefaultGroup,
	}
}

// Load reads and compiles a watch configuration from a YAML file.
func Load(path string) (*WatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}

	cfg := &WatchConfig{
		Include:  pathtree.New(),
		Exclude:  pathtree.New(),
		Settings: mergeDefaults(raw.Settings),
		Group:    raw.Group,
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	for _, p := range raw.Include {
		cfg.Include.Insert(p)
	}
	for _, p := range raw.Exclude {
		cfg.Exclude.Insert(p)
	}
	if cfg.Include.Len() == 0 {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("no include paths configured")}
	}
	return cfg, nil
}

func mergeDefaults(s TreeSettings) TreeSettings {
	d := DefaultSettings()
	if s.MaxFileSize != 0 {
		d.MaxFileSize = s.MaxFileSize
	}
	d.Hash = s.Hash || d.Hash
	d.Archive = s.Archive
	if s.MaxRFileLines != 0 {
		d.MaxRFileLines = s.MaxRFileLines
	}
	if s.ReadFlushBytes != 0 {
		d.ReadFlushBytes = s.ReadFlushBytes
	}
	if s.WriteFlushCount != 0 {
		d.WriteFlushCount = s.WriteFlushCount
	}
	if s.ReloadDebounce != 0 {
		d.ReloadDebounce = s.ReloadDebounce
	}
	return d
}

// ConfigError reports a problem loading or parsing the watch configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %q: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
