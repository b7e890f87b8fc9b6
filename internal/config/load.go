package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML (or JSON) configuration file on top of Default. A relative
// context is taken relative to the directory holding the file.
func Load(fsys afero.Fs, path string) (Config, error) {
	cfg := Default()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, builderr.Config("failed to resolve config path", err)
	}

	data, err := afero.ReadFile(fsys, absPath)
	if err != nil {
		return Config{}, builderr.Config(fmt.Sprintf("failed to read config %s", path), err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, builderr.Config(fmt.Sprintf("failed to parse config %s", path), err)
	}

	if !filepath.IsAbs(cfg.Context) {
		cfg.Context = filepath.Join(filepath.Dir(absPath), cfg.Context)
	}

	if err := cfg.loadEntryFile(fsys); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEntryFile merges entries from EntryFile. Inline entries win on conflict.
func (c *Config) loadEntryFile(fsys afero.Fs) error {
	if c.EntryFile == "" {
		return nil
	}

	path := c.EntryFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.Context, path)
	}

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return builderr.Config(fmt.Sprintf("failed to read entry file %s", c.EntryFile), err)
	}

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return builderr.Config(fmt.Sprintf("failed to parse entry file %s", c.EntryFile), err)
	}

	merged := make(map[string]string, len(entries)+len(c.Entry))
	maps.Copy(merged, entries)
	maps.Copy(merged, c.Entry)
	c.Entry = merged

	return nil
}

// OutputDir returns the absolute output directory
func (c Config) OutputDir() string {
	if filepath.IsAbs(c.Output.Path) {
		return filepath.Clean(c.Output.Path)
	}
	return filepath.Join(c.Context, c.Output.Path)
}
