// Package config loads an optional YAML file describing registered
// FTS tokenizer names and the aggregation planner's policy knobs.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docxology/docdb/internal/docdb/agg"
)

// ErrConfigNotFound is returned when the config file does not exist at
// the given path.
var ErrConfigNotFound = errors.New("docdb config not found")

// Config is the top-level docdb configuration document.
type Config struct {
	Planner    PlannerConfig     `yaml:"planner,omitempty"`
	Tokenizers map[string]string `yaml:"tokenizers,omitempty"` // name -> FTS5 tokenizer spec, e.g. "porter unicode61"
	Indexes    []IndexConfig     `yaml:"indexes,omitempty"`
}

// PlannerConfig mirrors agg.PlannerPolicy in YAML-friendly form.
type PlannerConfig struct {
	ForceStream bool   `yaml:"force_stream,omitempty"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"` // e.g. "5s", parsed with time.ParseDuration
}

// IndexConfig declares one index to ensure on a named collection at
// startup.
type IndexConfig struct {
	Collection string   `yaml:"collection"`
	Name       string   `yaml:"name"`
	Keys       []string `yaml:"keys"`
	Unique     bool     `yaml:"unique,omitempty"`
	FTS        bool     `yaml:"fts,omitempty"`
	Tokenizer  string   `yaml:"tokenizer,omitempty"`
}

// Policy converts PlannerConfig into the runtime PlannerPolicy the
// agg package consumes.
func (c PlannerConfig) Policy() (agg.PlannerPolicy, error) {
	p := agg.PlannerPolicy{ForceStream: c.ForceStream}
	if c.BusyTimeout != "" {
		d, err := time.ParseDuration(c.BusyTimeout)
		if err != nil {
			return agg.PlannerPolicy{}, fmt.Errorf("planner.busy_timeout: %w", err)
		}
		p.BusyTimeout = d
	}
	return p, nil
}

// Exists reports whether a config file exists at path.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Load reads and validates the config at path, returning
// ErrConfigNotFound if it doesn't exist.
func Load(path string) (*Config, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config existence: %w", err)
	}
	if !exists {
		return nil, ErrConfigNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Planner.BusyTimeout != "" {
		if _, err := time.ParseDuration(cfg.Planner.BusyTimeout); err != nil {
			return fmt.Errorf("config: planner.busy_timeout: %w", err)
		}
	}
	for i, idx := range cfg.Indexes {
		if idx.Collection == "" {
			return fmt.Errorf("config: indexes[%d].collection must be non-empty", i)
		}
		if idx.Name == "" {
			return fmt.Errorf("config: indexes[%d].name must be non-empty", i)
		}
		if len(idx.Keys) == 0 {
			return fmt.Errorf("config: indexes[%d].keys must be non-empty", i)
		}
		if idx.FTS && idx.Tokenizer != "" {
			if _, ok := cfg.Tokenizers[idx.Tokenizer]; !ok {
				return fmt.Errorf("config: indexes[%d] references unregistered tokenizer %q", i, idx.Tokenizer)
			}
		}
	}
	return nil
}
