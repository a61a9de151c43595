// Package config handles configuration loading and validation for objrepo.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/objrepo/internal/schema"
	"github.com/tunnelmesh/objrepo/internal/storage"
	"github.com/tunnelmesh/objrepo/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	KindMemory = "memory"
	KindFS     = "fs"
)

// Config is the top-level objrepo configuration.
type Config struct {
	LogLevel          string          `yaml:"log_level"`
	DataDir           string          `yaml:"data_dir"` // Base for relative fs backend paths
	SearchParallelism int             `yaml:"search_parallelism"`
	Repair            RepairConfig    `yaml:"repair"`
	Backends          []BackendConfig `yaml:"backends"`
	Types             []TypeConfig    `yaml:"types"`
}

// RepairConfig limits background read-repair.
type RepairConfig struct {
	Rate  float64 `yaml:"rate"`  // Repair writes per second; 0 means unlimited
	Burst int     `yaml:"burst"` // Default: 1
}

// BackendConfig describes one replica.
type BackendConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // "memory" or "fs" (default: "fs" when path is set)
	Path     string `yaml:"path"`
	Scope    string `yaml:"scope"`
	Compress bool   `yaml:"compress"` // Store version files zstd-compressed
}

// TypeConfig describes one object type.
type TypeConfig struct {
	Name          string                 `yaml:"name"`
	IDField       string                 `yaml:"id_field"`
	GenerateIDs   bool                   `yaml:"generate_ids"`
	IDLevels      int                    `yaml:"id_levels"`
	MinWrites     int                    `yaml:"min_writes"`
	MaxVersions   int                    `yaml:"max_versions"`
	MaxObjectSize bytesize.Size          `yaml:"max_object_size"` // e.g. "64KB"
	Scope         string                 `yaml:"scope"`
	Singleton     string                 `yaml:"singleton"`
	Fields        map[string]FieldConfig `yaml:"fields"`
	Indexes       []IndexConfig          `yaml:"indexes"`
}

// FieldConfig describes one domain field.
type FieldConfig struct {
	Normalize   string `yaml:"normalize"` // "", "lower", "trim" or "lower_trim"
	IndexLevels int    `yaml:"index_levels"`
	Secret      bool   `yaml:"secret"`
	Transient   bool   `yaml:"transient"`
}

// IndexConfig declares an indexed field.
type IndexConfig struct {
	Field  string `yaml:"field"`
	Unique bool   `yaml:"unique"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.SearchParallelism == 0 {
		cfg.SearchParallelism = 16
	}
	if cfg.Repair.Burst == 0 {
		cfg.Repair.Burst = 1
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.Kind == "" {
			b.Kind = KindMemory
			if b.Path != "" {
				b.Kind = KindFS
			}
		}
		b.Path = expandHome(b.Path)
		if b.Path != "" && !filepath.IsAbs(b.Path) && cfg.DataDir != "" {
			b.Path = filepath.Join(cfg.DataDir, b.Path)
		}
	}

	return cfg, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	if c.Repair.Rate < 0 {
		return fmt.Errorf("repair.rate must not be negative")
	}
	if c.SearchParallelism < 1 {
		return fmt.Errorf("search_parallelism must be at least 1")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	names := make(map[string]bool, len(c.Backends))
	scopes := make(map[string]bool)
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if names[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		names[b.Name] = true
		scopes[b.Scope] = true

		switch b.Kind {
		case KindMemory:
		case KindFS:
			if b.Path == "" {
				return fmt.Errorf("backend %s: path is required for kind fs", b.Name)
			}
		default:
			return fmt.Errorf("backend %s: unknown kind %q", b.Name, b.Kind)
		}
	}

	for _, t := range c.Types {
		if t.Scope != "" && !scopes[t.Scope] {
			return fmt.Errorf("type %s: no backend has scope %q", t.Name, t.Scope)
		}
	}
	_, err := c.Registry()
	return err
}

// TypeDef converts the type configuration into a schema definition.
func (t TypeConfig) TypeDef() (*schema.TypeDef, error) {
	td := &schema.TypeDef{
		Name:           t.Name,
		IDField:        t.IDField,
		GenerateIDs:    t.GenerateIDs,
		IDLevels:       t.IDLevels,
		MinWrites:      t.MinWrites,
		MaxVersions:    t.MaxVersions,
		MaxObjectBytes: t.MaxObjectSize.Bytes(),
		Scope:          t.Scope,
		Singleton:      t.Singleton,
		Fields:         make(map[string]schema.Field, len(t.Fields)),
	}
	for name, f := range t.Fields {
		norm, err := schema.Normalizer(f.Normalize)
		if err != nil {
			return nil, fmt.Errorf("type %s field %s: %w", t.Name, name, err)
		}
		td.Fields[name] = schema.Field{
			Normalize:   norm,
			IndexLevels: f.IndexLevels,
			Secret:      f.Secret,
			Transient:   f.Transient,
		}
	}
	for _, idx := range t.Indexes {
		td.Indexes = append(td.Indexes, schema.Index{Field: idx.Field, Unique: idx.Unique})
	}
	return td, nil
}

// Registry builds a type registry from the configured types.
func (c *Config) Registry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, t := range c.Types {
		td, err := t.TypeDef()
		if err != nil {
			return nil, err
		}
		if err := reg.Register(td); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// OpenBackends creates the configured backends. fs backends create their
// directory if needed.
func (c *Config) OpenBackends() ([]storage.Backend, error) {
	out := make([]storage.Backend, 0, len(c.Backends))
	var errs []error
	for _, bc := range c.Backends {
		var b storage.Backend
		switch bc.Kind {
		case KindMemory:
			b = storage.NewMemory(bc.Name, bc.Scope)
		case KindFS:
			local, err := storage.NewLocal(bc.Name, bc.Scope, bc.Path)
			if err != nil {
				errs = append(errs, fmt.Errorf("backend %s: %w", bc.Name, err))
				continue
			}
			b = local
		default:
			errs = append(errs, fmt.Errorf("backend %s: unknown kind %q", bc.Name, bc.Kind))
			continue
		}
		if bc.Compress {
			b = storage.NewCompressed(b)
		}
		out = append(out, b)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyLogLevel sets the global zerolog level. It reports whether level was
// recognised; empty and invalid levels leave the current level unchanged.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}
