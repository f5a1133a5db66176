// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads the config path from.
const EnvVar = "COMPARTMENT_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Size is a byte count written as an integer or a size string such as
// "64KiB", "1MiB", or "1GB".
type Size uint64

// UnmarshalYAML accepts integers and humanize size strings.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	value, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, node.Value, err)
	}
	*s = Size(value)
	return nil
}

// MarshalYAML writes the size in IEC units.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

// String formats the size in IEC units ("64 KiB").
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Config is the configuration file of a compartment runtime.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Runtime configures the class loader and object layout.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Runtime *RuntimeConfig `yaml:"runtime,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// RuntimeConfig configures class loading and per-object memory.
type RuntimeConfig struct {
	// MaxImageOffset is the ceiling on the highest offset a class image
	// may map. Default: 1GiB.
	MaxImageOffset Size `yaml:"max_image_offset"`

	// MaxObjectSize is the ceiling on an object's data segment: image,
	// guards, metadata, and heap. Default: 16GiB.
	MaxObjectSize Size `yaml:"max_object_size"`

	// ProgramBase is the offset at which class images are mapped in an
	// object's data segment. Everything below it is reserved for the
	// metadata page and guards. Default: 64KiB.
	ProgramBase Size `yaml:"program_base"`

	// StackSize is the size of each object's stack. Default: 1MiB.
	StackSize Size `yaml:"stack_size"`

	// HeapAlignment aligns the start of each object's heap. Zero means
	// one page.
	HeapAlignment Size `yaml:"heap_alignment"`

	// MaxCallDepth bounds nested cross-domain calls. Default: 64.
	MaxCallDepth int `yaml:"max_call_depth"`

	// HostImage is the optional ELF image describing the methods the
	// host program provides and requires.
	HostImage string `yaml:"host_image"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`

	// Format is text, json, or auto (text on a terminal). Default: auto.
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Environment: Development,
		Runtime: RuntimeConfig{
			MaxImageOffset: 1 << 30,
			MaxObjectSize:  16 << 30,
			ProgramBase:    64 << 10,
			StackSize:      1 << 20,
			MaxCallDepth:   64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads configuration from the COMPARTMENT_CONFIG environment
// variable. There is no fallback: if it is not set, Load fails.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your compartment.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path. Files ending in .json or
// .jsonc are read as JSON with comments; everything else as YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables(filepath.Dir(path))

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: structured logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if runtime := overrides.Runtime; runtime != nil {
		if runtime.MaxImageOffset != 0 {
			c.Runtime.MaxImageOffset = runtime.MaxImageOffset
		}
		if runtime.MaxObjectSize != 0 {
			c.Runtime.MaxObjectSize = runtime.MaxObjectSize
		}
		if runtime.ProgramBase != 0 {
			c.Runtime.ProgramBase = runtime.ProgramBase
		}
		if runtime.StackSize != 0 {
			c.Runtime.StackSize = runtime.StackSize
		}
		if runtime.HeapAlignment != 0 {
			c.Runtime.HeapAlignment = runtime.HeapAlignment
		}
		if runtime.MaxCallDepth != 0 {
			c.Runtime.MaxCallDepth = runtime.MaxCallDepth
		}
		if runtime.HostImage != "" {
			c.Runtime.HostImage = runtime.HostImage
		}
	}

	if logging := overrides.Logging; logging != nil {
		if logging.Level != "" {
			c.Logging.Level = logging.Level
		}
		if logging.Format != "" {
			c.Logging.Format = logging.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
// ${CONFIG_DIR} is the directory holding the config file. A relative
// host image path is taken relative to it.
func (c *Config) expandVariables(configDir string) {
	vars := map[string]string{
		"CONFIG_DIR": configDir,
		"HOME":       os.Getenv("HOME"),
	}
	c.Runtime.HostImage = expandVars(c.Runtime.HostImage, vars)
	if c.Runtime.HostImage != "" && !filepath.IsAbs(c.Runtime.HostImage) {
		c.Runtime.HostImage = filepath.Join(configDir, c.Runtime.HostImage)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. pageSize is the host page
// size the layout must be aligned to.
func (c *Config) Validate(pageSize uint64) error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	runtime := c.Runtime
	if runtime.ProgramBase == 0 || uint64(runtime.ProgramBase)%pageSize != 0 {
		errs = append(errs, fmt.Errorf("runtime.program_base (%s) must be a non-zero multiple of the page size (%d)",
			runtime.ProgramBase, pageSize))
	}
	if uint64(runtime.ProgramBase) < 3*pageSize {
		errs = append(errs, fmt.Errorf("runtime.program_base (%s) must leave room for the guard, metadata, and guard pages (%d bytes)",
			runtime.ProgramBase, 3*pageSize))
	}
	if runtime.MaxImageOffset <= runtime.ProgramBase {
		errs = append(errs, fmt.Errorf("runtime.max_image_offset (%s) must exceed runtime.program_base (%s)",
			runtime.MaxImageOffset, runtime.ProgramBase))
	}
	if runtime.MaxObjectSize <= runtime.MaxImageOffset {
		errs = append(errs, fmt.Errorf("runtime.max_object_size (%s) must exceed runtime.max_image_offset (%s)",
			runtime.MaxObjectSize, runtime.MaxImageOffset))
	}
	if runtime.StackSize == 0 || uint64(runtime.StackSize)%pageSize != 0 {
		errs = append(errs, fmt.Errorf("runtime.stack_size (%s) must be a non-zero multiple of the page size", runtime.StackSize))
	}
	if alignment := uint64(runtime.HeapAlignment); alignment != 0 && (alignment%pageSize != 0 || alignment&(alignment-1) != 0) {
		errs = append(errs, fmt.Errorf("runtime.heap_alignment (%s) must be a power-of-two multiple of the page size", runtime.HeapAlignment))
	}
	if runtime.MaxCallDepth <= 0 {
		errs = append(errs, fmt.Errorf("runtime.max_call_depth must be positive, got %d", runtime.MaxCallDepth))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be one of auto, text, json; got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
