// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const testPageSize = 4096

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Runtime.MaxImageOffset != 1<<30 {
		t.Errorf("expected max_image_offset=1GiB, got %s", cfg.Runtime.MaxImageOffset)
	}
	if cfg.Runtime.ProgramBase != 0x10000 {
		t.Errorf("expected program_base=64KiB, got %s", cfg.Runtime.ProgramBase)
	}
	if cfg.Runtime.MaxObjectSize != 16<<30 {
		t.Errorf("expected max_object_size=16GiB, got %s", cfg.Runtime.MaxObjectSize)
	}
	if cfg.Runtime.MaxCallDepth != 64 {
		t.Errorf("expected max_call_depth=64, got %d", cfg.Runtime.MaxCallDepth)
	}
	if err := cfg.Validate(testPageSize); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_RequiresEnvVar(t *testing.T) {
	t.Setenv(EnvVar, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when COMPARTMENT_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "COMPARTMENT_CONFIG environment variable not set") {
		t.Errorf("unexpected error message %q", err.Error())
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "compartment.yaml", `
environment: staging
runtime:
  max_image_offset: 256MiB
  max_object_size: 4GiB
  program_base: 128KiB
  stack_size: 65536
  max_call_depth: 8
  host_image: host.elf
logging:
  level: debug
`)
	t.Setenv(EnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Runtime.MaxImageOffset != 256<<20 {
		t.Errorf("max_image_offset = %d", cfg.Runtime.MaxImageOffset)
	}
	if cfg.Runtime.MaxObjectSize != 4<<30 {
		t.Errorf("max_object_size = %d", cfg.Runtime.MaxObjectSize)
	}
	if cfg.Runtime.ProgramBase != 128<<10 {
		t.Errorf("program_base = %d", cfg.Runtime.ProgramBase)
	}
	if cfg.Runtime.StackSize != 65536 {
		t.Errorf("stack_size = %d", cfg.Runtime.StackSize)
	}
	if cfg.Runtime.MaxCallDepth != 8 {
		t.Errorf("max_call_depth = %d", cfg.Runtime.MaxCallDepth)
	}
	if want := filepath.Join(filepath.Dir(path), "host.elf"); cfg.Runtime.HostImage != want {
		t.Errorf("host_image = %q, want %q", cfg.Runtime.HostImage, want)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "auto" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	path := writeConfig(t, "compartment.jsonc", `{
  // Comments and trailing commas are allowed.
  "environment": "development",
  "runtime": {
    "stack_size": "2MiB",
    "host_image": "${HOME}/host.elf",
  },
}`)
	t.Setenv("HOME", "/home/tester")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Runtime.StackSize != 2<<20 {
		t.Errorf("stack_size = %d", cfg.Runtime.StackSize)
	}
	if cfg.Runtime.HostImage != "/home/tester/host.elf" {
		t.Errorf("host_image = %q", cfg.Runtime.HostImage)
	}
	if cfg.Runtime.ProgramBase != 0x10000 {
		t.Errorf("unset fields must keep defaults, program_base = %d", cfg.Runtime.ProgramBase)
	}
}

func TestLoadFile_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "compartment.yaml", `
environment: development
runtime:
  stack_size: 1MiB
development:
  runtime:
    stack_size: 256KiB
    max_call_depth: 4
  logging:
    level: debug
production:
  runtime:
    stack_size: 8MiB
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Runtime.StackSize != 256<<10 {
		t.Errorf("development override not applied: stack_size = %s", cfg.Runtime.StackSize)
	}
	if cfg.Runtime.MaxCallDepth != 4 || cfg.Logging.Level != "debug" {
		t.Errorf("overrides = depth %d level %s", cfg.Runtime.MaxCallDepth, cfg.Logging.Level)
	}
}

func TestLoadFile_ProductionDefaults(t *testing.T) {
	path := writeConfig(t, "compartment.yaml", "environment: production\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("production must default to json logs, got %q", cfg.Logging.Format)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
	path := writeConfig(t, "bad.yaml", "runtime:\n  stack_size: lots\n")
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "invalid size") {
		t.Errorf("expected invalid size error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad environment", func(c *Config) { c.Environment = "qa" }, "invalid environment"},
		{"unaligned program base", func(c *Config) { c.Runtime.ProgramBase = 0x10010 }, "program_base"},
		{"program base too low", func(c *Config) { c.Runtime.ProgramBase = 2 * testPageSize }, "guard, metadata"},
		{"ceiling below base", func(c *Config) { c.Runtime.MaxImageOffset = 0x1000 }, "max_image_offset"},
		{"object size below ceiling", func(c *Config) { c.Runtime.MaxObjectSize = 1 << 20 }, "max_object_size"},
		{"zero stack", func(c *Config) { c.Runtime.StackSize = 0 }, "stack_size"},
		{"heap alignment", func(c *Config) { c.Runtime.HeapAlignment = 3 * testPageSize }, "heap_alignment"},
		{"call depth", func(c *Config) { c.Runtime.MaxCallDepth = 0 }, "max_call_depth"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate(testPageSize)
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("expected error mentioning %q, got %v", test.want, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Runtime.StackSize = 0
	cfg.Logging.Level = "loud"
	err := cfg.Validate(testPageSize)
	if err == nil {
		t.Fatal("expected errors")
	}
	if !strings.Contains(err.Error(), "stack_size") || !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestSize_RoundTrip(t *testing.T) {
	var value struct {
		Size Size `yaml:"size"`
	}
	if err := yaml.Unmarshal([]byte("size: 64KiB\n"), &value); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if value.Size != 65536 {
		t.Fatalf("size = %d", value.Size)
	}
	out, err := yaml.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "size: 64 KiB" {
		t.Errorf("marshaled %q", out)
	}
}
