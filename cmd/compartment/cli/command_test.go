// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string
	var receivedArgs []string

	root := &Command{
		Name: "compartment",
		Subcommands: []*Command{
			{
				Name: "plan",
				Run: func(args []string) error {
					called = "plan"
					receivedArgs = args
					return nil
				},
			},
			{
				Name: "methods",
				Run: func(args []string) error {
					called = "methods"
					return nil
				},
			},
		},
	}

	if err := root.Execute([]string{"plan", "counter.elf"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "plan" {
		t.Errorf("dispatched to %q, want %q", called, "plan")
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "counter.elf" {
		t.Errorf("args = %v, want [counter.elf]", receivedArgs)
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var configPath string
	var diag bool
	var receivedArgs []string

	command := &Command{
		Name: "manifest",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("manifest", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file")
			flagSet.BoolVar(&diag, "diag", false, "diagnostic notation")
			return flagSet
		},
		Run: func(args []string) error {
			receivedArgs = args
			return nil
		},
	}

	if err := command.Execute([]string{"--config", "/etc/compartment.yaml", "--diag", "a.elf", "b.elf"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if configPath != "/etc/compartment.yaml" || !diag {
		t.Errorf("flags: config=%q diag=%v", configPath, diag)
	}
	if len(receivedArgs) != 2 {
		t.Errorf("args = %v, want two images", receivedArgs)
	}
}

func TestCommand_Execute_UnknownCommandSuggests(t *testing.T) {
	root := &Command{
		Name: "compartment",
		Subcommands: []*Command{
			{Name: "validate", Run: func([]string) error { return nil }},
			{Name: "selftest", Run: func([]string) error { return nil }},
		},
	}

	err := root.Execute([]string{"validat"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "validate"?`) {
		t.Errorf("error %q has no suggestion", err)
	}

	err = root.Execute([]string{"xyzzy"})
	if err == nil || strings.Contains(err.Error(), "did you mean") {
		t.Errorf("a distant name must not get a suggestion, got %v", err)
	}
}

func TestCommand_Execute_UnknownFlagSuggests(t *testing.T) {
	command := &Command{
		Name: "link",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("link", pflag.ContinueOnError)
			flagSet.String("config", "", "config file")
			return flagSet
		},
		Run: func([]string) error { return nil },
	}

	err := command.Execute([]string{"--confg", "x"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "did you mean --config?") {
		t.Errorf("error %q has no suggestion", err)
	}
	if !strings.Contains(err.Error(), "Run 'link --help' for usage.") {
		t.Errorf("error %q has no help pointer", err)
	}
}

func TestCommand_Execute_SubcommandRequired(t *testing.T) {
	var help bytes.Buffer
	root := &Command{
		Name:        "compartment",
		Output:      &help,
		Subcommands: []*Command{{Name: "doctor", Summary: "Probe the host", Run: func([]string) error { return nil }}},
	}
	if err := root.Execute(nil); err == nil || err.Error() != "subcommand required" {
		t.Errorf("expected subcommand required, got %v", err)
	}
	if !strings.Contains(help.String(), "doctor") {
		t.Errorf("help output missing subcommand list:\n%s", help.String())
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "plan",
		Description: "Print the segment plans of a class image.",
		Usage:       "compartment plan [flags] <image>",
		Examples: []Example{
			{Description: "Show the optimized plans", Command: "compartment plan counter.elf"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("plan", pflag.ContinueOnError)
			flagSet.Bool("raw", false, "skip the optimizer")
			return flagSet
		},
		path: "compartment plan",
	}

	var out bytes.Buffer
	command.PrintHelp(&out)
	for _, want := range []string{
		"Print the segment plans of a class image.",
		"Usage:\n  compartment plan [flags] <image>",
		"--raw",
		"skip the optimizer",
		"# Show the optimized plans\n  compartment plan counter.elf",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("help missing %q:\n%s", want, out.String())
		}
	}
}

func TestCommand_HelpFlag(t *testing.T) {
	var help bytes.Buffer
	ran := false
	command := &Command{
		Name:    "doctor",
		Summary: "Probe the host memory backend",
		Output:  &help,
		Run:     func([]string) error { ran = true; return nil },
	}
	if err := command.Execute([]string{"--help"}); err != nil {
		t.Fatalf("Execute(--help) error: %v", err)
	}
	if ran {
		t.Error("--help must not run the command")
	}
	if !strings.Contains(help.String(), "Probe the host memory backend") {
		t.Errorf("help = %q", help.String())
	}
}

func TestClosest(t *testing.T) {
	candidates := []string{"plan", "methods", "link", "manifest"}
	tests := []struct {
		name, want string
	}{
		{"plan", "plan"},
		{"lnik", "link"},
		{"manfiest", "manifest"},
		{"validate", ""},
	}
	for _, test := range tests {
		if got := closest(test.name, candidates); got != test.want {
			t.Errorf("closest(%q) = %q, want %q", test.name, got, test.want)
		}
	}
}

func TestCommand_Execute_PropagatesOutput(t *testing.T) {
	var help bytes.Buffer
	root := &Command{
		Name:        "compartment",
		Output:      &help,
		Subcommands: []*Command{{Name: "doctor", Summary: "Probe the host", Run: func([]string) error { return nil }}},
	}
	if err := root.Execute([]string{"doctor", "--help"}); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if !strings.Contains(help.String(), "Usage:\n  compartment doctor [flags]") {
		t.Errorf("subcommand help not written to the group's output:\n%s", help.String())
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"plan", "", 4},
		{"plan", "plan", 0},
		{"plan", "palns", 3},
		{"manifest", "manfiest", 2},
		{"link", "lnik", 2},
		{"doctor", "docter", 1},
	}
	for _, test := range tests {
		if got := levenshtein(test.a, test.b); got != test.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", test.a, test.b, got, test.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		terminal bool
		format   string
		json     bool
	}{
		{"auto on terminal", true, "auto", false},
		{"auto piped", false, "auto", true},
		{"text", false, "text", false},
		{"json", true, "json", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			logger, err := newLogger(&out, test.terminal, "info", test.format)
			if err != nil {
				t.Fatalf("newLogger failed: %v", err)
			}
			logger.Debug("hidden")
			logger.Info("class registered", "class", "counter")
			line := out.String()
			if strings.Contains(line, "hidden") {
				t.Error("debug record logged at info level")
			}
			if isJSON := strings.HasPrefix(line, "{"); isJSON != test.json {
				t.Errorf("output %q, want json=%v", line, test.json)
			}
		})
	}

	if _, err := newLogger(&bytes.Buffer{}, false, "loud", "text"); err == nil {
		t.Error("expected error for an unknown level")
	}
	if _, err := newLogger(&bytes.Buffer{}, false, "info", "xml"); err == nil {
		t.Error("expected error for an unknown format")
	}
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 2}
	coder, ok := err.(interface{ ExitCode() int })
	if !ok || coder.ExitCode() != 2 {
		t.Errorf("ExitError does not report its code")
	}
	if err.Error() != "exit code 2" {
		t.Errorf("Error() = %q", err.Error())
	}
}
