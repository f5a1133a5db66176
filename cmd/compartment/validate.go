// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/compartment/cmd/compartment/cli"
	"github.com/bureau-foundation/compartment/sandbox"
)

func validateCommand(w io.Writer) *cli.Command {
	var flags runtimeFlags
	return &cli.Command{
		Name:    "validate",
		Summary: "Check class images before loading them",
		Description: `Run the loader's checks against each image without mapping it: ELF64
header, segment permissions, the image ceiling, entry vectors, method
tables, and symbol names. Unresolved required methods are reported as
warnings, since another class may provide them at load time.

Exits with status 1 if any check fails.`,
		Usage: "compartment validate [flags] <image>...",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("validate", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 1, -1, "compartment validate [flags] <image>..."); err != nil {
				return err
			}
			cfg, logger, err := flags.load("validate")
			if err != nil {
				return err
			}
			config := runtimeConfig(cfg, logger)

			failed := false
			for index, path := range args {
				if index > 0 {
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "%s\n", path)
				validator := sandbox.NewValidator()
				validator.ValidateAll(path, config)
				validator.PrintResults(w)
				failed = failed || validator.HasErrors()
			}
			if failed {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func doctorCommand(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "doctor",
		Summary: "Probe whether this host can run sandbox objects",
		Usage:   "compartment doctor",
		Run: func(args []string) error {
			if err := requireArgs(args, 0, 0, "compartment doctor"); err != nil {
				return err
			}
			caps := sandbox.DetectCapabilities()
			fmt.Fprintf(w, "page size: %s\n", humanize.IBytes(caps.PageSize))
			for _, probe := range []struct {
				name string
				ok   bool
			}{
				{"reserve PROT_NONE address space", caps.ReserveWorks},
				{"map a file at a fixed offset", caps.FixedFileMapWorks},
				{"tighten protection to read-only", caps.ProtectWorks},
			} {
				status := "✓"
				if !probe.ok {
					status = "✗"
				}
				fmt.Fprintf(w, "%s %s\n", status, probe.name)
			}
			for _, err := range caps.Errors {
				fmt.Fprintf(w, "  %v\n", err)
			}

			if !caps.CanRunSandbox() {
				fmt.Fprintf(w, "\nObjects cannot run here: %s\n", caps.SkipReason())
				return &cli.ExitError{Code: 1}
			}
			fmt.Fprintln(w, "\nReady to run objects")
			return nil
		},
	}
}
