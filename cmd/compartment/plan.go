// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/compartment/cmd/compartment/cli"
	"github.com/bureau-foundation/compartment/lib/elfseg"
)

func planCommand(w io.Writer) *cli.Command {
	var flags runtimeFlags
	var raw bool
	return &cli.Command{
		Name:    "plan",
		Summary: "Print the code and data segment plans of a class image",
		Description: `Print the mapping plans LoadClass would apply for a class image.

The code plan is mapped once per class; the data plan is applied to
every object at the configured program base. Unless --raw is given the
plans are optimized first: mappings below the program base are cut,
overlaps truncated, file tails trimmed, and adjacent mappings merged.`,
		Usage: "compartment plan [flags] <image>",
		Examples: []cli.Example{
			{Description: "Show the optimized plans", Command: "compartment plan counter.elf"},
			{Description: "Show the plans as written in the program headers", Command: "compartment plan --raw counter.elf"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("plan", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.BoolVar(&raw, "raw", false, "print the plans before optimization")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 1, 1, "compartment plan [flags] <image>"); err != nil {
				return err
			}
			cfg, logger, err := flags.load("plan")
			if err != nil {
				return err
			}
			return printPlans(w, args[0], uint64(cfg.Runtime.ProgramBase), raw, elfseg.Options{Logger: logger})
		},
	}
}

func printPlans(w io.Writer, path string, programBase uint64, raw bool, options elfseg.Options) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tOFFSET\tEND\tSIZE\tPROT\tSOURCE")
	for _, kind := range []elfseg.Kind{elfseg.Code, elfseg.Data} {
		plan, err := elfseg.Parse(file, info.Size(), kind)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if !raw {
			options.Floor = 0
			if kind == elfseg.Data {
				options.Floor = programBase
			}
			if plan, err = elfseg.Optimize(plan, file, options); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		for _, m := range plan.Mappings {
			source := "anonymous"
			if m.Source.File {
				source = fmt.Sprintf("file %#x+%#x", m.Source.Offset, m.Source.Length)
				if m.TailZero > 0 {
					source += fmt.Sprintf(" zero %#x", m.TailZero)
				}
			}
			fmt.Fprintf(tw, "%s\t%#x\t%#x\t%s\t%s\t%s\n",
				kind, m.Offset, m.End(), humanize.IBytes(m.Length), m.Prot, source)
		}
	}
	return tw.Flush()
}
