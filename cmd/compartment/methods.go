// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/compartment/cmd/compartment/cli"
	"github.com/bureau-foundation/compartment/lib/linkage"
	"github.com/bureau-foundation/compartment/sandbox"
)

func methodsCommand(w io.Writer) *cli.Command {
	var flags runtimeFlags
	return &cli.Command{
		Name:    "methods",
		Summary: "List the provided and required methods of a class image",
		Usage:   "compartment methods <image>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("methods", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 1, 1, "compartment methods <image>"); err != nil {
				return err
			}
			_, logger, err := flags.load("methods")
			if err != nil {
				return err
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			provided, required, err := linkage.Parse(file, imageName(args[0]), logger)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return printMethods(w, provided, required)
		},
	}
}

func printMethods(w io.Writer, provided *linkage.ProvidedClasses, required []linkage.RequiredMethod) error {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDED\tCLASS SLOT\tVARIABLE\tCODE")
	for _, class := range provided.Classes {
		for _, m := range class.Methods {
			fmt.Fprintf(tw, "%s\t%d\t%#x\t%#x\n", m.Name(), (m.Offset-class.Base)/linkage.SlotSize, m.Offset, m.CodeOffset)
		}
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "REQUIRED\tCALL SITE\t\t")
	for _, r := range required {
		fmt.Fprintf(tw, "%s\t%#x\t\t\n", r.Name(), r.CallSiteOffset)
	}
	return tw.Flush()
}

func linkCommand(ctx context.Context, w io.Writer) *cli.Command {
	var flags runtimeFlags
	return &cli.Command{
		Name:    "link",
		Summary: "Resolve the required methods of a set of class images",
		Description: `Load every image into one runtime, in order, and show how each required
method resolved. Earlier classes take precedence; a class resolves
against itself last. The host image from the config, if any, takes
part like any other provider.

Exits with status 1 if any required method of a class is unresolved.`,
		Usage: "compartment link [flags] <image>...",
		Examples: []cli.Example{
			{Description: "Check that a client links against its provider", Command: "compartment link counter.elf client.elf"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("link", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 1, -1, "compartment link [flags] <image>..."); err != nil {
				return err
			}
			cfg, logger, err := flags.load("link")
			if err != nil {
				return err
			}
			runtime, classes, err := loadClasses(ctx, runtimeConfig(cfg, logger), args)
			if err != nil {
				return err
			}
			defer runtime.Close()

			unresolved := printLinkage(w, classes, runtime.HostRequired())
			if unresolved > 0 {
				fmt.Fprintf(w, "\n%d required method(s) unresolved\n", unresolved)
				return &cli.ExitError{Code: 1}
			}
			fmt.Fprintln(w, "\nAll required methods resolved")
			return nil
		},
	}
}

// printLinkage writes the resolution table and returns the number of
// unresolved class methods. Unresolved host methods are shown but not
// counted: they do not block object creation.
func printLinkage(w io.Writer, classes []*sandbox.Class, host []linkage.RequiredMethod) int {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tREQUIRED\tPROVIDER\tSLOT")
	unresolved := 0
	row := func(owner string, r linkage.RequiredMethod) {
		if r.Resolved {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", owner, r.Name(), r.Provider, r.VtableOffset/linkage.SlotSize)
			return
		}
		fmt.Fprintf(tw, "%s\t%s\t(unresolved)\t-\n", owner, r.Name())
	}
	for _, class := range classes {
		for _, r := range class.Required() {
			row(class.Name(), r)
			if !r.Resolved {
				unresolved++
			}
		}
	}
	for _, r := range host {
		row(sandbox.HostProvider, r)
	}
	tw.Flush()
	return unresolved
}
