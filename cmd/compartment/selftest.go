// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/compartment/cmd/compartment/cli"
	"github.com/bureau-foundation/compartment/sandbox"
)

func selftestCommand(ctx context.Context, w io.Writer) *cli.Command {
	var flags runtimeFlags
	var heap, category string
	return &cli.Command{
		Name:    "selftest",
		Summary: "Run containment tests against a live object",
		Description: `Load the images, create one object of the first, and attempt to break
out of it: write code, vtables, and metadata, touch guard pages, forge
and widen capabilities, unseal with a foreign type, and call through a
target of a destroyed object. Every attempt must be refused.

The remaining images provide the first image's required methods. No
methods or constructors are bound, so run selftest on images whose
constructors are not needed for containment.

Exits with status 1 if any attempt is not refused.`,
		Usage: "compartment selftest [flags] <image> [provider-image...]",
		Examples: []cli.Example{
			{Description: "Check containment of a client linked against its provider", Command: "compartment selftest client.elf counter.elf"},
			{Description: "Only the capability tests", Command: "compartment selftest --category capability counter.elf"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("selftest", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&heap, "heap", "64KiB", "heap size of the test object")
			flagSet.StringVar(&category, "category", "", "run only tests of this category (memory, capability, gateway, lifecycle)")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 1, -1, "compartment selftest [flags] <image> [provider-image...]"); err != nil {
				return err
			}
			heapLength, err := humanize.ParseBytes(heap)
			if err != nil {
				return fmt.Errorf("--heap: %w", err)
			}
			cfg, logger, err := flags.load("selftest")
			if err != nil {
				return err
			}

			// Providers load first so the tested class links against them.
			images := append(append([]string(nil), args[1:]...), args[0])
			runtime, classes, err := loadClasses(ctx, runtimeConfig(cfg, logger), images)
			if err != nil {
				return err
			}
			defer runtime.Close()

			object, err := runtime.NewObject(ctx, classes[len(classes)-1], heapLength, 0)
			if err != nil {
				return err
			}
			defer object.Destroy()

			runner := sandbox.NewContainmentRunner(object)
			if category != "" {
				if len(runner.RunCategory(ctx, category)) == 0 {
					return fmt.Errorf("no containment tests in category %q", category)
				}
			} else {
				runner.RunAll(ctx)
			}
			runner.PrintResults(w)
			if runner.HasFailures() {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
