// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/compartment/cmd/compartment/cli"
	"github.com/bureau-foundation/compartment/lib/codec"
)

func manifestCommand(ctx context.Context, w io.Writer) *cli.Command {
	var flags runtimeFlags
	var diag bool
	return &cli.Command{
		Name:    "manifest",
		Summary: "Write the CBOR manifests of a set of class images",
		Description: `Load every image into one runtime and write each class's manifest:
its path, BLAKE3 digest, segment plans, method tables, and linkage
state. Manifests are written as a CBOR sequence in Core Deterministic
Encoding, so the same images always produce the same bytes. --diag
prints CBOR diagnostic notation instead.`,
		Usage: "compartment manifest [flags] <image>...",
		Examples: []cli.Example{
			{Description: "Inspect a manifest", Command: "compartment manifest --diag counter.elf"},
			{Description: "Record manifests for later comparison", Command: "compartment manifest counter.elf client.elf > classes.cbor"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("manifest", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.BoolVar(&diag, "diag", false, "print CBOR diagnostic notation")
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 1, -1, "compartment manifest [flags] <image>..."); err != nil {
				return err
			}
			cfg, logger, err := flags.load("manifest")
			if err != nil {
				return err
			}
			runtime, classes, err := loadClasses(ctx, runtimeConfig(cfg, logger), args)
			if err != nil {
				return err
			}
			defer runtime.Close()

			for _, class := range classes {
				data, err := class.Manifest().Marshal()
				if err != nil {
					return err
				}
				if !diag {
					if _, err := w.Write(data); err != nil {
						return err
					}
					continue
				}
				notation, err := codec.Diagnose(data)
				if err != nil {
					return fmt.Errorf("manifest of %s: %w", class.Name(), err)
				}
				fmt.Fprintln(w, notation)
			}
			return nil
		},
	}
}
