// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is either a group dispatching to Subcommands or a leaf with
// a Run function. The compartment tree is one group of leaves.
type Command struct {
	// Name is the command name as typed by the user (e.g., "plan").
	Name string

	// Summary is the one-line description in the group's listing.
	Summary string

	// Description is the text at the top of the command's own help.
	Description string

	// Usage is the usage line (e.g., "compartment plan [flags] <image>").
	// Empty means "<path> [flags]", or "<path> <command>" for a group.
	Usage string

	// Examples follow the flags in help output.
	Examples []Example

	// Flags builds the command's flag set. It is called once per parse
	// and once per help page. Nil means the command takes no flags.
	Flags func() *pflag.FlagSet

	// Subcommands makes the command a group.
	Subcommands []*Command

	// Run executes a leaf with the positional args left after flags.
	Run func(args []string) error

	// Output receives help text. Nil means the group's Output, then
	// os.Stderr.
	Output io.Writer

	// path is the command line that reached this command, set when its
	// group dispatches to it.
	path string
}

// Example is a usage example shown in help output.
type Example struct {
	Description string
	Command     string
}

// Execute dispatches args through the tree and runs the selected leaf.
func (c *Command) Execute(args []string) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(c.output())
		return nil
	}
	if len(c.Subcommands) > 0 {
		return c.dispatch(args)
	}

	if c.Flags != nil {
		flagSet := c.Flags()
		flagSet.SetOutput(io.Discard)
		if err := flagSet.Parse(args); err != nil {
			hint := ""
			if name, ok := strings.CutPrefix(err.Error(), "unknown flag: --"); ok {
				if suggestion := closest(name, flagNames(c.Flags())); suggestion != "" {
					hint = fmt.Sprintf(" (did you mean --%s?)", suggestion)
				}
			}
			return fmt.Errorf("%s%s\n\nRun '%s --help' for usage.", err, hint, c.fullName())
		}
		args = flagSet.Args()
	}
	if c.Run == nil {
		return fmt.Errorf("%s has nothing to run", c.fullName())
	}
	return c.Run(args)
}

func (c *Command) dispatch(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		c.PrintHelp(c.output())
		if len(args) == 0 {
			return fmt.Errorf("subcommand required")
		}
		return fmt.Errorf("subcommand required (got flag %q)", args[0])
	}

	names := make([]string, 0, len(c.Subcommands))
	for _, sub := range c.Subcommands {
		if sub.Name == args[0] {
			sub.path = c.fullName() + " " + sub.Name
			if sub.Output == nil {
				sub.Output = c.Output
			}
			return sub.Execute(args[1:])
		}
		names = append(names, sub.Name)
	}

	hint := ""
	if suggestion := closest(args[0], names); suggestion != "" {
		hint = fmt.Sprintf(" (did you mean %q?)", suggestion)
	}
	return fmt.Errorf("unknown command %q%s\n\nRun '%s --help' for usage.", args[0], hint, c.fullName())
}

// PrintHelp writes the command's help page to w.
func (c *Command) PrintHelp(w io.Writer) {
	name := c.fullName()

	if text := c.Description; text != "" {
		fmt.Fprintf(w, "%s\n\n", text)
	} else if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	usage := c.Usage
	if usage == "" {
		usage = name + " [flags]"
		if len(c.Subcommands) > 0 {
			usage = name + " <command>"
		}
	}
	fmt.Fprintf(w, "Usage:\n  %s\n", usage)

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		tw.Flush()
		fmt.Fprintf(w, "\nRun '%s <command> --help' for more information on a command.\n", name)
	}

	if c.Flags != nil {
		if usage := c.Flags().FlagUsages(); usage != "" {
			fmt.Fprintf(w, "\nFlags:\n%s", usage)
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for _, example := range c.Examples {
			if example.Description != "" {
				fmt.Fprintf(w, "  # %s\n", example.Description)
			}
			fmt.Fprintf(w, "  %s\n\n", example.Command)
		}
	}
}

func (c *Command) output() io.Writer {
	if c.Output != nil {
		return c.Output
	}
	return os.Stderr
}

// fullName returns the command path (e.g., "compartment plan").
func (c *Command) fullName() string {
	if c.path != "" {
		return c.path
	}
	return c.Name
}

func flagNames(flagSet *pflag.FlagSet) []string {
	var names []string
	flagSet.VisitAll(func(f *pflag.Flag) { names = append(names, f.Name) })
	return names
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}
