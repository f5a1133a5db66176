// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the compartment
// tool.
//
// A [Command] is a group of leaves or a leaf with a [pflag.FlagSet]
// factory and a Run function. [Command.Execute] routes the first
// argument to a leaf, parses its flags, and prints help pages with
// examples. Unknown commands and long flags get the closest known name
// within three edits as a suggestion.
//
// [ExitError] lets a command that has already printed its own report
// (validate, doctor, selftest) exit non-zero without a second error
// line. [NewCommandLogger] builds the slog logger commands share.
package cli
