// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. [Exit] turns the
// error returned by a binary's run() into its exit status, and [Fatal]
// reports an error to stderr for the window before the structured
// logger exists. Everything else in a binary logs through slog or
// writes its report to stdout.
package process
