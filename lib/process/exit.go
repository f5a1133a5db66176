// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the logger may not be initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Exit ends the process with the outcome of run(). A nil err returns
// without exiting. An error carrying an exit code (an ExitCode() int
// method) exits with that code and prints nothing: the command has
// already written its own report. Any other error goes to Fatal.
func Exit(err error) {
	if err == nil {
		return
	}
	if code, ok := silentCode(err); ok {
		os.Exit(code)
	}
	Fatal(err)
}

// silentCode returns the exit code carried by err or anything it wraps.
func silentCode(err error) (int, bool) {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode(), true
	}
	return 0, false
}
