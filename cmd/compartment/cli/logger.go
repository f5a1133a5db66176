// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger creates a structured logger for CLI command operations
// on stderr. format is "text", "json", or "auto": text when stderr is a
// terminal, JSON when it is piped or redirected. level is one of debug,
// info, warn, error.
//
// Callers scope the logger with command-specific context via With():
//
//	logger = logger.With("command", "link", "images", len(args))
func NewCommandLogger(level, format string) (*slog.Logger, error) {
	return newLogger(os.Stderr, term.IsTerminal(int(os.Stderr.Fd())), level, format)
}

func newLogger(w io.Writer, terminal bool, level, format string) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	options := &slog.HandlerOptions{Level: slogLevel}

	switch format {
	case "auto":
		if terminal {
			return slog.New(slog.NewTextHandler(w, options)), nil
		}
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("log format %q: want auto, text, or json", format)
	}
}
