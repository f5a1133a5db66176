// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/compartment/cmd/compartment/cli"
	"github.com/bureau-foundation/compartment/lib/config"
	"github.com/bureau-foundation/compartment/lib/memory"
	"github.com/bureau-foundation/compartment/sandbox"
)

// root assembles the command tree. Reports go to w.
func root(ctx context.Context, w io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "compartment",
		Summary: "Inspect class images and exercise the sandbox runtime",
		Subcommands: []*cli.Command{
			planCommand(w),
			methodsCommand(w),
			linkCommand(ctx, w),
			manifestCommand(ctx, w),
			validateCommand(w),
			doctorCommand(w),
			selftestCommand(ctx, w),
		},
	}
}

// runtimeFlags are the flags shared by every command that reads the
// runtime configuration.
type runtimeFlags struct {
	configPath string
}

func (f *runtimeFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "runtime config file (default $"+config.EnvVar+", then built-in defaults)")
}

// load reads and validates the configuration and builds the command
// logger from its logging section.
func (f *runtimeFlags) load(command string) (*config.Config, *slog.Logger, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.configPath != "":
		cfg, err = config.LoadFile(f.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(memory.PageSize()); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := cli.NewCommandLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.With("command", command), nil
}

// runtimeConfig converts cfg for sandbox.New.
func runtimeConfig(cfg *config.Config, logger *slog.Logger) sandbox.Config {
	runtimeConfig := sandbox.FromFile(cfg)
	runtimeConfig.Logger = logger
	return runtimeConfig
}

// loadClasses creates a runtime and loads every image into it with no
// bindings. The caller closes the runtime.
func loadClasses(ctx context.Context, options sandbox.Config, images []string) (*sandbox.Runtime, []*sandbox.Class, error) {
	runtime, err := sandbox.New(options)
	if err != nil {
		return nil, nil, err
	}
	classes := make([]*sandbox.Class, 0, len(images))
	for _, image := range images {
		class, err := runtime.LoadClass(ctx, image, sandbox.Bindings{})
		if err != nil {
			runtime.Close()
			return nil, nil, err
		}
		classes = append(classes, class)
	}
	return runtime, classes, nil
}

// requireArgs returns an error unless args has between minimum and
// maximum entries. A negative maximum means no limit.
func requireArgs(args []string, minimum, maximum int, usage string) error {
	if len(args) < minimum || (maximum >= 0 && len(args) > maximum) {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

// imageName is the class name an image would register under.
func imageName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
