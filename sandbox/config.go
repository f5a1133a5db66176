// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/compartment/lib/clock"
	"github.com/bureau-foundation/compartment/lib/config"
	"github.com/bureau-foundation/compartment/lib/gateway"
)

// EntryFunc implements an entry point of a sandboxed class, a host
// method, or the system services.
type EntryFunc = gateway.EntryFunc

// Config configures a Runtime. Zero numeric fields take the defaults of
// config.Default().
type Config struct {
	// MaxImageOffset is the ceiling on the highest offset a class image
	// may map.
	MaxImageOffset uint64

	// MaxObjectSize is the ceiling on an object's data segment length.
	// NewObject fails with ErrResourceLimitExceeded above it.
	MaxObjectSize uint64

	// ProgramBase is the offset of the program image in each object's
	// data segment, and the planner's low floor. It must leave room for
	// the reserved page, the metadata page, and a guard page.
	ProgramBase uint64

	// StackSize is the size of each object's stack.
	StackSize uint64

	// HeapAlignment aligns each object's heap base. Zero means one page.
	HeapAlignment uint64

	// MaxCallDepth bounds nested cross-domain calls.
	MaxCallDepth int

	// HostImage is the optional ELF image describing the methods the
	// host program provides to and requires from sandboxes.
	HostImage string

	// HostMethods implements the host image's provided methods, keyed by
	// "class.method". Host methods run on the landing pad.
	HostMethods map[string]EntryFunc

	// System implements the system-services collaborator. Its frame's
	// Data is the caller's identity capability; see ObjectID. Nil leaves
	// system calls unbound.
	System EntryFunc

	// LandingPad serializes inbound calls. Nil means the process-wide
	// landing pad.
	LandingPad *gateway.LandingPad

	// Clock stamps class registration and object creation. Nil means
	// clock.Real().
	Clock clock.Clock

	// Logger receives runtime events. Nil means slog.Default().
	Logger *slog.Logger
}

// FromFile converts the runtime section of a configuration file.
// Programmatic fields (HostMethods, System, LandingPad, Clock, Logger)
// are left for the caller.
func FromFile(file *config.Config) Config {
	return Config{
		MaxImageOffset: uint64(file.Runtime.MaxImageOffset),
		MaxObjectSize:  uint64(file.Runtime.MaxObjectSize),
		ProgramBase:    uint64(file.Runtime.ProgramBase),
		StackSize:      uint64(file.Runtime.StackSize),
		HeapAlignment:  uint64(file.Runtime.HeapAlignment),
		MaxCallDepth:   file.Runtime.MaxCallDepth,
		HostImage:      file.Runtime.HostImage,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	defaults := FromFile(config.Default())
	if c.MaxImageOffset == 0 {
		c.MaxImageOffset = defaults.MaxImageOffset
	}
	if c.MaxObjectSize == 0 {
		c.MaxObjectSize = defaults.MaxObjectSize
	}
	if c.ProgramBase == 0 {
		c.ProgramBase = defaults.ProgramBase
	}
	if c.StackSize == 0 {
		c.StackSize = defaults.StackSize
	}
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = defaults.MaxCallDepth
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// validate checks the layout parameters against the host page size.
func (c Config) validate(pageSize uint64) error {
	var errs []error
	if c.ProgramBase%pageSize != 0 || c.ProgramBase < 3*pageSize {
		errs = append(errs, fmt.Errorf("program base %#x must be a page multiple of at least %#x", c.ProgramBase, 3*pageSize))
	}
	if c.MaxImageOffset <= c.ProgramBase {
		errs = append(errs, fmt.Errorf("max image offset %#x must exceed program base %#x", c.MaxImageOffset, c.ProgramBase))
	}
	if c.MaxObjectSize <= c.MaxImageOffset {
		errs = append(errs, fmt.Errorf("max object size %#x must exceed max image offset %#x", c.MaxObjectSize, c.MaxImageOffset))
	}
	if c.StackSize%pageSize != 0 {
		errs = append(errs, fmt.Errorf("stack size %#x is not a page multiple", c.StackSize))
	}
	if alignment := c.HeapAlignment; alignment != 0 && (alignment%pageSize != 0 || alignment&(alignment-1) != 0) {
		errs = append(errs, fmt.Errorf("heap alignment %#x must be a power-of-two page multiple", alignment))
	}
	if c.MaxCallDepth < 0 {
		errs = append(errs, fmt.Errorf("max call depth %d is negative", c.MaxCallDepth))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}
