// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/compartment/lib/memory"
)

// Capabilities describes what the memory backend supports on this
// system.
type Capabilities struct {
	// PageSize is the host page size.
	PageSize uint64

	// ReserveWorks is true if PROT_NONE address space can be reserved.
	ReserveWorks bool

	// FixedFileMapWorks is true if a file can be mapped at a fixed
	// offset inside a reservation and read back.
	FixedFileMapWorks bool

	// ProtectWorks is true if tightening a mapping to read-only makes
	// writes fault.
	ProtectWorks bool

	// Errors records why each failed probe failed.
	Errors []error
}

// DetectCapabilities probes the memory backend. Every probe unmaps what
// it mapped.
func DetectCapabilities() *Capabilities {
	caps := &Capabilities{PageSize: memory.PageSize()}

	region, err := memory.Reserve(2 * caps.PageSize)
	if err != nil {
		caps.Errors = append(caps.Errors, fmt.Errorf("reserve: %w", err))
		return caps
	}
	defer region.Release()
	caps.ReserveWorks = true

	if err := probeFileMap(region, caps.PageSize); err != nil {
		caps.Errors = append(caps.Errors, fmt.Errorf("fixed file map: %w", err))
	} else {
		caps.FixedFileMapWorks = true
	}

	if err := probeProtect(region, caps.PageSize); err != nil {
		caps.Errors = append(caps.Errors, fmt.Errorf("protect: %w", err))
	} else {
		caps.ProtectWorks = true
	}
	return caps
}

var probePattern = []byte("compartment probe")

func probeFileMap(region *memory.Region, page uint64) error {
	file, err := os.CreateTemp("", "compartment-probe-*")
	if err != nil {
		return err
	}
	defer os.Remove(file.Name())
	defer file.Close()

	content := make([]byte, page)
	copy(content, probePattern)
	if _, err := file.Write(content); err != nil {
		return err
	}
	if err := region.MapFile(0, page, file.Fd(), 0, memory.ProtRead); err != nil {
		return err
	}
	mapped, err := region.Slice(0, uint64(len(probePattern)), memory.ProtRead)
	if err != nil {
		return err
	}
	if !bytes.Equal(mapped, probePattern) {
		return errors.New("mapped bytes differ from the file")
	}
	return nil
}

func probeProtect(region *memory.Region, page uint64) error {
	if err := region.MapAnonymous(page, page, memory.ProtRead|memory.ProtWrite); err != nil {
		return err
	}
	writable, err := region.Slice(page, 8, memory.ProtWrite)
	if err != nil {
		return err
	}
	writable[0] = 1
	if err := region.Protect(page, page, memory.ProtRead); err != nil {
		return err
	}
	if _, err := region.Slice(page, 8, memory.ProtWrite); !errors.Is(err, memory.ErrFault) {
		return fmt.Errorf("write to a read-only page was not refused (%v)", err)
	}
	return nil
}

// CanRunSandbox returns true if objects can be created on this system.
func (c *Capabilities) CanRunSandbox() bool {
	return c.ReserveWorks && c.FixedFileMapWorks && c.ProtectWorks
}

// SkipReason returns a human-readable reason why objects cannot be
// created, or empty string if they can.
func (c *Capabilities) SkipReason() string {
	switch {
	case !c.ReserveWorks:
		return "address space reservation (mmap PROT_NONE) failed"
	case !c.FixedFileMapWorks:
		return "fixed file mappings (MAP_FIXED) failed"
	case !c.ProtectWorks:
		return "mprotect does not tighten page protection"
	}
	return ""
}
