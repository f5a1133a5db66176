// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package elfseg

import (
	"fmt"

	"github.com/bureau-foundation/compartment/lib/memory"
)

// Mapper is the target of a plan. *memory.Region implements it.
type Mapper interface {
	MapFile(offset, length uint64, fd uintptr, fileOffset uint64, prot memory.Prot) error
	MapAnonymous(offset, length uint64, prot memory.Prot) error
	Protect(offset, length uint64, prot memory.Prot) error
	Zero(offset, length uint64) error
}

// Load applies every mapping read-write and zeroes the tails. fd is the
// image the plan was parsed from. The final protections are applied by
// Protect. On error some mappings may already be in place; the caller
// releases the whole reservation.
func (p *Plan) Load(target Mapper, fd uintptr) error {
	for _, m := range p.Mappings {
		if err := apply(target, m, fd); err != nil {
			return err
		}
	}
	return nil
}

// Protect applies each mapping's final protection.
func (p *Plan) Protect(target Mapper) error {
	for _, m := range p.Mappings {
		if err := target.Protect(m.Offset, m.Length, m.Prot); err != nil {
			return fmt.Errorf("protecting %s: %w", m, err)
		}
	}
	return nil
}

// Reset re-applies the writable mappings, restoring file content and
// zero fill. Read-only mappings are left alone.
func (p *Plan) Reset(target Mapper, fd uintptr) error {
	for _, m := range p.Mappings {
		if !m.Prot.Has(memory.ProtWrite) {
			continue
		}
		if err := apply(target, m, fd); err != nil {
			return err
		}
		if m.Prot != memory.ProtRead|memory.ProtWrite {
			if err := target.Protect(m.Offset, m.Length, m.Prot); err != nil {
				return fmt.Errorf("protecting %s: %w", m, err)
			}
		}
	}
	return nil
}

func apply(target Mapper, m Mapping, fd uintptr) error {
	const writable = memory.ProtRead | memory.ProtWrite
	if !m.Source.File {
		if err := target.MapAnonymous(m.Offset, m.Length, writable); err != nil {
			return fmt.Errorf("mapping %s: %w", m, err)
		}
		return nil
	}
	if err := target.MapFile(m.Offset, m.Length, fd, m.Source.Offset, writable); err != nil {
		return fmt.Errorf("mapping %s: %w", m, err)
	}
	if m.TailZero > 0 {
		if err := target.Zero(m.Offset+m.Source.Length, m.TailZero); err != nil {
			return fmt.Errorf("zeroing tail of %s: %w", m, err)
		}
	}
	return nil
}
