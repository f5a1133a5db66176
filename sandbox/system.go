// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"math"

	"github.com/bureau-foundation/compartment/lib/capability"
	"github.com/bureau-foundation/compartment/lib/gateway"
	"github.com/bureau-foundation/compartment/lib/memory"
)

// ambientMemory stands in for the host program's address space. Its
// code is Go, dispatched by the gateway, so every offset is a valid
// entry; nothing in it can be loaded or stored through a capability.
type ambientMemory struct{}

func (ambientMemory) Size() uint64 { return math.MaxUint64 >> 1 }

func (ambientMemory) Check(offset, length uint64, need memory.Prot) error {
	if need.Has(memory.ProtWrite) {
		return fmt.Errorf("%w: ambient memory is not writable", memory.ErrFault)
	}
	return nil
}

func (ambientMemory) Slice(offset, length uint64, need memory.Prot) ([]byte, error) {
	return nil, fmt.Errorf("%w: ambient memory has no bytes", memory.ErrFault)
}

// system is the runtime's half of the system-services collaborator:
// the seal type its identity pairs are sealed with, and the ambient
// segment both halves point into.
type system struct {
	typ     capability.Type
	sealer  *capability.Sealer
	segment *capability.Segment
}

func newSystem(g *gateway.Gateway, fn EntryFunc) (*system, error) {
	typ, sealer := capability.NewType("system")
	g.Register(sealer)
	s := &system{
		typ:     typ,
		sealer:  sealer,
		segment: capability.NewSegment("ambient", ambientMemory{}),
	}
	if fn != nil {
		if err := g.Bind(typ, SystemVector, fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// identity mints the sealed system pair of object id: a code
// capability at SystemVector and a zero-length data capability whose
// base is the object's identity. Both carry lease.
func (s *system) identity(id uint64, lease *capability.Lease) (code, data capability.Capability, err error) {
	code, err = s.segment.Mint(0, SystemVector+1, capability.PermLoad|capability.PermExecute)
	if err == nil {
		code, err = code.WithCursor(SystemVector)
	}
	if err == nil {
		code, err = code.WithLease(lease)
	}
	if err == nil {
		code, err = s.sealer.Seal(code)
	}
	if err != nil {
		return capability.Capability{}, capability.Capability{}, fmt.Errorf("minting system code capability: %w", err)
	}

	data, err = s.segment.Mint(id, 0, capability.PermLoad)
	if err == nil {
		data, err = data.WithLease(lease)
	}
	if err == nil {
		data, err = s.sealer.Seal(data)
	}
	if err != nil {
		return capability.Capability{}, capability.Capability{}, fmt.Errorf("minting system identity: %w", err)
	}
	return code, data, nil
}

// ObjectID returns the identity of the object a system-services call
// came from. Call it from Config.System.
func ObjectID(frame *gateway.Frame) uint64 {
	return frame.Data.Base()
}
