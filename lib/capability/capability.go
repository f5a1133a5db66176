// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/compartment/lib/memory"
)

var (
	// ErrUntagged is returned for the null capability and for capability
	// loads from slots whose tag was cleared.
	ErrUntagged = errors.New("capability: untagged")

	// ErrRevoked is returned when the segment or a lease was revoked.
	ErrRevoked = errors.New("capability: revoked")

	// ErrSealed is returned when a sealed capability is dereferenced,
	// derived from, or sealed again.
	ErrSealed = errors.New("capability: sealed")

	// ErrNotSealed is returned when unsealing an unsealed capability.
	ErrNotSealed = errors.New("capability: not sealed")

	// ErrTypeMismatch is returned when a seal type does not match.
	ErrTypeMismatch = errors.New("capability: seal type mismatch")

	// ErrBounds is returned for accesses or derivations outside the
	// capability's window.
	ErrBounds = errors.New("capability: out of bounds")

	// ErrPermission is returned when the capability lacks a permission.
	ErrPermission = errors.New("capability: permission denied")
)

// SlotSize is the size and alignment of a stored capability.
const SlotSize = 16

// Perm is a capability permission set.
type Perm uint8

const (
	// PermLoad allows loading data.
	PermLoad Perm = 1 << iota
	// PermStore allows storing data.
	PermStore
	// PermExecute allows use as a code capability.
	PermExecute
	// PermLoadCap allows loading stored capabilities.
	PermLoadCap
	// PermStoreCap allows storing capabilities.
	PermStoreCap
)

// PermAll is every permission.
const PermAll = PermLoad | PermStore | PermExecute | PermLoadCap | PermStoreCap

// Has reports whether every bit in need is present in p.
func (p Perm) Has(need Perm) bool {
	return p&need == need
}

func (p Perm) String() string {
	var parts []string
	for _, entry := range []struct {
		perm Perm
		name string
	}{
		{PermLoad, "load"},
		{PermStore, "store"},
		{PermExecute, "execute"},
		{PermLoadCap, "load_cap"},
		{PermStoreCap, "store_cap"},
	} {
		if p.Has(entry.perm) {
			parts = append(parts, entry.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Capability is a bounded, permissioned, optionally sealed reference into
// a Segment. The zero value is the null capability.
type Capability struct {
	segment *Segment
	base    uint64
	length  uint64
	cursor  uint64
	perms   Perm
	seal    Type
	leases  []*Lease
}

// Tagged reports whether c is a real capability rather than the null one.
func (c Capability) Tagged() bool {
	return c.segment != nil
}

// Base returns the segment offset of the window.
func (c Capability) Base() uint64 { return c.base }

// Length returns the window length.
func (c Capability) Length() uint64 { return c.length }

// Cursor returns the cursor, relative to Base.
func (c Capability) Cursor() uint64 { return c.cursor }

// Perms returns the permission set.
func (c Capability) Perms() Perm { return c.perms }

// Sealed reports whether c carries a seal.
func (c Capability) Sealed() bool { return !c.seal.IsZero() }

// SealType returns the seal type, or the zero Type when unsealed.
func (c Capability) SealType() Type { return c.seal }

// SameSegment reports whether c and other point into the same segment.
func (c Capability) SameSegment(other Capability) bool {
	return c.segment != nil && c.segment == other.segment
}

// Validate reports why c can no longer be used, or nil.
func (c Capability) Validate() error {
	return c.valid()
}

func (c Capability) valid() error {
	if c.segment == nil {
		return ErrUntagged
	}
	if c.segment.Revoked() {
		return fmt.Errorf("%w: %s", ErrRevoked, c.segment)
	}
	for _, lease := range c.leases {
		if lease.Revoked() {
			return fmt.Errorf("%w: lease", ErrRevoked)
		}
	}
	return nil
}

func (c Capability) derivable() error {
	if err := c.valid(); err != nil {
		return err
	}
	if c.Sealed() {
		return fmt.Errorf("%w: cannot derive from capability sealed with %s", ErrSealed, c.seal)
	}
	return nil
}

// Restrict returns c with only the permissions in perms that c already has.
func (c Capability) Restrict(perms Perm) (Capability, error) {
	if err := c.derivable(); err != nil {
		return Capability{}, err
	}
	c.perms &= perms
	return c, nil
}

// Bounds returns a capability over [offset, offset+length) relative to
// c's base. The new window must lie inside c's. The cursor resets to 0.
func (c Capability) Bounds(offset, length uint64) (Capability, error) {
	if err := c.derivable(); err != nil {
		return Capability{}, err
	}
	if offset > c.length || length > c.length-offset {
		return Capability{}, fmt.Errorf("%w: [%#x, +%#x) outside window of %#x", ErrBounds, offset, length, c.length)
	}
	c.base += offset
	c.length = length
	c.cursor = 0
	return c, nil
}

// WithCursor returns c with its cursor moved to offset (relative to base).
// The cursor may point outside the window; accesses are still bounded.
func (c Capability) WithCursor(offset uint64) (Capability, error) {
	if err := c.derivable(); err != nil {
		return Capability{}, err
	}
	c.cursor = offset
	return c, nil
}

// WithLease returns c carrying lease in addition to its existing ones.
func (c Capability) WithLease(lease *Lease) (Capability, error) {
	if err := c.derivable(); err != nil {
		return Capability{}, err
	}
	leases := make([]*Lease, len(c.leases), len(c.leases)+1)
	copy(leases, c.leases)
	c.leases = append(leases, lease)
	return c, nil
}

// access validates an access of length bytes at offset (relative to base)
// and returns the absolute segment offset.
func (c Capability) access(offset, length uint64, need Perm) (uint64, error) {
	if err := c.valid(); err != nil {
		return 0, err
	}
	if c.Sealed() {
		return 0, fmt.Errorf("%w: dereferencing capability sealed with %s", ErrSealed, c.seal)
	}
	if !c.perms.Has(need) {
		return 0, fmt.Errorf("%w: have %s, need %s", ErrPermission, c.perms, need)
	}
	if offset > c.length || length > c.length-offset {
		return 0, fmt.Errorf("%w: access [%#x, +%#x) outside window of %#x", ErrBounds, offset, length, c.length)
	}
	return c.base + offset, nil
}

// Load copies len(dst) bytes at offset into dst.
func (c Capability) Load(offset uint64, dst []byte) error {
	absolute, err := c.access(offset, uint64(len(dst)), PermLoad)
	if err != nil {
		return err
	}
	source, err := c.segment.memory.Slice(absolute, uint64(len(dst)), memory.ProtRead)
	if err != nil {
		return err
	}
	copy(dst, source)
	return nil
}

// Store copies src to offset and clears any capability tags it covers.
func (c Capability) Store(offset uint64, src []byte) error {
	absolute, err := c.access(offset, uint64(len(src)), PermStore)
	if err != nil {
		return err
	}
	target, err := c.segment.memory.Slice(absolute, uint64(len(src)), memory.ProtWrite)
	if err != nil {
		return err
	}
	copy(target, src)
	c.segment.ClearTags(absolute, uint64(len(src)))
	return nil
}

// Zero clears length bytes at offset.
func (c Capability) Zero(offset, length uint64) error {
	absolute, err := c.access(offset, length, PermStore)
	if err != nil {
		return err
	}
	target, err := c.segment.memory.Slice(absolute, length, memory.ProtWrite)
	if err != nil {
		return err
	}
	clear(target)
	c.segment.ClearTags(absolute, length)
	return nil
}

// LoadUint64 loads a little-endian 64-bit word at offset.
func (c Capability) LoadUint64(offset uint64) (uint64, error) {
	var word [8]byte
	if err := c.Load(offset, word[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(word[:]), nil
}

// StoreUint64 stores a little-endian 64-bit word at offset.
func (c Capability) StoreUint64(offset, value uint64) error {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], value)
	return c.Store(offset, word[:])
}

// CheckExecute verifies that c may be used as a code capability: it must
// be unsealed, carry PermExecute, and its cursor must land on an
// executable page inside the window.
func (c Capability) CheckExecute() error {
	absolute, err := c.access(c.cursor, 1, PermExecute)
	if err != nil {
		return err
	}
	return c.segment.memory.Check(absolute, 1, memory.ProtExec)
}

// StoreCapability stores value in the SlotSize-aligned slot at offset.
// The slot's bytes receive a descriptor of value; the tag table keeps the
// capability itself.
func (c Capability) StoreCapability(offset uint64, value Capability) error {
	if offset%SlotSize != 0 {
		return fmt.Errorf("%w: capability slot %#x not %d-byte aligned", ErrBounds, offset, SlotSize)
	}
	if !c.perms.Has(PermStoreCap) {
		return fmt.Errorf("%w: have %s, need %s", ErrPermission, c.perms, PermStoreCap)
	}
	if err := value.valid(); err != nil {
		return fmt.Errorf("storing capability: %w", err)
	}
	descriptor := value.descriptor()
	if err := c.Store(offset, descriptor[:]); err != nil {
		return err
	}
	c.segment.setTag(c.base+offset, value)
	return nil
}

// LoadCapability loads the capability stored in the slot at offset.
func (c Capability) LoadCapability(offset uint64) (Capability, error) {
	if offset%SlotSize != 0 {
		return Capability{}, fmt.Errorf("%w: capability slot %#x not %d-byte aligned", ErrBounds, offset, SlotSize)
	}
	if !c.perms.Has(PermLoadCap) {
		return Capability{}, fmt.Errorf("%w: have %s, need %s", ErrPermission, c.perms, PermLoadCap)
	}
	var raw [SlotSize]byte
	if err := c.Load(offset, raw[:]); err != nil {
		return Capability{}, err
	}
	value, ok := c.segment.tag(c.base + offset)
	if !ok || value.descriptor() != raw {
		return Capability{}, fmt.Errorf("%w: slot %#x", ErrUntagged, offset)
	}
	if err := value.valid(); err != nil {
		return Capability{}, err
	}
	return value, nil
}

// descriptor is the in-memory image of a stored capability: its absolute
// cursor and its length. It carries no authority on its own.
func (c Capability) descriptor() [SlotSize]byte {
	var raw [SlotSize]byte
	binary.LittleEndian.PutUint64(raw[0:8], c.base+c.cursor)
	binary.LittleEndian.PutUint64(raw[8:16], c.length)
	return raw
}

func (c Capability) String() string {
	if c.segment == nil {
		return "capability(null)"
	}
	return fmt.Sprintf("capability(%s [%#x, +%#x) cursor=%#x perms=%s seal=%s)",
		c.segment.name, c.base, c.length, c.cursor, c.perms, c.seal)
}
