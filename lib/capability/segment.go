// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/compartment/lib/memory"
)

// Memory is the backing store a Segment windows. *memory.Region
// satisfies it.
type Memory interface {
	Size() uint64
	Check(offset, length uint64, need memory.Prot) error
	Slice(offset, length uint64, need memory.Prot) ([]byte, error)
}

// Segment is the root of every capability into one Memory. It owns the
// tag table for capabilities stored in that memory.
type Segment struct {
	name    string
	memory  Memory
	revoked atomic.Bool

	mu   sync.Mutex
	tags map[uint64]Capability
}

// NewSegment wraps memory. The caller keeps sole ownership of the
// returned Segment and hands out only derived capabilities.
func NewSegment(name string, mem Memory) *Segment {
	return &Segment{
		name:   name,
		memory: mem,
		tags:   make(map[uint64]Capability),
	}
}

// Name returns the diagnostic name given at creation.
func (s *Segment) Name() string {
	return s.name
}

// Root returns an unsealed capability over the whole segment with every
// permission.
func (s *Segment) Root() Capability {
	return Capability{segment: s, length: s.memory.Size(), perms: PermAll}
}

// Mint returns a capability over [base, base+length) with perms.
func (s *Segment) Mint(base, length uint64, perms Perm) (Capability, error) {
	c, err := s.Root().Bounds(base, length)
	if err != nil {
		return Capability{}, err
	}
	return c.Restrict(perms)
}

// Revoke invalidates every capability into the segment, including ones
// stored in memory or held by callers. Revoke is idempotent.
func (s *Segment) Revoke() {
	s.revoked.Store(true)
	s.mu.Lock()
	clear(s.tags)
	s.mu.Unlock()
}

// Revoked reports whether Revoke has been called.
func (s *Segment) Revoked() bool {
	return s.revoked.Load()
}

// ClearTags drops the tag of every stored capability whose slot overlaps
// [offset, offset+length). Loaders call it after rewriting memory behind
// the capability layer's back.
func (s *Segment) ClearTags(offset, length uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearTagsLocked(offset, length)
}

func (s *Segment) clearTagsLocked(offset, length uint64) {
	if length == 0 || len(s.tags) == 0 {
		return
	}
	first := offset &^ (SlotSize - 1)
	for slot := first; slot < offset+length; slot += SlotSize {
		delete(s.tags, slot)
	}
}

func (s *Segment) setTag(offset uint64, c Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[offset] = c
}

func (s *Segment) tag(offset uint64) (Capability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.tags[offset]
	return c, ok
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment(%s)", s.name)
}

// Lease is a revocation handle attached to capabilities with
// [Capability.WithLease]. Revoking it invalidates every capability that
// carries it, and every capability derived from those.
type Lease struct {
	revoked atomic.Bool
}

// NewLease returns an unrevoked lease.
func NewLease() *Lease {
	return &Lease{}
}

// Revoke invalidates the lease. Revoke is idempotent.
func (l *Lease) Revoke() {
	l.revoked.Store(true)
}

// Revoked reports whether Revoke has been called.
func (l *Lease) Revoked() bool {
	return l.revoked.Load()
}
