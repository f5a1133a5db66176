// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"errors"
	"testing"

	"github.com/bureau-foundation/compartment/lib/memory"
)

// newTestSegment returns a two-page segment: the first page read-write,
// the second left inaccessible.
func newTestSegment(t *testing.T) *Segment {
	t.Helper()
	page := memory.PageSize()
	region, err := memory.Reserve(2 * page)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	t.Cleanup(func() { region.Release() })
	if err := region.MapAnonymous(0, page, memory.ProtRead|memory.ProtWrite); err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	return NewSegment("test", region)
}

func TestNullCapability(t *testing.T) {
	var null Capability
	if null.Tagged() {
		t.Fatal("zero capability must be untagged")
	}
	if _, err := null.LoadUint64(0); !errors.Is(err, ErrUntagged) {
		t.Errorf("expected ErrUntagged, got %v", err)
	}
	if _, err := null.Restrict(PermLoad); !errors.Is(err, ErrUntagged) {
		t.Errorf("expected ErrUntagged from Restrict, got %v", err)
	}
}

func TestLoadStore(t *testing.T) {
	segment := newTestSegment(t)
	c, err := segment.Mint(0, 64, PermLoad|PermStore)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if err := c.StoreUint64(8, 0xdeadbeef); err != nil {
		t.Fatalf("StoreUint64 failed: %v", err)
	}
	value, err := c.LoadUint64(8)
	if err != nil {
		t.Fatalf("LoadUint64 failed: %v", err)
	}
	if value != 0xdeadbeef {
		t.Errorf("expected 0xdeadbeef, got %#x", value)
	}
}

func TestBoundsEnforced(t *testing.T) {
	segment := newTestSegment(t)
	c, err := segment.Mint(16, 16, PermLoad|PermStore)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := c.LoadUint64(12); !errors.Is(err, ErrBounds) {
		t.Errorf("expected ErrBounds for straddling load, got %v", err)
	}
	if err := c.StoreUint64(16, 1); !errors.Is(err, ErrBounds) {
		t.Errorf("expected ErrBounds past end, got %v", err)
	}
	if _, err := c.Bounds(8, 16); !errors.Is(err, ErrBounds) {
		t.Errorf("expected ErrBounds widening window, got %v", err)
	}

	narrow, err := c.Bounds(8, 8)
	if err != nil {
		t.Fatalf("Bounds failed: %v", err)
	}
	if narrow.Base() != 24 || narrow.Length() != 8 {
		t.Errorf("expected [24, +8), got [%d, +%d)", narrow.Base(), narrow.Length())
	}
}

func TestRestrictOnlyNarrows(t *testing.T) {
	segment := newTestSegment(t)
	c, err := segment.Mint(0, 8, PermLoad)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	widened, err := c.Restrict(PermAll)
	if err != nil {
		t.Fatalf("Restrict failed: %v", err)
	}
	if widened.Perms() != PermLoad {
		t.Errorf("Restrict must not add permissions, got %s", widened.Perms())
	}
	if err := widened.StoreUint64(0, 1); !errors.Is(err, ErrPermission) {
		t.Errorf("expected ErrPermission, got %v", err)
	}
}

func TestPageProtectionChecked(t *testing.T) {
	segment := newTestSegment(t)
	page := memory.PageSize()

	// The capability allows the access; the page table does not.
	c, err := segment.Mint(0, 2*page, PermLoad|PermStore)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if _, err := c.LoadUint64(page); !errors.Is(err, memory.ErrFault) {
		t.Errorf("expected memory.ErrFault on guard page, got %v", err)
	}
}

func TestSealing(t *testing.T) {
	segment := newTestSegment(t)
	typeA, sealerA := NewType("a")
	_, sealerB := NewType("b")

	c, err := segment.Mint(0, 8, PermLoad|PermStore)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	sealed, err := sealerA.Seal(c)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !sealed.Sealed() || sealed.SealType() != typeA {
		t.Fatalf("expected capability sealed with %s, got %s", typeA, sealed.SealType())
	}

	if _, err := sealed.LoadUint64(0); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed on dereference, got %v", err)
	}
	if _, err := sealed.Bounds(0, 4); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed on derive, got %v", err)
	}
	if _, err := sealerA.Seal(sealed); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed on reseal, got %v", err)
	}
	if _, err := sealerB.Unseal(sealed); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch unsealing with another type, got %v", err)
	}
	if _, err := sealerA.Unseal(c); !errors.Is(err, ErrNotSealed) {
		t.Errorf("expected ErrNotSealed, got %v", err)
	}

	unsealed, err := sealerA.Unseal(sealed)
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if err := unsealed.StoreUint64(0, 7); err != nil {
		t.Errorf("store through unsealed capability failed: %v", err)
	}
}

func TestTypesAreUnique(t *testing.T) {
	first, _ := NewType("same")
	second, _ := NewType("same")
	if first == second {
		t.Fatal("types with the same name must not be equal")
	}
	if first.ID() == second.ID() {
		t.Fatal("type IDs must be unique")
	}
	if (Type{}).ID() != 0 || !(Type{}).IsZero() {
		t.Error("zero Type must report ID 0")
	}
}

func TestStoredCapability(t *testing.T) {
	segment := newTestSegment(t)
	root, err := segment.Mint(0, 256, PermAll)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	value, err := segment.Mint(128, 32, PermLoad)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if err := root.StoreCapability(16, value); err != nil {
		t.Fatalf("StoreCapability failed: %v", err)
	}
	loaded, err := root.LoadCapability(16)
	if err != nil {
		t.Fatalf("LoadCapability failed: %v", err)
	}
	if loaded.Base() != 128 || loaded.Length() != 32 || loaded.Perms() != PermLoad {
		t.Errorf("loaded capability differs: %s", loaded)
	}

	// Overwriting part of the slot with plain data clears the tag.
	if err := root.StoreUint64(24, 0); err != nil {
		t.Fatalf("StoreUint64 failed: %v", err)
	}
	if _, err := root.LoadCapability(16); !errors.Is(err, ErrUntagged) {
		t.Errorf("expected ErrUntagged after overwrite, got %v", err)
	}
}

func TestStoredCapabilityAlignmentAndPerms(t *testing.T) {
	segment := newTestSegment(t)
	value, err := segment.Mint(0, 8, PermLoad)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	dataOnly, err := segment.Mint(0, 256, PermLoad|PermStore)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if err := dataOnly.StoreCapability(0, value); !errors.Is(err, ErrPermission) {
		t.Errorf("expected ErrPermission without store_cap, got %v", err)
	}

	all := segment.Root()
	if err := all.StoreCapability(8, value); !errors.Is(err, ErrBounds) {
		t.Errorf("expected ErrBounds for misaligned slot, got %v", err)
	}
	if _, err := all.LoadCapability(32); !errors.Is(err, ErrUntagged) {
		t.Errorf("expected ErrUntagged for empty slot, got %v", err)
	}
}

func TestSegmentRevoke(t *testing.T) {
	segment := newTestSegment(t)
	c, err := segment.Mint(0, 8, PermLoad)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	segment.Revoke()

	if _, err := c.LoadUint64(0); !errors.Is(err, ErrRevoked) {
		t.Errorf("expected ErrRevoked, got %v", err)
	}
	if err := c.Validate(); !errors.Is(err, ErrRevoked) {
		t.Errorf("expected Validate to report ErrRevoked, got %v", err)
	}
}

func TestLeaseRevoke(t *testing.T) {
	segment := newTestSegment(t)
	base, err := segment.Mint(0, 64, PermLoad|PermStore)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	lease := NewLease()
	leased, err := base.WithLease(lease)
	if err != nil {
		t.Fatalf("WithLease failed: %v", err)
	}
	derived, err := leased.Bounds(0, 8)
	if err != nil {
		t.Fatalf("Bounds failed: %v", err)
	}

	lease.Revoke()

	if _, err := derived.LoadUint64(0); !errors.Is(err, ErrRevoked) {
		t.Errorf("expected derived capability revoked, got %v", err)
	}
	if _, err := base.LoadUint64(0); err != nil {
		t.Errorf("capability without the lease must stay valid, got %v", err)
	}
}

func TestCheckExecute(t *testing.T) {
	page := memory.PageSize()
	region, err := memory.Reserve(page)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer region.Release()
	if err := region.MapAnonymous(0, page, memory.ProtRead|memory.ProtWrite); err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	segment := NewSegment("code", region)

	code, err := segment.Mint(0, page, PermLoad|PermExecute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if err := code.CheckExecute(); !errors.Is(err, memory.ErrFault) {
		t.Errorf("expected fault on non-executable page, got %v", err)
	}

	if err := region.Protect(0, page, memory.ProtRead|memory.ProtExec); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	entry, err := code.WithCursor(0x200)
	if err != nil {
		t.Fatalf("WithCursor failed: %v", err)
	}
	if err := entry.CheckExecute(); err != nil {
		t.Errorf("CheckExecute failed: %v", err)
	}

	data, err := segment.Mint(0, page, PermLoad)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if err := data.CheckExecute(); !errors.Is(err, ErrPermission) {
		t.Errorf("expected ErrPermission without execute, got %v", err)
	}
}
