// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bureau-foundation/compartment/lib/capability"
	"github.com/bureau-foundation/compartment/lib/memory"
)

const (
	invokeVector = 0x200
	dataPerms    = capability.PermLoad | capability.PermStore | capability.PermLoadCap | capability.PermStoreCap
)

func newGateway(maxDepth int) *Gateway {
	return New(Config{
		MaxCallDepth: maxDepth,
		LandingPad:   &LandingPad{},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// region reserves one page mapped with prot.
func region(t *testing.T, prot memory.Prot) *memory.Region {
	t.Helper()
	page := memory.PageSize()
	r, err := memory.Reserve(page)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	t.Cleanup(func() { r.Release() })
	if err := r.MapAnonymous(0, page, memory.ProtRead|memory.ProtWrite); err != nil {
		t.Fatalf("MapAnonymous failed: %v", err)
	}
	if prot != memory.ProtRead|memory.ProtWrite {
		if err := r.Protect(0, page, prot); err != nil {
			t.Fatalf("Protect failed: %v", err)
		}
	}
	return r
}

// domain is a minimal compartment: one code page, one data page, one
// stack page, and a seal type registered with the gateway.
type domain struct {
	typ    capability.Type
	sealer *capability.Sealer
	code   capability.Capability
	data   capability.Capability
	info   *Domain
}

func newDomain(t *testing.T, g *Gateway, name string) *domain {
	t.Helper()
	typ, sealer := capability.NewType(name)
	g.Register(sealer)

	code, err := capability.NewSegment(name+" code", region(t, memory.ProtRead|memory.ProtExec)).
		Mint(0, memory.PageSize(), capability.PermLoad|capability.PermExecute)
	if err != nil {
		t.Fatalf("Mint code failed: %v", err)
	}
	data, err := capability.NewSegment(name+" data", region(t, memory.ProtRead|memory.ProtWrite)).Root().Restrict(dataPerms)
	if err != nil {
		t.Fatalf("Restrict failed: %v", err)
	}
	stack := capability.NewSegment(name+" stack", region(t, memory.ProtRead|memory.ProtWrite)).Root()
	return &domain{
		typ:    typ,
		sealer: sealer,
		code:   code,
		data:   data,
		info:   &Domain{Name: name, Stack: stack},
	}
}

// target returns a target entering at cursor with an optional vtable
// over the data page.
func (d *domain) target(t *testing.T, cursor uint64, vtableBase, vtableLength uint64, iface string) Target {
	t.Helper()
	code, err := d.code.WithCursor(cursor)
	if err != nil {
		t.Fatalf("WithCursor failed: %v", err)
	}
	sealedCode, err := d.sealer.Seal(code)
	if err != nil {
		t.Fatalf("Seal code failed: %v", err)
	}
	sealedData, err := d.sealer.Seal(d.data)
	if err != nil {
		t.Fatalf("Seal data failed: %v", err)
	}
	var vtable capability.Capability
	if vtableLength > 0 {
		window, err := d.data.Bounds(vtableBase, vtableLength)
		if err != nil {
			t.Fatalf("Bounds failed: %v", err)
		}
		loadOnly, err := window.Restrict(capability.PermLoad)
		if err != nil {
			t.Fatalf("Restrict failed: %v", err)
		}
		if vtable, err = d.sealer.Seal(loadOnly); err != nil {
			t.Fatalf("Seal vtable failed: %v", err)
		}
	}
	return NewTarget(sealedCode, sealedData, vtable, iface, d.info.Name, d.info)
}

func (d *domain) bind(t *testing.T, g *Gateway, entry uint64, fn EntryFunc) {
	t.Helper()
	if err := g.Bind(d.typ, entry, fn); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
}

func TestCall_RunsBoundEntry(t *testing.T) {
	g := newGateway(0)
	callee := newDomain(t, g, "counter")

	callee.bind(t, g, invokeVector, func(frame *Frame) (uint64, error) {
		if Current(frame.Context()) != "counter" {
			t.Errorf("Current inside call = %q", Current(frame.Context()))
		}
		if frame.Stack.Length() != memory.PageSize() {
			t.Errorf("callee stack not installed: %s", frame.Stack)
		}
		if frame.Caller() != nil || frame.Depth() != 1 || frame.Entry() != invokeVector {
			t.Errorf("frame chain = caller %v depth %d entry %#x", frame.Caller(), frame.Depth(), frame.Entry())
		}
		if err := frame.Data.StoreUint64(0, frame.Arg(0)+frame.Arg(1)); err != nil {
			return 0, err
		}
		return frame.Method * 10, nil
	})

	ctx := context.Background()
	result, err := g.Call(ctx, callee.target(t, invokeVector, 0, 0, ""), Call{Method: 7, Args: []uint64{2, 3}})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if result != 70 {
		t.Errorf("result = %d, want 70", result)
	}
	if value, _ := callee.data.LoadUint64(0); value != 5 {
		t.Errorf("callee data = %d, want 5", value)
	}
	if Current(ctx) != "ambient" {
		t.Errorf("Current after return = %q", Current(ctx))
	}
}

func TestCall_Rejections(t *testing.T) {
	g := newGateway(0)
	a := newDomain(t, g, "a")
	b := newDomain(t, g, "b")
	a.bind(t, g, invokeVector, func(*Frame) (uint64, error) { return 0, nil })

	good := a.target(t, invokeVector, 0, 0, "")
	other := b.target(t, invokeVector, 0, 0, "")

	unregisteredType, unregistered := capability.NewType("unregistered")
	foreignCode, _ := unregistered.Seal(mustCursor(t, a.code, invokeVector))
	foreignData, _ := unregistered.Seal(a.data)

	tests := []struct {
		name   string
		target Target
		want   error
	}{
		{"unbound entry", a.target(t, 0x300, 0, 0, ""), ErrNoEntry},
		{"mismatched seals", NewTarget(good.Code(), other.Data(), capability.Capability{}, "", "", nil), capability.ErrTypeMismatch},
		{"unsealed data", NewTarget(good.Code(), a.data, capability.Capability{}, "", "", nil), capability.ErrNotSealed},
		{"zero target", Target{}, capability.ErrNotSealed},
		{"unregistered type", NewTarget(foreignCode, foreignData, capability.Capability{}, "", "", nil), ErrNoEntry},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := g.Call(context.Background(), test.target, Call{}); !errors.Is(err, test.want) {
				t.Errorf("expected %v, got %v", test.want, err)
			}
		})
	}
	if unregisteredType.IsZero() {
		t.Fatal("NewType returned the zero type")
	}
}

func mustCursor(t *testing.T, c capability.Capability, cursor uint64) capability.Capability {
	t.Helper()
	moved, err := c.WithCursor(cursor)
	if err != nil {
		t.Fatalf("WithCursor failed: %v", err)
	}
	return moved
}

func TestCall_RequiresExecutablePage(t *testing.T) {
	g := newGateway(0)
	typ, sealer := capability.NewType("noexec")
	g.Register(sealer)
	if err := g.Bind(typ, invokeVector, func(*Frame) (uint64, error) { return 0, nil }); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	// Execute permission on the capability, but the page is data.
	code, err := capability.NewSegment("data as code", region(t, memory.ProtRead|memory.ProtWrite)).
		Mint(0, memory.PageSize(), capability.PermLoad|capability.PermExecute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	sealedCode, _ := sealer.Seal(mustCursor(t, code, invokeVector))
	sealedData, _ := sealer.Seal(capability.NewSegment("data", region(t, memory.ProtRead|memory.ProtWrite)).Root())

	_, err = g.Call(context.Background(), NewTarget(sealedCode, sealedData, capability.Capability{}, "", "", nil), Call{})
	if !errors.Is(err, memory.ErrFault) {
		t.Errorf("expected memory.ErrFault, got %v", err)
	}
}

func TestBind_Duplicate(t *testing.T) {
	g := newGateway(0)
	d := newDomain(t, g, "dup")
	d.bind(t, g, invokeVector, func(*Frame) (uint64, error) { return 0, nil })
	if err := g.Bind(d.typ, invokeVector, func(*Frame) (uint64, error) { return 1, nil }); !errors.Is(err, ErrEntryBound) {
		t.Errorf("expected ErrEntryBound, got %v", err)
	}
	if !g.Bound(d.typ, invokeVector) || g.Bound(d.typ, 0x300) {
		t.Error("Bound reports the wrong entries")
	}
	unknown, _ := capability.NewType("unknown")
	if err := g.Bind(unknown, 0, nil); !errors.Is(err, ErrNoEntry) {
		t.Errorf("expected ErrNoEntry binding an unregistered type, got %v", err)
	}
}

func TestCallSlot(t *testing.T) {
	g := newGateway(0)
	callee := newDomain(t, g, "counter")
	// Vtable of two slots at data offset 0x100.
	if err := callee.data.StoreUint64(0x100, 0x400); err != nil {
		t.Fatal(err)
	}
	if err := callee.data.StoreUint64(0x108, 0x440); err != nil {
		t.Fatal(err)
	}
	callee.bind(t, g, 0x440, func(frame *Frame) (uint64, error) {
		return frame.Method<<8 | frame.Arg(0), nil
	})
	target := callee.target(t, invokeVector, 0x100, 16, "counter")

	result, err := g.CallSlot(context.Background(), target, 8, Call{Method: 99, Args: []uint64{5}})
	if err != nil {
		t.Fatalf("CallSlot failed: %v", err)
	}
	if result != 1<<8|5 {
		t.Errorf("result = %#x, want method 1 and argument 5", result)
	}

	if _, err := g.CallSlot(context.Background(), target, 4, Call{}); !errors.Is(err, capability.ErrBounds) {
		t.Errorf("expected ErrBounds for a misaligned slot, got %v", err)
	}
	if _, err := g.CallSlot(context.Background(), target, 16, Call{}); !errors.Is(err, capability.ErrBounds) {
		t.Errorf("expected ErrBounds past the vtable, got %v", err)
	}
	if _, err := g.CallSlot(context.Background(), target, 0, Call{}); !errors.Is(err, ErrNoEntry) {
		t.Errorf("expected ErrNoEntry for slot 0, got %v", err)
	}
}

func TestCallSlot_VtableMustBeSealed(t *testing.T) {
	g := newGateway(0)
	callee := newDomain(t, g, "counter")
	other := newDomain(t, g, "other")
	var constructed int
	if err := g.BindVector(callee.typ, 0x300, func(*Frame) (uint64, error) {
		constructed++
		return 0, nil
	}); err != nil {
		t.Fatalf("BindVector failed: %v", err)
	}
	callee.bind(t, g, 0x400, func(*Frame) (uint64, error) { return 1, nil })
	if err := callee.data.StoreUint64(0x100, 0x400); err != nil {
		t.Fatal(err)
	}
	// A word naming the constructor vector, as a caller could write into
	// its own memory.
	if err := callee.data.StoreUint64(0x200, 0x300); err != nil {
		t.Fatal(err)
	}
	exported := callee.target(t, invokeVector, 0x100, 8, "counter")

	window := func(offset uint64, perms capability.Perm) capability.Capability {
		t.Helper()
		c, err := callee.data.Bounds(offset, 8)
		if err != nil {
			t.Fatalf("Bounds failed: %v", err)
		}
		if c, err = c.Restrict(perms); err != nil {
			t.Fatalf("Restrict failed: %v", err)
		}
		return c
	}
	seal := func(sealer *capability.Sealer, c capability.Capability) capability.Capability {
		t.Helper()
		sealed, err := sealer.Seal(c)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		return sealed
	}

	tests := []struct {
		name   string
		vtable capability.Capability
		want   error
	}{
		{"unsealed", window(0x200, capability.PermLoad), capability.ErrNotSealed},
		{"foreign seal", seal(other.sealer, window(0x200, capability.PermLoad)), capability.ErrTypeMismatch},
		{"store capable", seal(callee.sealer, window(0x100, capability.PermLoad|capability.PermStore)), capability.ErrPermission},
		{"slot naming a vector", seal(callee.sealer, window(0x200, capability.PermLoad)), ErrNoEntry},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			forged := NewTarget(exported.Code(), exported.Data(), test.vtable, "counter", "counter", callee.info)
			if _, err := g.CallSlot(context.Background(), forged, 0, Call{}); !errors.Is(err, test.want) {
				t.Errorf("expected %v, got %v", test.want, err)
			}
		})
	}
	if constructed != 0 {
		t.Errorf("constructor vector entered %d times through a vtable slot", constructed)
	}

	if result, err := g.CallSlot(context.Background(), exported, 0, Call{}); err != nil || result != 1 {
		t.Errorf("CallSlot through the exported vtable = %d, %v", result, err)
	}
	if _, err := g.Call(context.Background(), callee.target(t, 0x300, 0, 0, ""), Call{}); err != nil || constructed != 1 {
		t.Errorf("Call at the vector = %v, constructed %d", err, constructed)
	}
}

func TestUnregister(t *testing.T) {
	g := newGateway(0)
	d := newDomain(t, g, "gone")
	d.bind(t, g, invokeVector, func(*Frame) (uint64, error) { return 0, nil })
	target := d.target(t, invokeVector, 0, 0, "")

	g.Unregister(d.typ)
	if g.Registered(d.typ) || g.Bound(d.typ, invokeVector) {
		t.Error("type still registered after Unregister")
	}
	if _, err := g.Call(context.Background(), target, Call{}); !errors.Is(err, ErrNoEntry) {
		t.Errorf("expected ErrNoEntry after Unregister, got %v", err)
	}
}

func TestCall_DepthBounded(t *testing.T) {
	g := newGateway(4)
	d := newDomain(t, g, "recursive")
	target := d.target(t, invokeVector, 0, 0, "")

	deepest := 0
	var recurse EntryFunc
	recurse = func(frame *Frame) (uint64, error) {
		deepest = max(deepest, frame.Depth())
		return g.Call(frame.Context(), target, Call{})
	}
	d.bind(t, g, invokeVector, recurse)

	if _, err := g.Call(context.Background(), target, Call{}); !errors.Is(err, ErrCallDepth) {
		t.Errorf("expected ErrCallDepth, got %v", err)
	}
	if deepest != 4 {
		t.Errorf("deepest frame = %d, want 4", deepest)
	}
}

func TestCallAmbient_LandingPadExclusive(t *testing.T) {
	g := newGateway(0)
	host := newDomain(t, g, "host")
	target := host.target(t, invokeVector, 0, 0, "")

	var nested error
	host.bind(t, g, invokeVector, func(frame *Frame) (uint64, error) {
		if !frame.Ambient() || !g.LandingPad().Busy() {
			t.Error("inbound call does not hold the landing pad")
		}
		_, nested = g.CallAmbient(frame.Context(), target, Call{})
		return 1, nil
	})

	if _, err := g.CallAmbient(context.Background(), target, Call{}); err != nil {
		t.Fatalf("CallAmbient failed: %v", err)
	}
	if !errors.Is(nested, ErrLandingPadBusy) {
		t.Errorf("expected ErrLandingPadBusy for the nested inbound call, got %v", nested)
	}
	if g.LandingPad().Busy() {
		t.Error("landing pad still held after return")
	}
}

func TestCallAmbient_ReleasedAfterPanic(t *testing.T) {
	g := newGateway(0)
	host := newDomain(t, g, "host")
	host.bind(t, g, invokeVector, func(*Frame) (uint64, error) { panic("entry failed") })

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the entry's panic to propagate")
			}
		}()
		g.CallAmbient(context.Background(), host.target(t, invokeVector, 0, 0, ""), Call{})
	}()
	if g.LandingPad().Busy() {
		t.Error("landing pad still held after a panicking entry")
	}
}

func TestProcessLandingPadShared(t *testing.T) {
	first := New(Config{})
	second := New(Config{})
	if first.LandingPad() != second.LandingPad() || first.LandingPad() != ProcessLandingPad() {
		t.Error("gateways without an explicit landing pad must share the process-wide one")
	}
}
