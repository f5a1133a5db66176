// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/bureau-foundation/compartment/lib/capability"
)

type frameKey struct{}

// FromContext returns the frame of the call ctx belongs to, or nil in the
// ambient program.
func FromContext(ctx context.Context) *Frame {
	frame, _ := ctx.Value(frameKey{}).(*Frame)
	return frame
}

// Current returns the name of the domain executing in ctx, or "ambient".
func Current(ctx context.Context) string {
	frame := FromContext(ctx)
	if frame == nil {
		return "ambient"
	}
	return frame.DomainName()
}

// Frame is the callee context of one call.
type Frame struct {
	// Data is the unsealed capability over the callee's data.
	Data capability.Capability

	// Stack is the callee's stack. Null for ambient entries.
	Stack capability.Capability

	Method  uint64
	Args    []uint64
	Caps    []capability.Capability
	Targets []Target

	ctx     context.Context
	gateway *Gateway
	domain  *Domain
	caller  *Frame
	depth   int
	entry   uint64
	ambient bool
}

// Context returns the context of the call. Calls made from the entry
// must use it so that the trusted call chain is kept.
func (f *Frame) Context() context.Context { return f.ctx }

// Caller returns the calling frame, or nil when called from the ambient
// program.
func (f *Frame) Caller() *Frame { return f.caller }

// Depth returns the number of frames on the call chain, this one
// included.
func (f *Frame) Depth() int { return f.depth }

// Entry returns the code offset the call entered at.
func (f *Frame) Entry() uint64 { return f.entry }

// Ambient reports whether the frame runs on the landing pad.
func (f *Frame) Ambient() bool { return f.ambient }

// DomainName returns the callee domain's name.
func (f *Frame) DomainName() string {
	if f.domain == nil {
		return "ambient"
	}
	return f.domain.Name
}

// Arg returns integer argument i, or 0 when absent.
func (f *Frame) Arg(i int) uint64 {
	if i < 0 || i >= len(f.Args) {
		return 0
	}
	return f.Args[i]
}

// CallRequired calls the required method name ("class.method") on
// target. The vtable offset is read from this domain's patched call-site
// variable; target must export the class from the provider the call site
// was resolved against.
func (f *Frame) CallRequired(target Target, name string, call Call) (uint64, error) {
	site, err := f.callSite(name)
	if err != nil {
		return 0, err
	}
	class, _, _ := strings.Cut(name, ".")
	if target.iface != class || target.provider != site.Provider {
		return 0, fmt.Errorf("%w: call site %s linked to %s, target exports %q from %s",
			ErrInterfaceMismatch, name, site.Provider, target.iface, target.provider)
	}
	slot, err := f.Data.LoadUint64(site.Offset)
	if err != nil {
		return 0, fmt.Errorf("reading call site %s: %w", name, err)
	}
	return f.gateway.CallSlot(f.ctx, target, slot, call)
}

// CallHost calls the required method name provided by the ambient
// program, on the landing pad.
func (f *Frame) CallHost(name string, call Call) (uint64, error) {
	site, err := f.callSite(name)
	if err != nil {
		return 0, err
	}
	class, _, _ := strings.Cut(name, ".")
	var host Target
	var ok bool
	if f.domain != nil {
		host, ok = f.domain.Host[class]
	}
	if !ok || host.provider != site.Provider {
		return 0, fmt.Errorf("%w: %s is not provided by the host program", ErrInterfaceMismatch, name)
	}
	slot, err := f.Data.LoadUint64(site.Offset)
	if err != nil {
		return 0, fmt.Errorf("reading call site %s: %w", name, err)
	}
	entry, err := f.gateway.slotEntry(host, slot)
	if err != nil {
		return 0, err
	}
	call.Method = slot / SlotSize
	return f.gateway.enter(f.ctx, host, &entry, call, true)
}

// CallSystem calls the system-services collaborator with this domain's
// identity pair, loaded from its data.
func (f *Frame) CallSystem(call Call) (uint64, error) {
	if f.domain == nil || f.domain.SystemSlot == 0 {
		return 0, fmt.Errorf("%w: domain has no system identity", ErrNoEntry)
	}
	code, err := f.Data.LoadCapability(f.domain.SystemSlot)
	if err != nil {
		return 0, fmt.Errorf("loading system code capability: %w", err)
	}
	data, err := f.Data.LoadCapability(f.domain.SystemSlot + capability.SlotSize)
	if err != nil {
		return 0, fmt.Errorf("loading system data capability: %w", err)
	}
	return f.gateway.CallAmbient(f.ctx, NewTarget(code, data, capability.Capability{}, "", "", nil), call)
}

func (f *Frame) callSite(name string) (CallSite, error) {
	if f.domain == nil {
		return CallSite{}, fmt.Errorf("%w: ambient frame has no call sites", ErrUnresolvedCallSite)
	}
	site, ok := f.domain.CallSites[name]
	if !ok {
		return CallSite{}, fmt.Errorf("%w: %s has no call site for %s", ErrUnresolvedCallSite, f.domain.Name, name)
	}
	if !site.Resolved {
		return CallSite{}, fmt.Errorf("%w: %s in %s", ErrUnresolvedCallSite, name, f.domain.Name)
	}
	return site, nil
}
