// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/bureau-foundation/compartment/lib/capability"
)

// Call carries the arguments of one cross-domain call.
type Call struct {
	// Method is the method number passed to the entry. CallSlot sets it
	// to the slot index.
	Method uint64

	// Args are integer arguments.
	Args []uint64

	// Caps are capability arguments, passed through unchanged.
	Caps []capability.Capability

	// Targets are callable objects handed to the callee.
	Targets []Target
}

// CallSite is one linked call-site variable of a domain.
type CallSite struct {
	// Offset is the address of the variable in the domain's data.
	Offset uint64

	// Provider is the image that resolved the method.
	Provider string

	Resolved bool
}

// Domain is the callee context installed for a call: everything the
// gateway hands to the entry besides the unsealed data capability.
type Domain struct {
	// Name identifies the domain in logs.
	Name string

	// Stack is the domain's own stack capability.
	Stack capability.Capability

	// CallSites maps "class.method" to the domain's call-site variables.
	CallSites map[string]CallSite

	// Host maps class names to the ambient program's exported targets.
	Host map[string]Target

	// SystemSlot is the data offset of the system-services capability
	// pair (code at SystemSlot, data at SystemSlot+16). Zero means the
	// domain has no system identity.
	SystemSlot uint64
}

// Target is a callable pair of sealed capabilities. The zero Target is
// not callable.
type Target struct {
	code     capability.Capability
	data     capability.Capability
	vtable   capability.Capability
	iface    string
	provider string
	domain   *Domain
}

// NewTarget assembles a Target. code and data must be sealed with the
// same type for the target to be callable. vtable must be sealed with
// that type too for CallSlot to use it; it may be the null capability for
// targets only entered through Call.
func NewTarget(code, data, vtable capability.Capability, iface, provider string, domain *Domain) Target {
	return Target{
		code:     code,
		data:     data,
		vtable:   vtable,
		iface:    iface,
		provider: provider,
		domain:   domain,
	}
}

// Interface returns the class name the target exports, or "" for a
// target exporting no class.
func (t Target) Interface() string { return t.iface }

// Provider returns the image that provides the exported class.
func (t Target) Provider() string { return t.provider }

// Vtable returns the target's sealed vtable capability.
func (t Target) Vtable() capability.Capability { return t.vtable }

// Code returns the sealed code capability.
func (t Target) Code() capability.Capability { return t.code }

// Data returns the sealed data capability.
func (t Target) Data() capability.Capability { return t.data }

// Valid reports why the target can no longer be called, or nil.
func (t Target) Valid() error {
	if err := t.code.Validate(); err != nil {
		return err
	}
	return t.data.Validate()
}
