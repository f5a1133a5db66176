// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox loads untrusted class images into compartments and
// creates isolated objects from them.
//
// The central type is [Runtime], an append-only directory of classes.
// [Runtime.LoadClass] plans an ELF64 image with package elfseg, maps
// its code once (read-execute, shared by every object), parses its
// method tables with package linkage, and cross-resolves them against
// every registered class and the optional host program. Each class gets
// a fresh seal type; the entry points of its [Bindings] are bound to
// the gateway under that type.
//
// [Runtime.NewObject] gives an object its own data segment laid out as
// described by [Layout]: a reserved page, a metadata page that is made
// read-only once populated, guards, the program image at the program
// base, and the heap. Its stack is a separate region. Code inside an
// object holds only sealed capabilities to itself and load-only
// vtables; every call into or out of it goes through the gateway.
// Creation is refused with [ErrLinkageUnresolved] while any class in
// the directory needs a method nobody provides.
//
// [Object.Reset] restores writable image data, heap, and stack and
// runs the constructors again. [Object.Destroy] revokes every
// capability into the object and unmaps it; calls through targets taken
// earlier fail.
//
// [Validator] pre-flights an image without mapping it, [Capabilities]
// probes the memory backend, and [ContainmentRunner] attacks a live
// object from the inside and reports every attempt that was not
// refused.
package sandbox
