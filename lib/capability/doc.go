// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability implements unforgeable, bounds- and
// permission-scoped references into compartment memory.
//
// A [Capability] names a window of a [Segment] (one mapped region) with a
// base, a length, a cursor, a permission set, and an optional seal. The
// zero value is the null capability; it carries no tag and every access
// through it fails. Capabilities are values with unexported fields, so the
// only way to obtain one is to derive it from an existing capability or to
// mint it from a Segment. Derivation can only narrow: [Capability.Restrict]
// drops permissions, [Capability.Bounds] shrinks the window.
//
// Every access is validated: tag, revocation, seal, permission, bounds,
// and finally the page protection of the backing memory. A failed check
// returns an error; it never touches memory.
//
// Sealing binds a capability to a [Type]. [NewType] returns the type
// together with its [Sealer], the only authority able to seal and unseal
// for that type. A sealed capability can be carried and compared but not
// dereferenced or derived from. Types from different NewType calls never
// compare equal.
//
// Capabilities can be stored in memory with [Capability.StoreCapability].
// The segment keeps a tag table beside the bytes: a later plain store over
// the slot clears the tag, and [Capability.LoadCapability] on an untagged
// slot fails with [ErrUntagged].
//
// Revocation is coarse: [Segment.Revoke] invalidates every capability into
// the segment, and a [Lease] attached with [Capability.WithLease]
// invalidates only the capabilities derived after attaching it.
package capability
