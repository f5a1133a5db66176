// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package linkage builds the cross-domain method tables of a class image
// from its ELF symbol table and links required methods against the
// provided methods of other images.
//
// A class image carries two designated sections. [CalleeSection] holds
// one 8-byte variable per method the image provides, named
// [CalleePrefix]+class+"."+method and initialized with the code offset
// of the method's entry. The variables of one class are contiguous, so
// the section doubles as the image's vtable. [CallerSection] holds one
// variable per method the image requires, named [CallerPrefix]+class+
// "."+method; at object creation each resolved variable is patched with
// the offset of the method's slot relative to the provider's class
// vtable, never an absolute address.
//
// Symbol names are parsed strictly. Class and method are non-empty
// identifiers separated by exactly one dot, and every symbol defined in
// either section must carry that section's prefix. Any violation fails
// [Parse] with [ErrMalformedSymbolName].
//
// [Resolve] is idempotent and monotonic: a required method, once
// resolved, stays resolved, and running it again against the same or a
// larger set of provided methods never increases [Unresolved].
package linkage
