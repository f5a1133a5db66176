// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the OS-level mapping substrate for compartment
// code and data segments.
//
// A [Region] is a contiguous reservation made with mmap(PROT_NONE,
// MAP_ANONYMOUS) outside the Go heap. File-backed and anonymous mappings
// are placed inside it with MAP_FIXED ([Region.MapFile],
// [Region.MapAnonymous]), and protection is changed page by page with
// [Region.Protect]. Pages that were never mapped stay inaccessible for the
// life of the reservation, which is how guard gaps are implemented.
//
// Every Region keeps a page table mirroring the protection it last asked
// the kernel for. Accessors ([Region.Slice], [Region.Zero]) consult that
// table before touching memory and return [ErrFault] instead of letting
// the process take SIGSEGV. Execute permission exists only in the table:
// code pages are mapped PROT_READ at the OS level because compartment
// entry points are dispatched by the gateway, never jumped to natively.
//
// [Live] reports the number of reservations that have not been released,
// process-wide. Lifecycle code uses it to prove that failed operations
// leave no residual mappings behind.
package memory
