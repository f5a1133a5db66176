// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package elfseg turns the PT_LOAD segments of an ELF64 image into a
// verified list of page-granular memory mappings and applies them to a
// reserved region.
//
// [Parse] classifies segments as code (PF_X) or data and produces one
// [Plan] per kind. Each [Mapping] is page aligned. File-backed mappings
// record how many bytes of the file are valid from the start of the
// mapping; writable mappings also record a tail of bytes that must be
// zeroed after mapping so that file content beyond the segment never
// becomes visible. Memory beyond the last file page is mapped
// anonymously. A non-writable segment that needs zero-fill growth is
// rejected with [ErrConfig]: filling it later would mean writing to
// memory that is supposed to be immutable.
//
// [Optimize] runs four passes in order:
//
//  1. Mappings below the low floor are cut at the floor or dropped, so
//     memory the loader reserves for itself is never backed by file
//     bytes.
//  2. Mappings are sorted by offset (a warning is logged when the input
//     was unsorted) and each mapping overlapping its successor is
//     truncated. Empty results are dropped.
//  3. The final backing page of every tail-zero entry is read and the
//     tail shrunk to end at the last non-zero byte.
//  4. Adjacent mappings with the same protection and contiguous file
//     offsets are merged, as are adjacent anonymous mappings.
//
// Optimize is idempotent.
//
// [Plan.Load] maps every entry read-write so that tails can be zeroed;
// [Plan.Protect] applies the final protections as a separate step.
// [Plan.Reset] re-applies only the writable entries, restoring their
// initial contents.
package elfseg
