// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for compartment packages.
//
// [ELF] writes little-endian ELF64 images from a declarative description
// of program headers, sections, and symbols, so tests never depend on a
// cross toolchain or on checked-in binaries. Segments without an explicit
// file offset are placed at offsets congruent to their virtual address
// modulo 64 KiB, which satisfies the mmap alignment rule on every host
// page size in use.
//
// [ClassImage] builds a complete class image on top of ELF: a code
// segment, a data segment whose first bytes are the provided-method
// variables (each holding its method's code offset) followed by the
// required-method call-site variables, and optional trailing data and
// bss.
//
// [WriteImage] writes image bytes into t.TempDir() under a unique name
// ([UniqueID]) and returns the path.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no compartment-internal dependencies.
package testutil
