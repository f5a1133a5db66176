// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"golang.org/x/sys/unix"
)

// Prot is a page protection set.
type Prot uint8

const (
	// ProtRead allows loads.
	ProtRead Prot = 1 << iota
	// ProtWrite allows stores.
	ProtWrite
	// ProtExec marks code pages. Tracked in the page table only.
	ProtExec
)

// ProtNone denies every access.
const ProtNone Prot = 0

// Has reports whether every bit in need is present in p.
func (p Prot) Has(need Prot) bool {
	return p&need == need
}

// String renders p in the familiar "rwx" form.
func (p Prot) String() string {
	out := []byte("---")
	if p.Has(ProtRead) {
		out[0] = 'r'
	}
	if p.Has(ProtWrite) {
		out[1] = 'w'
	}
	if p.Has(ProtExec) {
		out[2] = 'x'
	}
	return string(out)
}

// unixProt converts p to mmap/mprotect flags. Exec maps to PROT_READ.
func (p Prot) unixProt() int {
	flags := unix.PROT_NONE
	if p.Has(ProtRead) || p.Has(ProtExec) {
		flags |= unix.PROT_READ
	}
	if p.Has(ProtWrite) {
		flags |= unix.PROT_WRITE
	}
	return flags
}

var pageSize = uint64(unix.Getpagesize())

// PageSize returns the host page size in bytes.
func PageSize() uint64 {
	return pageSize
}

// RoundUp rounds value up to a multiple of align, which must be a power
// of two.
func RoundUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}

// RoundDown rounds value down to a multiple of align, which must be a
// power of two.
func RoundDown(value, align uint64) uint64 {
	return value &^ (align - 1)
}

// PageRoundUp rounds value up to the host page size.
func PageRoundUp(value uint64) uint64 {
	return RoundUp(value, pageSize)
}

// PageRoundDown rounds value down to the host page size.
func PageRoundDown(value uint64) uint64 {
	return RoundDown(value, pageSize)
}
