// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"math"

	"github.com/bureau-foundation/compartment/lib/memory"
)

// Entry vectors, as code offsets from the base of a code window.
const (
	// SystemVector enters the system-services collaborator.
	SystemVector = 0x100

	// InvokeVector enters a class's method dispatcher.
	InvokeVector = 0x200

	// ConstructorVector enters a class's constructor sequence.
	ConstructorVector = 0x300
)

// Offsets within the metadata page of an object's data segment.
const (
	MetadataHeapBase   = 0x00
	MetadataHeapLength = 0x08

	// 0x10 through 0x3f are reserved and read as zero.

	MetadataSystemCode = 0x40
	MetadataSystemData = 0x50
	MetadataVtable     = 0x60
	MetadataStack      = 0x70
)

// MetadataOffset returns the data-segment offset of the metadata page:
// the page after the reserved page at offset zero.
func MetadataOffset() uint64 {
	return memory.PageSize()
}

// Layout is the placement of one object's data segment. All offsets are
// from the segment base and page aligned.
//
//	[0, page)                   reserved, inaccessible
//	[page, 2*page)              metadata, read-only once populated
//	[2*page, ProgramBase)       guard
//	[ProgramBase, ImageEnd)     program image (unmapped gaps stay inaccessible)
//	[ImageEnd, HeapBase)        guard, at least one page
//	[HeapBase, HeapEnd)         heap, read-write
//	[HeapEnd, Length)           guard
type Layout struct {
	PageSize    uint64
	Metadata    uint64
	ProgramBase uint64
	ImageEnd    uint64
	HeapBase    uint64
	HeapLength  uint64
	Length      uint64
}

// HeapEnd returns HeapBase+HeapLength.
func (l Layout) HeapEnd() uint64 {
	return l.HeapBase + l.HeapLength
}

// Guards returns the inaccessible ranges of the layout as [start, end)
// pairs, the reserved page included.
func (l Layout) Guards() [][2]uint64 {
	return [][2]uint64{
		{0, l.Metadata},
		{l.Metadata + l.PageSize, l.ProgramBase},
		{l.ImageEnd, l.HeapBase},
		{l.HeapEnd(), l.Length},
	}
}

func (l Layout) String() string {
	return fmt.Sprintf("metadata@%#x image[%#x, %#x) heap[%#x, %#x) length=%#x",
		l.Metadata, l.ProgramBase, l.ImageEnd, l.HeapBase, l.HeapEnd(), l.Length)
}

// computeLayout places an object whose program image ends at imageMax
// (the data plan's MaxOffset) with a heap of at least heapLength bytes.
func computeLayout(config Config, imageMax, heapLength uint64) (Layout, error) {
	page := memory.PageSize()
	alignment := max(config.HeapAlignment, page)

	layout := Layout{
		PageSize:    page,
		Metadata:    page,
		ProgramBase: config.ProgramBase,
		ImageEnd:    max(config.ProgramBase, memory.PageRoundUp(imageMax)),
	}

	// Refuse anything whose arithmetic could wrap before rounding.
	const limit = math.MaxUint64 / 4
	if heapLength > limit || layout.ImageEnd > limit || alignment > limit {
		return Layout{}, fmt.Errorf("%w: heap of %#x bytes after image ending at %#x",
			ErrResourceLimitExceeded, heapLength, layout.ImageEnd)
	}
	layout.HeapBase = memory.RoundUp(layout.ImageEnd+page, alignment)
	layout.HeapLength = memory.PageRoundUp(heapLength)
	layout.Length = layout.HeapEnd() + page
	if layout.Length > config.MaxObjectSize || layout.Length > uint64(math.MaxInt) {
		return Layout{}, fmt.Errorf("%w: object of %#x bytes, ceiling %#x",
			ErrResourceLimitExceeded, layout.Length, config.MaxObjectSize)
	}
	return layout, nil
}
