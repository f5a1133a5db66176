// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrFault is returned when an access touches a page whose
	// protection does not allow it.
	ErrFault = errors.New("memory: access fault")

	// ErrReleased is returned by every operation on a released region.
	ErrReleased = errors.New("memory: region released")

	// ErrRange is returned for offsets outside the region or not aligned
	// to the page size where alignment is required.
	ErrRange = errors.New("memory: bad range")
)

var liveRegions atomic.Int64

// Live returns the number of reservations that have not been released.
func Live() int64 {
	return liveRegions.Load()
}

// Region is a reserved span of address space outside the Go heap.
//
// A Region must not be copied. Release unmaps the whole reservation;
// afterwards every method returns ErrReleased.
type Region struct {
	mu       sync.Mutex
	data     []byte
	pages    []Prot
	released bool
}

// Reserve maps length bytes (rounded up to the page size) of
// inaccessible anonymous memory.
func Reserve(length uint64) (*Region, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: reservation length must be positive", ErrRange)
	}
	length = PageRoundUp(length)

	data, err := unix.Mmap(-1, 0, int(length), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("memory: reserving %d bytes: %w", length, err)
	}
	liveRegions.Add(1)

	return &Region{
		data:  data,
		pages: make([]Prot, length/pageSize),
	}, nil
}

// Size returns the reservation length in bytes.
func (r *Region) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.pages)) * pageSize
}

// Address returns the host address of the reservation, for diagnostics.
func (r *Region) Address() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.data[0]))
}

// MapFile maps length bytes of fd starting at fileOffset over
// [offset, offset+length) with MAP_PRIVATE|MAP_FIXED. Offsets and length
// must be page aligned.
func (r *Region) MapFile(offset, length uint64, fd uintptr, fileOffset uint64, prot Prot) error {
	if fileOffset%pageSize != 0 {
		return fmt.Errorf("%w: file offset %#x not page aligned", ErrRange, fileOffset)
	}
	return r.mapFixed(offset, length, prot, func(addr unsafe.Pointer) error {
		_, err := unix.MmapPtr(int(fd), int64(fileOffset), addr, uintptr(length),
			prot.unixProt(), unix.MAP_PRIVATE|unix.MAP_FIXED)
		return err
	})
}

// MapAnonymous maps zero-filled memory over [offset, offset+length).
// Remapping an existing range discards its contents.
func (r *Region) MapAnonymous(offset, length uint64, prot Prot) error {
	return r.mapFixed(offset, length, prot, func(addr unsafe.Pointer) error {
		_, err := unix.MmapPtr(-1, 0, addr, uintptr(length),
			prot.unixProt(), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
		return err
	})
}

func (r *Region) mapFixed(offset, length uint64, prot Prot, mmap func(unsafe.Pointer) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkPages(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := mmap(unsafe.Pointer(&r.data[offset])); err != nil {
		return fmt.Errorf("memory: mapping [%#x, %#x): %w", offset, offset+length, err)
	}
	r.setPages(offset, length, prot)
	return nil
}

// Protect changes the protection of [offset, offset+length).
func (r *Region) Protect(offset, length uint64, prot Prot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkPages(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if err := unix.Mprotect(r.data[offset:offset+length], prot.unixProt()); err != nil {
		return fmt.Errorf("memory: mprotect [%#x, %#x) %s: %w", offset, offset+length, prot, err)
	}
	r.setPages(offset, length, prot)
	return nil
}

// ProtAt returns the protection of the page containing offset.
func (r *Region) ProtAt(offset uint64) Prot {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := offset / pageSize
	if r.released || index >= uint64(len(r.pages)) {
		return ProtNone
	}
	return r.pages[index]
}

// Check verifies that every page overlapping [offset, offset+length)
// grants need.
func (r *Region) Check(offset, length uint64, need Prot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.check(offset, length, need)
}

// Slice returns the bytes of [offset, offset+length) after checking that
// the pages grant need. The slice aliases mapped memory and must not be
// retained past Release.
func (r *Region) Slice(offset, length uint64, need Prot) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(offset, length, need); err != nil {
		return nil, err
	}
	return r.data[offset : offset+length : offset+length], nil
}

// Zero clears [offset, offset+length). The pages must be writable.
func (r *Region) Zero(offset, length uint64) error {
	bytes, err := r.Slice(offset, length, ProtWrite)
	if err != nil {
		return err
	}
	clear(bytes)
	return nil
}

// Release unmaps the reservation. Release is idempotent.
func (r *Region) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil
	}
	r.released = true
	liveRegions.Add(-1)

	err := unix.Munmap(r.data)
	r.data = nil
	r.pages = nil
	if err != nil {
		return fmt.Errorf("memory: munmap: %w", err)
	}
	return nil
}

// Released reports whether Release has been called.
func (r *Region) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *Region) check(offset, length uint64, need Prot) error {
	if r.released {
		return ErrReleased
	}
	size := uint64(len(r.data))
	if offset > size || length > size-offset {
		return fmt.Errorf("%w: [%#x, +%#x) outside region of %#x bytes", ErrRange, offset, length, size)
	}
	if length == 0 {
		return nil
	}
	first := offset / pageSize
	last := (offset + length - 1) / pageSize
	for index := first; index <= last; index++ {
		if !r.pages[index].Has(need) {
			return fmt.Errorf("%w: page %#x is %s, need %s", ErrFault, index*pageSize, r.pages[index], need)
		}
	}
	return nil
}

func (r *Region) checkPages(offset, length uint64) error {
	if r.released {
		return ErrReleased
	}
	if offset%pageSize != 0 || length%pageSize != 0 {
		return fmt.Errorf("%w: [%#x, +%#x) not page aligned", ErrRange, offset, length)
	}
	size := uint64(len(r.data))
	if offset > size || length > size-offset {
		return fmt.Errorf("%w: [%#x, +%#x) outside region of %#x bytes", ErrRange, offset, length, size)
	}
	return nil
}

func (r *Region) setPages(offset, length uint64, prot Prot) {
	for index := offset / pageSize; index < (offset+length)/pageSize; index++ {
		r.pages[index] = prot
	}
}
