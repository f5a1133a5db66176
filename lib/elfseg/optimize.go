// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package elfseg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/bureau-foundation/compartment/lib/memory"
)

// Options configures Optimize.
type Options struct {
	// Floor is the lowest offset a mapping may cover. Memory below it is
	// reserved by the loader. Must be page aligned.
	Floor uint64

	// Logger receives warnings about unsorted or overlapping input. If
	// nil, slog.Default() is used.
	Logger *slog.Logger
}

// Optimize returns an optimized copy of plan. r is the image the plan
// was parsed from; only the final backing page of tail-zero entries is
// read from it. plan itself is not modified.
func Optimize(plan *Plan, r io.ReaderAt, options Options) (*Plan, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Floor%memory.PageSize() != 0 {
		return nil, fmt.Errorf("%w: floor %#x not page aligned", ErrConfig, options.Floor)
	}

	mappings := append([]Mapping(nil), plan.Mappings...)
	mappings = raiseToFloor(mappings, options.Floor, logger)
	mappings = removeOverlaps(mappings, logger)
	mappings, err := trimTails(mappings, r)
	if err != nil {
		return nil, err
	}
	mappings = merge(mappings)
	return &Plan{Kind: plan.Kind, Mappings: mappings}, nil
}

// raiseToFloor cuts mappings that start below floor and drops those
// entirely below it.
func raiseToFloor(mappings []Mapping, floor uint64, logger *slog.Logger) []Mapping {
	result := mappings[:0]
	for _, m := range mappings {
		if m.Offset >= floor {
			result = append(result, m)
			continue
		}
		if m.End() <= floor {
			logger.Warn("dropping mapping below floor",
				"mapping", m.String(),
				"floor", floor,
			)
			continue
		}
		cut := floor - m.Offset
		m.Offset = floor
		m.Length -= cut
		if m.Source.File {
			// A file mapping's length is its valid length rounded up to a
			// page, so a page-aligned cut short of the end always leaves
			// valid bytes behind.
			m.Source.Offset += cut
			m.Source.Length -= cut
		}
		result = append(result, m)
	}
	return result
}

// removeOverlaps sorts mappings by offset and truncates every mapping
// that overlaps its successor. For headers in ascending address order
// the successor is also the later header; unsorted headers are settled
// in address order.
func removeOverlaps(mappings []Mapping, logger *slog.Logger) []Mapping {
	if !slices.IsSortedFunc(mappings, compareOffset) {
		logger.Warn("segment mappings are not sorted by address", "mappings", len(mappings))
		slices.SortStableFunc(mappings, compareOffset)
	}

	result := mappings[:0]
	for index, m := range mappings {
		if index+1 < len(mappings) {
			next := mappings[index+1].Offset
			if m.End() > next {
				logger.Warn("truncating overlapping mapping",
					"mapping", m.String(),
					"next_offset", next,
				)
				truncate(&m, next-m.Offset)
			}
		}
		if m.Length == 0 {
			continue
		}
		result = append(result, m)
	}
	return result
}

func compareOffset(a, b Mapping) int {
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	default:
		return 0
	}
}

// truncate shortens m to length bytes, clamping its valid file length
// and discarding a tail that no longer fits.
func truncate(m *Mapping, length uint64) {
	m.Length = length
	if !m.Source.File {
		return
	}
	if m.Source.Length > length {
		m.Source.Length = length
	}
	if m.Source.Length+m.TailZero > length {
		m.TailZero = 0
	}
}

// trimTails shrinks each tail to end at the last non-zero file byte it
// covers. Bytes past the end of the file read as zero.
func trimTails(mappings []Mapping, r io.ReaderAt) ([]Mapping, error) {
	for index := range mappings {
		m := &mappings[index]
		if !m.Source.File || m.TailZero == 0 {
			continue
		}
		buffer := make([]byte, m.TailZero)
		offset := m.Source.Offset + m.Source.Length
		if _, err := r.ReadAt(buffer, int64(offset)); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading tail of mapping at %#x: %w", m.Offset, err)
		}
		last := -1
		for position := len(buffer) - 1; position >= 0; position-- {
			if buffer[position] != 0 {
				last = position
				break
			}
		}
		m.TailZero = uint64(last + 1)
	}
	return mappings, nil
}

// merge joins adjacent same-protection mappings that can be expressed as
// one: file mappings with contiguous file offsets where the first is
// fully valid, and anonymous mappings.
func merge(mappings []Mapping) []Mapping {
	result := mappings[:0]
	for _, m := range mappings {
		if len(result) == 0 {
			result = append(result, m)
			continue
		}
		previous := &result[len(result)-1]
		if previous.End() != m.Offset || previous.Prot != m.Prot || previous.Source.File != m.Source.File {
			result = append(result, m)
			continue
		}
		if !m.Source.File {
			previous.Length += m.Length
			continue
		}
		contiguous := previous.Source.Offset+previous.Length == m.Source.Offset
		if !contiguous || previous.Source.Length != previous.Length || previous.TailZero != 0 {
			result = append(result, m)
			continue
		}
		previous.Length += m.Length
		previous.Source.Length += m.Source.Length
		previous.TailZero = m.TailZero
	}
	return result
}
