// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package elfseg

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bureau-foundation/compartment/lib/memory"
)

var (
	// ErrMalformedElf is returned for images that are not valid ELF64
	// files or whose program headers are inconsistent.
	ErrMalformedElf = errors.New("elfseg: malformed ELF image")

	// ErrConfig is returned for well-formed segments the loader refuses
	// to map: writable code, or zero-fill growth on a non-writable
	// segment.
	ErrConfig = errors.New("elfseg: unsupported segment configuration")
)

// Kind selects which PT_LOAD segments a plan covers.
type Kind uint8

const (
	// Code selects segments with PF_X.
	Code Kind = iota
	// Data selects every other loadable segment.
	Data
)

func (k Kind) String() string {
	switch k {
	case Code:
		return "code"
	case Data:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Source describes the backing of a mapping.
type Source struct {
	// File is true for file-backed mappings.
	File bool

	// Offset is the page-aligned file offset mapped at the start of the
	// mapping.
	Offset uint64

	// Length is the number of valid file bytes from the start of the
	// mapping. Bytes past it on the last file page belong to other parts
	// of the file.
	Length uint64
}

// Mapping is one page-aligned entry of a plan.
type Mapping struct {
	// Offset is the page-aligned target offset (the segment's virtual
	// address, rounded down).
	Offset uint64

	// Length is page rounded.
	Length uint64

	// Prot is the final protection applied by Plan.Protect.
	Prot memory.Prot

	Source Source

	// TailZero is the number of bytes starting at Offset+Source.Length
	// that are zeroed after mapping. Always less than one page.
	TailZero uint64
}

// End returns Offset+Length.
func (m Mapping) End() uint64 {
	return m.Offset + m.Length
}

func (m Mapping) String() string {
	if !m.Source.File {
		return fmt.Sprintf("[%#x, %#x) %s anon", m.Offset, m.End(), m.Prot)
	}
	return fmt.Sprintf("[%#x, %#x) %s file@%#x+%#x tail=%#x",
		m.Offset, m.End(), m.Prot, m.Source.Offset, m.Source.Length, m.TailZero)
}

// Plan is the mapping list for one kind of segment.
type Plan struct {
	Kind     Kind
	Mappings []Mapping
}

// MinOffset returns the lowest mapped offset, or 0 for an empty plan.
func (p *Plan) MinOffset() uint64 {
	if len(p.Mappings) == 0 {
		return 0
	}
	minimum := p.Mappings[0].Offset
	for _, m := range p.Mappings[1:] {
		minimum = min(minimum, m.Offset)
	}
	return minimum
}

// MaxOffset returns the end of the highest mapping, or 0 for an empty
// plan.
func (p *Plan) MaxOffset() uint64 {
	var maximum uint64
	for _, m := range p.Mappings {
		maximum = max(maximum, m.End())
	}
	return maximum
}

// Clone returns a deep copy of p.
func (p *Plan) Clone() *Plan {
	return &Plan{Kind: p.Kind, Mappings: append([]Mapping(nil), p.Mappings...)}
}

func (p *Plan) String() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s plan, %d mappings", p.Kind, len(p.Mappings))
	for _, m := range p.Mappings {
		builder.WriteString("\n  ")
		builder.WriteString(m.String())
	}
	return builder.String()
}

// Parse reads the program headers of the ELF64 image in r (size bytes
// long) and returns the unoptimized plan for kind. Every PT_LOAD segment
// is validated, including those of the other kind, so a plan is only
// produced for an image whose whole load layout is acceptable.
func Parse(r io.ReaderAt, size int64, kind Kind) (*Plan, error) {
	file, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedElf, err)
	}
	if file.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: class %s, need ELFCLASS64", ErrMalformedElf, file.Class)
	}

	page := memory.PageSize()
	plan := &Plan{Kind: kind}
	for index, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := checkSegment(prog.ProgHeader, uint64(size), page); err != nil {
			return nil, fmt.Errorf("PT_LOAD segment %d: %w", index, err)
		}
		if prog.Memsz == 0 || classify(prog.Flags) != kind {
			continue
		}
		plan.Mappings = append(plan.Mappings, segmentMappings(prog.ProgHeader, page)...)
	}
	return plan, nil
}

func classify(flags elf.ProgFlag) Kind {
	if flags&elf.PF_X != 0 {
		return Code
	}
	return Data
}

func checkSegment(header elf.ProgHeader, size, page uint64) error {
	if header.Filesz > header.Memsz {
		return fmt.Errorf("%w: file size %#x exceeds memory size %#x", ErrMalformedElf, header.Filesz, header.Memsz)
	}
	if header.Off > size || header.Filesz > size-header.Off {
		return fmt.Errorf("%w: file range [%#x, +%#x) beyond end of image (%#x bytes)",
			ErrMalformedElf, header.Off, header.Filesz, size)
	}
	if header.Vaddr+header.Memsz < header.Vaddr {
		return fmt.Errorf("%w: address range [%#x, +%#x) overflows", ErrMalformedElf, header.Vaddr, header.Memsz)
	}
	if header.Off%page != header.Vaddr%page {
		return fmt.Errorf("%w: offset %#x and address %#x not congruent modulo page size %#x",
			ErrMalformedElf, header.Off, header.Vaddr, page)
	}
	writable := header.Flags&elf.PF_W != 0
	if writable && header.Flags&elf.PF_X != 0 {
		return fmt.Errorf("%w: segment at %#x is both writable and executable", ErrConfig, header.Vaddr)
	}
	if !writable && header.Memsz != header.Filesz {
		return fmt.Errorf("%w: non-writable segment at %#x has file size %#x but memory size %#x",
			ErrConfig, header.Vaddr, header.Filesz, header.Memsz)
	}
	return nil
}

func protection(flags elf.ProgFlag) memory.Prot {
	var prot memory.Prot
	if flags&elf.PF_R != 0 {
		prot |= memory.ProtRead
	}
	if flags&elf.PF_W != 0 {
		prot |= memory.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= memory.ProtExec
	}
	return prot
}

// segmentMappings splits one validated segment into a file-backed entry
// and, when memory extends past the last file page, an anonymous one.
func segmentMappings(header elf.ProgHeader, page uint64) []Mapping {
	prot := protection(header.Flags)
	start := memory.RoundDown(header.Vaddr, page)
	delta := header.Vaddr - start
	memEnd := memory.RoundUp(header.Vaddr+header.Memsz, page)

	var mappings []Mapping
	anonStart := start
	if header.Filesz > 0 {
		fileEnd := header.Vaddr + header.Filesz
		fileMapEnd := memory.RoundUp(fileEnd, page)
		m := Mapping{
			Offset: start,
			Length: fileMapEnd - start,
			Prot:   prot,
			Source: Source{File: true, Offset: header.Off - delta, Length: delta + header.Filesz},
		}
		if prot.Has(memory.ProtWrite) {
			m.TailZero = fileMapEnd - fileEnd
		}
		mappings = append(mappings, m)
		anonStart = fileMapEnd
	}
	if memEnd > anonStart {
		mappings = append(mappings, Mapping{Offset: anonStart, Length: memEnd - anonStart, Prot: prot})
	}
	return mappings
}
