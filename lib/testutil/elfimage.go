// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// SegmentAlign is the congruence used when placing segments in the file.
const SegmentAlign = 0x10000

const (
	headerSize        = 64
	programHeaderSize = 56
	sectionHeaderSize = 64
	symbolSize        = 24
)

// Segment describes one PT_LOAD program header.
type Segment struct {
	// Vaddr is the segment's virtual address.
	Vaddr uint64

	// Data is the file-backed content. len(Data) is p_filesz.
	Data []byte

	// MemSize is p_memsz. Zero means len(Data).
	MemSize uint64

	// Flags are the PF_R/PF_W/PF_X bits.
	Flags elf.ProgFlag

	// Offset, when non-zero, forces p_offset. Otherwise the segment is
	// placed at the next offset congruent to Vaddr modulo SegmentAlign.
	Offset uint64
}

// Section describes one section header. Allocated sections must lie
// inside a segment; their file offset is derived from it.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Size  uint64
}

// Symbol describes one .symtab entry.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64

	// Section names the defining section; empty means SHN_UNDEF.
	Section string

	// Type defaults to STT_OBJECT.
	Type elf.SymType

	// Local emits STB_LOCAL instead of STB_GLOBAL.
	Local bool
}

// ELF is a declarative ELF64 little-endian image.
type ELF struct {
	Type     elf.Type
	Machine  elf.Machine
	Entry    uint64
	Segments []Segment
	Sections []Section
	Symbols  []Symbol

	// OmitSymtab leaves out .symtab and .strtab.
	OmitSymtab bool
}

// Bytes renders the image.
func (e *ELF) Bytes() ([]byte, error) {
	order := binary.LittleEndian
	image := make([]byte, headerSize+programHeaderSize*len(e.Segments))

	// Segment contents.
	offsets := make([]uint64, len(e.Segments))
	for index, segment := range e.Segments {
		offset := segment.Offset
		if offset == 0 {
			cursor := uint64(len(image))
			offset = (cursor+SegmentAlign-1)&^(SegmentAlign-1) + segment.Vaddr%SegmentAlign
		}
		if offset < uint64(len(image)) {
			return nil, fmt.Errorf("segment %d at offset %#x overlaps earlier content", index, offset)
		}
		image = grow(image, offset)
		image = append(image, segment.Data...)
		offsets[index] = offset
	}

	// Section names and indices. Index 0 is the null section.
	type header struct {
		name      uint32
		kind      elf.SectionType
		flags     elf.SectionFlag
		addr      uint64
		offset    uint64
		size      uint64
		link      uint32
		info      uint32
		addralign uint64
		entsize   uint64
	}
	var shstrtab []byte
	shstrtab = append(shstrtab, 0)
	addName := func(name string) uint32 {
		index := uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
		return index
	}

	headers := []header{{}}
	sectionIndex := make(map[string]int)
	for _, section := range e.Sections {
		kind := section.Type
		if kind == elf.SHT_NULL {
			kind = elf.SHT_PROGBITS
		}
		offset, err := e.sectionOffset(section, offsets)
		if err != nil {
			return nil, err
		}
		sectionIndex[section.Name] = len(headers)
		headers = append(headers, header{
			name:      addName(section.Name),
			kind:      kind,
			flags:     section.Flags,
			addr:      section.Addr,
			offset:    offset,
			size:      section.Size,
			addralign: 8,
		})
	}

	if !e.OmitSymtab {
		strtab := []byte{0}
		symtab := make([]byte, symbolSize)
		locals := 1
		// Locals first, as the ELF specification requires.
		for pass := 0; pass < 2; pass++ {
			for _, symbol := range e.Symbols {
				if (pass == 0) != symbol.Local {
					continue
				}
				bind := elf.STB_GLOBAL
				if symbol.Local {
					bind = elf.STB_LOCAL
				}
				kind := symbol.Type
				if kind == elf.STT_NOTYPE && symbol.Name != "" {
					kind = elf.STT_OBJECT
				}
				shndx := uint16(elf.SHN_UNDEF)
				if symbol.Section != "" {
					index, ok := sectionIndex[symbol.Section]
					if !ok {
						return nil, fmt.Errorf("symbol %q names unknown section %q", symbol.Name, symbol.Section)
					}
					shndx = uint16(index)
				}
				entry := make([]byte, symbolSize)
				order.PutUint32(entry[0:], uint32(len(strtab)))
				entry[4] = elf.ST_INFO(bind, kind)
				order.PutUint16(entry[6:], shndx)
				order.PutUint64(entry[8:], symbol.Value)
				order.PutUint64(entry[16:], symbol.Size)
				symtab = append(symtab, entry...)
				strtab = append(strtab, symbol.Name...)
				strtab = append(strtab, 0)
				if symbol.Local {
					locals++
				}
			}
		}

		image = grow(image, align8(uint64(len(image))))
		symtabOffset := uint64(len(image))
		image = append(image, symtab...)
		strtabOffset := uint64(len(image))
		image = append(image, strtab...)

		symtabIndex := len(headers)
		headers = append(headers, header{
			name:      addName(".symtab"),
			kind:      elf.SHT_SYMTAB,
			offset:    symtabOffset,
			size:      uint64(len(symtab)),
			link:      uint32(symtabIndex + 1),
			info:      uint32(locals),
			addralign: 8,
			entsize:   symbolSize,
		})
		headers = append(headers, header{
			name:      addName(".strtab"),
			kind:      elf.SHT_STRTAB,
			offset:    strtabOffset,
			size:      uint64(len(strtab)),
			addralign: 1,
		})
	}

	shstrndx := len(headers)
	headers = append(headers, header{
		name:      addName(".shstrtab"),
		kind:      elf.SHT_STRTAB,
		addralign: 1,
	})
	headers[shstrndx].offset = uint64(len(image))
	headers[shstrndx].size = uint64(len(shstrtab))
	image = append(image, shstrtab...)

	image = grow(image, align8(uint64(len(image))))
	sectionHeaderOffset := uint64(len(image))
	for _, h := range headers {
		entry := make([]byte, sectionHeaderSize)
		order.PutUint32(entry[0:], h.name)
		order.PutUint32(entry[4:], uint32(h.kind))
		order.PutUint64(entry[8:], uint64(h.flags))
		order.PutUint64(entry[16:], h.addr)
		order.PutUint64(entry[24:], h.offset)
		order.PutUint64(entry[32:], h.size)
		order.PutUint32(entry[40:], h.link)
		order.PutUint32(entry[44:], h.info)
		order.PutUint64(entry[48:], h.addralign)
		order.PutUint64(entry[56:], h.entsize)
		image = append(image, entry...)
	}

	// Program headers.
	for index, segment := range e.Segments {
		memSize := segment.MemSize
		if memSize == 0 {
			memSize = uint64(len(segment.Data))
		}
		entry := image[headerSize+programHeaderSize*index:]
		order.PutUint32(entry[0:], uint32(elf.PT_LOAD))
		order.PutUint32(entry[4:], uint32(segment.Flags))
		order.PutUint64(entry[8:], offsets[index])
		order.PutUint64(entry[16:], segment.Vaddr)
		order.PutUint64(entry[24:], segment.Vaddr)
		order.PutUint64(entry[32:], uint64(len(segment.Data)))
		order.PutUint64(entry[40:], memSize)
		order.PutUint64(entry[48:], SegmentAlign)
	}

	// File header.
	fileType := e.Type
	if fileType == elf.ET_NONE {
		fileType = elf.ET_EXEC
	}
	machine := e.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}
	copy(image[0:], elf.ELFMAG)
	image[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	image[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	image[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	order.PutUint16(image[16:], uint16(fileType))
	order.PutUint16(image[18:], uint16(machine))
	order.PutUint32(image[20:], uint32(elf.EV_CURRENT))
	order.PutUint64(image[24:], e.Entry)
	if len(e.Segments) > 0 {
		order.PutUint64(image[32:], headerSize)
	}
	order.PutUint64(image[40:], sectionHeaderOffset)
	order.PutUint16(image[52:], headerSize)
	order.PutUint16(image[54:], programHeaderSize)
	order.PutUint16(image[56:], uint16(len(e.Segments)))
	order.PutUint16(image[58:], sectionHeaderSize)
	order.PutUint16(image[60:], uint16(len(headers)))
	order.PutUint16(image[62:], uint16(shstrndx))

	return image, nil
}

// sectionOffset finds the file offset of an allocated section from the
// segment containing it.
func (e *ELF) sectionOffset(section Section, offsets []uint64) (uint64, error) {
	if section.Type == elf.SHT_NOBITS {
		return 0, nil
	}
	for index, segment := range e.Segments {
		end := segment.Vaddr + uint64(len(segment.Data))
		if section.Addr >= segment.Vaddr && section.Addr+section.Size <= end {
			return offsets[index] + (section.Addr - segment.Vaddr), nil
		}
	}
	return 0, fmt.Errorf("section %s [%#x, +%#x) is not inside any segment's file data",
		section.Name, section.Addr, section.Size)
}

func grow(image []byte, size uint64) []byte {
	for uint64(len(image)) < size {
		image = append(image, 0)
	}
	return image
}

func align8(value uint64) uint64 {
	return (value + 7) &^ 7
}

// MustBytes renders the image or fails the test.
func (e *ELF) MustBytes(t testing.TB) []byte {
	t.Helper()
	image, err := e.Bytes()
	if err != nil {
		t.Fatalf("rendering ELF image: %v", err)
	}
	return image
}

// WriteImage writes image into the test's temporary directory and returns
// the path.
func WriteImage(t testing.TB, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), UniqueID("image")+".elf")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatalf("writing ELF image: %v", err)
	}
	return path
}
