// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

// Linkage section and symbol names, duplicated from lib/linkage so that
// testutil stays free of compartment-internal imports.
const (
	calleeSection = ".compartment.callee"
	callerSection = ".compartment.caller"
	calleePrefix  = "__compartment_callee_method."
	callerPrefix  = "__compartment_method."
)

// Method is one provided method: its class, name, and the code offset
// its method variable is initialized with.
type Method struct {
	Class      string
	Method     string
	CodeOffset uint64
}

// ClassImage describes a class image. Zero fields take the defaults
// documented on each field.
type ClassImage struct {
	// CodeBase is the virtual address of the code segment. Default 0.
	CodeBase uint64

	// CodeSize is the code segment size. Default 0x1000.
	CodeSize uint64

	// ProgramBase is the virtual address of the data segment.
	// Default 0x10000.
	ProgramBase uint64

	// Provided lists callee method variables in layout order.
	Provided []Method

	// Required lists "class.method" names of caller method variables.
	Required []string

	// Data is appended after the method variables.
	Data []byte

	// BSSSize adds zero-filled memory after Data.
	BSSSize uint64

	// ExtraSymbols are added to .symtab verbatim.
	ExtraSymbols []Symbol

	// OmitSymtab leaves out .symtab and .strtab.
	OmitSymtab bool
}

// ProvidedAddr returns the virtual address of the i'th provided method
// variable.
func (c ClassImage) ProvidedAddr(i int) uint64 {
	return c.programBase() + uint64(i)*8
}

// RequiredAddr returns the virtual address of the i'th required method
// variable.
func (c ClassImage) RequiredAddr(i int) uint64 {
	return c.programBase() + uint64(len(c.Provided)+i)*8
}

// DataAddr returns the virtual address of Data.
func (c ClassImage) DataAddr() uint64 {
	return c.RequiredAddr(len(c.Required))
}

func (c ClassImage) programBase() uint64 {
	if c.ProgramBase == 0 {
		return 0x10000
	}
	return c.ProgramBase
}

// ELF returns the image description, for tests that adjust it further.
func (c ClassImage) ELF() *ELF {
	codeSize := c.CodeSize
	if codeSize == 0 {
		codeSize = 0x1000
	}
	base := c.programBase()

	var data []byte
	for _, method := range c.Provided {
		data = binary.LittleEndian.AppendUint64(data, method.CodeOffset)
	}
	for range c.Required {
		data = binary.LittleEndian.AppendUint64(data, 0)
	}
	data = append(data, c.Data...)

	image := &ELF{
		Entry: c.CodeBase,
		Segments: []Segment{
			{Vaddr: c.CodeBase, Data: make([]byte, codeSize), Flags: elf.PF_R | elf.PF_X},
			{Vaddr: base, Data: data, MemSize: uint64(len(data)) + c.BSSSize, Flags: elf.PF_R | elf.PF_W},
		},
		Sections: []Section{
			{Name: ".text", Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Addr: c.CodeBase, Size: codeSize},
		},
		OmitSymtab: c.OmitSymtab,
	}

	if len(c.Provided) > 0 {
		image.Sections = append(image.Sections, Section{
			Name: calleeSection, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			Addr: base, Size: uint64(len(c.Provided)) * 8,
		})
		for i, method := range c.Provided {
			image.Symbols = append(image.Symbols, Symbol{
				Name:    calleePrefix + method.Class + "." + method.Method,
				Value:   c.ProvidedAddr(i),
				Size:    8,
				Section: calleeSection,
			})
		}
	}
	if len(c.Required) > 0 {
		image.Sections = append(image.Sections, Section{
			Name: callerSection, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			Addr: c.RequiredAddr(0), Size: uint64(len(c.Required)) * 8,
		})
		for i, name := range c.Required {
			image.Symbols = append(image.Symbols, Symbol{
				Name:    callerPrefix + name,
				Value:   c.RequiredAddr(i),
				Size:    8,
				Section: callerSection,
			})
		}
	}
	if len(c.Data) > 0 {
		image.Sections = append(image.Sections, Section{
			Name: ".data", Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			Addr: c.DataAddr(), Size: uint64(len(c.Data)),
		})
	}
	if c.BSSSize > 0 {
		image.Sections = append(image.Sections, Section{
			Name: ".bss", Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE,
			Addr: base + uint64(len(data)), Size: c.BSSSize,
		})
	}
	image.Symbols = append(image.Symbols, c.ExtraSymbols...)
	return image
}

// Bytes renders the image or fails the test.
func (c ClassImage) Bytes(t testing.TB) []byte {
	t.Helper()
	return c.ELF().MustBytes(t)
}

// Write renders the image into t.TempDir() and returns its path.
func (c ClassImage) Write(t testing.TB) string {
	t.Helper()
	return WriteImage(t, c.Bytes(t))
}
