// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package linkage

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
)

const (
	// CalleeSection holds provided-method variables.
	CalleeSection = ".compartment.callee"
	// CallerSection holds required-method call-site variables.
	CallerSection = ".compartment.caller"

	// CalleePrefix starts every provided-method symbol name.
	CalleePrefix = "__compartment_callee_method."
	// CallerPrefix starts every required-method symbol name.
	CallerPrefix = "__compartment_method."

	// SlotSize is the size of one method variable and one vtable slot.
	SlotSize = 8
)

var (
	// ErrMissingSymtab is returned for images without a .symtab section.
	ErrMissingSymtab = errors.New("linkage: image has no symbol table")

	// ErrMalformedSymbolName is returned for method symbols that do not
	// follow the prefix + class + "." + method grammar.
	ErrMalformedSymbolName = errors.New("linkage: malformed method symbol name")

	// ErrMalformedTable is returned when method variables are misplaced:
	// outside their section, misaligned, or without initial data.
	ErrMalformedTable = errors.New("linkage: malformed method table")

	// ErrUnknownClass is returned by MakeVtable for a class the image
	// does not provide.
	ErrUnknownClass = errors.New("linkage: class not provided")
)

// ProvidedMethod is one method an image implements for others.
type ProvidedMethod struct {
	Class  string
	Method string

	// Offset is the address of the method variable, which is the
	// method's vtable slot.
	Offset uint64

	// CodeOffset is the variable's initial value: the code offset of
	// the method entry.
	CodeOffset uint64
}

// Name returns "class.method".
func (m ProvidedMethod) Name() string {
	return m.Class + "." + m.Method
}

// ProvidedClass is the contiguous run of method variables of one class.
type ProvidedClass struct {
	Name string

	// Base is the lowest method variable address of the class.
	Base uint64

	// Methods are sorted by Offset.
	Methods []ProvidedMethod
}

// Lookup returns the first method named method. Duplicates resolve to
// the lowest slot.
func (c *ProvidedClass) Lookup(method string) (ProvidedMethod, bool) {
	for _, m := range c.Methods {
		if m.Method == method {
			return m, true
		}
	}
	return ProvidedMethod{}, false
}

// Size returns the byte length of the class's vtable.
func (c *ProvidedClass) Size() uint64 {
	if len(c.Methods) == 0 {
		return 0
	}
	return c.Methods[len(c.Methods)-1].Offset + SlotSize - c.Base
}

// ProvidedClasses is the provided-method table of one image.
type ProvidedClasses struct {
	// Image identifies the image in resolution results.
	Image string

	// Classes are sorted by Base.
	Classes []*ProvidedClass

	// SectionBase and SectionSize describe CalleeSection, the whole
	// image's vtable. Both are zero when the image has no such section.
	SectionBase uint64
	SectionSize uint64
}

// Class returns the named class, or nil.
func (p *ProvidedClasses) Class(name string) *ProvidedClass {
	if p == nil {
		return nil
	}
	for _, c := range p.Classes {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Methods returns every provided method in slot order.
func (p *ProvidedClasses) Methods() []ProvidedMethod {
	if p == nil {
		return nil
	}
	var methods []ProvidedMethod
	for _, c := range p.Classes {
		methods = append(methods, c.Methods...)
	}
	return methods
}

// RequiredMethod is one method an image expects another to provide.
type RequiredMethod struct {
	Class  string
	Method string

	// CallSiteOffset is the address of the call-site variable.
	CallSiteOffset uint64

	// VtableOffset is the slot offset relative to the provider's class
	// vtable. Valid only when Resolved.
	VtableOffset uint64

	// Provider is the Image of the ProvidedClasses that resolved the
	// method.
	Provider string

	Resolved bool
}

// Name returns "class.method".
func (m RequiredMethod) Name() string {
	return m.Class + "." + m.Method
}

// Parse reads the method tables of the ELF image in r. image names the
// image in the returned ProvidedClasses. A nil logger means
// slog.Default().
func Parse(r io.ReaderAt, image string, logger *slog.Logger) (*ProvidedClasses, []RequiredMethod, error) {
	if logger == nil {
		logger = slog.Default()
	}
	file, err := elf.NewFile(r)
	if err != nil {
		return nil, nil, fmt.Errorf("linkage: reading ELF image: %w", err)
	}
	defer file.Close()

	symbols, err := file.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, nil, ErrMissingSymtab
	}
	if err != nil {
		return nil, nil, fmt.Errorf("linkage: reading symbol table: %w", err)
	}

	callee, calleeIndex, err := sectionData(file, CalleeSection)
	if err != nil {
		return nil, nil, err
	}
	_, callerIndex, err := sectionData(file, CallerSection)
	if err != nil {
		return nil, nil, err
	}

	provided := &ProvidedClasses{Image: image}
	if callee != nil {
		provided.SectionBase = callee.section.Addr
		provided.SectionSize = callee.section.Size
	}
	var methods []ProvidedMethod
	var required []RequiredMethod

	for _, symbol := range symbols {
		kind := elf.ST_TYPE(symbol.Info)
		if kind == elf.STT_SECTION || kind == elf.STT_FILE {
			continue
		}
		inCallee := calleeIndex >= 0 && symbol.Section == elf.SectionIndex(calleeIndex)
		inCaller := callerIndex >= 0 && symbol.Section == elf.SectionIndex(callerIndex)

		switch {
		case strings.HasPrefix(symbol.Name, CalleePrefix) || inCallee:
			class, method, err := parseName(symbol.Name, CalleePrefix)
			if err != nil {
				return nil, nil, err
			}
			if !inCallee {
				return nil, nil, fmt.Errorf("%w: %s is not defined in %s", ErrMalformedTable, symbol.Name, CalleeSection)
			}
			codeOffset, err := callee.word(symbol.Value)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedTable, symbol.Name, err)
			}
			methods = append(methods, ProvidedMethod{
				Class:      class,
				Method:     method,
				Offset:     symbol.Value,
				CodeOffset: codeOffset,
			})

		case strings.HasPrefix(symbol.Name, CallerPrefix) || inCaller:
			class, method, err := parseName(symbol.Name, CallerPrefix)
			if err != nil {
				return nil, nil, err
			}
			if !inCaller {
				return nil, nil, fmt.Errorf("%w: %s is not defined in %s", ErrMalformedTable, symbol.Name, CallerSection)
			}
			required = append(required, RequiredMethod{
				Class:          class,
				Method:         method,
				CallSiteOffset: symbol.Value,
			})
		}
	}

	provided.Classes, err = groupClasses(methods, logger)
	if err != nil {
		return nil, nil, err
	}
	slices.SortStableFunc(required, func(a, b RequiredMethod) int {
		return compareUint64(a.CallSiteOffset, b.CallSiteOffset)
	})
	return provided, required, nil
}

// ParseName splits a method symbol name into class and method. It
// reports ErrMalformedSymbolName for anything but prefix + identifier +
// "." + identifier.
func ParseName(symbol string) (prefix, class, method string, err error) {
	for _, candidate := range []string{CalleePrefix, CallerPrefix} {
		if strings.HasPrefix(symbol, candidate) {
			class, method, err = parseName(symbol, candidate)
			return candidate, class, method, err
		}
	}
	return "", "", "", fmt.Errorf("%w: %q has no method prefix", ErrMalformedSymbolName, symbol)
}

func parseName(symbol, prefix string) (class, method string, err error) {
	rest, ok := strings.CutPrefix(symbol, prefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q lacks prefix %q", ErrMalformedSymbolName, symbol, prefix)
	}
	class, method, ok = strings.Cut(rest, ".")
	if !ok {
		return "", "", fmt.Errorf("%w: %q has no class separator", ErrMalformedSymbolName, symbol)
	}
	if !isIdentifier(class) || !isIdentifier(method) {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedSymbolName, symbol)
	}
	return class, method, nil
}

// SplitName splits "class.method" with the same grammar as symbol names.
func SplitName(name string) (class, method string, err error) {
	class, method, ok := strings.Cut(name, ".")
	if !ok || !isIdentifier(class) || !isIdentifier(method) {
		return "", "", fmt.Errorf("%w: %q is not class.method", ErrMalformedSymbolName, name)
	}
	return class, method, nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// groupClasses groups methods by class, checks slot alignment, and warns
// about duplicate names.
func groupClasses(methods []ProvidedMethod, logger *slog.Logger) ([]*ProvidedClass, error) {
	slices.SortStableFunc(methods, func(a, b ProvidedMethod) int {
		return compareUint64(a.Offset, b.Offset)
	})

	var classes []*ProvidedClass
	byName := make(map[string]*ProvidedClass)
	for _, m := range methods {
		class := byName[m.Class]
		if class == nil {
			class = &ProvidedClass{Name: m.Class, Base: m.Offset}
			byName[m.Class] = class
			classes = append(classes, class)
		}
		if (m.Offset-class.Base)%SlotSize != 0 {
			return nil, fmt.Errorf("%w: %s at %#x is not slot aligned relative to class base %#x",
				ErrMalformedTable, m.Name(), m.Offset, class.Base)
		}
		if previous, ok := class.Lookup(m.Method); ok {
			logger.Warn("duplicate provided method, first slot wins",
				"method", m.Name(),
				"first_offset", previous.Offset,
				"duplicate_offset", m.Offset,
			)
		}
		class.Methods = append(class.Methods, m)
	}
	return classes, nil
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

type methodSection struct {
	section *elf.Section
	data    []byte
}

// word reads the 8-byte variable at address.
func (s *methodSection) word(address uint64) (uint64, error) {
	if address < s.section.Addr || s.section.Size < SlotSize || address-s.section.Addr > s.section.Size-SlotSize {
		return 0, fmt.Errorf("address %#x outside section [%#x, +%#x)", address, s.section.Addr, s.section.Size)
	}
	offset := address - s.section.Addr
	if offset+SlotSize > uint64(len(s.data)) {
		return 0, fmt.Errorf("address %#x has no initial data", address)
	}
	return binary.LittleEndian.Uint64(s.data[offset:]), nil
}

// sectionData returns the named section and its index, or (nil, -1) when
// the image lacks it.
func sectionData(file *elf.File, name string) (*methodSection, int, error) {
	for index, section := range file.Sections {
		if section.Name != name {
			continue
		}
		if section.Type == elf.SHT_NOBITS {
			return &methodSection{section: section}, index, nil
		}
		data, err := section.Data()
		if err != nil {
			return nil, -1, fmt.Errorf("%w: reading %s: %v", ErrMalformedTable, name, err)
		}
		return &methodSection{section: section, data: data}, index, nil
	}
	return nil, -1, nil
}
