// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package linkage

import (
	"bytes"
	"debug/elf"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bureau-foundation/compartment/lib/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseImage(t *testing.T, fixture testutil.ClassImage) (*ProvidedClasses, []RequiredMethod, error) {
	t.Helper()
	return Parse(bytes.NewReader(fixture.Bytes(t)), "test", quietLogger())
}

func TestParse_ProvidedAndRequired(t *testing.T) {
	fixture := testutil.ClassImage{
		Provided: []testutil.Method{
			{Class: "counter", Method: "increment", CodeOffset: 0x400},
			{Class: "counter", Method: "read", CodeOffset: 0x480},
			{Class: "logger", Method: "write", CodeOffset: 0x500},
		},
		Required: []string{"clock.now", "counter.increment"},
		// A section symbol in the callee section is not a method.
		ExtraSymbols: []testutil.Symbol{
			{Section: ".compartment.callee", Value: 0x10000, Type: elf.STT_SECTION, Local: true},
		},
	}
	provided, required, err := parseImage(t, fixture)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if provided.SectionBase != fixture.ProvidedAddr(0) || provided.SectionSize != 24 {
		t.Errorf("section = [%#x, +%#x)", provided.SectionBase, provided.SectionSize)
	}
	if len(provided.Classes) != 2 {
		t.Fatalf("expected 2 classes, got %d", len(provided.Classes))
	}
	counter := provided.Class("counter")
	if counter == nil || counter.Base != fixture.ProvidedAddr(0) || len(counter.Methods) != 2 || counter.Size() != 16 {
		t.Fatalf("counter class = %+v", counter)
	}
	read, ok := counter.Lookup("read")
	if !ok || read.Offset != fixture.ProvidedAddr(1) || read.CodeOffset != 0x480 {
		t.Errorf("counter.read = %+v", read)
	}
	logger := provided.Class("logger")
	if logger == nil || logger.Base != fixture.ProvidedAddr(2) {
		t.Errorf("logger class = %+v", logger)
	}
	if provided.Class("missing") != nil {
		t.Error("Class returned a class the image does not provide")
	}
	if got := len(provided.Methods()); got != 3 {
		t.Errorf("Methods() returned %d entries", got)
	}

	if len(required) != 2 {
		t.Fatalf("expected 2 required methods, got %d", len(required))
	}
	if required[0].Name() != "clock.now" || required[0].CallSiteOffset != fixture.RequiredAddr(0) {
		t.Errorf("required[0] = %+v", required[0])
	}
	if required[1].Name() != "counter.increment" || required[1].Resolved {
		t.Errorf("required[1] = %+v", required[1])
	}
}

func TestParse_MissingSymtab(t *testing.T) {
	_, _, err := parseImage(t, testutil.ClassImage{OmitSymtab: true})
	if !errors.Is(err, ErrMissingSymtab) {
		t.Errorf("expected ErrMissingSymtab, got %v", err)
	}
}

func TestParse_NoMethodSections(t *testing.T) {
	provided, required, err := parseImage(t, testutil.ClassImage{Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(provided.Classes) != 0 || len(required) != 0 || provided.SectionSize != 0 {
		t.Errorf("expected empty tables, got %+v, %+v", provided, required)
	}
}

func TestParse_MalformedNames(t *testing.T) {
	base := testutil.ClassImage{
		Provided: []testutil.Method{{Class: "counter", Method: "increment"}},
		Required: []string{"clock.now"},
	}
	tests := []struct {
		name    string
		symbol  string
		section string
	}{
		{"no separator", "__compartment_callee_method.counter", ".compartment.callee"},
		{"two separators", "__compartment_callee_method.counter.inc.extra", ".compartment.callee"},
		{"empty class", "__compartment_method..now", ".compartment.caller"},
		{"empty method", "__compartment_method.clock.", ".compartment.caller"},
		{"leading digit", "__compartment_callee_method.1counter.increment", ".compartment.callee"},
		{"bad character", "__compartment_method.clock.n-w", ".compartment.caller"},
		{"unprefixed symbol in callee section", "counter_increment", ".compartment.callee"},
		{"caller prefix in callee section", "__compartment_method.clock.now", ".compartment.callee"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fixture := base
			address := fixture.ProvidedAddr(0)
			if test.section == ".compartment.caller" {
				address = fixture.RequiredAddr(0)
			}
			fixture.ExtraSymbols = []testutil.Symbol{{Name: test.symbol, Value: address, Size: 8, Section: test.section}}
			if _, _, err := parseImage(t, fixture); !errors.Is(err, ErrMalformedSymbolName) {
				t.Errorf("expected ErrMalformedSymbolName, got %v", err)
			}
		})
	}
}

func TestParse_MethodOutsideSection(t *testing.T) {
	fixture := testutil.ClassImage{
		Provided: []testutil.Method{{Class: "counter", Method: "increment"}},
		Data:     make([]byte, 16),
	}
	fixture.ExtraSymbols = []testutil.Symbol{{
		Name: "__compartment_callee_method.counter.read", Value: fixture.DataAddr(), Size: 8, Section: ".data",
	}}
	if _, _, err := parseImage(t, fixture); !errors.Is(err, ErrMalformedTable) {
		t.Errorf("expected ErrMalformedTable, got %v", err)
	}
}

func TestParse_MisalignedSlot(t *testing.T) {
	fixture := testutil.ClassImage{
		Provided: []testutil.Method{
			{Class: "counter", Method: "increment"},
			{Class: "other", Method: "method"},
		},
	}
	fixture.ExtraSymbols = []testutil.Symbol{{
		Name: "__compartment_callee_method.counter.read", Value: fixture.ProvidedAddr(0) + 4, Size: 8, Section: ".compartment.callee",
	}}
	if _, _, err := parseImage(t, fixture); !errors.Is(err, ErrMalformedTable) {
		t.Errorf("expected ErrMalformedTable, got %v", err)
	}
}

func TestParse_DuplicateFirstSlotWins(t *testing.T) {
	fixture := testutil.ClassImage{
		Provided: []testutil.Method{
			{Class: "counter", Method: "increment", CodeOffset: 0x400},
			{Class: "counter", Method: "spare", CodeOffset: 0x500},
		},
	}
	fixture.ExtraSymbols = []testutil.Symbol{{
		Name: "__compartment_callee_method.counter.increment", Value: fixture.ProvidedAddr(1), Size: 8, Section: ".compartment.callee",
	}}
	provided, _, err := parseImage(t, fixture)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	counter := provided.Class("counter")
	if len(counter.Methods) != 3 {
		t.Fatalf("expected the duplicate kept in the table, got %d methods", len(counter.Methods))
	}
	m, _ := counter.Lookup("increment")
	if m.Offset != fixture.ProvidedAddr(0) || m.CodeOffset != 0x400 {
		t.Errorf("Lookup returned %+v, want the first slot", m)
	}
}

func TestParseName(t *testing.T) {
	prefix, class, method, err := ParseName("__compartment_method.counter.increment")
	if err != nil || prefix != CallerPrefix || class != "counter" || method != "increment" {
		t.Errorf("ParseName = %q %q %q %v", prefix, class, method, err)
	}
	if _, _, _, err := ParseName("main"); !errors.Is(err, ErrMalformedSymbolName) {
		t.Errorf("expected ErrMalformedSymbolName for an unprefixed name, got %v", err)
	}

	class, method, err = SplitName("Counter_2.read_all")
	if err != nil || class != "Counter_2" || method != "read_all" {
		t.Errorf("SplitName = %q %q %v", class, method, err)
	}
	for _, bad := range []string{"", "counter", ".read", "counter.", "a.b.c", "9a.b"} {
		if _, _, err := SplitName(bad); !errors.Is(err, ErrMalformedSymbolName) {
			t.Errorf("SplitName(%q): expected ErrMalformedSymbolName, got %v", bad, err)
		}
	}
}
