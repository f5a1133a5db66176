// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package elfseg

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"github.com/bureau-foundation/compartment/lib/memory"
	"github.com/bureau-foundation/compartment/lib/testutil"
)

func parseBytes(t *testing.T, image []byte, kind Kind) (*Plan, error) {
	t.Helper()
	return Parse(bytes.NewReader(image), int64(len(image)), kind)
}

func TestParse_ClassImage(t *testing.T) {
	page := memory.PageSize()
	fixture := testutil.ClassImage{
		Data:    []byte("initialized"),
		BSSSize: 3 * page,
	}
	image := fixture.Bytes(t)

	code, err := parseBytes(t, image, Code)
	if err != nil {
		t.Fatalf("Parse(Code) failed: %v", err)
	}
	if len(code.Mappings) != 1 {
		t.Fatalf("expected 1 code mapping, got %s", code)
	}
	text := code.Mappings[0]
	if text.Offset != 0 || text.Length != memory.PageRoundUp(0x1000) {
		t.Errorf("code mapping = %s", text)
	}
	if text.Prot != memory.ProtRead|memory.ProtExec {
		t.Errorf("code protection = %s, want r-x", text.Prot)
	}
	if !text.Source.File || text.TailZero != 0 {
		t.Errorf("code mapping must be file backed without tail: %s", text)
	}

	data, err := parseBytes(t, image, Data)
	if err != nil {
		t.Fatalf("Parse(Data) failed: %v", err)
	}
	if len(data.Mappings) != 2 {
		t.Fatalf("expected file + anonymous data mappings, got %s", data)
	}
	fileMapping, anon := data.Mappings[0], data.Mappings[1]
	valid := uint64(len(fixture.Data))
	if fileMapping.Offset != 0x10000 || fileMapping.Length != page || fileMapping.Source.Length != valid {
		t.Errorf("file mapping = %s", fileMapping)
	}
	if fileMapping.TailZero != page-valid {
		t.Errorf("TailZero = %#x, want %#x", fileMapping.TailZero, page-valid)
	}
	if anon.Source.File || anon.Offset != 0x10000+page {
		t.Errorf("anonymous mapping = %s", anon)
	}
	if want := memory.PageRoundUp(0x10000+valid+3*page) - anon.Offset; anon.Length != want {
		t.Errorf("anonymous length = %#x, want %#x", anon.Length, want)
	}
	if data.MinOffset() != 0x10000 || data.MaxOffset() != anon.End() {
		t.Errorf("MinOffset/MaxOffset = %#x/%#x", data.MinOffset(), data.MaxOffset())
	}
}

func TestParse_ReadOnlyExecutableGrowthRejected(t *testing.T) {
	image := (&testutil.ELF{
		Segments: []testutil.Segment{
			{Vaddr: 0, Data: make([]byte, 0x100), MemSize: 0x2000, Flags: elf.PF_R | elf.PF_X},
		},
	}).MustBytes(t)

	for _, kind := range []Kind{Code, Data} {
		plan, err := parseBytes(t, image, kind)
		if !errors.Is(err, ErrConfig) {
			t.Errorf("Parse(%s): expected ErrConfig, got %v", kind, err)
		}
		if plan != nil {
			t.Errorf("Parse(%s) returned a partial plan", kind)
		}
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		segment testutil.Segment
		want    error
	}{
		{
			name:    "writable and executable",
			segment: testutil.Segment{Vaddr: 0, Data: make([]byte, 16), Flags: elf.PF_R | elf.PF_W | elf.PF_X},
			want:    ErrConfig,
		},
		{
			name:    "read-only data growth",
			segment: testutil.Segment{Vaddr: 0x10000, Data: make([]byte, 16), MemSize: 64, Flags: elf.PF_R},
			want:    ErrConfig,
		},
		{
			name:    "offset not congruent with address",
			segment: testutil.Segment{Vaddr: 0x10100, Data: make([]byte, 16), Flags: elf.PF_R, Offset: 0x10000},
			want:    ErrMalformedElf,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			image := (&testutil.ELF{Segments: []testutil.Segment{test.segment}}).MustBytes(t)
			if _, err := parseBytes(t, image, Data); !errors.Is(err, test.want) {
				t.Errorf("expected %v, got %v", test.want, err)
			}
		})
	}
}

func TestParse_FileRangePastEnd(t *testing.T) {
	image := (&testutil.ELF{
		Segments: []testutil.Segment{{Vaddr: 0x10000, Data: make([]byte, 64), Flags: elf.PF_R | elf.PF_W}},
	}).MustBytes(t)
	// Claim the image is shorter than the segment's file range.
	if _, err := Parse(bytes.NewReader(image), 0x10010, Data); !errors.Is(err, ErrMalformedElf) {
		t.Errorf("expected ErrMalformedElf, got %v", err)
	}
}

func TestParse_NotElf64(t *testing.T) {
	if _, err := parseBytes(t, []byte("definitely not an ELF image"), Data); !errors.Is(err, ErrMalformedElf) {
		t.Errorf("expected ErrMalformedElf for garbage, got %v", err)
	}

	image := testutil.ClassImage{}.Bytes(t)
	image[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	if _, err := parseBytes(t, image, Data); !errors.Is(err, ErrMalformedElf) {
		t.Errorf("expected ErrMalformedElf for ELFCLASS32, got %v", err)
	}
}

func TestParse_EmptyKind(t *testing.T) {
	image := (&testutil.ELF{
		Segments: []testutil.Segment{{Vaddr: 0x10000, Data: make([]byte, 64), Flags: elf.PF_R | elf.PF_W}},
	}).MustBytes(t)
	plan, err := parseBytes(t, image, Code)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(plan.Mappings) != 0 || plan.MinOffset() != 0 || plan.MaxOffset() != 0 {
		t.Errorf("expected empty plan with zero bounds, got %s", plan)
	}
}

func TestKindString(t *testing.T) {
	if Code.String() != "code" || Data.String() != "data" {
		t.Errorf("Kind strings = %q, %q", Code, Data)
	}
	if Kind(9).String() != "kind(9)" {
		t.Errorf("unknown kind = %q", Kind(9))
	}
}
