// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/compartment/lib/elfseg"
	"github.com/bureau-foundation/compartment/lib/linkage"
	"github.com/bureau-foundation/compartment/lib/memory"
)

// ValidationResult holds the result of a validation check.
type ValidationResult struct {
	Name    string
	Passed  bool
	Message string
	Warning bool // True if this is a warning, not an error.
}

// Validator performs pre-flight validation of class images. It reads
// images but never maps them.
type Validator struct {
	results []ValidationResult
	errors  int
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		results: make([]ValidationResult, 0),
	}
}

// Results returns all validation results.
func (v *Validator) Results() []ValidationResult {
	return v.results
}

// HasErrors returns true if any validation failed.
func (v *Validator) HasErrors() bool {
	return v.errors > 0
}

// pass records a successful validation.
func (v *Validator) pass(name, message string) {
	v.results = append(v.results, ValidationResult{
		Name:    name,
		Passed:  true,
		Message: message,
	})
}

// warn records a warning (not a failure).
func (v *Validator) warn(name, message string) {
	v.results = append(v.results, ValidationResult{
		Name:    name,
		Passed:  true,
		Message: message,
		Warning: true,
	})
}

// fail records a validation failure.
func (v *Validator) fail(name, message string) {
	v.results = append(v.results, ValidationResult{
		Name:    name,
		Passed:  false,
		Message: message,
	})
	v.errors++
}

// ValidateAll runs every check against the class image at path.
func (v *Validator) ValidateAll(path string, config Config) {
	config = config.withDefaults()
	v.ValidateConfig(config)
	v.ValidateImage(path, config)
	v.ValidateHost()
}

// ValidateConfig checks the runtime configuration.
func (v *Validator) ValidateConfig(config Config) {
	if err := config.withDefaults().validate(memory.PageSize()); err != nil {
		v.fail("config", err.Error())
		return
	}
	config = config.withDefaults()
	v.pass("config", fmt.Sprintf("program base %#x, ceiling %s, object limit %s, stack %s",
		config.ProgramBase, humanize.IBytes(config.MaxImageOffset),
		humanize.IBytes(config.MaxObjectSize), humanize.IBytes(config.StackSize)))
}

// ValidateImage checks the image at path the way LoadClass would,
// without mapping it.
func (v *Validator) ValidateImage(path string, config Config) {
	config = config.withDefaults()
	file, err := os.Open(path)
	if err != nil {
		v.fail("image", fmt.Sprintf("cannot open: %v", err))
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		v.fail("image", fmt.Sprintf("cannot stat: %v", err))
		return
	}

	if !v.validateHeader(file) {
		return
	}
	code, data, ok := v.validatePlans(file, info.Size(), config)
	if !ok {
		return
	}
	v.validateVectors(code)
	v.validateMethods(file, code, data, config)
}

// validateHeader checks for an ELF64 image with loadable segments.
func (v *Validator) validateHeader(r io.ReaderAt) bool {
	image, err := elf.NewFile(r)
	if err != nil {
		v.fail("elf", fmt.Sprintf("not an ELF image: %v", err))
		return false
	}
	defer image.Close()
	if image.Class != elf.ELFCLASS64 {
		v.fail("elf", fmt.Sprintf("class %s, need ELFCLASS64", image.Class))
		return false
	}
	loads := 0
	for _, prog := range image.Progs {
		if prog.Type == elf.PT_LOAD {
			loads++
		}
	}
	if loads == 0 {
		v.fail("elf", "no PT_LOAD segments")
		return false
	}
	v.pass("elf", fmt.Sprintf("ELF64 %s, %d PT_LOAD segments", image.Machine, loads))
	return true
}

func (v *Validator) validatePlans(r io.ReaderAt, size int64, config Config) (code, data *elfseg.Plan, ok bool) {
	quiet := slog.New(slog.DiscardHandler)
	plans := make([]*elfseg.Plan, 0, 2)
	for _, kind := range []elfseg.Kind{elfseg.Code, elfseg.Data} {
		plan, err := elfseg.Parse(r, size, kind)
		if err != nil {
			v.fail("segments", err.Error())
			return nil, nil, false
		}
		if end := plan.MaxOffset(); end > config.MaxImageOffset {
			v.fail("ceiling", fmt.Sprintf("%s segments end at %#x, above the %s ceiling",
				kind, end, humanize.IBytes(config.MaxImageOffset)))
			return nil, nil, false
		}
		floor := uint64(0)
		if kind == elfseg.Data {
			floor = config.ProgramBase
		}
		optimized, err := elfseg.Optimize(plan, r, elfseg.Options{Floor: floor, Logger: quiet})
		if err != nil {
			v.fail("segments", err.Error())
			return nil, nil, false
		}
		if kind == elfseg.Data && len(plan.Mappings) > 0 && plan.MinOffset() < floor {
			v.warn("segments", fmt.Sprintf("data below program base %#x is not mapped", floor))
		}
		plans = append(plans, optimized)
	}
	code, data = plans[0], plans[1]
	if len(code.Mappings) == 0 {
		v.fail("segments", "no executable PT_LOAD segment")
		return nil, nil, false
	}
	v.pass("segments", fmt.Sprintf("code %d mappings up to %#x, data %d mappings up to %#x",
		len(code.Mappings), code.MaxOffset(), len(data.Mappings), data.MaxOffset()))
	return code, data, true
}

func (v *Validator) validateVectors(code *elfseg.Plan) {
	var missing []string
	for _, vector := range []uint64{InvokeVector, ConstructorVector} {
		if !covered(code, vector, 1, memory.ProtExec) {
			missing = append(missing, fmt.Sprintf("%#x", vector))
		}
	}
	if len(missing) > 0 {
		v.fail("vectors", "entry vectors not in executable code: "+strings.Join(missing, ", "))
		return
	}
	v.pass("vectors", fmt.Sprintf("invoke %#x and constructor %#x are executable", InvokeVector, ConstructorVector))
}

func (v *Validator) validateMethods(r io.ReaderAt, code, data *elfseg.Plan, config Config) {
	provided, required, err := linkage.Parse(r, "image", slog.New(slog.DiscardHandler))
	switch {
	case errors.Is(err, linkage.ErrMissingSymtab):
		v.fail("symbols", "image has no symbol table")
		return
	case err != nil:
		v.fail("symbols", err.Error())
		return
	}

	class := &Class{codePlan: code, dataPlan: data, provided: provided, required: required}
	if err := class.checkTables(config); err != nil {
		v.fail("methods", err.Error())
		return
	}
	v.pass("methods", fmt.Sprintf("%d classes, %d provided methods, %d required methods",
		len(provided.Classes), len(provided.Methods()), len(required)))

	linkage.Resolve(provided, required)
	if unresolved := linkage.UnresolvedNames(required); len(unresolved) > 0 {
		v.warn("linkage", "needs providers for: "+strings.Join(unresolved, ", "))
		return
	}
	v.pass("linkage", "self-contained")
}

// ValidateHost checks that the memory backend supports objects.
func (v *Validator) ValidateHost() {
	caps := DetectCapabilities()
	if !caps.CanRunSandbox() {
		v.fail("host", caps.SkipReason())
		return
	}
	v.pass("host", fmt.Sprintf("memory backend ready (page size %s)", humanize.IBytes(caps.PageSize)))
}

// PrintResults writes validation results to a writer.
func (v *Validator) PrintResults(w io.Writer) {
	for _, r := range v.results {
		var prefix string
		if r.Passed {
			if r.Warning {
				prefix = "⚠"
			} else {
				prefix = "✓"
			}
		} else {
			prefix = "✗"
		}
		fmt.Fprintf(w, "%s %s: %s\n", prefix, r.Name, r.Message)
	}

	fmt.Fprintln(w)
	if v.HasErrors() {
		fmt.Fprintf(w, "Validation failed with %d error(s)\n", v.errors)
	} else {
		fmt.Fprintln(w, "Ready to load")
	}
}
