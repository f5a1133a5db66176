// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/bureau-foundation/compartment/lib/binhash"
	"github.com/bureau-foundation/compartment/lib/capability"
	"github.com/bureau-foundation/compartment/lib/elfseg"
	"github.com/bureau-foundation/compartment/lib/gateway"
	"github.com/bureau-foundation/compartment/lib/linkage"
	"github.com/bureau-foundation/compartment/lib/memory"
)

// Bindings supplies the Go implementations of a class's entry points.
type Bindings struct {
	// Constructors run in order at ConstructorVector, on creation and on
	// every reset. A constructor that returns an error or a non-zero
	// value fails the object with a ConstructorError.
	Constructors []EntryFunc

	// Methods implement provided methods, keyed by "class.method". Each
	// is bound at the code offset its method variable holds.
	Methods map[string]EntryFunc

	// Invoke replaces the default dispatcher at InvokeVector. The
	// default indexes the whole-program vtable with the method number
	// and runs the method bound at the code offset found there.
	Invoke EntryFunc
}

// Class is one loaded, linked class image: a shared read-execute code
// mapping, the data plan every object applies, and the method tables.
// A Class outlives its objects; it is released by Runtime.Close.
type Class struct {
	runtime  *Runtime
	name     string
	path     string
	digest   binhash.Digest
	loadedAt time.Time

	// file stays open: every object maps its data plan from it.
	file     *os.File
	codePlan *elfseg.Plan
	dataPlan *elfseg.Plan

	codeRegion  *memory.Region
	codeSegment *capability.Segment

	// codeWindow spans the code region from offset zero, load and
	// execute only, so its cursors are image addresses.
	codeWindow capability.Capability

	typ             capability.Type
	sealer          *capability.Sealer
	invokeCode      capability.Capability
	constructorCode capability.Capability

	provided *linkage.ProvidedClasses
	vtables  *vtableImage

	// required is updated by resolution under runtime.mu.
	required []linkage.RequiredMethod

	invoke       EntryFunc
	constructors []EntryFunc
	methods      map[uint64]EntryFunc
}

// openClass does every fallible step of loading that has no effect
// outside the class itself: planning, mapping code, parsing and
// checking the method tables, and matching bindings.
func (r *Runtime) openClass(path, name string, bindings Bindings) (_ *Class, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	class := &Class{
		runtime:  r,
		name:     name,
		path:     path,
		file:     file,
		loadedAt: r.clock.Now(),
	}
	defer func() {
		if err != nil {
			class.release()
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if class.digest, err = binhash.HashReader(io.NewSectionReader(file, 0, size)); err != nil {
		return nil, fmt.Errorf("hashing image: %w", err)
	}

	if err := class.plan(file, size, r.config); err != nil {
		return nil, err
	}
	if err := class.mapCode(); err != nil {
		return nil, err
	}

	class.provided, class.required, err = linkage.Parse(file, name, r.logger)
	if err != nil {
		return nil, err
	}
	if err := class.checkTables(r.config); err != nil {
		return nil, err
	}
	if class.vtables, err = mapVtables(name, class.provided); err != nil {
		return nil, err
	}
	if err := class.matchBindings(bindings); err != nil {
		return nil, err
	}
	for _, m := range class.provided.Methods() {
		if class.methods[m.CodeOffset] == nil {
			r.logger.Debug("provided method has no implementation", "class", name, "method", m.Name())
		}
	}
	return class, nil
}

// plan parses and optimizes both plans and enforces the ceiling.
func (c *Class) plan(r io.ReaderAt, size int64, config Config) error {
	code, err := elfseg.Parse(r, size, elfseg.Code)
	if err != nil {
		return err
	}
	data, err := elfseg.Parse(r, size, elfseg.Data)
	if err != nil {
		return err
	}
	for _, plan := range []*elfseg.Plan{code, data} {
		if end := plan.MaxOffset(); end > config.MaxImageOffset {
			return fmt.Errorf("%w: %s segments end at %#x, ceiling %#x",
				ErrResourceLimitExceeded, plan.Kind, end, config.MaxImageOffset)
		}
	}
	if len(code.Mappings) == 0 {
		return fmt.Errorf("%w: no executable PT_LOAD segment", ErrMalformedElf)
	}

	logger := c.runtime.logger.With("class", c.name)
	if c.codePlan, err = elfseg.Optimize(code, r, elfseg.Options{Logger: logger}); err != nil {
		return err
	}
	c.dataPlan, err = elfseg.Optimize(data, r, elfseg.Options{Floor: config.ProgramBase, Logger: logger})
	return err
}

// mapCode maps the code plan once, read-execute, at its image offsets.
func (c *Class) mapCode() error {
	low, high := c.codePlan.MinOffset(), c.codePlan.MaxOffset()
	region, err := memory.Reserve(high)
	if err != nil {
		return mappingFailure("reserving code", err)
	}
	c.codeRegion = region
	if err := c.codePlan.Load(region, c.file.Fd()); err != nil {
		return mappingFailure("mapping code", err)
	}
	if err := c.codePlan.Protect(region); err != nil {
		return mappingFailure("protecting code", err)
	}

	c.codeSegment = capability.NewSegment(c.name+" code", region)
	c.codeWindow, err = c.codeSegment.Mint(0, high, capability.PermLoad|capability.PermExecute)
	if err != nil {
		return err
	}
	for _, vector := range []uint64{InvokeVector, ConstructorVector} {
		if !covered(c.codePlan, vector, 1, memory.ProtExec) {
			return fmt.Errorf("%w: entry vector %#x is not in executable code [%#x, %#x)",
				ErrMalformedElf, vector, low, high)
		}
	}
	return nil
}

// checkTables verifies that the method tables lie where objects can use
// them: vtables in readable image data, call sites in writable image
// data, and method entries in executable code away from the vectors.
func (c *Class) checkTables(config Config) error {
	var errs []error
	if size := c.provided.SectionSize; size > 0 {
		base := c.provided.SectionBase
		if base < config.ProgramBase || !covered(c.dataPlan, base, size, memory.ProtRead) {
			errs = append(errs, fmt.Errorf("%s [%#x, +%#x) is not in mapped image data",
				linkage.CalleeSection, base, size))
		}
	}
	for _, r := range c.required {
		if r.CallSiteOffset < config.ProgramBase || !covered(c.dataPlan, r.CallSiteOffset, linkage.SlotSize, memory.ProtWrite) {
			errs = append(errs, fmt.Errorf("call site of %s at %#x is not in writable image data",
				r.Name(), r.CallSiteOffset))
		}
	}
	for _, m := range c.provided.Methods() {
		if m.CodeOffset == InvokeVector || m.CodeOffset == ConstructorVector {
			errs = append(errs, fmt.Errorf("%s enters at entry vector %#x", m.Name(), m.CodeOffset))
			continue
		}
		if !covered(c.codePlan, m.CodeOffset, 1, memory.ProtExec) {
			errs = append(errs, fmt.Errorf("%s enters at %#x, outside executable code", m.Name(), m.CodeOffset))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedElf, err)
	}
	return nil
}

// covered reports whether every byte of [offset, offset+length) lies in
// a mapping of plan granting need.
func covered(plan *elfseg.Plan, offset, length uint64, need memory.Prot) bool {
	position, end := offset, offset+length
	for position < end {
		advanced := false
		for _, m := range plan.Mappings {
			if m.Offset <= position && position < m.End() && m.Prot.Has(need) {
				position = m.End()
				advanced = true
				break
			}
		}
		if !advanced {
			return false
		}
	}
	return true
}

// matchBindings resolves binding names to code offsets.
func (c *Class) matchBindings(bindings Bindings) error {
	c.invoke = bindings.Invoke
	if c.invoke == nil {
		c.invoke = c.dispatch
	}
	c.constructors = slices.Clone(bindings.Constructors)
	c.methods = make(map[uint64]EntryFunc, len(bindings.Methods))
	for name, fn := range bindings.Methods {
		m, err := c.lookup(name)
		if err != nil {
			return err
		}
		if c.methods[m.CodeOffset] != nil {
			return fmt.Errorf("%w: %s shares code offset %#x with another bound method",
				gateway.ErrEntryBound, name, m.CodeOffset)
		}
		c.methods[m.CodeOffset] = fn
	}
	return nil
}

// lookup returns the provided method called name ("class.method").
func (c *Class) lookup(name string) (linkage.ProvidedMethod, error) {
	className, methodName, err := linkage.SplitName(name)
	if err != nil {
		return linkage.ProvidedMethod{}, fmt.Errorf("%w: %w", ErrUnknownMethod, err)
	}
	provided := c.provided.Class(className)
	if provided == nil {
		return linkage.ProvidedMethod{}, fmt.Errorf("%w: %s does not provide class %q", ErrUnknownMethod, c.name, className)
	}
	m, ok := provided.Lookup(methodName)
	if !ok {
		return linkage.ProvidedMethod{}, fmt.Errorf("%w: %s does not provide %s", ErrUnknownMethod, c.name, name)
	}
	return m, nil
}

// register mints the class type and binds its entry points. On error
// the type is unregistered again.
func (c *Class) register(g *gateway.Gateway) (err error) {
	c.typ, c.sealer = capability.NewType(c.name)
	g.Register(c.sealer)
	defer func() {
		if err != nil {
			g.Unregister(c.typ)
		}
	}()

	if err := g.BindVector(c.typ, InvokeVector, c.invoke); err != nil {
		return err
	}
	if err := g.BindVector(c.typ, ConstructorVector, c.construct); err != nil {
		return err
	}
	for offset, fn := range c.methods {
		if err := g.Bind(c.typ, offset, fn); err != nil {
			return err
		}
	}

	if c.invokeCode, err = c.entryCapability(InvokeVector); err != nil {
		return err
	}
	c.constructorCode, err = c.entryCapability(ConstructorVector)
	return err
}

// vtable returns a load-only vtable capability over the slots of
// className, or over every slot when className is empty. It carries
// lease.
func (c *Class) vtable(className string, lease *capability.Lease) (capability.Capability, error) {
	root, err := c.vtables.root()
	if err != nil {
		return capability.Capability{}, err
	}
	vtable, err := linkage.MakeVtable(root, className, c.provided)
	if err != nil {
		return capability.Capability{}, err
	}
	return vtable.WithLease(lease)
}

// sealedVtable is vtable sealed with the class type, as targets carry it.
func (c *Class) sealedVtable(className string, lease *capability.Lease) (capability.Capability, error) {
	vtable, err := c.vtable(className, lease)
	if err != nil {
		return capability.Capability{}, err
	}
	return c.sealer.Seal(vtable)
}

func (c *Class) entryCapability(vector uint64) (capability.Capability, error) {
	code, err := c.codeWindow.WithCursor(vector)
	if err != nil {
		return capability.Capability{}, err
	}
	return c.sealer.Seal(code)
}

// dispatch is the default invoke entry: the method number indexes the
// whole-program vtable whose capability is held in the metadata page.
func (c *Class) dispatch(frame *gateway.Frame) (uint64, error) {
	vtable, err := frame.Data.LoadCapability(MetadataOffset() + MetadataVtable)
	if err != nil {
		return 0, fmt.Errorf("loading vtable: %w", err)
	}
	if slots := vtable.Length() / linkage.SlotSize; frame.Method >= slots {
		return 0, fmt.Errorf("%w: method %d of %s, vtable has %d slots", ErrUnknownMethod, frame.Method, c.name, slots)
	}
	entry, err := vtable.LoadUint64(frame.Method * linkage.SlotSize)
	if err != nil {
		return 0, fmt.Errorf("loading vtable slot %d: %w", frame.Method, err)
	}
	fn := c.methods[entry]
	if fn == nil {
		return 0, fmt.Errorf("%w: method %d of %s at code offset %#x", gateway.ErrNoEntry, frame.Method, c.name, entry)
	}
	return fn(frame)
}

// construct is the constructor entry.
func (c *Class) construct(frame *gateway.Frame) (uint64, error) {
	for index, constructor := range c.constructors {
		code, err := constructor(frame)
		if err != nil || code != 0 {
			return code, &ConstructorError{Index: index, Code: code, Err: err}
		}
	}
	return 0, nil
}

// release unmaps the code and vtables and closes the image.
func (c *Class) release() error {
	var errs []error
	c.vtables.release()
	if c.codeSegment != nil {
		c.codeSegment.Revoke()
	}
	if c.codeRegion != nil {
		if err := c.codeRegion.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Name returns the class's unique name in its Runtime, derived from the
// image file name. It is the provider name of the class's methods.
func (c *Class) Name() string { return c.name }

// Path returns the image path the class was loaded from.
func (c *Class) Path() string { return c.path }

// Digest returns the BLAKE3 digest of the image.
func (c *Class) Digest() binhash.Digest { return c.digest }

// LoadedAt returns the registration time.
func (c *Class) LoadedAt() time.Time { return c.loadedAt }

// Type returns the seal type every capability of the class's objects
// is sealed with.
func (c *Class) Type() capability.Type { return c.typ }

// Provided returns the provided-method table. It must not be modified.
func (c *Class) Provided() *linkage.ProvidedClasses { return c.provided }

// Required returns a copy of the required methods with their current
// resolution.
func (c *Class) Required() []linkage.RequiredMethod {
	c.runtime.mu.Lock()
	defer c.runtime.mu.Unlock()
	return slices.Clone(c.required)
}

// Unresolved returns the number of required methods not yet resolved.
func (c *Class) Unresolved() int {
	c.runtime.mu.Lock()
	defer c.runtime.mu.Unlock()
	return linkage.Unresolved(c.required)
}

// CodePlan returns a copy of the optimized code plan.
func (c *Class) CodePlan() *elfseg.Plan { return c.codePlan.Clone() }

// DataPlan returns a copy of the optimized data plan.
func (c *Class) DataPlan() *elfseg.Plan { return c.dataPlan.Clone() }

func (c *Class) String() string {
	return fmt.Sprintf("class(%s %s)", c.name, c.digest)
}
