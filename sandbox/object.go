// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/compartment/lib/capability"
	"github.com/bureau-foundation/compartment/lib/elfseg"
	"github.com/bureau-foundation/compartment/lib/gateway"
	"github.com/bureau-foundation/compartment/lib/linkage"
	"github.com/bureau-foundation/compartment/lib/memory"
)

// State is the lifecycle state of an Object.
type State int

const (
	// StateUnloaded is an object whose memory is being set up.
	StateUnloaded State = iota

	// StateLoaded is mapped and linked, with constructors pending.
	StateLoaded

	// StateActive has completed its constructors and accepts calls.
	StateActive

	// StateGone is destroyed: unmapped, every capability revoked.
	StateGone
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ObjectFlags restrict what a new object is given.
type ObjectFlags uint32

const (
	// FlagNoSystem creates the object without a system-services
	// identity; its system calls fail.
	FlagNoSystem ObjectFlags = 1 << iota

	// FlagNoHost withholds the host program's targets; calls to host
	// methods fail.
	FlagNoHost
)

const dataPerms = capability.PermLoad | capability.PermStore | capability.PermLoadCap | capability.PermStoreCap

// Object is one instance of a class with its own data segment, stack,
// and heap. An Object must not be invoked concurrently or re-entered.
type Object struct {
	runtime   *Runtime
	class     *Class
	id        uint64
	name      string
	flags     ObjectFlags
	createdAt time.Time
	layout    Layout

	// plan is the class data plan plus the heap.
	plan     *elfseg.Plan
	required []linkage.RequiredMethod

	data         *memory.Region
	dataSegment  *capability.Segment
	stack        *memory.Region
	stackSegment *capability.Segment
	lease        *capability.Lease

	// loader is the runtime's own root capability over the data segment.
	loader capability.Capability

	domain      *gateway.Domain
	invoke      gateway.Target
	constructor gateway.Target

	mu    sync.Mutex
	state State
}

// NewObject creates an object of class with a heap of at least
// heapLength bytes and runs its constructors. It fails with
// ErrLinkageUnresolved, before mapping anything, while any registered
// class has unresolved required methods. No object is returned unless
// construction succeeded.
func (r *Runtime) NewObject(ctx context.Context, class *Class, heapLength uint64, flags ObjectFlags) (*Object, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if class == nil || class.runtime != r {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: class is not registered with this runtime", ErrConfig)
	}
	if err := r.checkLinkageLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.nextID++
	object := &Object{
		runtime:   r,
		class:     class,
		id:        r.nextID,
		name:      fmt.Sprintf("%s[%d]", class.name, r.nextID),
		flags:     flags,
		createdAt: r.clock.Now(),
		required:  slices.Clone(class.required),
		lease:     capability.NewLease(),
	}
	r.objects[object.id] = object
	r.mu.Unlock()

	if err := object.load(heapLength); err != nil {
		object.release()
		r.forget(object.id)
		return nil, fmt.Errorf("creating %s: %w", object.name, err)
	}
	object.setState(StateLoaded)

	if err := object.construct(ctx); err != nil {
		object.setState(StateGone)
		object.release()
		r.forget(object.id)
		return nil, err
	}
	object.setState(StateActive)

	r.logger.Debug("object created",
		"class", class.name,
		"object_id", object.id,
		"layout", object.layout.String(),
	)
	return object, nil
}

// load maps the stack and the data segment, links the image, fills the
// metadata page, and mints the object's targets.
func (o *Object) load(heapLength uint64) error {
	config := o.runtime.config
	page := memory.PageSize()

	layout, err := computeLayout(config, o.class.dataPlan.MaxOffset(), heapLength)
	if err != nil {
		return err
	}
	o.layout = layout

	if o.stack, err = memory.Reserve(page + config.StackSize); err != nil {
		return mappingFailure("reserving stack", err)
	}
	if err := o.stack.MapAnonymous(page, config.StackSize, memory.ProtRead|memory.ProtWrite); err != nil {
		return mappingFailure("mapping stack", err)
	}
	o.stackSegment = capability.NewSegment(o.name+" stack", o.stack)
	stack, err := o.stackSegment.Mint(page, config.StackSize, dataPerms)
	if err != nil {
		return err
	}

	if o.data, err = memory.Reserve(layout.Length); err != nil {
		return mappingFailure("reserving data", err)
	}
	o.plan = o.class.dataPlan.Clone()
	if layout.HeapLength > 0 {
		o.plan.Mappings = append(o.plan.Mappings, elfseg.Mapping{
			Offset: layout.HeapBase,
			Length: layout.HeapLength,
			Prot:   memory.ProtRead | memory.ProtWrite,
		})
	}
	if err := o.plan.Load(o.data, o.class.file.Fd()); err != nil {
		return mappingFailure("mapping data", err)
	}
	if err := o.plan.Protect(o.data); err != nil {
		return mappingFailure("protecting data", err)
	}
	if err := o.data.MapAnonymous(layout.Metadata, page, memory.ProtRead|memory.ProtWrite); err != nil {
		return mappingFailure("mapping metadata", err)
	}

	o.dataSegment = capability.NewSegment(o.name+" data", o.data)
	o.loader = o.dataSegment.Root()
	if err := linkage.SetRequiredVariables(o.loader, o.required); err != nil {
		return mappingFailure("linking call sites", err)
	}
	vtable, err := o.class.vtable("", o.lease)
	if err != nil {
		return err
	}
	if err := o.populateMetadata(vtable, stack); err != nil {
		return mappingFailure("populating metadata", err)
	}
	if err := o.data.Protect(layout.Metadata, page, memory.ProtRead); err != nil {
		return mappingFailure("protecting metadata", err)
	}

	data, err := o.loader.Restrict(dataPerms)
	if err != nil {
		return err
	}
	sealedData, err := o.class.sealer.Seal(data)
	if err != nil {
		return err
	}
	sealedVtable, err := o.class.sealer.Seal(vtable)
	if err != nil {
		return err
	}
	o.domain = o.newDomain(stack)
	o.invoke = gateway.NewTarget(o.class.invokeCode, sealedData, sealedVtable, "", o.class.name, o.domain)
	o.constructor = gateway.NewTarget(o.class.constructorCode, sealedData, capability.Capability{}, "", o.class.name, o.domain)
	return nil
}

func (o *Object) populateMetadata(vtable, stack capability.Capability) error {
	base := o.layout.Metadata
	if err := o.loader.StoreUint64(base+MetadataHeapBase, o.layout.HeapBase); err != nil {
		return err
	}
	if err := o.loader.StoreUint64(base+MetadataHeapLength, o.layout.HeapLength); err != nil {
		return err
	}
	if err := o.loader.StoreCapability(base+MetadataVtable, vtable); err != nil {
		return err
	}
	if err := o.loader.StoreCapability(base+MetadataStack, stack); err != nil {
		return err
	}
	if o.flags&FlagNoSystem != 0 {
		return nil
	}
	code, identity, err := o.runtime.system.identity(o.id, o.lease)
	if err != nil {
		return err
	}
	if err := o.loader.StoreCapability(base+MetadataSystemCode, code); err != nil {
		return err
	}
	return o.loader.StoreCapability(base+MetadataSystemData, identity)
}

func (o *Object) newDomain(stack capability.Capability) *gateway.Domain {
	domain := &gateway.Domain{
		Name:      o.name,
		Stack:     stack,
		CallSites: make(map[string]gateway.CallSite, len(o.required)),
	}
	for _, r := range o.required {
		if _, ok := domain.CallSites[r.Name()]; ok {
			continue
		}
		domain.CallSites[r.Name()] = gateway.CallSite{
			Offset:   r.CallSiteOffset,
			Provider: r.Provider,
			Resolved: r.Resolved,
		}
	}
	if o.flags&FlagNoHost == 0 && o.runtime.host != nil {
		domain.Host = o.runtime.host.targets
	}
	if o.flags&FlagNoSystem == 0 {
		domain.SystemSlot = o.layout.Metadata + MetadataSystemCode
	}
	return domain
}

// construct runs the constructors through the gateway.
func (o *Object) construct(ctx context.Context) error {
	if _, err := o.runtime.gateway.Call(ctx, o.constructor, gateway.Call{}); err != nil {
		var constructorErr *ConstructorError
		if errors.As(err, &constructorErr) {
			return fmt.Errorf("constructing %s: %w", o.name, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrConstructorFailure, o.name, err)
	}
	return nil
}

func (o *Object) setState(state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = state
}

// usable fails unless the object is Active.
func (o *Object) usable() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateActive:
		return nil
	case StateGone:
		return fmt.Errorf("%w: %s", ErrDestroyed, o.name)
	default:
		return fmt.Errorf("%w: %s is %s", ErrNotConstructed, o.name, o.state)
	}
}

// Invoke calls method number method through the class's invoke entry.
func (o *Object) Invoke(ctx context.Context, method uint64, args ...uint64) (uint64, error) {
	return o.InvokeCall(ctx, gateway.Call{Method: method, Args: args})
}

// InvokeCall is Invoke with capability and target arguments.
func (o *Object) InvokeCall(ctx context.Context, call gateway.Call) (uint64, error) {
	if err := o.usable(); err != nil {
		return 0, err
	}
	return o.runtime.gateway.Call(ctx, o.invoke, call)
}

// Call calls the provided method name ("class.method") through the
// class's per-class vtable.
func (o *Object) Call(ctx context.Context, name string, args ...uint64) (uint64, error) {
	return o.CallMethod(ctx, name, gateway.Call{Args: args})
}

// CallMethod is Call with capability and target arguments.
func (o *Object) CallMethod(ctx context.Context, name string, call gateway.Call) (uint64, error) {
	m, err := o.class.lookup(name)
	if err != nil {
		return 0, err
	}
	target, err := o.Export(m.Class)
	if err != nil {
		return 0, err
	}
	return o.runtime.gateway.CallSlot(ctx, target, m.Offset-o.class.provided.Class(m.Class).Base, call)
}

// Export returns a target for the provided class className whose vtable
// covers only that class's slots. Other objects reach this object's
// methods through such targets.
func (o *Object) Export(className string) (gateway.Target, error) {
	if err := o.usable(); err != nil {
		return gateway.Target{}, err
	}
	vtable, err := o.class.sealedVtable(className, o.lease)
	if err != nil {
		return gateway.Target{}, err
	}
	return gateway.NewTarget(o.invoke.Code(), o.invoke.Data(), vtable, className, o.class.name, o.domain), nil
}

// Target returns the object's invoke target.
func (o *Object) Target() gateway.Target {
	return o.invoke
}

// Reset restores the object to its freshly created state and runs the
// constructors again. Writable image data, the heap, and the stack are
// re-zeroed or re-read from the image; code, metadata, and linkage are
// kept. A failing reset destroys the object.
func (o *Object) Reset(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateGone:
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDestroyed, o.name)
	case StateActive:
	default:
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotConstructed, o.name, o.state)
	}
	o.state = StateLoaded
	o.mu.Unlock()

	if err := o.reload(); err != nil {
		o.Destroy()
		return fmt.Errorf("resetting %s: %w", o.name, err)
	}
	if err := o.construct(ctx); err != nil {
		o.Destroy()
		return err
	}
	o.setState(StateActive)
	o.runtime.logger.Debug("object reset", "class", o.class.name, "object_id", o.id)
	return nil
}

func (o *Object) reload() error {
	if err := o.plan.Reset(o.data, o.class.file.Fd()); err != nil {
		return mappingFailure("resetting data", err)
	}
	for _, m := range o.plan.Mappings {
		if m.Prot.Has(memory.ProtWrite) {
			o.dataSegment.ClearTags(m.Offset, m.Length)
		}
	}

	page := memory.PageSize()
	stackSize := o.runtime.config.StackSize
	if err := o.stack.MapAnonymous(page, stackSize, memory.ProtRead|memory.ProtWrite); err != nil {
		return mappingFailure("resetting stack", err)
	}
	o.stackSegment.ClearTags(page, stackSize)

	if err := linkage.SetRequiredVariables(o.loader, o.required); err != nil {
		return mappingFailure("linking call sites", err)
	}
	return nil
}

// Destroy revokes every capability of the object and unmaps its
// memory. Every later operation on the object, and every call through a
// target taken from it, fails.
func (o *Object) Destroy() error {
	o.mu.Lock()
	if o.state == StateGone {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDestroyed, o.name)
	}
	o.state = StateGone
	o.mu.Unlock()

	err := o.release()
	o.runtime.forget(o.id)
	o.runtime.logger.Debug("object destroyed", "class", o.class.name, "object_id", o.id)
	return err
}

func (o *Object) release() error {
	o.lease.Revoke()
	if o.dataSegment != nil {
		o.dataSegment.Revoke()
	}
	if o.stackSegment != nil {
		o.stackSegment.Revoke()
	}
	var errs []error
	for _, region := range []*memory.Region{o.data, o.stack} {
		if region == nil {
			continue
		}
		if err := region.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return mappingFailure("releasing "+o.name, err)
	}
	return nil
}

// ID returns the object's identity, as seen by the system services.
func (o *Object) ID() uint64 { return o.id }

// Name returns "class[id]".
func (o *Object) Name() string { return o.name }

// Class returns the object's class.
func (o *Object) Class() *Class { return o.class }

// Flags returns the flags the object was created with.
func (o *Object) Flags() ObjectFlags { return o.flags }

// CreatedAt returns the creation time.
func (o *Object) CreatedAt() time.Time { return o.createdAt }

// Layout returns the placement of the object's data segment.
func (o *Object) Layout() Layout { return o.layout }

// State returns the lifecycle state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Heap returns the heap's data-segment offset and length.
func (o *Object) Heap() (base, length uint64) {
	return o.layout.HeapBase, o.layout.HeapLength
}

// FrameHeap reads the heap placement from the metadata page of the
// object a frame runs in.
func FrameHeap(frame *gateway.Frame) (base, length uint64, err error) {
	metadata := MetadataOffset()
	if base, err = frame.Data.LoadUint64(metadata + MetadataHeapBase); err != nil {
		return 0, 0, err
	}
	if length, err = frame.Data.LoadUint64(metadata + MetadataHeapLength); err != nil {
		return 0, 0, err
	}
	return base, length, nil
}

// FrameVtable loads the whole-program vtable capability from the
// metadata page of the object a frame runs in.
func FrameVtable(frame *gateway.Frame) (capability.Capability, error) {
	return frame.Data.LoadCapability(MetadataOffset() + MetadataVtable)
}
