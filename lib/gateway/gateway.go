// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/compartment/lib/capability"
)

var (
	// ErrNoEntry is returned when no function is bound at the entry
	// offset, or the seal type is not registered.
	ErrNoEntry = errors.New("gateway: no entry bound")

	// ErrLandingPadBusy is returned when an inbound call is already in
	// flight on the landing pad.
	ErrLandingPadBusy = errors.New("gateway: landing pad busy")

	// ErrCallDepth is returned when a call would exceed MaxCallDepth.
	ErrCallDepth = errors.New("gateway: call depth exceeded")

	// ErrInterfaceMismatch is returned when a call site is used with a
	// target exporting a different class or provider.
	ErrInterfaceMismatch = errors.New("gateway: target does not export the required class")

	// ErrUnresolvedCallSite is returned for call sites that do not exist
	// or were never linked.
	ErrUnresolvedCallSite = errors.New("gateway: unresolved call site")

	// ErrEntryBound is returned by Bind for an entry that already has a
	// function.
	ErrEntryBound = errors.New("gateway: entry already bound")
)

// DefaultMaxCallDepth is used when Config.MaxCallDepth is zero.
const DefaultMaxCallDepth = 64

// EntryFunc implements one entry point. The returned value is the call's
// result register.
type EntryFunc func(frame *Frame) (uint64, error)

// LandingPad is the single context inbound calls run on.
type LandingPad struct {
	inFlight atomic.Bool
}

// Busy reports whether an inbound call currently holds the landing pad.
func (p *LandingPad) Busy() bool {
	return p.inFlight.Load()
}

var processLandingPad LandingPad

// ProcessLandingPad returns the landing pad shared by every Gateway
// created without an explicit one.
func ProcessLandingPad() *LandingPad {
	return &processLandingPad
}

// Config configures a Gateway.
type Config struct {
	// MaxCallDepth bounds nested calls. Zero means DefaultMaxCallDepth.
	MaxCallDepth int

	// LandingPad serializes inbound calls. Nil means ProcessLandingPad().
	LandingPad *LandingPad

	// Logger receives call tracing at debug level. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Gateway dispatches cross-domain calls.
type Gateway struct {
	logger       *slog.Logger
	maxCallDepth int
	landingPad   *LandingPad

	mu      sync.RWMutex
	sealers map[uint64]*capability.Sealer
	entries map[entryKey]binding
}

type binding struct {
	fn EntryFunc
	// vector entries are reached only through a code capability minted
	// at the entry, never through a vtable slot.
	vector bool
}

type entryKey struct {
	typ   uint64
	entry uint64
}

// New returns a Gateway with no registered types.
func New(config Config) *Gateway {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	depth := config.MaxCallDepth
	if depth <= 0 {
		depth = DefaultMaxCallDepth
	}
	pad := config.LandingPad
	if pad == nil {
		pad = ProcessLandingPad()
	}
	return &Gateway{
		logger:       logger,
		maxCallDepth: depth,
		landingPad:   pad,
		sealers:      make(map[uint64]*capability.Sealer),
		entries:      make(map[entryKey]binding),
	}
}

// LandingPad returns the landing pad inbound calls use.
func (g *Gateway) LandingPad() *LandingPad {
	return g.landingPad
}

// Register hands the gateway the unseal right for sealer's type.
func (g *Gateway) Register(sealer *capability.Sealer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sealers[sealer.Type().ID()] = sealer
}

// Unregister removes typ's unseal right and every entry bound for it.
func (g *Gateway) Unregister(typ capability.Type) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sealers, typ.ID())
	for key := range g.entries {
		if key.typ == typ.ID() {
			delete(g.entries, key)
		}
	}
}

// Registered reports whether typ's unseal right is held.
func (g *Gateway) Registered(typ capability.Type) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sealers[typ.ID()]
	return ok
}

// Bind registers fn at the code offset entry for capabilities sealed with
// typ. The type must have been registered.
func (g *Gateway) Bind(typ capability.Type, entry uint64, fn EntryFunc) error {
	return g.bind(typ, entry, binding{fn: fn})
}

// BindVector is Bind for an entry vector. CallSlot and Frame.CallHost refuse
// vtable slots that name it.
func (g *Gateway) BindVector(typ capability.Type, entry uint64, fn EntryFunc) error {
	return g.bind(typ, entry, binding{fn: fn, vector: true})
}

func (g *Gateway) bind(typ capability.Type, entry uint64, b binding) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sealers[typ.ID()]; !ok {
		return fmt.Errorf("%w: type %s is not registered", ErrNoEntry, typ)
	}
	key := entryKey{typ: typ.ID(), entry: entry}
	if _, ok := g.entries[key]; ok {
		return fmt.Errorf("%w: %s at %#x", ErrEntryBound, typ, entry)
	}
	g.entries[key] = b
	return nil
}

// Bound reports whether a function is bound at entry for typ.
func (g *Gateway) Bound(typ capability.Type, entry uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.entries[entryKey{typ: typ.ID(), entry: entry}]
	return ok
}

// Call enters target at its code capability's cursor.
func (g *Gateway) Call(ctx context.Context, target Target, call Call) (uint64, error) {
	return g.enter(ctx, target, nil, call, false)
}

// CallSlot enters target at the code offset stored in slot (a byte
// offset) of its vtable. The vtable must be sealed with the same type as
// the target's code and must not grant store. The method number is the
// slot index.
func (g *Gateway) CallSlot(ctx context.Context, target Target, slot uint64, call Call) (uint64, error) {
	entry, err := g.slotEntry(target, slot)
	if err != nil {
		return 0, err
	}
	call.Method = slot / SlotSize
	return g.enter(ctx, target, &entry, call, false)
}

// CallAmbient enters an ambient target on the landing pad.
func (g *Gateway) CallAmbient(ctx context.Context, target Target, call Call) (uint64, error) {
	return g.enter(ctx, target, nil, call, true)
}

// SlotSize is the size of one vtable slot.
const SlotSize = 8

func (g *Gateway) slotEntry(target Target, slot uint64) (uint64, error) {
	if slot%SlotSize != 0 {
		return 0, fmt.Errorf("%w: vtable offset %#x not slot aligned", capability.ErrBounds, slot)
	}
	vtable := target.vtable
	if !vtable.Sealed() {
		return 0, fmt.Errorf("%w: vtable must be sealed", capability.ErrNotSealed)
	}
	if vtable.SealType() != target.code.SealType() {
		return 0, fmt.Errorf("%w: vtable sealed with %s, code with %s",
			capability.ErrTypeMismatch, vtable.SealType(), target.code.SealType())
	}
	g.mu.RLock()
	sealer := g.sealers[vtable.SealType().ID()]
	g.mu.RUnlock()
	if sealer == nil {
		return 0, fmt.Errorf("%w: type %s is not registered", ErrNoEntry, vtable.SealType())
	}
	vtable, err := sealer.Unseal(vtable)
	if err != nil {
		return 0, fmt.Errorf("unsealing vtable: %w", err)
	}
	if vtable.Perms().Has(capability.PermStore) {
		return 0, fmt.Errorf("%w: vtable grants store", capability.ErrPermission)
	}
	entry, err := vtable.LoadUint64(slot)
	if err != nil {
		return 0, fmt.Errorf("loading vtable slot %#x: %w", slot, err)
	}
	return entry, nil
}

func (g *Gateway) enter(ctx context.Context, target Target, entry *uint64, call Call, ambient bool) (uint64, error) {
	caller := FromContext(ctx)
	depth := 1
	if caller != nil {
		depth = caller.depth + 1
	}
	if depth > g.maxCallDepth {
		return 0, fmt.Errorf("%w: %d frames", ErrCallDepth, g.maxCallDepth)
	}

	code, data, fn, err := g.unseal(target, entry)
	if err != nil {
		return 0, err
	}

	if ambient {
		if !g.landingPad.inFlight.CompareAndSwap(false, true) {
			return 0, ErrLandingPadBusy
		}
		defer g.landingPad.inFlight.Store(false)
	}

	frame := &Frame{
		Data:    data,
		Method:  call.Method,
		Args:    call.Args,
		Caps:    call.Caps,
		Targets: call.Targets,
		gateway: g,
		domain:  target.domain,
		caller:  caller,
		depth:   depth,
		entry:   code.Cursor(),
		ambient: ambient,
	}
	if target.domain != nil {
		frame.Stack = target.domain.Stack
	}
	frame.ctx = context.WithValue(ctx, frameKey{}, frame)

	g.logger.Debug("cross-domain call",
		"domain", frame.DomainName(),
		"entry", frame.entry,
		"method", call.Method,
		"depth", depth,
		"ambient", ambient,
	)
	return fn(frame)
}

// unseal checks the target's capability pair and returns the unsealed
// halves and the bound function.
func (g *Gateway) unseal(target Target, entry *uint64) (capability.Capability, capability.Capability, EntryFunc, error) {
	var none capability.Capability
	code, data := target.code, target.data
	if !code.Sealed() || !data.Sealed() {
		return none, none, nil, fmt.Errorf("%w: target capabilities must both be sealed", capability.ErrNotSealed)
	}
	if code.SealType() != data.SealType() {
		return none, none, nil, fmt.Errorf("%w: code sealed with %s, data with %s",
			capability.ErrTypeMismatch, code.SealType(), data.SealType())
	}
	typ := code.SealType()

	g.mu.RLock()
	sealer := g.sealers[typ.ID()]
	g.mu.RUnlock()
	if sealer == nil {
		return none, none, nil, fmt.Errorf("%w: type %s is not registered", ErrNoEntry, typ)
	}

	code, err := sealer.Unseal(code)
	if err != nil {
		return none, none, nil, fmt.Errorf("unsealing code: %w", err)
	}
	data, err = sealer.Unseal(data)
	if err != nil {
		return none, none, nil, fmt.Errorf("unsealing data: %w", err)
	}
	if entry != nil {
		code, err = code.WithCursor(*entry)
		if err != nil {
			return none, none, nil, err
		}
	}
	if err := code.CheckExecute(); err != nil {
		return none, none, nil, fmt.Errorf("entry %#x of %s: %w", code.Cursor(), typ, err)
	}

	g.mu.RLock()
	b := g.entries[entryKey{typ: typ.ID(), entry: code.Cursor()}]
	g.mu.RUnlock()
	if b.fn == nil {
		return none, none, nil, fmt.Errorf("%w: %s at %#x", ErrNoEntry, typ, code.Cursor())
	}
	if entry != nil && b.vector {
		return none, none, nil, fmt.Errorf("%w: %s at %#x is an entry vector, not a method", ErrNoEntry, typ, code.Cursor())
	}
	return code, data, b.fn, nil
}
