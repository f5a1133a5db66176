// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/bureau-foundation/compartment/lib/capability"
	"github.com/bureau-foundation/compartment/lib/gateway"
	"github.com/bureau-foundation/compartment/lib/linkage"
)

// HostProvider is the provider name of methods the host program
// implements. No class is ever registered under it.
const HostProvider = "host"

// host is the ambient program's linkage: the methods it provides to
// sandboxes, served by Go functions on the landing pad, and the methods
// it requires from them.
type host struct {
	path     string
	provided *linkage.ProvidedClasses
	required []linkage.RequiredMethod

	vtables *vtableImage
	targets map[string]gateway.Target
}

// loadHost reads the method tables of the host image at path and binds
// methods under a fresh host type. Only the vtable words are mapped.
func loadHost(path string, config Config, g *gateway.Gateway, ambient *capability.Segment, logger *slog.Logger) (*host, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening host image: %w", err)
	}
	defer file.Close()

	provided, required, err := linkage.Parse(file, HostProvider, logger)
	if err != nil {
		return nil, fmt.Errorf("host image %s: %w", path, err)
	}
	h := &host{path: path, provided: provided, required: required, targets: make(map[string]gateway.Target)}
	if provided.SectionSize == 0 {
		if len(config.HostMethods) > 0 {
			return nil, fmt.Errorf("%w: host image %s provides no methods to bind", ErrUnknownMethod, path)
		}
		return h, nil
	}

	end := provided.SectionBase + provided.SectionSize
	if end > config.MaxImageOffset {
		return nil, fmt.Errorf("%w: host vtables end at %#x, ceiling %#x", ErrResourceLimitExceeded, end, config.MaxImageOffset)
	}
	if h.vtables, err = mapVtables("host", provided); err != nil {
		return nil, err
	}
	if err := h.bind(config, g, ambient, logger); err != nil {
		h.release()
		return nil, err
	}
	return h, nil
}

func (h *host) bind(config Config, g *gateway.Gateway, ambient *capability.Segment, logger *slog.Logger) (err error) {
	typ, sealer := capability.NewType(HostProvider)
	g.Register(sealer)
	defer func() {
		if err != nil {
			g.Unregister(typ)
		}
	}()

	offsets := make(map[string]uint64)
	for _, m := range h.provided.Methods() {
		if _, ok := offsets[m.Name()]; !ok {
			offsets[m.Name()] = m.CodeOffset
		}
	}
	bound := make(map[uint64]bool)
	for name, fn := range config.HostMethods {
		offset, ok := offsets[name]
		if !ok {
			return fmt.Errorf("%w: host image does not provide %s", ErrUnknownMethod, name)
		}
		if bound[offset] {
			return fmt.Errorf("%w: %s shares code offset %#x with another bound host method", gateway.ErrEntryBound, name, offset)
		}
		if err := g.Bind(typ, offset, fn); err != nil {
			return err
		}
		bound[offset] = true
	}
	for name := range offsets {
		if _, ok := config.HostMethods[name]; !ok {
			logger.Warn("host method has no implementation", "method", name)
		}
	}

	code, err := ambient.Root().Restrict(capability.PermLoad | capability.PermExecute)
	if err != nil {
		return err
	}
	sealedCode, err := sealer.Seal(code)
	if err != nil {
		return err
	}
	data, err := h.vtables.root()
	if err != nil {
		return err
	}
	sealedData, err := sealer.Seal(data)
	if err != nil {
		return err
	}
	for _, class := range h.provided.Classes {
		if _, ok := h.targets[class.Name]; ok {
			continue
		}
		vtable, err := linkage.MakeVtable(data, class.Name, h.provided)
		if err != nil {
			return err
		}
		if vtable, err = sealer.Seal(vtable); err != nil {
			return err
		}
		h.targets[class.Name] = gateway.NewTarget(sealedCode, sealedData, vtable, class.Name, HostProvider, nil)
	}
	return nil
}

func (h *host) release() {
	if h == nil {
		return
	}
	h.vtables.release()
}
