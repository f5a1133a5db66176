// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/bureau-foundation/compartment/lib/clock"
	"github.com/bureau-foundation/compartment/lib/gateway"
	"github.com/bureau-foundation/compartment/lib/linkage"
	"github.com/bureau-foundation/compartment/lib/memory"
)

// Runtime is an append-only directory of classes and the objects
// created from them. All classes of a Runtime link against each other
// and against the host program.
type Runtime struct {
	config  Config
	logger  *slog.Logger
	clock   clock.Clock
	gateway *gateway.Gateway
	system  *system
	host    *host

	mu      sync.Mutex
	classes []*Class
	names   map[string]bool
	objects map[uint64]*Object
	nextID  uint64
	closed  bool
}

// New validates config and returns an empty Runtime. When
// config.HostImage is set, the host program's method tables are loaded
// and config.HostMethods bound to them.
func New(config Config) (*Runtime, error) {
	config = config.withDefaults()
	if err := config.validate(memory.PageSize()); err != nil {
		return nil, err
	}

	g := gateway.New(gateway.Config{
		MaxCallDepth: config.MaxCallDepth,
		LandingPad:   config.LandingPad,
		Logger:       config.Logger,
	})
	system, err := newSystem(g, config.System)
	if err != nil {
		return nil, fmt.Errorf("binding system services: %w", err)
	}

	r := &Runtime{
		config:  config,
		logger:  config.Logger,
		clock:   config.Clock,
		gateway: g,
		system:  system,
		names:   map[string]bool{HostProvider: true},
		objects: make(map[uint64]*Object),
	}
	if config.HostImage != "" {
		r.host, err = loadHost(config.HostImage, config, g, system.segment, config.Logger)
		if err != nil {
			return nil, err
		}
		r.logger.Info("host program linked",
			"path", config.HostImage,
			"provided", len(r.host.provided.Methods()),
			"required", len(r.host.required),
		)
	} else if len(config.HostMethods) > 0 {
		return nil, fmt.Errorf("%w: host methods given without a host image", ErrConfig)
	}
	return r, nil
}

// Gateway returns the gateway all calls of the runtime go through.
func (r *Runtime) Gateway() *gateway.Gateway {
	return r.gateway
}

// LoadClass loads the class image at path, links it against every
// registered class and the host program, and registers it. bindings
// supplies the Go implementations of its entry points. On error nothing
// is registered and nothing stays mapped.
func (r *Runtime) LoadClass(ctx context.Context, path string, bindings Bindings) (*Class, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	class, err := r.openClass(path, r.className(path), bindings)
	if err != nil {
		return nil, fmt.Errorf("loading class %s: %w", path, err)
	}
	if err := class.register(r.gateway); err != nil {
		class.release()
		return nil, fmt.Errorf("registering class %s: %w", path, err)
	}
	r.link(class)
	r.classes = append(r.classes, class)
	r.names[class.name] = true

	r.logger.Info("class registered",
		"class", class.name,
		"path", path,
		"digest", class.digest.String(),
		"type_token", class.typ.ID(),
		"provided", len(class.provided.Methods()),
		"unresolved", linkage.Unresolved(class.required),
	)
	return class, nil
}

// className derives a unique class name from the image file name.
func (r *Runtime) className(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if base == "" {
		base = "class"
	}
	name := base
	for suffix := 2; r.names[name]; suffix++ {
		name = base + "." + strconv.Itoa(suffix)
	}
	return name
}

// link cross-resolves class against the directory and the host. The
// new class's required methods are resolved against the registered
// classes in registration order, then the host, then itself; every
// earlier class and the host are then resolved against it.
func (r *Runtime) link(class *Class) {
	for _, other := range r.classes {
		linkage.Resolve(other.provided, class.required)
	}
	if r.host != nil {
		linkage.Resolve(r.host.provided, class.required)
	}
	linkage.Resolve(class.provided, class.required)

	for _, other := range r.classes {
		if resolved := linkage.Resolve(class.provided, other.required); resolved > 0 {
			r.logger.Debug("class linked against new provider",
				"class", other.name,
				"provider", class.name,
				"resolved", resolved,
				"unresolved", linkage.Unresolved(other.required),
			)
		}
	}
	if r.host != nil {
		linkage.Resolve(class.provided, r.host.required)
	}
}

// Classes returns the registered classes in registration order.
func (r *Runtime) Classes() []*Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.classes)
}

// Class returns the registered class called name, or nil.
func (r *Runtime) Class(name string) *Class {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, class := range r.classes {
		if class.name == name {
			return class
		}
	}
	return nil
}

// HostRequired returns the host program's required methods with their
// current resolution. Nil without a host image.
func (r *Runtime) HostRequired() []linkage.RequiredMethod {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host == nil {
		return nil
	}
	return slices.Clone(r.host.required)
}

// Live returns the number of objects that have not been destroyed.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// checkLinkageLocked fails while any registered class has unresolved
// required methods.
func (r *Runtime) checkLinkageLocked() error {
	var unresolved []string
	for _, class := range r.classes {
		for _, name := range linkage.UnresolvedNames(class.required) {
			unresolved = append(unresolved, class.name+": "+name)
		}
	}
	if len(unresolved) > 0 {
		return fmt.Errorf("%w: %s", ErrLinkageUnresolved, strings.Join(unresolved, ", "))
	}
	return nil
}

func (r *Runtime) forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, id)
}

// Close releases every class. It fails while objects are alive, since a
// class must outlive its objects. Close is idempotent.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if len(r.objects) > 0 {
		return fmt.Errorf("%w: %d", ErrLiveObjects, len(r.objects))
	}
	r.closed = true

	var errs []error
	for _, class := range r.classes {
		if err := class.release(); err != nil {
			errs = append(errs, fmt.Errorf("releasing class %s: %w", class.name, err))
		}
	}
	r.host.release()
	return errors.Join(errs...)
}
