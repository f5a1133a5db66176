// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package linkage

import (
	"fmt"

	"github.com/bureau-foundation/compartment/lib/capability"
)

// Resolve links every unresolved entry of required whose class provided
// has, and returns how many entries this call resolved. Entries are
// updated in place. Already-resolved entries are never changed.
func Resolve(provided *ProvidedClasses, required []RequiredMethod) int {
	resolved := 0
	for index := range required {
		r := &required[index]
		if r.Resolved {
			continue
		}
		class := provided.Class(r.Class)
		if class == nil {
			continue
		}
		m, ok := class.Lookup(r.Method)
		if !ok {
			continue
		}
		r.VtableOffset = (m.Offset - class.Base) / SlotSize * SlotSize
		r.Provider = provided.Image
		r.Resolved = true
		resolved++
	}
	return resolved
}

// Unresolved returns the number of entries not yet resolved.
func Unresolved(required []RequiredMethod) int {
	count := 0
	for _, r := range required {
		if !r.Resolved {
			count++
		}
	}
	return count
}

// UnresolvedNames returns the "class.method" names of unresolved entries.
func UnresolvedNames(required []RequiredMethod) []string {
	var names []string
	for _, r := range required {
		if !r.Resolved {
			names = append(names, r.Name())
		}
	}
	return names
}

// MakeVtable derives a load-only capability over a vtable from data, a
// capability over the object's data segment. An empty class selects the
// whole CalleeSection; otherwise only the named class's slots.
func MakeVtable(data capability.Capability, class string, provided *ProvidedClasses) (capability.Capability, error) {
	base, size := provided.SectionBase, provided.SectionSize
	if class != "" {
		c := provided.Class(class)
		if c == nil {
			return capability.Capability{}, fmt.Errorf("%w: %q in %s", ErrUnknownClass, class, provided.Image)
		}
		base, size = c.Base, c.Size()
	}
	vtable, err := data.Bounds(base, size)
	if err != nil {
		return capability.Capability{}, fmt.Errorf("deriving vtable for %q: %w", class, err)
	}
	return vtable.Restrict(capability.PermLoad)
}

// SetRequiredVariables writes the vtable offset of every resolved entry
// into its call-site variable through data. Unresolved call sites are
// left untouched.
func SetRequiredVariables(data capability.Capability, required []RequiredMethod) error {
	for _, r := range required {
		if !r.Resolved {
			continue
		}
		if err := data.StoreUint64(r.CallSiteOffset, r.VtableOffset); err != nil {
			return fmt.Errorf("patching call site of %s at %#x: %w", r.Name(), r.CallSiteOffset, err)
		}
	}
	return nil
}
