// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"github.com/bureau-foundation/compartment/lib/capability"
	"github.com/bureau-foundation/compartment/lib/linkage"
	"github.com/bureau-foundation/compartment/lib/memory"
)

// vtableImage is a read-only copy of an image's callee section at its
// image addresses. Dispatch reads method entries from it, never from
// image data an object can write.
type vtableImage struct {
	region  *memory.Region
	segment *capability.Segment
}

func mapVtables(name string, provided *linkage.ProvidedClasses) (*vtableImage, error) {
	start := memory.PageRoundDown(provided.SectionBase)
	end := memory.PageRoundUp(provided.SectionBase + provided.SectionSize)
	region, err := memory.Reserve(max(end, memory.PageSize()))
	if err != nil {
		return nil, mappingFailure("reserving vtables", err)
	}
	v := &vtableImage{region: region, segment: capability.NewSegment(name+" vtables", region)}
	if end == start {
		return v, nil
	}

	if err := region.MapAnonymous(start, end-start, memory.ProtRead|memory.ProtWrite); err != nil {
		v.release()
		return nil, mappingFailure("mapping vtables", err)
	}
	root := v.segment.Root()
	for _, m := range provided.Methods() {
		if err := root.StoreUint64(m.Offset, m.CodeOffset); err != nil {
			v.release()
			return nil, mappingFailure("writing vtables", err)
		}
	}
	if err := region.Protect(start, end-start, memory.ProtRead); err != nil {
		v.release()
		return nil, mappingFailure("protecting vtables", err)
	}
	return v, nil
}

// root returns a load-only capability over the copy.
func (v *vtableImage) root() (capability.Capability, error) {
	return v.segment.Root().Restrict(capability.PermLoad)
}

func (v *vtableImage) release() {
	if v == nil {
		return
	}
	v.segment.Revoke()
	v.region.Release()
}
