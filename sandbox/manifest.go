// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"

	"github.com/bureau-foundation/compartment/lib/codec"
	"github.com/bureau-foundation/compartment/lib/elfseg"
	"github.com/bureau-foundation/compartment/lib/linkage"
)

// ManifestVersion is the version written into every Manifest.
const ManifestVersion = 1

// Manifest describes a loaded class: where its image came from, how it
// is mapped, and how it is linked. The same class in the same directory
// state always produces the same encoding.
type Manifest struct {
	Version    int                `json:"version"`
	Name       string             `json:"name"`
	Path       string             `json:"path"`
	Digest     string             `json:"digest"`
	Code       []ManifestMapping  `json:"code"`
	Data       []ManifestMapping  `json:"data"`
	Provided   []ManifestMethod   `json:"provided,omitempty"`
	Required   []ManifestRequired `json:"required,omitempty"`
	Unresolved int                `json:"unresolved"`
}

// ManifestMapping is one mapping of a plan.
type ManifestMapping struct {
	Offset     uint64 `json:"offset"`
	Length     uint64 `json:"length"`
	Prot       string `json:"prot"`
	File       bool   `json:"file,omitempty"`
	FileOffset uint64 `json:"file_offset,omitempty"`
	FileLength uint64 `json:"file_length,omitempty"`
	TailZero   uint64 `json:"tail_zero,omitempty"`
}

// ManifestMethod is one provided method.
type ManifestMethod struct {
	Name       string `json:"name"`
	Slot       uint64 `json:"slot"`
	CodeOffset uint64 `json:"code_offset"`
}

// ManifestRequired is one required method and its resolution.
type ManifestRequired struct {
	Name     string `json:"name"`
	CallSite uint64 `json:"call_site"`
	Provider string `json:"provider,omitempty"`
	Slot     uint64 `json:"slot,omitempty"`
	Resolved bool   `json:"resolved"`
}

// Manifest describes the class as currently linked.
func (c *Class) Manifest() Manifest {
	return newManifest(c.name, c.path, c.digest.String(), c.codePlan, c.dataPlan, c.provided, c.Required())
}

func newManifest(name, path, digest string, code, data *elfseg.Plan, provided *linkage.ProvidedClasses, required []linkage.RequiredMethod) Manifest {
	m := Manifest{
		Version:    ManifestVersion,
		Name:       name,
		Path:       path,
		Digest:     digest,
		Code:       manifestMappings(code),
		Data:       manifestMappings(data),
		Unresolved: linkage.Unresolved(required),
	}
	for _, method := range provided.Methods() {
		m.Provided = append(m.Provided, ManifestMethod{
			Name:       method.Name(),
			Slot:       method.Offset,
			CodeOffset: method.CodeOffset,
		})
	}
	for _, r := range required {
		entry := ManifestRequired{
			Name:     r.Name(),
			CallSite: r.CallSiteOffset,
			Resolved: r.Resolved,
		}
		if r.Resolved {
			entry.Provider = r.Provider
			entry.Slot = r.VtableOffset
		}
		m.Required = append(m.Required, entry)
	}
	return m
}

func manifestMappings(plan *elfseg.Plan) []ManifestMapping {
	if plan == nil {
		return nil
	}
	mappings := make([]ManifestMapping, 0, len(plan.Mappings))
	for _, m := range plan.Mappings {
		mappings = append(mappings, ManifestMapping{
			Offset:     m.Offset,
			Length:     m.Length,
			Prot:       m.Prot.String(),
			File:       m.Source.File,
			FileOffset: m.Source.Offset,
			FileLength: m.Source.Length,
			TailZero:   m.TailZero,
		})
	}
	return mappings
}

// Marshal encodes the manifest as deterministic CBOR.
func (m Manifest) Marshal() ([]byte, error) {
	data, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest of %s: %w", m.Name, err)
	}
	return data, nil
}

// DecodeManifest decodes a manifest written by Marshal.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return Manifest{}, fmt.Errorf("manifest version %d, want %d", m.Version, ManifestVersion)
	}
	return m, nil
}
