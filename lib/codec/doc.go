// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration used for class
// manifests.
//
// Manifests describe a loaded class (image digest, segment plans,
// method tables, linkage state) and are compared byte for byte between
// runs, so the encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. The same logical data always produces
// identical bytes.
//
//	data, err := codec.Marshal(manifest)
//	err = codec.Unmarshal(data, &manifest)
//
// Manifest types carry `json` struct tags, which fxamacker/cbor reads
// when no `cbor` tag is present. Never put both on one field.
package codec
