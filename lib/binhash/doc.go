// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes content digests of class images.
//
// A class is identified in manifests and logs by the BLAKE3 keyed hash
// of its image file, computed in a domain of its own so the digest
// never collides with some other hash of the same bytes. Two loads of
// byte-identical images report the same digest regardless of path.
//
//   - [HashFile] streams a file with constant memory
//   - [HashReader] and [HashBytes] hash already-open content
//   - [FormatDigest] and [ParseDigest] convert to and from hex
//
// This package has no dependencies on other compartment packages.
package binhash
