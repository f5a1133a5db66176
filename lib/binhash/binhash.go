// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed digest of a class image.
type Digest [32]byte

// imageDomainKey separates image digests from any other BLAKE3 use of
// the same bytes. Changing it invalidates every recorded digest.
var imageDomainKey = [32]byte{
	'c', 'o', 'm', 'p', 'a', 'r', 't', 'm', 'e', 'n', 't', '.',
	'c', 'l', 'a', 's', 's', '.', 'i', 'm', 'a', 'g', 'e', 0,
	0, 0, 0, 0, 0, 0, 0, 0,
}

func newHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(imageDomainKey[:])
	if err != nil {
		panic("binhash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// HashReader streams r through the image-domain hash.
func HashReader(r io.Reader) (Digest, error) {
	hasher := newHasher()
	if _, err := io.Copy(hasher, r); err != nil {
		return Digest{}, err
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// HashBytes returns the image-domain digest of data.
func HashBytes(data []byte) Digest {
	hasher := newHasher()
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// HashFile computes the digest of the file at path with constant memory.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	digest, err := HashReader(file)
	if err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return digest, nil
}

// FormatDigest returns the hex encoding of digest, the form used in
// manifests and log output.
func FormatDigest(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

// String returns FormatDigest(d).
func (d Digest) String() string {
	return FormatDigest(d)
}

// ParseDigest parses a 64-character hex digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing image digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("image digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
