// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"fmt"
	"sync/atomic"
)

var typeCounter atomic.Uint64

// Type is a seal type token. The zero Type means "unsealed".
type Type struct {
	token *typeToken
}

type typeToken struct {
	id   uint64
	name string
}

// ID returns the numeric identifier of the type, unique in the process.
// Zero for the zero Type.
func (t Type) ID() uint64 {
	if t.token == nil {
		return 0
	}
	return t.token.id
}

// Name returns the diagnostic name given at creation.
func (t Type) Name() string {
	if t.token == nil {
		return ""
	}
	return t.token.name
}

// IsZero reports whether t is the zero Type.
func (t Type) IsZero() bool {
	return t.token == nil
}

func (t Type) String() string {
	if t.token == nil {
		return "unsealed"
	}
	return fmt.Sprintf("%s#%d", t.token.name, t.token.id)
}

// Sealer holds the right to seal and unseal capabilities for one Type.
type Sealer struct {
	typ Type
}

// NewType allocates a fresh seal type and returns it with its Sealer.
func NewType(name string) (Type, *Sealer) {
	typ := Type{token: &typeToken{id: typeCounter.Add(1), name: name}}
	return typ, &Sealer{typ: typ}
}

// Type returns the type this Sealer seals with.
func (s *Sealer) Type() Type {
	return s.typ
}

// Seal returns c sealed with the Sealer's type. c must be valid and
// unsealed.
func (s *Sealer) Seal(c Capability) (Capability, error) {
	if err := c.valid(); err != nil {
		return Capability{}, err
	}
	if c.Sealed() {
		return Capability{}, fmt.Errorf("%w: already sealed with %s", ErrSealed, c.seal)
	}
	c.seal = s.typ
	return c, nil
}

// Unseal returns c with its seal removed. c must be sealed with exactly
// the Sealer's type.
func (s *Sealer) Unseal(c Capability) (Capability, error) {
	if err := c.valid(); err != nil {
		return Capability{}, err
	}
	if !c.Sealed() {
		return Capability{}, ErrNotSealed
	}
	if c.seal != s.typ {
		return Capability{}, fmt.Errorf("%w: sealed with %s, unsealing with %s", ErrTypeMismatch, c.seal, s.typ)
	}
	c.seal = Type{}
	return c, nil
}
