// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shadow implements registry back-end B: a contiguous
// virtual reservation encoding per-8-byte-word addressability for the
// whole user address space, giving O(1) register/deregister/query.
// Grounded on davequa/HM-BoundsCheck's shadow-memory runtime
// (initShadowMemory/getShadowMemoryAddress/checkRegistration) for the
// addressing scheme, and on dbm/bits.go's byteMask/bitMask tables for
// the bit-granularity encoding.
package shadow

import (
	"github.com/cznic/raze/internal/platform"
	"github.com/cznic/raze/internal/rzerr"
	"github.com/cznic/raze/registry"
)

// Encoding selects the per-shadow-byte meaning, fixed at construction
// time (spec.md §3).
type Encoding int

const (
	// EncodingWord is the ASAN-style encoding: 0 addressable, 1..7
	// partial word, 0xFF red-zone, 0x40 freed.
	EncodingWord Encoding = iota
	// EncodingBit encodes one bit per user byte: 0 addressable, 1
	// forbidden.
	EncodingBit
)

const (
	valAddressable  byte = 0x00
	valRedZone      byte = 0xFF
	valFreed        byte = 0x40
	shadowWordBytes      = 8
)

// bitMask mirrors dbm/bits.go's bitMask table: bitMask[k] has bit k
// set, used to test or build the single-bit-per-byte encoding.
var bitMask = [8]byte{0x01, 0x02, 0x04, 0x08, 0x10, 0x20, 0x40, 0x80}

// DefaultSize is 2^44 bytes, the shadow reservation size of spec.md
// §3.
const DefaultSize uintptr = 1 << 44

// Registry is registry back-end B.
type Registry struct {
	mem      []byte
	rzSize   uintptr
	encoding Encoding
}

var _ registry.Backend = (*Registry)(nil)

// New reserves a shadow region of size bytes (DefaultSize unless the
// caller overrides it for testing) and returns a Registry using the
// requested encoding. base is accepted for interface compatibility
// with spec.md §3's "fixed base" but is ignored: this implementation
// lets the host OS place the anonymous mapping and does not map the
// shadow at a literal fixed virtual address.
func New(base uintptr, size uintptr, rzSize uintptr, encoding Encoding) (*Registry, error) {
	_ = base
	if size == 0 {
		size = DefaultSize
	}
	mem, err := platform.ReserveAnon(size)
	if err != nil {
		return nil, err
	}
	return &Registry{mem: mem, rzSize: rzSize, encoding: encoding}, nil
}

// shadowIndex maps a user address to its shadow byte offset: (a>>3).
func shadowIndex(addr uintptr) uintptr { return addr >> 3 }

func (r *Registry) shadowByte(addr uintptr) (*byte, error) {
	idx := shadowIndex(addr)
	if idx >= uintptr(len(r.mem)) {
		return nil, &rzerr.ErrINVAL{Src: "shadow address out of range", Arg: addr}
	}
	return &r.mem[idx], nil
}

// fillRange sets to val every shadow byte whose 8-byte user word
// overlaps the user range [start, start+n). n need not be a multiple
// of 8: a partially covered word at either end is set as a whole.
func (r *Registry) fillRange(start, n uintptr, val byte) error {
	if _, err := r.shadowByte(start); err != nil {
		return err
	}
	if _, err := r.shadowByte(start + n - 1); err != nil {
		return err
	}
	lo := shadowIndex(start)
	hi := shadowIndex(start + n - 1)
	for i := lo; i <= hi; i++ {
		r.mem[i] = val
	}
	return nil
}

// tailByte computes the partial-word shadow byte for a region whose
// length is not a multiple of 8: word encoding stores the remainder
// N (1..7); bit encoding clears bits 0..N-1 (bytes 0..N-1 of the word
// addressable) and sets the high (8-N) bits, built from bitMask.
func (r *Registry) tailByte(remainder int) byte {
	if remainder <= 0 {
		return valAddressable
	}
	switch r.encoding {
	case EncodingBit:
		var b byte
		for i := 0; i < remainder; i++ {
			b |= bitMask[i]
		}
		return 0xFF &^ b
	default: // EncodingWord
		return byte(remainder)
	}
}

// Register implements registry.Backend, spec.md §4.4: paints the two
// guard bands 0xFF, then the user region 0 (with a partial tail
// byte), one fill per range.
func (r *Registry) Register(left, right uintptr) error {
	if err := r.fillRange(left, r.rzSize, valRedZone); err != nil {
		return err
	}
	if err := r.fillRange(right, r.rzSize, valRedZone); err != nil {
		return err
	}

	userLen := right - (left + r.rzSize)
	userStart := left + r.rzSize
	fullWords := (userLen / shadowWordBytes) * shadowWordBytes
	if fullWords > 0 {
		if err := r.fillRange(userStart, fullWords, valAddressable); err != nil {
			return err
		}
	}
	rem := int(userLen % shadowWordBytes)
	if rem > 0 {
		b, err := r.shadowByte(userStart + fullWords)
		if err != nil {
			return err
		}
		*b = r.tailByte(rem)
	}
	return nil
}

// Deregister implements registry.Backend, spec.md §4.4: overwrites
// the whole [left, right+rzSize) span with the freed-poison value in
// one contiguous write, preserving use-after-free detection.
func (r *Registry) Deregister(left, right uintptr) error {
	return r.fillRange(left, (right+r.rzSize)-left, valFreed)
}

func (r *Registry) classify(addr uintptr) (byte, error) {
	b, err := r.shadowByte(addr)
	if err != nil {
		return 0, err
	}
	return *b, nil
}

// Query implements registry.Backend, spec.md §4.4.
func (r *Registry) Query(addr uintptr, accessSize int) (registry.Verdict, error) {
	if accessSize < 1 {
		accessSize = 1
	}
	v, err := r.queryOne(addr)
	if err != nil || v == registry.Forbidden {
		return v, err
	}
	if accessSize > 1 {
		return r.queryOne(addr + uintptr(accessSize) - 1)
	}
	return registry.Addressable, nil
}

func (r *Registry) queryOne(addr uintptr) (registry.Verdict, error) {
	s, err := r.classify(addr)
	if err != nil {
		return registry.Forbidden, err
	}

	offset := addr & 7
	switch r.encoding {
	case EncodingBit:
		if s&bitMask[offset] != 0 {
			return registry.Forbidden, nil
		}
		return registry.Addressable, nil
	default: // EncodingWord
		if s == valAddressable {
			return registry.Addressable, nil
		}
		if s == valRedZone || s == valFreed {
			return registry.Forbidden, nil
		}
		// s is the partial-word remainder N: bytes [0,N) of the
		// word are addressable.
		if offset < uintptr(s) {
			return registry.Addressable, nil
		}
		return registry.Forbidden, nil
	}
}

// Close implements registry.Backend: unmaps the shadow reservation.
func (r *Registry) Close() error {
	return platform.Unmap(r.mem)
}
