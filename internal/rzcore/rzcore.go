// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rzcore computes red-zone sizes and paints the poison
// pattern into guard bands. It has no notion of a registry or an
// allocator; it is the one place that knows what a red-zone byte
// looks like.
package rzcore

import (
	"github.com/cznic/mathutil"

	"github.com/cznic/raze/internal/rzerr"
)

// Scale is the exponent N such that a red-zone is 1<<N bytes wide.
type Scale uint

// MinScale and MaxScale bound a valid Scale: red-zones between 8 and
// 1024 bytes.
const (
	MinScale Scale = 3
	MaxScale Scale = 10

	// DefaultScale is 32-byte red-zones, the reference default.
	DefaultScale Scale = 5
)

// DefaultPoisonByte is painted into guard bands unless a Config
// overrides it. It must fit in a single byte, per spec.md §4.1.
const DefaultPoisonByte byte = 0xFF

// RZSize returns 1<<scale, validating scale against [MinScale,
// MaxScale].
func RZSize(scale Scale) (int, error) {
	if scale < MinScale || scale > MaxScale {
		return 0, &rzerr.ErrINVAL{Src: "rzcore.RZSize scale", Arg: scale}
	}
	return 1 << uint(scale), nil
}

// CalcRZSize is RZSize without the error return, for call sites that
// have already validated scale once at startup and simply want the
// constant - mirrors the original runtime's calcRZSize, computed
// once and cached by the caller.
func CalcRZSize(scale Scale) int {
	sz, err := RZSize(scale)
	if err != nil {
		panic(err)
	}
	return sz
}

// IsValidScale reports whether scale lies in [MinScale, MaxScale].
func IsValidScale(scale Scale) bool {
	return scale >= MinScale && scale <= MaxScale
}

// RoundUpPow2 rounds n up to the next power of two, used by the
// size-class allocator to derive a class index from a requested
// size.
func RoundUpPow2(n uintptr) uintptr {
	if n <= 1 {
		return 1
	}
	shift := mathutil.Log2Uint64(uint64(n - 1))
	return uintptr(1) << uint(shift+1)
}

// Log2 returns floor(log2(n)) for n >= 1, delegating to mathutil the
// way the size-class allocator derives a class index from a
// (already power-of-two) size.
func Log2(n uintptr) uint {
	if n < 1 {
		return 0
	}
	return uint(mathutil.Log2Uint64(uint64(n)))
}

// Paint fills mem with n bytes of poison, where n is clamped to
// len(mem): the caller is responsible for passing a slice of exactly
// the intended red-zone extent. Sizes that are not multiples of 8 are
// still painted byte-for-byte; spec.md §4.1's "coerced to rz_sz"
// clause is enforced by the caller choosing mem's length, not here.
func Paint(mem []byte, poison byte, n int) {
	if n > len(mem) {
		n = len(mem)
	}
	if n < 0 {
		n = 0
	}
	for i := 0; i < n; i++ {
		mem[i] = poison
	}
}

// IsPoisoned reports whether b equals the configured poison byte:
// the same one-byte comparison the fast check performs twice per
// access.
func IsPoisoned(b, poison byte) bool { return b == poison }
