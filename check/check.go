// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package check implements the instrumentation-facing access checker
// of spec.md §4.6: a single check(addr, n) entry point combining a
// constant-time fast path with a registry-backed slow path. Grounded
// on davequa/HM-BoundsCheck's checkMemoryAccess/checkRegistration
// split (instrumentation-skeleton/runtime/hmboundscheck.c).
package check

import (
	"unsafe"

	"github.com/cznic/raze/registry"
)

// Result mirrors spec.md §4.6's return convention.
type Result int

const (
	ResultAddressable Result = 0
	ResultForbidden   Result = 1
	ResultInternalErr Result = -1
)

// Checker implements the fast-check + slow-check access checker.
type Checker struct {
	// FastCheckEnabled mirrors Config.FastCheckEnabled: when false,
	// poisoning is skipped and only the slow path runs.
	FastCheckEnabled bool
	// Poison is the single poison byte the fast path compares
	// against.
	Poison byte
	// Backend is the active registry back-end consulted by the
	// slow path. Nil means RegistrationEnabled is false: only the
	// fast path can detect errors.
	Backend registry.Backend
}

// Check implements check(addr, n) -> int of spec.md §4.6 and §6. It
// never blocks and never panics the host process; an internal error
// is reported as ResultInternalErr rather than propagated as a Go
// error, matching the C ABI this function stands in for.
func (c *Checker) Check(addr uintptr, n int) Result {
	if n <= 0 {
		n = 1
	}

	if c.FastCheckEnabled {
		if r, ok := c.fastCheck(addr, n); ok {
			return r
		}
	}

	if c.Backend == nil {
		return ResultAddressable
	}

	verdict, err := c.Backend.Query(addr, n)
	if err != nil {
		return ResultInternalErr
	}
	if verdict == registry.Forbidden {
		return ResultForbidden
	}
	return ResultAddressable
}

// fastCheck compares one byte at addr and one at addr+n-1 against the
// poison byte. ok is false when the fast path cannot rule the access
// in ("addressable") on its own and the slow path must run: that is,
// when either byte equals the poison byte (the slow path rules out a
// coincidental match, testable property 6).
func (c *Checker) fastCheck(addr uintptr, n int) (Result, bool) {
	first := readByte(addr)
	last := readByte(addr + uintptr(n) - 1)
	if first != c.Poison && last != c.Poison {
		return ResultAddressable, true
	}
	return 0, false
}

// readByte dereferences a raw address. It is the only place in this
// package that touches unsafe.Pointer: callers outside this package
// never see raw memory, only Result values.
func readByte(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr))
}
