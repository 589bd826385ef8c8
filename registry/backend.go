// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry defines the interface shared by the two
// interchangeable guard-band book-keeping back-ends: the bucketed
// address index (registry/bucket) and the shadow-memory bitmap
// (registry/shadow). It plays the same role lldb.Filer plays for the
// teacher's on-disk storage back-ends: one small interface, multiple
// otherwise-unrelated implementations, selected by the caller at
// construction time.
package registry

// Verdict is the result of a Query.
type Verdict int

const (
	// Addressable means the access may proceed.
	Addressable Verdict = iota
	// Forbidden means the access touches a guard band or freed
	// memory.
	Forbidden
)

// Backend is implemented by registry/bucket.Registry and
// registry/shadow.Registry. left/right/userPtr/addr are raw
// addresses, represented as uintptr the way the Go runtime's own
// allocator (cloudfly-readgo/runtime/malloc.go) represents them.
type Backend interface {
	// Register records a freshly painted guard-band pair.
	Register(left, right uintptr) error

	// Deregister removes the guard-band pair (left, right). The
	// allocator façade always knows both ends at free time (it
	// tracks the raw allocation it handed out), so unlike the C
	// ABI's single-argument free(), Deregister here takes the full
	// pair; back-end A additionally uses right to cross-check the
	// twin it finds by walking from left.
	Deregister(left, right uintptr) error

	// Query classifies an access of accessSize bytes starting at
	// addr. accessSize is clamped to >=1 by the caller.
	Query(addr uintptr, accessSize int) (Verdict, error)

	// Close releases any resources (locks, virtual memory
	// reservations) held by the backend.
	Close() error
}
