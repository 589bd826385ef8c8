// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package platform isolates the raw, OS-specific primitives the rest
// of raze builds on: page size, anonymous virtual memory reservation,
// a standard-allocator passthrough and a mutex abstraction. Every
// other package talks to the host only through here.
package platform

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cznic/raze/internal/rzerr"
)

// Mutex is sync.Mutex under a name of its own so call sites that
// partition locks (see registry/bucket) read as a deliberate,
// first-class concept rather than an inlined sync.Mutex field.
type Mutex = sync.Mutex

var pageSize int
var pageSizeOnce sync.Once

// PageSize returns the host's page size, queried once and cached.
func PageSize() int {
	pageSizeOnce.Do(func() { pageSize = unix.Getpagesize() })
	return pageSize
}

// PageShift returns log2(PageSize()), falling back to 12 (4096 bytes)
// if the page size is not, for whatever reason, a power of two.
func PageShift() uint {
	sz := PageSize()
	var shift uint
	for p := 1; p < sz; p <<= 1 {
		shift++
	}
	if 1<<shift != sz {
		return 12
	}
	return shift
}

// ReserveAnon reserves size bytes of anonymous, demand-paged,
// read-write memory. The returned slice is backed by OS pages
// outside the Go heap: it is not moved or scanned by the garbage
// collector, so holding its base address as a uintptr elsewhere is
// safe for as long as the mapping is live.
func ReserveAnon(size uintptr) ([]byte, error) {
	if size == 0 {
		return nil, &rzerr.ErrINVAL{Src: "ReserveAnon size", Arg: size}
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// Unmap releases a region previously obtained from ReserveAnon or
// StdAlloc.
func Unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}

// StdAlloc is the "standard allocator passthrough" of spec.md §2.1: a
// raw allocation of n bytes the façade can pad with guard bands. Pure
// Go has no binding to the host libc malloc without cgo, so this
// models the passthrough as its own anonymous mapping per request -
// the same mechanism ReserveAnon uses for the shadow map and the
// size-class arenas, just sized to a single allocation. Memory
// obtained this way is never touched by the garbage collector, which
// is the property the allocator façade actually depends on.
func StdAlloc(n uintptr) ([]byte, error) {
	return ReserveAnon(n)
}

// StdFree releases memory obtained from StdAlloc.
func StdFree(mem []byte) error { return Unmap(mem) }

// UsableSize reports the size an allocation from StdAlloc/ReserveAnon
// actually occupies, which on this implementation is exactly the
// requested size (no internal rounding beyond page granularity is
// exposed to callers).
func UsableSize(mem []byte) uintptr { return uintptr(len(mem)) }

// Addr returns the base address of mem as a uintptr. mem must be
// backed by memory obtained from ReserveAnon/StdAlloc: that memory is
// never moved by the garbage collector, so the returned address
// stays valid for as long as mem is not unmapped.
func Addr(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}

// Bytes reinterprets the n bytes starting at addr as a []byte. addr
// must fall within a region previously obtained from
// ReserveAnon/StdAlloc.
func Bytes(addr uintptr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
