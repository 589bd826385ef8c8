// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package facade implements the allocator façade of spec.md §4.7 and
// §6: it replaces malloc/calloc/realloc/free/aligned-alloc, padding
// every request with two guard bands and mirroring every operation
// into the active registry back-end. Grounded on dbm.DB
// (dbm/dbm.go), which plays the same role for the teacher's on-disk
// allocator: a façade type owning a backend allocator and exposing
// high-level entry points behind a single lock.
package facade

import (
	"sync"

	"github.com/cznic/raze/internal/platform"
	"github.com/cznic/raze/internal/rzcore"
	"github.com/cznic/raze/internal/rzerr"
	"github.com/cznic/raze/registry"
	"github.com/cznic/raze/sizeclass"
)

// allocation tracks one live, non-size-class allocation so Free,
// Realloc and AlignedAlloc can recover the raw backing memory, the
// guard-band addresses and the original size without a lookaside
// structure per guard band.
type allocation struct {
	raw         []byte
	left, right uintptr
	size        uintptr
}

// Facade is the allocator façade. A zero Facade is not usable; build
// one with New.
type Facade struct {
	mu sync.Mutex

	rzSize              uintptr
	poison              byte
	fastCheckEnabled    bool
	registrationEnabled bool
	backend             registry.Backend
	sizeClass           *sizeclass.Allocator

	live map[uintptr]*allocation
}

// New returns a Facade padding every allocation with rzSize guard
// bands. backend may be nil (RegistrationEnabled == false: only the
// fast check, if enabled, can detect errors). sc, if non-nil, routes
// Malloc/Free through the size-class allocator instead of a fresh
// mapping per request; per spec.md §4.7 this makes AlignedAlloc
// unsupported.
func New(rzSize uintptr, poison byte, fastCheckEnabled, registrationEnabled bool, backend registry.Backend, sc *sizeclass.Allocator) *Facade {
	return &Facade{
		rzSize:              rzSize,
		poison:              poison,
		fastCheckEnabled:    fastCheckEnabled,
		registrationEnabled: registrationEnabled,
		backend:             backend,
		sizeClass:           sc,
		live:                make(map[uintptr]*allocation),
	}
}

// Malloc is the façade's malloc replacement.
func (f *Facade) Malloc(size uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sizeClass != nil {
		return f.sizeClass.Allocate(size)
	}
	return f.mallocRaw(size)
}

func (f *Facade) mallocRaw(size uintptr) (uintptr, error) {
	widen := size + 2*f.rzSize
	raw, err := platform.StdAlloc(widen)
	if err != nil {
		return 0, err
	}
	base := platform.Addr(raw)
	left := base
	user := left + f.rzSize
	right := user + size

	if f.fastCheckEnabled {
		rzcore.Paint(raw[:f.rzSize], f.poison, int(f.rzSize))
		rzcore.Paint(raw[right-base:right-base+f.rzSize], f.poison, int(f.rzSize))
	}

	if f.registrationEnabled && f.backend != nil {
		if err := f.backend.Register(left, right); err != nil {
			platform.StdFree(raw)
			return 0, err
		}
	}

	f.live[user] = &allocation{raw: raw, left: left, right: right, size: size}
	return user, nil
}

// Calloc is the façade's calloc replacement: allocates m*n bytes and
// zeroes them.
func (f *Facade) Calloc(m, n uintptr) (uintptr, error) {
	size := m * n
	user, err := f.Malloc(size)
	if err != nil {
		return 0, err
	}
	if size > 0 {
		zero(platform.Bytes(user, size))
	}
	return user, nil
}

// Realloc is the façade's realloc replacement, including the p==nil and n==0 edge
// cases of spec.md §4.7 (open question (c) in spec.md §9: this
// implementation frees p and returns 0 for Realloc(p, 0) with a
// non-zero p, a documented choice rather than undefined behavior).
func (f *Facade) Realloc(userPtr, n uintptr) (uintptr, error) {
	if userPtr == 0 {
		return f.Malloc(n)
	}
	if n == 0 {
		return 0, f.Free(userPtr)
	}

	oldSize, ok := f.SizeOf(userPtr)
	if !ok {
		return 0, &rzerr.ErrRegistry{Src: "Realloc unknown pointer", Arg: userPtr}
	}

	newPtr, err := f.Malloc(n)
	if err != nil {
		return 0, err
	}

	copyN := oldSize
	if n < copyN {
		copyN = n
	}
	if copyN > 0 {
		copy(platform.Bytes(newPtr, copyN), platform.Bytes(userPtr, copyN))
	}

	if err := f.Free(userPtr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// AlignedAlloc is the façade's aligned-allocation replacement. Per
// spec.md §4.7, when
// the size-class allocator is active this entry point is unsupported
// and errors - the two modes are mutually exclusive.
func (f *Facade) AlignedAlloc(alignment, size uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sizeClass != nil {
		return 0, &rzerr.ErrINVAL{Src: "AlignedAlloc unsupported while the size-class allocator is active", Arg: alignment}
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, &rzerr.ErrINVAL{Src: "AlignedAlloc alignment not a power of two", Arg: alignment}
	}

	widen := size + 2*f.rzSize + alignment - 1
	raw, err := platform.StdAlloc(widen)
	if err != nil {
		return 0, err
	}
	base := platform.Addr(raw)
	user := (base + f.rzSize + alignment - 1) &^ (alignment - 1)
	left := user - f.rzSize
	right := user + size

	if f.fastCheckEnabled {
		rzcore.Paint(raw[left-base:left-base+f.rzSize], f.poison, int(f.rzSize))
		rzcore.Paint(raw[right-base:right-base+f.rzSize], f.poison, int(f.rzSize))
	}

	if f.registrationEnabled && f.backend != nil {
		if err := f.backend.Register(left, right); err != nil {
			platform.StdFree(raw)
			return 0, err
		}
	}

	f.live[user] = &allocation{raw: raw, left: left, right: right, size: size}
	return user, nil
}

// Free is the façade's free replacement: looks up the allocation
// recorded for p, deregisters its guard bands and releases its raw
// memory.
func (f *Facade) Free(userPtr uintptr) error {
	if userPtr == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sizeClass != nil {
		return f.sizeClass.Deallocate(userPtr)
	}

	a, ok := f.live[userPtr]
	if !ok {
		return &rzerr.ErrRegistry{Src: "Free unknown pointer", Arg: userPtr}
	}
	delete(f.live, userPtr)

	if f.registrationEnabled && f.backend != nil {
		if err := f.backend.Deregister(a.left, a.right); err != nil {
			return err
		}
	}
	return platform.StdFree(a.raw)
}

// SizeOf returns the originally requested size of a live allocation,
// obtained either from the size-class allocator's record of the
// request or from the façade's own bookkeeping - the two sources spec.md §4.7
// names for recovering an allocation's old size on Realloc.
func (f *Facade) SizeOf(userPtr uintptr) (uintptr, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sizeClass != nil {
		return f.sizeClass.RequestedSize(userPtr)
	}
	a, ok := f.live[userPtr]
	if !ok {
		return 0, false
	}
	return a.size, true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
