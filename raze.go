// Copyright 2026 The Raze Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package raze is a runtime memory-safety sanitizer: it detects
// out-of-bounds reads and writes on heap allocations by surrounding
// every allocation with poisoned guard bands and interposing on
// loads, stores and allocator calls.
//
// The package bundles the process-wide shared state (spec.md §5): the
// bucket table or shadow reservation, the optional size-class
// allocator and the build-time configuration, initialised once via
// Init and torn down via Close. Grounded on dbm.DB (dbm/dbm.go),
// which bundles an lldb.Allocator, a Filer and a big lock behind a
// single handle the same way.
package raze

import (
	"log"
	"os"
	"sync"
	"unsafe"

	"github.com/cznic/raze/check"
	"github.com/cznic/raze/facade"
	"github.com/cznic/raze/internal/rzcore"
	"github.com/cznic/raze/internal/rzerr"
	"github.com/cznic/raze/registry"
	"github.com/cznic/raze/registry/bucket"
	"github.com/cznic/raze/registry/shadow"
	"github.com/cznic/raze/sizeclass"
)

// BackendKind selects which registry back-end a Config activates.
type BackendKind int

const (
	// BackendBucket is registry back-end A (registry/bucket).
	BackendBucket BackendKind = iota
	// BackendShadow is registry back-end B (registry/shadow).
	BackendShadow
)

// Config holds the build-time constants of spec.md §6. Fields are
// filled by assignment, not functional options, matching the
// teacher's dbm.Options (dbm/options.go).
type Config struct {
	// Scale selects rz_sz = 2^Scale, in [rzcore.MinScale,
	// rzcore.MaxScale].
	Scale rzcore.Scale

	// PoisonByte is painted into guard bands when FastCheckEnabled.
	PoisonByte byte

	// FastCheckEnabled enables the poison-byte fast path. If false,
	// poisoning is skipped and only the slow path runs.
	FastCheckEnabled bool

	// RegistrationEnabled enables the active registry Backend. If
	// false, no backend is used and only the fast path can detect
	// errors.
	RegistrationEnabled bool

	// Backend selects which registry back-end RegistrationEnabled
	// activates.
	Backend BackendKind

	// UseFreeLists enables the size-class allocator. Only valid
	// with Backend == BackendShadow; it disables AlignedAlloc
	// (spec.md §4.7).
	UseFreeLists bool

	// AddressSpaceBits sizes the shadow reservation as
	// 2^AddressSpaceBits bytes, when Backend == BackendShadow. Zero
	// selects shadow.DefaultSize.
	AddressSpaceBits uint

	// ShadowBase is accepted for interface completeness with
	// spec.md §6 but is not honored as a literal fixed address by
	// this implementation; see registry/shadow.
	ShadowBase uintptr

	// ShadowEncoding selects word- or bit-granularity shadow
	// encoding, when Backend == BackendShadow.
	ShadowEncoding shadow.Encoding

	// Logger receives internal-inconsistency diagnostics. A nil
	// Logger gets a default writing to os.Stderr.
	Logger *log.Logger
}

// DefaultConfig returns the reference configuration of spec.md §8:
// scale=5 (32-byte red-zones), back-end A, fast check and
// registration both enabled.
func DefaultConfig() Config {
	return Config{
		Scale:               rzcore.DefaultScale,
		PoisonByte:          rzcore.DefaultPoisonByte,
		FastCheckEnabled:    true,
		RegistrationEnabled: true,
		Backend:             BackendBucket,
	}
}

func (c Config) validate() error {
	if !rzcore.IsValidScale(c.Scale) {
		return &rzerr.ErrINVAL{Src: "Config.Scale", Arg: c.Scale}
	}
	if c.UseFreeLists && c.Backend != BackendShadow {
		return &rzerr.ErrINVAL{Src: "Config.UseFreeLists requires Backend == BackendShadow", Arg: c.Backend}
	}
	return nil
}

// State is the process-wide sanitizer handle: the active registry
// backend, the optional size-class allocator, the access checker and
// the allocator façade, all built from one Config. Initialisation
// runs once per State (spec.md §5's "constructor entry or first-call
// guard" is the caller invoking Init exactly once, typically from a
// package var / sync.Once in the consuming program).
type State struct {
	cfg     Config
	rzSize  uintptr
	backend registry.Backend
	checker *check.Checker
	facade  *facade.Facade
	logger  *log.Logger

	closeOnce sync.Once
	closeErr  error
}

// Init builds a State from cfg. Initialisation failure is fatal for
// subsequent allocator use (spec.md §7): callers should treat a
// non-nil error as "do not call Malloc/Free/Check on this State".
func Init(cfg Config) (*State, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rzSize, err := rzcore.RZSize(cfg.Scale)
	if err != nil {
		return nil, err
	}
	if cfg.PoisonByte == 0 {
		cfg.PoisonByte = rzcore.DefaultPoisonByte
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "raze: ", log.LstdFlags)
	}

	s := &State{cfg: cfg, rzSize: uintptr(rzSize), logger: logger}

	if cfg.RegistrationEnabled {
		switch cfg.Backend {
		case BackendBucket:
			s.backend = bucket.New(s.rzSize)
		case BackendShadow:
			size := uintptr(0)
			if cfg.AddressSpaceBits > 0 {
				size = uintptr(1) << cfg.AddressSpaceBits
			}
			sb, err := shadow.New(cfg.ShadowBase, size, s.rzSize, cfg.ShadowEncoding)
			if err != nil {
				return nil, err
			}
			s.backend = sb
		default:
			return nil, &rzerr.ErrINVAL{Src: "Config.Backend", Arg: cfg.Backend}
		}
	}

	var sc *sizeclass.Allocator
	if cfg.UseFreeLists {
		sc = sizeclass.New(s.rzSize, cfg.PoisonByte, s.backend)
	}

	s.facade = facade.New(s.rzSize, cfg.PoisonByte, cfg.FastCheckEnabled, cfg.RegistrationEnabled, s.backend, sc)
	s.checker = &check.Checker{
		FastCheckEnabled: cfg.FastCheckEnabled,
		Poison:           cfg.PoisonByte,
		Backend:          s.backend,
	}

	return s, nil
}

// Close tears down the State: destroys locks held by the backend and
// unmaps the shadow region, if one was reserved. Close is safe to
// call more than once; subsequent calls return the first error, if
// any. Teardown is optional per spec.md §5 - a process that exits
// need not call it.
func (s *State) Close() error {
	s.closeOnce.Do(func() {
		if s.backend != nil {
			s.closeErr = s.backend.Close()
		}
	})
	return s.closeErr
}

// Check implements the instrumentation ABI's check(addr,
// access_size_bytes) -> int of spec.md §6: 0 addressable, 1
// forbidden, -1 internal error.
func (s *State) Check(addr uintptr, accessSizeBytes int) int {
	return int(s.checker.Check(addr, accessSizeBytes))
}

// Malloc, Calloc, Realloc, Free and AlignedAlloc implement the
// replaced allocator symbols of spec.md §6, returning unsafe.Pointer
// the way a cgo-facing entry point would; a nil pointer signals
// allocation failure, matching the C ABI's null return (spec.md §7).

func (s *State) Malloc(size uintptr) unsafe.Pointer {
	p, err := s.facade.Malloc(size)
	if err != nil {
		s.logger.Printf("Malloc(%d): %v", size, err)
		return nil
	}
	return unsafe.Pointer(p)
}

func (s *State) Calloc(num, size uintptr) unsafe.Pointer {
	p, err := s.facade.Calloc(num, size)
	if err != nil {
		s.logger.Printf("Calloc(%d, %d): %v", num, size, err)
		return nil
	}
	return unsafe.Pointer(p)
}

func (s *State) Realloc(mem unsafe.Pointer, size uintptr) unsafe.Pointer {
	p, err := s.facade.Realloc(uintptr(mem), size)
	if err != nil {
		s.logger.Printf("Realloc(%p, %d): %v", mem, size, err)
		return nil
	}
	return unsafe.Pointer(p)
}

func (s *State) Free(mem unsafe.Pointer) {
	if err := s.facade.Free(uintptr(mem)); err != nil {
		s.logger.Printf("Free(%p): %v", mem, err)
	}
}

func (s *State) AlignedAlloc(alignment, size uintptr) unsafe.Pointer {
	p, err := s.facade.AlignedAlloc(alignment, size)
	if err != nil {
		s.logger.Printf("AlignedAlloc(%d, %d): %v", alignment, size, err)
		return nil
	}
	return unsafe.Pointer(p)
}
