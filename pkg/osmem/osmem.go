// Copyright 2024 The zpagealloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package osmem defines the OS-collaborator interfaces spec §6.2 treats as
// external ("pd_reserve", "commit", "map", ...) and the interfaces the page
// allocator core consumes them through. GC marking, relocation, JFR, and
// safepoint integration stay external to this module; OS reservation and
// commit primitives are the one external surface the core must actually
// drive in order to be exercised end to end, so this package supplies a
// real Linux implementation grounded on the teacher's direct use of
// golang.org/x/sys/unix (pkg/sentry/platform/systrap/sysmsg_thread_amd64.go)
// rather than stubbing it out.
package osmem

// Reservation is the virtual-address-space reservation collaborator (spec
// §6.2's pd_initialize_before_reserve / pd_reserve / pd_unreserve). It has
// no callback-registration method; range-list callbacks are handed to
// vmem.Manager when it is constructed. Implementations may be placeholder-based (Windows
// small pages) or direct (everything else); this module's only concrete
// implementation is direct (Linux, PROT_NONE anonymous mmap).
type Reservation interface {
	// InitializeBeforeReserve performs any platform setup required before
	// the first Reserve call (e.g. large-page privilege checks).
	InitializeBeforeReserve() error

	// Reserve attempts to reserve size bytes of virtual address space
	// starting at addr (0 lets the OS choose). It returns the actual base
	// address and whether the reservation succeeded.
	Reserve(addr uintptr, size uint64) (uintptr, bool)

	// Unreserve releases a previously reserved range.
	Unreserve(addr uintptr, size uint64)
}

// Backing is the physical-backing commit/uncommit/map/unmap collaborator
// (spec §6.2's commit / uncommit / map / unmap).
type Backing interface {
	// ProbeUncommitSupported commits and immediately uncommits a single
	// granule to determine whether uncommit is supported on this platform,
	// per spec §4.3's "startup probe".
	ProbeUncommitSupported(granuleSize uint64) bool

	// Commit commits size bytes of backing storage starting at
	// backingOffset, returning the number of bytes actually committed (a
	// commit may partially succeed, per spec §4.3 and §7).
	Commit(backingOffset, size uint64, numaID int) (uint64, error)

	// Uncommit uncommits size bytes of backing storage starting at
	// backingOffset, returning the number of bytes actually uncommitted.
	Uncommit(backingOffset, size uint64) (uint64, error)

	// Map installs a mapping from the virtual granule at virtualAddr to the
	// committed backing storage at backingOffset, for size bytes.
	Map(virtualAddr uintptr, size uint64, backingOffset uint64, numaID int) error

	// Unmap tears down the mapping installed by Map.
	Unmap(virtualAddr uintptr, size uint64) error
}
