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

// Package pagealloc ties the virtual memory manager, physical backing
// manager, and mapped cache into the page allocator (spec §4.5, §4.6, §5):
// claim/commit/map orchestration, NUMA fallback and multi-NUMA splitting,
// a FIFO stall queue, a per-NUMA uncommitter, and deferred page
// destruction through a safe-delete queue. Grounded on
// original_source/zPageAllocator.{hpp,cpp}.
package pagealloc

import (
	"sync"
	"time"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/mappedcache"
	"github.com/zpagealloc/zpagealloc/pkg/vmem"
)

// PageType is the requested page size class (spec §6.1).
type PageType int

const (
	Small PageType = iota
	Medium
	Large
)

func (t PageType) String() string {
	switch t {
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	default:
		return "unknown"
	}
}

// Generation distinguishes young from old, per spec §3's used_per_generation.
type Generation int

const (
	Young Generation = iota
	Old
	numGenerations = 2
)

// Flags carries the allocation flags of spec §6.1: non_blocking and
// gc_relocation.
type Flags struct {
	NonBlocking  bool
	GCRelocation bool
}

// GCDriver is the external collaborator spec §6.2 names: async minor()/
// major() collection requests that return immediately after scheduling.
type GCDriver interface {
	Minor()
	Major()
}

// Page is the handle returned to callers (spec §3 "Page").
type Page struct {
	Range      vmem.VirtualRange
	Type       PageType
	Generation Generation
	Age        int
	Seq        uint64

	// numaID is the originating node for a single-node page; multiNUMA is
	// non-nil only for pages that cross NUMA nodes (spec §4.5.5).
	numaID    int
	multiNUMA *MultiNUMATracker
}

// MultiNUMATracker records, for a multi-NUMA page, the origin node of each
// sub-range (spec §3 "Page", §4.5.5).
type MultiNUMATracker struct {
	subs []numaSubRange
}

type numaSubRange struct {
	rng    vmem.VirtualRange
	numaID int
}

// memoryAllocation is the per-request bookkeeping record of spec §3
// "MemoryAllocation".
type memoryAllocation struct {
	size         uint64
	numaID       int
	claimed      []vmem.VirtualRange
	harvested    uint64
	committed    uint64
	commitFailed bool

	// capacityIncrease is the portion of size that claim_physical granted
	// by raising state.capacity rather than by harvesting the mapped
	// cache; recorded explicitly so free_memory_alloc_failed can undo
	// exactly what was done regardless of which of the three claim_physical
	// branches produced this allocation.
	capacityIncrease uint64
}

func (ma *memoryAllocation) claimedTotal() uint64 {
	var total uint64
	for _, r := range ma.claimed {
		total += r.Size()
	}
	return total
}

// latch is the one-shot wait/satisfy primitive spec §9 "Coroutines/
// blocking" calls for: park the caller, unpark from another thread with a
// boolean payload, no unbounded condition-variable rechecking.
type latch struct {
	once   sync.Once
	ch     chan bool
	result bool
}

func newLatch() *latch {
	return &latch{ch: make(chan bool, 1)}
}

func (l *latch) set(v bool) {
	l.once.Do(func() {
		l.result = v
		l.ch <- v
	})
}

func (l *latch) get() bool {
	return <-l.ch
}

// pageAllocation is the stackable allocation request of spec §3
// "PageAllocation": it holds one memoryAllocation per contributing NUMA
// node (length 1 outside multi-NUMA mode), the generation sequence
// numbers observed at request creation, and the stall latch.
type pageAllocation struct {
	allocs     []*memoryAllocation
	pageType   PageType
	size       uint64
	flags      Flags
	numaID     int
	generation Generation
	age        int

	youngSeq, oldSeq uint64

	latch *latch
}

// CacheState is the per-NUMA-node state owned by the allocator (spec §3
// "CacheState").
type CacheState struct {
	cache *mappedcache.Cache

	minCapacity, initialCapacity, softMaxCapacity, maxCapacity uint64

	// currentMax only decreases (spec invariant 8); it starts at
	// initialCapacity's ceiling (maxCapacity) and is lowered permanently on
	// an unrecoverable commit failure.
	currentMax uint64

	capacity uint64
	claimed  uint64
	used     uint64

	usedPerGeneration [numGenerations]uint64
	highWatermark     [numGenerations]uint64
	lowWatermark      [numGenerations]uint64

	lastCommit, lastUncommit time.Time

	uncommitBudget uint64
}

func newCacheState(cfg nodeCapacities, classes []uint64) *CacheState {
	return &CacheState{
		cache:           mappedcache.New(classes, mappedcache.Callbacks{}),
		minCapacity:     cfg.min,
		initialCapacity: cfg.initial,
		softMaxCapacity: cfg.softMax,
		maxCapacity:     cfg.max,
		currentMax:      cfg.max,
	}
}

// nodeCapacities is a per-node slice of the process-wide capacity caps,
// divided evenly across NUMA nodes.
type nodeCapacities struct {
	min, initial, softMax, max uint64
}

func granuleAlignDown(v uint64) uint64 { return granule.AlignDown(v) }
func granuleAlignUp(v uint64) uint64   { return granule.AlignUp(v) }
