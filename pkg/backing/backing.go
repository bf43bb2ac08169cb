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

// Package backing implements the physical backing manager (spec §4.3):
// per-NUMA free-lists of backing segment indices, commit/uncommit
// accounting, and mapping/unmapping through pkg/osmem. Grounded on
// original_source/zPhysicalMemoryManager.cpp.
package backing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/osmem"
	"github.com/zpagealloc/zpagealloc/pkg/zrange"
)

// BackingIndexRange is a Range<BackingIndex, BackingIndexEnd>.
type BackingIndexRange = zrange.Range[granule.BackingIndex, granule.BackingIndexEnd]

// NewBackingIndexRange constructs a BackingIndexRange of n granules
// starting at start.
func NewBackingIndexRange(start granule.BackingIndex, granules uint64) BackingIndexRange {
	return zrange.New[granule.BackingIndex, granule.BackingIndexEnd](start, granules)
}

// ErrNoCapacity is returned by Alloc when a NUMA node's free list cannot
// supply the requested number of granules.
var ErrNoCapacity = errors.New("backing: insufficient free backing segments")

// Manager owns the per-NUMA free-lists of backing segment indices and
// drives commit/uncommit/map/unmap through an osmem.Backing.
type Manager struct {
	nodes   []*zrange.RangeList[granule.BackingIndex, granule.BackingIndexEnd]
	backend osmem.Backing

	granuleSize        uint64
	uncommitSupported  bool
}

// NewManager splits [0, maxCapacity) into numaCount granule-index free
// lists, proportionally (floor share per node, first N nodes +1 granule),
// matching vmem.Manager's own NUMA split so that backing index i always
// belongs to the same node as virtual granule i in the common single-node
// case.
func NewManager(backend osmem.Backing, maxCapacity uint64, numaCount int) *Manager {
	if numaCount < 1 {
		numaCount = 1
	}
	m := &Manager{backend: backend, granuleSize: granule.Size()}
	for i := 0; i < numaCount; i++ {
		m.nodes = append(m.nodes, zrange.NewRangeList[granule.BackingIndex, granule.BackingIndexEnd](zrange.Callbacks[granule.BackingIndex, granule.BackingIndexEnd]{}))
	}

	granules := maxCapacity / m.granuleSize
	share := granules / uint64(numaCount)
	extra := granules % uint64(numaCount)
	var cursor uint64
	for i := 0; i < numaCount; i++ {
		n := share
		if uint64(i) < extra {
			n++
		}
		if n > 0 {
			m.nodes[i].Register(NewBackingIndexRange(granule.BackingIndex(cursor), n))
			m.nodes[i].AnchorLimits()
		}
		cursor += n
	}

	m.uncommitSupported = backend.ProbeUncommitSupported(m.granuleSize)
	return m
}

// UncommitSupported reports the result of the startup probe (spec §4.3).
func (m *Manager) UncommitSupported() bool { return m.uncommitSupported }

// Alloc draws size bytes' worth of granule-aligned backing indices from
// node numaID's free list, low-first. The returned indices need not be
// contiguous (spec §4.3); use SortAscending before Commit/Map to get
// OS-friendly consecutive runs.
func (m *Manager) Alloc(size uint64, numaID int) ([]granule.BackingIndex, error) {
	var ranges []BackingIndexRange
	got := m.nodes[numaID].RemoveFromLowManyAtMost(size/m.granuleSize, &ranges)
	if got != size/m.granuleSize {
		// Unwind: give back whatever we did manage to remove.
		for _, r := range ranges {
			m.nodes[numaID].Insert(r)
		}
		return nil, fmt.Errorf("backing: node %d: %w", numaID, ErrNoCapacity)
	}
	var out []granule.BackingIndex
	for _, r := range ranges {
		start := uint64(r.Start())
		for i := uint64(0); i < r.Size(); i++ {
			out = append(out, granule.BackingIndex(start+i))
		}
	}
	return out, nil
}

// Free returns indices to node numaID's free list, coalescing maximal
// consecutive runs before inserting so adjacent frees merge cheaply.
func (m *Manager) Free(indices []granule.BackingIndex, numaID int) {
	if len(indices) == 0 {
		return
	}
	sorted := append([]granule.BackingIndex(nil), indices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	runStart := sorted[0]
	runLen := uint64(1)
	flush := func() {
		m.nodes[numaID].Insert(NewBackingIndexRange(runStart, runLen))
	}
	for i := 1; i < len(sorted); i++ {
		if uint64(sorted[i]) == uint64(runStart)+runLen {
			runLen++
			continue
		}
		flush()
		runStart = sorted[i]
		runLen = 1
	}
	flush()
}

// SortAscending sorts a slice of backing indices in place, matching
// sort_segments_physical (spec §4.3).
func SortAscending(indices []granule.BackingIndex) {
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
}

// consecutiveRuns groups indices (assumed already ascending) into maximal
// consecutive runs, returning each run's start index and granule count.
func consecutiveRuns(indices []granule.BackingIndex) []struct {
	start    granule.BackingIndex
	granules uint64
} {
	var runs []struct {
		start    granule.BackingIndex
		granules uint64
	}
	if len(indices) == 0 {
		return runs
	}
	start := indices[0]
	length := uint64(1)
	for i := 1; i < len(indices); i++ {
		if uint64(indices[i]) == uint64(start)+length {
			length++
			continue
		}
		runs = append(runs, struct {
			start    granule.BackingIndex
			granules uint64
		}{start, length})
		start = indices[i]
		length = 1
	}
	runs = append(runs, struct {
		start    granule.BackingIndex
		granules uint64
	}{start, length})
	return runs
}

// Commit walks indices in consecutive runs, invoking the OS commit
// primitive once per run, and returns the number of bytes actually
// committed. A commit may partially succeed (spec §4.3, §7); callers must
// free the uncommitted tail themselves.
func (m *Manager) Commit(indices []granule.BackingIndex, numaID int) (uint64, error) {
	var committed uint64
	for _, run := range consecutiveRuns(indices) {
		size := run.granules * m.granuleSize
		got, err := m.backend.Commit(uint64(run.start)*m.granuleSize, size, numaID)
		committed += got
		if err != nil {
			return committed, fmt.Errorf("backing: commit: %w", err)
		}
		if got < size {
			return committed, nil
		}
	}
	return committed, nil
}

// Uncommit is the symmetric counterpart of Commit.
func (m *Manager) Uncommit(indices []granule.BackingIndex, numaID int) (uint64, error) {
	var uncommitted uint64
	for _, run := range consecutiveRuns(indices) {
		size := run.granules * m.granuleSize
		got, err := m.backend.Uncommit(uint64(run.start) * m.granuleSize, size)
		uncommitted += got
		if err != nil {
			return uncommitted, fmt.Errorf("backing: uncommit: %w", err)
		}
		if got < size {
			return uncommitted, nil
		}
	}
	return uncommitted, nil
}

// Map installs OS-level mappings from each virtual granule in [offset,
// offset+size) to the backing index stored at the corresponding position
// of indices, via translate (typically vmem.Manager.Translate).
func (m *Manager) Map(offset granule.Offset, indices []granule.BackingIndex, numaID int, translate func(granule.Offset) uintptr) error {
	cursor := offset
	for _, run := range consecutiveRuns(indices) {
		size := run.granules * m.granuleSize
		addr := translate(cursor)
		if err := m.backend.Map(addr, size, uint64(run.start)*m.granuleSize, numaID); err != nil {
			return fmt.Errorf("backing: map: %w", err)
		}
		cursor = granule.Offset(uint64(cursor) + size)
	}
	return nil
}

// Unmap tears down the mappings installed by Map for [offset, offset+size).
func (m *Manager) Unmap(offset granule.Offset, size uint64, translate func(granule.Offset) uintptr) error {
	addr := translate(offset)
	if err := m.backend.Unmap(addr, size); err != nil {
		return fmt.Errorf("backing: unmap: %w", err)
	}
	return nil
}

// Available returns the free granule count, in bytes, for node numaID.
func (m *Manager) Available(numaID int) uint64 {
	return m.nodes[numaID].Available() * m.granuleSize
}
