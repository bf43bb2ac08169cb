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

// Package vmem implements the virtual memory manager (spec §4.2): a
// per-NUMA-node inventory of free VirtualRanges plus a multi-node pool,
// backed by a single large contiguous OS reservation or, failing that, a
// divide-and-conquer discontiguous reservation. Grounded on
// original_source/zVirtualMemoryManager.cpp.
package vmem

import (
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/osmem"
	"github.com/zpagealloc/zpagealloc/pkg/zlog"
	"github.com/zpagealloc/zpagealloc/pkg/zrange"
)

// VirtualRange is a Range<Offset, End>, the unit inventoried here and in
// the mapped cache.
type VirtualRange = zrange.Range[granule.Offset, granule.End]

// NewVirtualRange constructs a VirtualRange.
func NewVirtualRange(start granule.Offset, size uint64) VirtualRange {
	return zrange.New[granule.Offset, granule.End](start, size)
}

// ReservationResult reports how the aggregate reservation at construction
// time was obtained (spec §4.2).
type ReservationResult struct {
	Contiguous bool
	Restricted bool
	Degraded   bool
}

// segment records which physical OS address range backs a span of the
// abstract, zero-based virtual offset space. Non-empty only when the
// reservation ended up discontiguous.
type segment struct {
	abstractStart granule.Offset
	size          uint64
	osBase        uintptr
}

// Manager owns the per-NUMA RangeLists of free virtual ranges plus the
// multi-node pool, and translates abstract offsets to the real OS addresses
// backing them.
type Manager struct {
	reservation osmem.Reservation
	callbacks   zrange.Callbacks[granule.Offset, granule.End]

	nodes     []*zrange.RangeList[granule.Offset, granule.End]
	multiNode *zrange.RangeList[granule.Offset, granule.End]

	segments []segment
	result   ReservationResult

	maxVirtualReservations uint64
	granuleSize            uint64
}

// NewManager reserves maxCapacity*ratio bytes of virtual address space (or
// falls back to a discontiguous reservation), splits maxCapacity of it
// proportionally across numaCount NUMA nodes, and hands the remaining
// (ratio-1)*maxCapacity headroom to the multi-node pool — the only place a
// multi-NUMA page's single contiguous range can come from, since a node's
// own free list is limit-anchored to its own partition.
func NewManager(reservation osmem.Reservation, maxCapacity, ratio uint64, numaCount int, maxVirtualReservations uint64, cb zrange.Callbacks[granule.Offset, granule.End]) (*Manager, error) {
	if numaCount < 1 {
		numaCount = 1
	}
	if err := reservation.InitializeBeforeReserve(); err != nil {
		return nil, fmt.Errorf("vmem: initialize before reserve: %w", err)
	}

	m := &Manager{
		reservation:            reservation,
		callbacks:               cb,
		maxVirtualReservations: maxVirtualReservations,
		granuleSize:            granule.Size(),
	}
	for i := 0; i < numaCount; i++ {
		m.nodes = append(m.nodes, zrange.NewRangeList(cb))
	}
	m.multiNode = zrange.NewRangeList(cb)

	total := maxCapacity * ratio
	if err := m.reserveAggregate(total, maxCapacity); err != nil {
		return nil, err
	}

	m.splitAcrossNodes(maxCapacity, total, numaCount)
	return m, nil
}

// reserveAggregate requests a single contiguous reservation of size bytes;
// on failure it falls back to a divide-and-conquer discontiguous
// reservation, attempting up to ~8192 placements and never accepting a
// fragment smaller than maxCapacity/maxVirtualReservations (spec §4.2).
func (m *Manager) reserveAggregate(size, maxCapacity uint64) error {
	if base, ok := m.reservation.Reserve(0, size); ok {
		m.segments = append(m.segments, segment{abstractStart: 0, size: size, osBase: base})
		m.result = ReservationResult{Contiguous: true}
		return nil
	}

	zlog.Warnf("vmem: contiguous reservation of %d bytes failed, falling back to discontiguous", size)

	minFragment := maxCapacity / m.maxVirtualReservations
	if minFragment < m.granuleSize {
		minFragment = m.granuleSize
	}

	var abstractCursor uint64
	remaining := size
	fragment := size / 2
	if fragment < minFragment {
		fragment = minFragment
	}

	b := &backoff.Backoff{Min: time.Microsecond, Max: time.Millisecond, Factor: 2}

	const maxAttempts = 8192
	for attempt := 0; attempt < maxAttempts && remaining > 0; attempt++ {
		want := fragment
		if want > remaining {
			want = remaining
		}
		base, ok := m.reservation.Reserve(0, want)
		if !ok {
			if want <= minFragment {
				// Cannot shrink further; give up on this attempt budget.
				time.Sleep(b.Duration())
				continue
			}
			fragment = want / 2
			if fragment < minFragment {
				fragment = minFragment
			}
			continue
		}
		b.Reset()
		m.segments = append(m.segments, segment{abstractStart: granule.Offset(abstractCursor), size: want, osBase: base})
		abstractCursor += want
		remaining -= want
		if fragment > remaining && remaining > 0 {
			fragment = remaining
		}
	}

	if remaining > 0 {
		return fmt.Errorf("vmem: failed to reserve %d address space for heap (missing %d bytes) — %w", size, remaining, errReservationFailed)
	}

	m.result = ReservationResult{
		Contiguous: len(m.segments) == 1,
		Restricted: true,
		Degraded:   len(m.segments) > 1,
	}
	return nil
}

// splitAcrossNodes distributes perNodeTotal (maxCapacity) proportionally
// across numaCount node-local free lists, floor share per node with the
// first extra nodes getting +1 granule. Unlike perNodeTotal, the full
// reservation (total = maxCapacity*ratio) is normally larger: the ratio
// headroom beyond what any node will ever need to commit is exactly what
// funds the multi-node pool, since a node's own anchored limits can never
// represent a virtual range crossing into its neighbor (spec §4.2's
// "multi-node pool used only when NUMA is enabled").
func (m *Manager) splitAcrossNodes(perNodeTotal, total uint64, numaCount int) {
	granules := perNodeTotal / m.granuleSize
	share := granules / uint64(numaCount)
	extra := granules % uint64(numaCount)

	var cursor uint64
	for i := 0; i < numaCount; i++ {
		n := share
		if uint64(i) < extra {
			n++
		}
		bytes := n * m.granuleSize
		if bytes > 0 {
			m.nodes[i].Register(NewVirtualRange(granule.Offset(cursor), bytes))
			m.nodes[i].AnchorLimits()
		}
		cursor += bytes
	}
	if cursor < total {
		m.multiNode.Register(NewVirtualRange(granule.Offset(cursor), total-cursor))
	}
}

// Result reports how the construction-time reservation was obtained.
func (m *Manager) Result() ReservationResult { return m.result }

// NodeCount returns the number of NUMA nodes modeled.
func (m *Manager) NodeCount() int { return len(m.nodes) }

// Translate converts an abstract virtual Offset into the real OS address
// backing it.
func (m *Manager) Translate(o granule.Offset) uintptr {
	v := uint64(o)
	for _, s := range m.segments {
		start := uint64(s.abstractStart)
		if v >= start && v < start+s.size {
			return s.osBase + uintptr(v-start)
		}
	}
	panic(fmt.Sprintf("vmem: offset 0x%x not covered by any reserved segment", v))
}

// Alloc removes size bytes from NUMA node numaID's free list. If
// forceLowAddress, the range is taken from the low end (RemoveFromLow);
// otherwise callers that don't care about address ordering may still use
// RemoveFromLow since this manager does not implement a high-address
// allocation policy distinct from low.
func (m *Manager) Alloc(size uint64, numaID int, forceLowAddress bool) VirtualRange {
	return m.nodes[numaID].RemoveFromLow(size)
}

// AllocLowAddressManyAtMost drains up to size bytes from node numaID's low
// end into out, returning the total bytes drained.
func (m *Manager) AllocLowAddressManyAtMost(size uint64, numaID int, out *[]VirtualRange) uint64 {
	return m.nodes[numaID].RemoveFromLowManyAtMost(size, out)
}

// Free reinserts r into the free list of the node that owns it.
func (m *Manager) Free(r VirtualRange) {
	id := m.GetNUMAID(r)
	m.nodes[id].Insert(r)
}

// FreeToNode reinserts r into numaID's free list directly, bypassing the
// GetNUMAID lookup (used when the caller already knows the origin node,
// e.g. the multi-NUMA free path).
func (m *Manager) FreeToNode(r VirtualRange, numaID int) {
	m.nodes[numaID].Insert(r)
}

// InsertMultiNode reinserts r into the multi-node pool.
func (m *Manager) InsertMultiNode(r VirtualRange) {
	m.multiNode.Insert(r)
}

// RemoveFromLowMultiNode removes size bytes from the multi-node pool's low
// end.
func (m *Manager) RemoveFromLowMultiNode(size uint64) VirtualRange {
	return m.multiNode.RemoveFromLow(size)
}

// GetNUMAID returns which node's limits contain r, panicking if none do —
// every live range must belong to exactly one node (spec §4.2).
func (m *Manager) GetNUMAID(r VirtualRange) int {
	for i, n := range m.nodes {
		if n.CheckLimits(r) && n.Limits().ContainsRange(r) {
			return i
		}
	}
	panic(fmt.Sprintf("vmem: %v is not contained in any NUMA node's limits", r))
}

// LowestAvailableAddress peeks the lowest-addressed free range on node
// numaID without removing it.
func (m *Manager) LowestAvailableAddress(numaID int) (granule.Offset, bool) {
	return m.nodes[numaID].PeekLowAddress()
}

// Available returns the free bytes remaining on node numaID.
func (m *Manager) Available(numaID int) uint64 {
	return m.nodes[numaID].Available()
}

// MultiNodeAvailable returns the free bytes remaining in the multi-node
// pool.
func (m *Manager) MultiNodeAvailable() uint64 {
	return m.multiNode.Available()
}

// ShuffleToLowAddresses reinserts claimed (a set of harvested mappings,
// totalling less than or equal to size) into node numaID's free list and
// draws size bytes back out favoring the lowest addresses, for
// defragmentation (spec §4.2 "shuffle_vmem_to_low_addresses"). claimed
// must already have been unmapped by the caller. The drawn total covers
// both the reinserted harvested bytes and any additional capacity-increase
// bytes that were never backed by virtual memory before this call.
func (m *Manager) ShuffleToLowAddresses(numaID int, size uint64, claimed []VirtualRange) []VirtualRange {
	list := m.nodes[numaID]
	for _, r := range claimed {
		list.Insert(r)
	}
	var out []VirtualRange
	list.RemoveFromLowManyAtMost(size, &out)
	return out
}

// ShuffleToLowAddressesContiguous behaves like ShuffleToLowAddresses but
// additionally reports whether the result collapsed into a single
// contiguous range of the requested size (the common case that lets the
// page allocator skip a further harvest-and-remap pass, spec §4.5.3).
func (m *Manager) ShuffleToLowAddressesContiguous(numaID int, size uint64, claimed []VirtualRange) (VirtualRange, []VirtualRange) {
	out := m.ShuffleToLowAddresses(numaID, size, claimed)
	if len(out) == 1 && out[0].Size() == size {
		return out[0], nil
	}
	return VirtualRange{}, out
}
