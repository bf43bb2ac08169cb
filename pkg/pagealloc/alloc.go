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

package pagealloc

import (
	"fmt"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/vmem"
	"github.com/zpagealloc/zpagealloc/pkg/zlog"
)

// AllocPage implements spec §4.5, §6.1 "alloc_page": claim physical
// backing (round-robin, falling back to multi-NUMA split, falling back to
// a stall), claim/harvest virtual address space, commit, and map. The
// outer loop mirrors alloc_page_inner's retry-on-commit-shortfall
// behavior (spec §7).
func (a *Allocator) AllocPage(pageType PageType, size uint64, flags Flags, gen Generation) (*Page, error) {
	size = granuleAlignUp(size)

	for {
		a.mu.Lock()
		youngSeq, oldSeq := a.seq.snapshot()
		initiating := a.pickInitiatingNodeLocked()

		mas, err := a.claimPhysicalRoundRobinLocked(initiating, size)
		if err != nil {
			if flags.NonBlocking {
				a.mu.Unlock()
				return nil, ErrOutOfMemory
			}
			pa := &pageAllocation{
				pageType: pageType, size: size, flags: flags, numaID: initiating,
				generation: gen, youngSeq: youngSeq, oldSeq: oldSeq, latch: newLatch(),
			}
			a.enqueueStalledLocked(pa)
			a.restartGCForHeadLocked()
			a.mu.Unlock()

			if !pa.latch.get() {
				return nil, ErrOutOfMemory
			}
			mas = pa.allocs
			a.mu.Lock()
		}

		page, ok, ferr := a.finalizeClaimsLocked(mas, pageType, size, gen)
		a.mu.Unlock()
		if ferr != nil {
			return nil, ferr
		}
		if !ok {
			continue
		}
		return page, nil
	}
}

// pickInitiatingNodeLocked round-robins the starting NUMA node across
// calls, spreading contention across nodes evenly. Caller must already
// hold a.mu.
func (a *Allocator) pickInitiatingNodeLocked() int {
	n := uint64(len(a.states))
	id := a.nextNode % n
	a.nextNode++
	return int(id)
}

// finalizeClaimsLocked drives claim_virtual_memory/commit_physical (spec
// §4.5.3, §4.5.4) for every memoryAllocation produced by
// claimPhysicalRoundRobinLocked, and materializes the resulting Page. A
// false ok with a nil error means the caller should retry AllocPage from
// the top (a commit shortfall unwound back to capacity, spec §7). Caller
// must already hold a.mu.
func (a *Allocator) finalizeClaimsLocked(mas []*memoryAllocation, pageType PageType, size uint64, gen Generation) (*Page, bool, error) {
	if len(mas) == 1 {
		ma := mas[0]
		full, remapped, err := a.claimVirtualAndHarvestLocked(ma)
		if err != nil {
			return nil, false, err
		}
		ok, err := a.commitAndMapLocked(ma, full, remapped)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		page := a.materializePageLocked(mas, full, pageType, size, gen)
		return page, true, nil
	}
	return a.finalizeMultiNUMAClaimsLocked(mas, pageType, size, gen)
}

// finalizeMultiNUMAClaimsLocked implements spec §4.5.5/S6: it draws one
// jointly-owned contiguous virtual range from the multi-node pool,
// assigns each contributing memoryAllocation a sub-range in claim order,
// and commits/maps each sub-range against its own origin node. Caller
// must already hold a.mu.
func (a *Allocator) finalizeMultiNUMAClaimsLocked(mas []*memoryAllocation, pageType PageType, size uint64, gen Generation) (*Page, bool, error) {
	full := a.vm.RemoveFromLowMultiNode(size)
	if full.IsNull() {
		for _, ma := range mas {
			a.freeMemoryAllocFailedLocked(ma)
		}
		zlog.With(zlog.Fields{"size": size}).Warnf("pagealloc: out of address space for multi-NUMA claim")
		return nil, false, ErrOutOfAddressSpace
	}

	cursor := full.Start()
	subs := make([]numaSubRange, 0, len(mas))
	for _, ma := range mas {
		if err := a.stashAndUnmapClaimedLocked(ma, cursor); err != nil {
			a.unwindMultiNUMAPartialLocked(mas, full)
			return nil, false, err
		}
		ok, err := a.commitAndMapAtLocked(ma, cursor, true)
		if err != nil {
			a.unwindMultiNUMAPartialLocked(mas, full)
			return nil, false, err
		}
		if !ok {
			a.unwindMultiNUMAPartialLocked(mas, full)
			return nil, false, nil
		}
		subs = append(subs, numaSubRange{rng: vmem.NewVirtualRange(cursor, ma.size), numaID: ma.numaID})
		cursor = granule.Offset(uint64(cursor) + ma.size)
	}

	page := &Page{
		Range:      full,
		Type:       pageType,
		Generation: gen,
		Seq:        nextSeq(&a.nextPageSeq),
		multiNUMA:  &MultiNUMATracker{subs: subs},
	}
	a.ageUpdateLocked(page, mas)
	return page, true, nil
}

// stashAndUnmapClaimedLocked tears down ma's existing OS mappings (if
// any were harvested from the cache) and copies their backing indices
// into the granule map at the sub-range starting at dest, ahead of
// commitAndMapAtLocked committing/mapping the remaining tail. The
// vacated virtual fragments are released back to ma's own node's free
// list; their physical content has already been relocated into the
// granule map at dest and does not need remapping there twice.
func (a *Allocator) stashAndUnmapClaimedLocked(ma *memoryAllocation, dest granule.Offset) error {
	if len(ma.claimed) == 0 {
		return nil
	}
	var stash []granule.BackingIndex
	for _, r := range ma.claimed {
		stash = append(stash, append([]granule.BackingIndex(nil), a.gmap.Slice(r.Start(), r.Size())...)...)
		if err := a.backing.Unmap(r.Start(), r.Size(), a.vm.Translate); err != nil {
			return fmt.Errorf("pagealloc: unmap claimed mapping: %w", err)
		}
		a.vm.FreeToNode(r, ma.numaID)
	}
	if ma.harvested > 0 {
		copy(a.gmap.Slice(dest, ma.harvested), stash)
	}
	return nil
}

// unwindMultiNUMAPartialLocked is the failure path for
// finalizeMultiNUMAClaimsLocked: it returns the jointly-claimed virtual
// range to the multi-node pool and reverses every contributing claim.
func (a *Allocator) unwindMultiNUMAPartialLocked(mas []*memoryAllocation, full vmem.VirtualRange) {
	a.vm.InsertMultiNode(full)
	for _, ma := range mas {
		a.freeMemoryAllocFailedLocked(ma)
	}
}

// materializePageLocked assembles a single-NUMA Page and bumps its
// generation accounting (spec §4.5.5 "alloc_page_age_update").
func (a *Allocator) materializePageLocked(mas []*memoryAllocation, full vmem.VirtualRange, pageType PageType, size uint64, gen Generation) *Page {
	page := &Page{
		Range:      full,
		Type:       pageType,
		Generation: gen,
		Seq:        nextSeq(&a.nextPageSeq),
		numaID:     mas[0].numaID,
	}
	a.ageUpdateLocked(page, mas)
	return page
}

func (a *Allocator) ageUpdateLocked(page *Page, mas []*memoryAllocation) {
	for _, ma := range mas {
		a.states[ma.numaID].usedPerGeneration[page.Generation] += ma.size
		if a.states[ma.numaID].usedPerGeneration[page.Generation] > a.states[ma.numaID].highWatermark[page.Generation] {
			a.states[ma.numaID].highWatermark[page.Generation] = a.states[ma.numaID].usedPerGeneration[page.Generation]
		}
	}
}

// FreePage returns page to the mapped cache (spec §6.1 "free_page"). When
// allowDefragment is set and the page is large, a single-NUMA page is
// shuffled toward low addresses before being cached, to fight
// fragmentation; multi-NUMA pages always go through the per-origin-node
// remap-and-return path (spec §4.5.5).
func (a *Allocator) FreePage(page *Page, allowDefragment bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freePageLocked(page, allowDefragment)
	a.satisfyStalledLocked()
}

// FreePages is the batch counterpart of FreePage: one lock acquisition
// for the whole list (spec §6.1).
func (a *Allocator) FreePages(pages []*Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range pages {
		a.freePageLocked(p, false)
	}
	a.satisfyStalledLocked()
}

func (a *Allocator) freePageLocked(page *Page, allowDefragment bool) {
	if page.multiNUMA != nil {
		a.freeMultiNUMAPageLocked(page)
		return
	}

	size := page.Range.Size()
	state := a.states[page.numaID]
	state.usedPerGeneration[page.Generation] -= size
	if state.usedPerGeneration[page.Generation] < state.lowWatermark[page.Generation] || state.lowWatermark[page.Generation] == 0 {
		state.lowWatermark[page.Generation] = state.usedPerGeneration[page.Generation]
	}
	state.used -= size

	r := page.Range
	if allowDefragment && page.Type == Large {
		indices := append([]granule.BackingIndex(nil), a.gmap.Slice(r.Start(), size)...)
		if err := a.backing.Unmap(r.Start(), size, a.vm.Translate); err != nil {
			zlog.With(zlog.Fields{"numa_id": page.numaID, "err": err}).Errorf("pagealloc: defragment: unmap failed")
			state.cache.Insert(r)
			return
		}
		out := a.vm.ShuffleToLowAddresses(page.numaID, size, []vmem.VirtualRange{r})
		granules := uint64(0)
		for _, piece := range out {
			ng := piece.Size() / granule.Size()
			seg := indices[granules : granules+ng]
			granules += ng
			copy(a.gmap.Slice(piece.Start(), piece.Size()), seg)
			if err := a.backing.Map(piece.Start(), seg, page.numaID, a.vm.Translate); err != nil {
				zlog.With(zlog.Fields{"numa_id": page.numaID, "err": err}).Errorf("pagealloc: defragment: remap failed")
				continue
			}
			state.cache.Insert(piece)
		}
		return
	}
	state.cache.Insert(r)
}

// freeMultiNUMAPageLocked implements spec §4.5.5's free path: each
// sub-range is unmapped, virtual memory is reallocated on its origin
// node, the granule map entries are copied to the new position, the
// backing is remapped there, and the result is reinserted into the
// origin node's mapped cache (P7). A node that cannot supply fresh
// virtual memory for its sub-range instead uncommits and frees the
// physical segments back to its own free pool. The jointly-claimed
// virtual range itself (drawn from the multi-node pool at alloc time by
// finalizeMultiNUMAClaimsLocked) is returned to that same pool once every
// sub-range has been handled.
func (a *Allocator) freeMultiNUMAPageLocked(page *Page) {
	for _, origin := range page.multiNUMA.subs {
		state := a.states[origin.numaID]
		size := origin.rng.Size()
		state.usedPerGeneration[page.Generation] -= size
		state.used -= size

		indices := append([]granule.BackingIndex(nil), a.gmap.Slice(origin.rng.Start(), size)...)
		if err := a.backing.Unmap(origin.rng.Start(), size, a.vm.Translate); err != nil {
			zlog.With(zlog.Fields{"numa_id": origin.numaID, "err": err}).Errorf("pagealloc: multi-NUMA free: unmap failed")
			continue
		}

		// alloc_low_address_many_at_most: remap as much of the sub-range
		// as the origin node's free list can supply in one pass, and only
		// uncommit the unsatisfiable shortfall (original_source
		// zPageAllocator.cpp's MultiNUMATracker::free_and_destroy).
		var dests []vmem.VirtualRange
		got := a.vm.AllocLowAddressManyAtMost(size, origin.numaID, &dests)
		granules := uint64(0)
		for _, dest := range dests {
			n := dest.Size()
			ng := n / granule.Size()
			piece := indices[granules : granules+ng]
			copy(a.gmap.Slice(dest.Start(), n), piece)
			if err := a.backing.Map(dest.Start(), piece, origin.numaID, a.vm.Translate); err != nil {
				zlog.With(zlog.Fields{"numa_id": origin.numaID, "err": err}).Errorf("pagealloc: multi-NUMA free: remap failed")
				granules += ng
				continue
			}
			state.cache.Insert(dest)
			granules += ng
		}

		if shortfall := size - got; shortfall > 0 {
			shortfallIndices := indices[granules:]
			if _, err := a.backing.Uncommit(shortfallIndices, origin.numaID); err != nil {
				zlog.With(zlog.Fields{"numa_id": origin.numaID, "err": err}).Errorf("pagealloc: multi-NUMA free: uncommit shortfall failed")
			}
			a.backing.Free(shortfallIndices, origin.numaID)
			state.capacity -= shortfall
		}
	}

	a.vm.InsertMultiNode(page.Range)
}

// PromoteUsed shifts per-generation accounting for a live page from
// young to old without moving any bytes (spec §6.1 "promote_used").
func (a *Allocator) PromoteUsed(from, to *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if from.multiNUMA != nil {
		for _, sub := range from.multiNUMA.subs {
			state := a.states[sub.numaID]
			size := sub.rng.Size()
			state.usedPerGeneration[from.Generation] -= size
			state.usedPerGeneration[to.Generation] += size
		}
		return
	}

	state := a.states[from.numaID]
	size := from.Range.Size()
	state.usedPerGeneration[from.Generation] -= size
	state.usedPerGeneration[to.Generation] += size
}
