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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zpagealloc/zpagealloc/pkg/backing"
	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/mappedcache"
	"github.com/zpagealloc/zpagealloc/pkg/osmem"
	"github.com/zpagealloc/zpagealloc/pkg/vmem"
	"github.com/zpagealloc/zpagealloc/pkg/zconfig"
	"github.com/zpagealloc/zpagealloc/pkg/zlog"
	"github.com/zpagealloc/zpagealloc/pkg/zrange"
)

func now() time.Time { return time.Now() }

// Allocator is the page allocator core (spec §4.5): it owns the virtual
// memory manager, the physical backing manager, one mapped cache per NUMA
// node, the stall FIFO, the per-NUMA uncommitters, and the safe-delete
// queue.
type Allocator struct {
	mu sync.Mutex

	cfg     zconfig.Config
	vm      *vmem.Manager
	backing *backing.Manager
	gmap    *granule.Map[granule.BackingIndex]
	states  []*CacheState
	gc      GCDriver
	seq     *genSeq
	stalled []*pageAllocation

	safeDelete *safeDeleteQueue

	nextPageSeq uint64
	nextNode    uint64 // round-robin cursor for picking an initiating NUMA node

	uncommitCtx    context.Context
	uncommitCancel context.CancelFunc
	uncommitGroup  *errgroup.Group
	uncommitSem    *semaphore.Weighted
}

// NewAllocator constructs an Allocator per spec §4.2-§4.5: it reserves
// virtual address space, splits the physical backing and mapped-cache
// state across NUMA nodes, and — if cfg.UncommitEnabled — starts the
// background uncommitters. Reservation failure at construction is
// spec §7's "Fatal during VM init" disposition; this constructor reports
// it as a plain error so library callers keep control of the process, and
// cmd/zpagealloc-probe is the one that escalates it via zlog.Fatalf.
func NewAllocator(cfg zconfig.Config, reservation osmem.Reservation, backend osmem.Backing, gc GCDriver) (*Allocator, error) {
	granule.SetShift(cfg.GranuleSizeShift)

	numaCount := 1
	if cfg.NUMAEnabled {
		numaCount = cfg.NUMANodeCount
	}

	vm, err := vmem.NewManager(reservation, cfg.MaxCapacity, cfg.VirtualToPhysicalRatio, numaCount, cfg.MaxVirtualReservations, zrange.Callbacks[granule.Offset, granule.End]{})
	if err != nil {
		return nil, fmt.Errorf("pagealloc: %w", err)
	}
	bm := backing.NewManager(backend, cfg.MaxCapacity, numaCount)
	gmap := granule.NewMap[granule.BackingIndex](cfg.MaxCapacity * cfg.VirtualToPhysicalRatio)
	classes := mappedcache.SizeClasses(granule.Size(), cfg.MediumPageSize)

	a := &Allocator{
		cfg:     cfg,
		vm:      vm,
		backing: bm,
		gmap:    gmap,
		gc:      gc,
		seq:     &genSeq{},
		safeDelete: newSafeDeleteQueue(),
	}
	for i := 0; i < numaCount; i++ {
		a.states = append(a.states, newCacheState(splitCapacities(cfg, numaCount, i), classes))
	}

	if cfg.UncommitEnabled {
		a.startUncommitters()
	}

	zlog.With(zlog.Fields{"numa_nodes": numaCount, "max_capacity": cfg.MaxCapacity}).Infof("pagealloc: allocator constructed")
	return a, nil
}

func splitCapacities(cfg zconfig.Config, numaCount, i int) nodeCapacities {
	split := func(total uint64) uint64 {
		granules := total / granule.Size()
		share := granules / uint64(numaCount)
		extra := granules % uint64(numaCount)
		n := share
		if uint64(i) < extra {
			n++
		}
		return n * granule.Size()
	}
	return nodeCapacities{
		min:     split(cfg.MinCapacity),
		initial: split(cfg.InitialCapacity),
		softMax: split(cfg.SoftMaxCapacity),
		max:     split(cfg.MaxCapacity),
	}
}

// Close stops the background uncommitters.
func (a *Allocator) Close() error {
	if a.uncommitCancel == nil {
		return nil
	}
	a.uncommitCancel()
	return a.uncommitGroup.Wait()
}

// claimPhysicalLocked implements spec §4.5.1's three-step claim_physical.
// Caller must already hold a.mu.
func (a *Allocator) claimPhysicalLocked(numaID int, size uint64) (*memoryAllocation, error) {
	state := a.states[numaID]
	ma := &memoryAllocation{size: size, numaID: numaID}

	// Step 1: contiguous cache hit. The whole request is already committed
	// and mapped, so harvested == size: commitAndMapAtLocked sees a zero
	// tail and does no further backing work unless the range also needs
	// remapping to a new address (which the len==1-and-exact-size fast
	// path in claimVirtualAndHarvestLocked avoids entirely).
	if r := state.cache.RemoveContiguous(size); !r.IsNull() {
		ma.claimed = []vmem.VirtualRange{r}
		ma.harvested = size
		state.used += size
		return ma, nil
	}

	// Step 2: pure capacity increase.
	headroom := uint64(0)
	if state.currentMax > state.capacity {
		headroom = state.currentMax - state.capacity
	}
	capacityIncrease := size
	if headroom < capacityIncrease {
		capacityIncrease = headroom
	}
	if capacityIncrease == size {
		state.capacity += size
		state.used += size
		ma.capacityIncrease = size
		return ma, nil
	}

	// Step 3: partial capacity increase plus discontiguous harvest for the
	// remainder.
	remainder := size - capacityIncrease
	var harvest []vmem.VirtualRange
	got := state.cache.RemoveDiscontiguous(&harvest, remainder)
	if got < remainder {
		for _, r := range harvest {
			state.cache.Insert(r)
		}
		return nil, errNoCapacityOnNode
	}

	state.capacity += capacityIncrease
	state.used += size
	ma.claimed = harvest
	ma.harvested = got
	ma.capacityIncrease = capacityIncrease
	return ma, nil
}

// freeMemoryAllocFailedLocked reverses claimPhysicalLocked exactly (spec
// §4.5.1 "free_memory_alloc_failed"). Caller must already hold a.mu.
func (a *Allocator) freeMemoryAllocFailedLocked(ma *memoryAllocation) {
	state := a.states[ma.numaID]
	state.used -= ma.size
	state.capacity -= ma.capacityIncrease
	for _, r := range ma.claimed {
		state.cache.Insert(r)
	}
}

// availableLocked reports the bytes node numaID could still supply to a
// claim, whether via cache hit, fresh capacity, or both. Caller must
// already hold a.mu.
func (a *Allocator) availableLocked(numaID int) uint64 {
	state := a.states[numaID]
	if state.used >= state.currentMax {
		return 0
	}
	return state.currentMax - state.used
}

// claimPhysicalRoundRobinLocked implements spec §4.5.1's
// claim_physical_round_robin: try every node starting at initiating,
// falling back to a multi-NUMA split if no single node can satisfy size
// but the total available across nodes can. Caller must already hold a.mu.
func (a *Allocator) claimPhysicalRoundRobinLocked(initiating int, size uint64) ([]*memoryAllocation, error) {
	n := len(a.states)
	for i := 0; i < n; i++ {
		id := (initiating + i) % n
		if ma, err := a.claimPhysicalLocked(id, size); err == nil {
			return []*memoryAllocation{ma}, nil
		}
	}

	var total uint64
	for i := range a.states {
		total += a.availableLocked(i)
	}
	if total < size {
		return nil, errNoCapacityOnNode
	}

	share := granuleAlignUp(size / uint64(n))
	var mas []*memoryAllocation
	var got uint64
	for i := 0; i < n && got < size; i++ {
		want := share
		if remaining := size - got; remaining < want {
			want = remaining
		}
		if want == 0 {
			continue
		}
		ma, err := a.claimPhysicalLocked(i, want)
		if err != nil {
			for _, done := range mas {
				a.freeMemoryAllocFailedLocked(done)
			}
			return nil, errNoCapacityOnNode
		}
		mas = append(mas, ma)
		got += want
	}
	// Sweep again for any remainder left by granule rounding, preferring
	// nodes in order (spec §4.5.1 "sweep again to claim any remainder per
	// node").
	for i := 0; i < n && got < size; i++ {
		want := size - got
		ma, err := a.claimPhysicalLocked(i, want)
		if err != nil {
			continue
		}
		mas = append(mas, ma)
		got += want
	}
	if got < size {
		for _, done := range mas {
			a.freeMemoryAllocFailedLocked(done)
		}
		return nil, errNoCapacityOnNode
	}
	return mas, nil
}

// claimVirtualAndHarvestLocked implements spec §4.5.3. Caller must already hold
// a.mu.
func (a *Allocator) claimVirtualAndHarvestLocked(ma *memoryAllocation) (rng vmem.VirtualRange, remapped bool, err error) {
	if len(ma.claimed) == 1 && ma.claimed[0].Size() == ma.size {
		return ma.claimed[0], false, nil
	}

	var stash []granule.BackingIndex
	for _, r := range ma.claimed {
		stash = append(stash, append([]granule.BackingIndex(nil), a.gmap.Slice(r.Start(), r.Size())...)...)
		if uerr := a.backing.Unmap(r.Start(), r.Size(), a.vm.Translate); uerr != nil {
			return vmem.VirtualRange{}, false, fmt.Errorf("pagealloc: unmap claimed mapping: %w", uerr)
		}
	}

	full, fragments := a.vm.ShuffleToLowAddressesContiguous(ma.numaID, ma.size, ma.claimed)
	if full.IsNull() {
		a.backing.Free(stash, ma.numaID)
		for _, f := range fragments {
			a.vm.FreeToNode(f, ma.numaID)
		}
		a.freeMemoryAllocFailedLocked(ma)
		zlog.With(zlog.Fields{"numa_id": ma.numaID, "size": ma.size}).Warnf("pagealloc: out of address space")
		return vmem.VirtualRange{}, false, ErrOutOfAddressSpace
	}

	if ma.harvested > 0 {
		copy(a.gmap.Slice(full.Start(), ma.harvested), stash)
	}
	return full, true, nil
}

// commitAndMapLocked implements spec §4.5.4: it commits and maps the tail
// of full beyond the harvested prefix (and remaps the harvested prefix
// itself if claimVirtualAndHarvestLocked relocated it). Returns whether
// the full requested size ended up committed and mapped. Caller must
// already hold a.mu.
func (a *Allocator) commitAndMapLocked(ma *memoryAllocation, full vmem.VirtualRange, remapped bool) (bool, error) {
	return a.commitAndMapAtLocked(ma, full.Start(), remapped)
}

// commitAndMapAtLocked is commitAndMapLocked generalized to an explicit
// start offset, so the multi-NUMA path (which assigns each contributing
// memoryAllocation a sub-range of one jointly-claimed virtual range rather
// than its own) can reuse the same commit/map accounting.
func (a *Allocator) commitAndMapAtLocked(ma *memoryAllocation, start granule.Offset, remapped bool) (bool, error) {
	state := a.states[ma.numaID]

	if remapped && ma.harvested > 0 {
		prefixIndices := a.gmap.Slice(start, ma.harvested)
		if err := a.backing.Map(start, prefixIndices, ma.numaID, a.vm.Translate); err != nil {
			return false, fmt.Errorf("pagealloc: remap harvested prefix: %w", err)
		}
	}

	tailSize := ma.size - ma.harvested
	if tailSize == 0 {
		// Nothing left to commit: the whole request was already backed by
		// the cache (and remapped above if needed). lastCommit/ResetMin are
		// only touched by an actual new OS commit, below.
		return true, nil
	}

	tailOffset := granule.Offset(uint64(start) + ma.harvested)
	indices, err := a.backing.Alloc(tailSize, ma.numaID)
	if err != nil {
		ma.commitFailed = true
		a.vm.FreeToNode(vmem.NewVirtualRange(tailOffset, tailSize), ma.numaID)
		state.capacity -= tailSize
		state.used -= tailSize
		if ma.harvested == 0 {
			// Nothing harvested and no backing segments available: lower
			// current_max to what's actually sustained now, not the
			// optimistic pre-failure capacity, or claim_physical would
			// immediately re-offer this same headroom and loop forever.
			state.currentMax = state.capacity
			zlog.With(zlog.Fields{"numa_id": ma.numaID, "current_max": state.currentMax}).Warnf("pagealloc: no backing segments available, lowering current_max")
		}
		return false, nil
	}
	backing.SortAscending(indices)
	copy(a.gmap.Slice(tailOffset, tailSize), indices)

	committed, cerr := a.backing.Commit(indices, ma.numaID)
	if cerr != nil {
		return false, fmt.Errorf("pagealloc: commit: %w", cerr)
	}
	ma.committed = committed

	if committed < tailSize {
		ma.commitFailed = true
		uncommittedSize := tailSize - committed
		uncommittedOffset := granule.Offset(uint64(tailOffset) + committed)
		uncommittedIndices := a.gmap.Slice(uncommittedOffset, uncommittedSize)
		a.backing.Free(append([]granule.BackingIndex(nil), uncommittedIndices...), ma.numaID)
		a.vm.FreeToNode(vmem.NewVirtualRange(uncommittedOffset, uncommittedSize), ma.numaID)
	}

	if committed > 0 {
		committedIndices := a.gmap.Slice(tailOffset, committed)
		if merr := a.backing.Map(tailOffset, committedIndices, ma.numaID, a.vm.Translate); merr != nil {
			return false, fmt.Errorf("pagealloc: map: %w", merr)
		}
	}

	if committed < tailSize {
		state.capacity -= uncommittedDelta(tailSize, committed)
		state.used -= uncommittedDelta(tailSize, committed)
		if committed == 0 && ma.harvested == 0 {
			// Nothing committed and nothing harvested: lower current_max
			// permanently (spec §7), to the capacity we can actually
			// sustain post-failure rather than the optimistic figure
			// claim_physical assumed going in — otherwise the next retry
			// sees the same headroom and this never converges.
			state.currentMax = state.capacity
			zlog.With(zlog.Fields{"numa_id": ma.numaID, "current_max": state.currentMax}).Warnf("pagealloc: commit failed, lowering current_max")
		}
		return false, nil
	}

	state.lastCommit = now()
	state.cache.ResetMin()
	return true, nil
}

func uncommittedDelta(tailSize, committed uint64) uint64 { return tailSize - committed }

func nextSeq(counter *uint64) uint64 { return atomic.AddUint64(counter, 1) }
