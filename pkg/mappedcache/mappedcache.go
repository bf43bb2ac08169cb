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

// Package mappedcache implements the per-NUMA-node mapped cache (spec
// §4.4): retention of ready-to-use virtual-plus-physical mappings across
// frees, indexed both by address (for coalescing on insert) and by size
// class (for fast contiguous/discontiguous fit). Grounded on
// original_source/zMappedCache.cpp.
//
// The reference implementation places each entry's metadata inside the
// last granule of its own mapped range so that retaining an entry costs no
// separate heap allocation. This package keeps entries as ordinary heap
// objects instead: Go offers no safe, portable way to reinterpret raw
// mapped bytes as a struct the way the C++ placement-new trick does, and
// none of spec §8's testable properties (P5, P6) depend on where an
// entry's bookkeeping lives — only on the address ordering, size-class
// membership, and min-watermark behavior, all of which this
// implementation preserves exactly.
//
// The cache has no internal lock (spec §5: "The mapped cache per se has no
// internal lock — mutation is always under the allocator mutex"); every
// exported method assumes the caller already holds whatever lock
// serializes access (pkg/pagealloc's allocator-wide mutex).
package mappedcache

import (
	"sort"

	"github.com/google/btree"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/vmem"
	"github.com/zpagealloc/zpagealloc/pkg/zrange"
)

// VirtualRange is re-exported from vmem for caller convenience.
type VirtualRange = vmem.VirtualRange

// Callbacks mirror zrange.Callbacks: they fire the OS placeholder
// adjustments a mapped-cache mutation requires on small-page Windows
// targets (spec §4.4 "Callbacks on insert/remove/merge/split").
type Callbacks = zrange.Callbacks[granule.Offset, granule.End]

type entry struct {
	start granule.Offset
	size  uint64
}

func (e *entry) rng() VirtualRange { return vmem.NewVirtualRange(e.start, e.size) }

func addrLess(a, b *entry) bool { return uint64(a.start) < uint64(b.start) }

func sizeLess(a, b *entry) bool {
	if a.size != b.size {
		return a.size > b.size // descending: largest first
	}
	return uint64(a.start) < uint64(b.start)
}

// Cache is the per-NUMA-node mapped cache.
type Cache struct {
	addr    *btree.BTreeG[*entry]
	bySize  *btree.BTreeG[*entry]
	classes []uint64 // ascending size-class thresholds

	size uint64 // monotonically tracked total bytes cached
	min  uint64 // watermark consumed by the uncommitter

	cb Callbacks
}

// SizeClasses builds the compile-time sorted size-class array spec §4.4
// describes: the first class is mediumPageSize if nonzero, else
// smallPageSize, followed by any additional classes the caller supplies in
// ascending order.
func SizeClasses(smallPageSize, mediumPageSize uint64, extra ...uint64) []uint64 {
	first := smallPageSize
	if mediumPageSize != 0 {
		first = mediumPageSize
	}
	classes := append([]uint64{first}, extra...)
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return classes
}

// New constructs an empty Cache with the given size classes and callbacks.
func New(classes []uint64, cb Callbacks) *Cache {
	return &Cache{
		addr:    btree.NewG(32, addrLess),
		bySize:  btree.NewG(32, sizeLess),
		classes: classes,
		cb:      cb,
	}
}

// Size returns the total bytes currently retained in the cache.
func (c *Cache) Size() uint64 { return c.size }

// Min returns the current min watermark.
func (c *Cache) Min() uint64 { return c.min }

// ResetMin returns the previous min watermark and resets it to the current
// size — called by the page allocator immediately after a successful
// commit (spec §4.4: "min = size on every commit").
func (c *Cache) ResetMin() uint64 {
	old := c.min
	c.min = c.size
	return old
}

func (c *Cache) noteDecrease() {
	if c.min > c.size {
		c.min = c.size
	}
}

func (c *Cache) insertEntry(e *entry) {
	c.addr.ReplaceOrInsert(e)
	c.bySize.ReplaceOrInsert(e)
}

func (c *Cache) removeEntry(e *entry) {
	c.addr.Delete(e)
	c.bySize.Delete(e)
}

// findBefore returns the entry whose end equals start, if any.
func (c *Cache) findBefore(start granule.Offset) *entry {
	var before *entry
	c.addr.DescendLessOrEqual(&entry{start: start}, func(e *entry) bool {
		if uint64(e.start) < uint64(start) {
			before = e
		}
		return false
	})
	if before != nil && uint64(before.start)+before.size == uint64(start) {
		return before
	}
	return nil
}

// findAt returns the entry starting exactly at start, if any.
func (c *Cache) findAt(start granule.Offset) *entry {
	if e, ok := c.addr.Get(&entry{start: start}); ok {
		return e
	}
	return nil
}

// Insert retains r in the cache, coalescing with any address-adjacent
// entries (spec §4.4 "insert").
func (c *Cache) Insert(r VirtualRange) {
	if r.IsNull() {
		return
	}
	start := r.Start()
	end := r.End().Offset()

	before := c.findBefore(start)
	after := c.findAt(end)

	switch {
	case before != nil && after != nil:
		merged := &entry{start: before.start, size: before.size + r.Size() + after.size}
		grown := vmem.NewVirtualRange(start, r.Size()+after.size)
		c.removeEntry(before)
		c.removeEntry(after)
		c.insertEntry(merged)
		if c.cb.MergeFromBack != nil {
			c.cb.MergeFromBack(grown, merged.rng())
		}
	case before != nil:
		old := *before
		before.size += r.Size()
		c.bySize.Delete(&old)
		c.bySize.ReplaceOrInsert(before)
		if c.cb.MergeFromBack != nil {
			c.cb.MergeFromBack(r, before.rng())
		}
	case after != nil:
		c.removeEntry(after)
		after.start = start
		after.size += r.Size()
		c.insertEntry(after)
		if c.cb.MergeFromFront != nil {
			c.cb.MergeFromFront(r, after.rng())
		}
	default:
		e := &entry{start: start, size: r.Size()}
		c.insertEntry(e)
		if c.cb.InsertStandAlone != nil {
			c.cb.InsertStandAlone(r)
		}
	}
	c.size += r.Size()
}

// RemoveContiguous returns one range of exactly size bytes, or the null
// range if the cache cannot satisfy it in a single entry (spec §4.4
// "remove_contiguous").
//
// The reference implementation scans size-class free-lists from the
// largest class that admits size down to the smallest, only falling back
// to a linear address-ordered walk when every class list is empty. This
// implementation keeps a single bySize index ordered largest-first (the
// size-class lists, reconstructed on demand by FreeListMembers, are
// subsets of it), so one descending scan for the first entry with size >=
// size already visits candidates in the same largest-first preference
// order and finds an entry whenever the class-list scan plus its fallback
// would have.
func (c *Cache) RemoveContiguous(size uint64) VirtualRange {
	var chosen *entry
	c.bySize.Ascend(func(e *entry) bool {
		if e.size >= size {
			chosen = e
		}
		return false
	})
	if chosen == nil {
		return VirtualRange{}
	}
	return c.takeFromEntry(chosen, size)
}

func (c *Cache) takeFromEntry(e *entry, size uint64) VirtualRange {
	extracted := vmem.NewVirtualRange(e.start, size)
	if e.size == size {
		c.removeEntry(e)
	} else {
		old := *e
		e.start = granule.Offset(uint64(e.start) + size)
		e.size -= size
		c.bySize.Delete(&old)
		c.bySize.ReplaceOrInsert(e)
		// addr tree is keyed by pointer identity via Less(start); start
		// changed, so re-key it.
		c.addr.Delete(&old)
		c.addr.ReplaceOrInsert(e)
	}
	c.size -= size
	c.noteDecrease()
	return extracted
}

// RemoveDiscontiguous drains up to size bytes into out by visiting entries
// largest-to-smallest, each contributing min(remaining, entry size); it
// returns the total bytes actually delivered (spec §4.4
// "remove_discontiguous").
func (c *Cache) RemoveDiscontiguous(out *[]VirtualRange, size uint64) uint64 {
	return c.drainLargeToSmall(out, size)
}

// RemoveFromMin drains up to min(currentMin, max) bytes into out, visiting
// entries largest-to-smallest, for the uncommitter (spec §4.4
// "remove_from_min").
func (c *Cache) RemoveFromMin(out *[]VirtualRange, max uint64) uint64 {
	budget := c.min
	if max < budget {
		budget = max
	}
	return c.drainLargeToSmall(out, budget)
}

func (c *Cache) drainLargeToSmall(out *[]VirtualRange, size uint64) uint64 {
	var delivered uint64
	for delivered < size {
		var biggest *entry
		c.bySize.Ascend(func(e *entry) bool {
			biggest = e
			return false
		})
		if biggest == nil {
			break
		}
		take := size - delivered
		if take > biggest.size {
			take = biggest.size
		}
		r := c.takeFromEntry(biggest, take)
		*out = append(*out, r)
		delivered += take
	}
	return delivered
}

// FreeListMembers returns every entry currently qualifying for size class
// index k (size >= classes[k]), for diagnostics and property tests (P5).
func (c *Cache) FreeListMembers(k int) []VirtualRange {
	threshold := c.classes[k]
	var out []VirtualRange
	c.addr.Ascend(func(e *entry) bool {
		if e.size >= threshold {
			out = append(out, e.rng())
		}
		return true
	})
	return out
}

// Entries returns every retained range in address order, for diagnostics
// and tests.
func (c *Cache) Entries() []VirtualRange {
	var out []VirtualRange
	c.addr.Ascend(func(e *entry) bool {
		out = append(out, e.rng())
		return true
	})
	return out
}
