package mappedcache

import (
	"testing"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/vmem"
)

func vr(start uint64, size uint64) VirtualRange {
	return vmem.NewVirtualRange(granule.Offset(start), size)
}

func newTestCache() *Cache {
	return New(SizeClasses(1<<20, 0), Callbacks{})
}

func TestInsertCoalescesBothNeighbors(t *testing.T) {
	c := newTestCache()

	c.Insert(vr(0, 2))
	c.Insert(vr(4, 2))
	c.Insert(vr(2, 2)) // fills the gap, should merge into one [0,6)

	entries := c.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1: %v", len(entries), entries)
	}
	if entries[0].Start() != 0 || entries[0].Size() != 6 {
		t.Fatalf("got %v, want [0,6)", entries[0])
	}
	if c.Size() != 6 {
		t.Fatalf("Size() = %d, want 6", c.Size())
	}
}

func TestInsertMergeFromFrontOnly(t *testing.T) {
	c := newTestCache()
	c.Insert(vr(4, 2))
	c.Insert(vr(2, 2))

	entries := c.Entries()
	if len(entries) != 1 || entries[0].Start() != 2 || entries[0].Size() != 4 {
		t.Fatalf("got %v, want single [2,6)", entries)
	}
}

func TestRemoveContiguousExactAndSplit(t *testing.T) {
	c := newTestCache()
	c.Insert(vr(0, 10))

	got := c.RemoveContiguous(4)
	if got.IsNull() || got.Start() != 0 || got.Size() != 4 {
		t.Fatalf("RemoveContiguous(4) = %v", got)
	}
	if c.Size() != 6 {
		t.Fatalf("Size() after partial remove = %d, want 6", c.Size())
	}

	remaining := c.Entries()
	if len(remaining) != 1 || remaining[0].Start() != 4 || remaining[0].Size() != 6 {
		t.Fatalf("remaining entry = %v, want [4,10)", remaining)
	}
}

func TestRemoveContiguousNoFit(t *testing.T) {
	c := newTestCache()
	c.Insert(vr(0, 4))

	got := c.RemoveContiguous(10)
	if !got.IsNull() {
		t.Fatalf("RemoveContiguous(10) = %v, want null", got)
	}
	if c.Size() != 4 {
		t.Fatalf("Size() changed on failed remove: got %d, want 4", c.Size())
	}
}

func TestRemoveDiscontiguousDrainsAcrossEntries(t *testing.T) {
	c := newTestCache()
	c.Insert(vr(0, 3))
	c.Insert(vr(10, 5))

	var out []VirtualRange
	got := c.RemoveDiscontiguous(&out, 6)
	if got != 6 {
		t.Fatalf("delivered = %d, want 6", got)
	}
	var total uint64
	for _, r := range out {
		total += r.Size()
	}
	if total != 6 {
		t.Fatalf("sum of parts = %d, want 6", total)
	}
	if c.Size() != 2 {
		t.Fatalf("Size() after drain = %d, want 2", c.Size())
	}
}

func TestMinWatermarkOnlyDecreasesUntilReset(t *testing.T) {
	c := newTestCache()
	c.Insert(vr(0, 10))
	if c.Min() != 0 {
		t.Fatalf("Min() after insert-only = %d, want 0 (min never rises on insert)", c.Min())
	}

	c.ResetMin()
	if c.Min() != c.Size() {
		t.Fatalf("Min() after ResetMin = %d, want %d", c.Min(), c.Size())
	}

	c.RemoveContiguous(4)
	if c.Min() != 6 {
		t.Fatalf("Min() after removing 4 of 10 = %d, want 6", c.Min())
	}

	c.Insert(vr(100, 20))
	if c.Min() != 6 {
		t.Fatalf("Min() rose on insert: got %d, want unchanged 6", c.Min())
	}
}

func TestFreeListMembersReflectsSizeClassMembership(t *testing.T) {
	c := newTestCache() // single class at 1<<20 bytes
	c.Insert(vr(0, 4))         // far below the class threshold
	c.Insert(vr(1<<20+100, 1<<21))

	members := c.FreeListMembers(0)
	if len(members) != 1 || members[0].Start() != granule.Offset(1<<20+100) {
		t.Fatalf("members of class 0 = %v, want only the large entry", members)
	}
}

func TestCallbacksFireOnMergeAndStandAlone(t *testing.T) {
	var standAlone, mergeFront, mergeBack int
	cb := Callbacks{
		InsertStandAlone: func(zrangeRange VirtualRange) { standAlone++ },
		MergeFromFront:   func(inserted, merged VirtualRange) { mergeFront++ },
		MergeFromBack:    func(inserted, merged VirtualRange) { mergeBack++ },
	}
	c := New(SizeClasses(1<<20, 0), cb)

	c.Insert(vr(0, 2))  // standalone
	c.Insert(vr(4, 2))  // standalone
	c.Insert(vr(2, 2))  // three-neighbor merge reported as MergeFromBack

	if standAlone != 2 {
		t.Fatalf("standAlone = %d, want 2", standAlone)
	}
	if mergeBack != 1 {
		t.Fatalf("mergeBack = %d, want 1", mergeBack)
	}
	if mergeFront != 0 {
		t.Fatalf("mergeFront = %d, want 0", mergeFront)
	}
}
