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

package vmem

import (
	"testing"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/osmem"
	"github.com/zpagealloc/zpagealloc/pkg/zrange"
)

func newTestManager(t *testing.T, maxCapacity uint64, numaCount int) *Manager {
	t.Helper()
	granule.SetShift(21)
	m, err := NewManager(osmem.NewFakeReservation(0x1000), maxCapacity, 1, numaCount, 8192, zrange.Callbacks[granule.Offset, granule.End]{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManagerSplitsProportionally(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 10*g, 3)

	if !m.Result().Contiguous {
		t.Fatalf("expected a contiguous reservation from FakeReservation")
	}
	totals := []uint64{m.Available(0), m.Available(1), m.Available(2)}
	if totals[0] != 4*g || totals[1] != 3*g || totals[2] != 3*g {
		t.Fatalf("split = %v, want [4g,3g,3g]", totals)
	}
	if m.MultiNodeAvailable() != 0 {
		t.Fatalf("multi-node pool should be empty when the split is exact")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 10*g, 1)

	r := m.Alloc(3*g, 0, true)
	if r.IsNull() || r.Size() != 3*g {
		t.Fatalf("Alloc(3g) = %v", r)
	}
	if m.Available(0) != 7*g {
		t.Fatalf("Available() after Alloc = %d, want %d", m.Available(0), 7*g)
	}

	m.Free(r)
	if m.Available(0) != 10*g {
		t.Fatalf("Available() after Free = %d, want %d (restored)", m.Available(0), 10*g)
	}
}

func TestGetNUMAIDPanicsOutsideAnyNode(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 10*g, 2)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for a range outside every node's limits")
		}
	}()
	m.GetNUMAID(NewVirtualRange(granule.Offset(100*g), g))
}

func TestShuffleToLowAddressesContiguousCollapsesFragments(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 10*g, 1)

	// Drain everything so the node's free list is fully under our control,
	// free only the gap [2g,4g), then hand back two disjoint fragments that
	// together total 4g and border the gap on both sides.
	m.Alloc(10*g, 0, true)
	m.Free(NewVirtualRange(granule.Offset(2*g), 2*g))
	frags := []VirtualRange{
		NewVirtualRange(granule.Offset(0), 2*g),
		NewVirtualRange(granule.Offset(4*g), 2*g),
	}

	full, leftover := m.ShuffleToLowAddressesContiguous(0, 4*g, frags)
	if full.IsNull() {
		t.Fatalf("expected a contiguous 4g range, got fragments %v", leftover)
	}
	if full.Start() != 0 || full.Size() != 4*g {
		t.Fatalf("got %v, want [0,4g)", full)
	}
}

func TestShuffleToLowAddressesFallsBackToFragmentsWhenGapRemains(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 10*g, 1)

	m.Alloc(10*g, 0, true)
	// A gap at [2g,6g) is never returned, so the low end can only ever
	// produce [0,2g) plus whatever lies past the gap — never one
	// contiguous 4g range.
	frags := []VirtualRange{
		NewVirtualRange(granule.Offset(0), 2*g),
		NewVirtualRange(granule.Offset(6*g), 2*g),
	}

	full, leftover := m.ShuffleToLowAddressesContiguous(0, 4*g, frags)
	if !full.IsNull() {
		t.Fatalf("expected no single contiguous range, got %v", full)
	}
	var total uint64
	for _, f := range leftover {
		total += f.Size()
	}
	if total != 4*g {
		t.Fatalf("leftover fragments total %d, want %d", total, 4*g)
	}
}

func TestInsertMultiNodeAndRemoveFromLow(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 10*g, 1)

	m.InsertMultiNode(NewVirtualRange(granule.Offset(1000*g), 2*g))
	got := m.RemoveFromLowMultiNode(2 * g)
	if got.IsNull() || got.Size() != 2*g {
		t.Fatalf("RemoveFromLowMultiNode = %v", got)
	}
	if m.MultiNodeAvailable() != 0 {
		t.Fatalf("multi-node pool not drained")
	}
}
