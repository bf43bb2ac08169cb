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

package backing

import (
	"testing"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/osmem"
)

func newTestManager(t *testing.T, maxCapacity uint64, numaCount int) *Manager {
	t.Helper()
	granule.SetShift(21)
	return NewManager(osmem.NewFakeBacking(), maxCapacity, numaCount)
}

func TestAllocDrawsLowFirstAndIsReversible(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 10*g, 1)

	before := m.Available(0)
	indices, err := m.Alloc(4*g, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(indices) != 4 {
		t.Fatalf("got %d indices, want 4", len(indices))
	}
	for i, idx := range indices {
		if idx != granule.BackingIndex(i) {
			t.Fatalf("indices not drawn low-first: %v", indices)
		}
	}
	if m.Available(0) != before-4*g {
		t.Fatalf("Available() = %d, want %d", m.Available(0), before-4*g)
	}

	// R3: free restores the backing free list bit-for-bit.
	m.Free(indices, 0)
	if m.Available(0) != before {
		t.Fatalf("Available() after Free = %d, want %d (restored)", m.Available(0), before)
	}
}

func TestAllocInsufficientCapacityFails(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 2*g, 1)

	_, err := m.Alloc(4*g, 0)
	if err == nil {
		t.Fatalf("expected ErrNoCapacity")
	}
	if m.Available(0) != 2*g {
		t.Fatalf("Available() = %d, want unchanged 2*g after failed Alloc", m.Available(0))
	}
}

func TestNUMASplitIsProportional(t *testing.T) {
	g := granule.Size()
	m := newTestManager(t, 10*g, 3) // 4/3/3 granules

	totals := []uint64{m.Available(0), m.Available(1), m.Available(2)}
	sum := totals[0] + totals[1] + totals[2]
	if sum != 10*g {
		t.Fatalf("sum of per-node capacity = %d, want %d", sum, 10*g)
	}
	if totals[0] != 4*g || totals[1] != 3*g || totals[2] != 3*g {
		t.Fatalf("split = %v, want [4g,3g,3g]", totals)
	}
}

func TestCommitPartialFailureReturnsShortCount(t *testing.T) {
	g := granule.Size()
	backend := osmem.NewFakeBacking()
	backend.FailCommitFrom = 2 * g
	m := NewManager(backend, 10*g, 1)

	indices, err := m.Alloc(4*g, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	SortAscending(indices)

	committed, err := m.Commit(indices, 0)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed != 2*g {
		t.Fatalf("committed = %d, want %d", committed, 2*g)
	}
}

func TestSortAscending(t *testing.T) {
	indices := []granule.BackingIndex{3, 1, 2}
	SortAscending(indices)
	want := []granule.BackingIndex{1, 2, 3}
	for i := range want {
		if indices[i] != want[i] {
			t.Fatalf("got %v, want %v", indices, want)
		}
	}
}
