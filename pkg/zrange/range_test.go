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

package zrange

import "testing"

type testOffset uint64
type testEnd uint64

func rg(start, size uint64) Range[testOffset, testEnd] {
	return New[testOffset, testEnd](testOffset(start), size)
}

func TestRangeBasics(t *testing.T) {
	r := rg(10, 20)
	if r.Start() != 10 || r.Size() != 20 || r.End() != 30 {
		t.Fatalf("got start=%d size=%d end=%d", r.Start(), r.Size(), r.End())
	}
	if r.IsNull() {
		t.Fatalf("non-zero-size range reported null")
	}
	if !New[testOffset, testEnd](0, 0).IsNull() {
		t.Fatalf("zero-size range not reported null")
	}
}

func TestRangeContains(t *testing.T) {
	r := rg(10, 10) // [10,20)
	if !r.Contains(10) || !r.Contains(19) {
		t.Fatalf("boundary offsets not contained")
	}
	if r.Contains(20) || r.Contains(9) {
		t.Fatalf("out-of-range offsets incorrectly contained")
	}
}

func TestRangeContainsRange(t *testing.T) {
	outer := rg(0, 100)
	if !outer.ContainsRange(rg(10, 20)) {
		t.Fatalf("wholly-contained subrange not detected")
	}
	if outer.ContainsRange(rg(90, 20)) {
		t.Fatalf("overhanging subrange incorrectly contained")
	}
}

func TestRangeAdjacentTo(t *testing.T) {
	a := rg(0, 10)
	b := rg(10, 10)
	c := rg(21, 10)
	if !a.AdjacentTo(b) || !b.AdjacentTo(a) {
		t.Fatalf("touching ranges not reported adjacent")
	}
	if a.AdjacentTo(c) {
		t.Fatalf("non-touching ranges reported adjacent")
	}
}

func TestRangeGrowShrinkRoundTrip(t *testing.T) {
	r := rg(100, 50) // [100,150)

	grown := r.GrowFromFront(20)
	if grown.Start() != 80 || grown.Size() != 70 {
		t.Fatalf("GrowFromFront = %v", grown)
	}

	grown = r.GrowFromBack(20)
	if grown.Start() != 100 || grown.Size() != 70 {
		t.Fatalf("GrowFromBack = %v", grown)
	}

	removed, remainder := r.ShrinkFromFront(10)
	if removed.Start() != 100 || removed.Size() != 10 {
		t.Fatalf("ShrinkFromFront removed = %v", removed)
	}
	if remainder.Start() != 110 || remainder.Size() != 40 {
		t.Fatalf("ShrinkFromFront remainder = %v", remainder)
	}

	remainder2, removed2 := r.ShrinkFromBack(10)
	if remainder2.Start() != 100 || remainder2.Size() != 40 {
		t.Fatalf("ShrinkFromBack remainder = %v", remainder2)
	}
	if removed2.Start() != 140 || removed2.Size() != 10 {
		t.Fatalf("ShrinkFromBack removed = %v", removed2)
	}
}

func TestRangePartition(t *testing.T) {
	r := rg(0, 100)
	before, middle, after := r.Partition(20, 30)
	if before.Start() != 0 || before.Size() != 20 {
		t.Fatalf("before = %v", before)
	}
	if middle.Start() != 20 || middle.Size() != 30 {
		t.Fatalf("middle = %v", middle)
	}
	if after.Start() != 50 || after.Size() != 50 {
		t.Fatalf("after = %v", after)
	}
}

func TestRangePartitionPanicsOutOfBounds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for out-of-bounds partition")
		}
	}()
	rg(0, 10).Partition(5, 10)
}
