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

package granule

import "testing"

func TestAlignUpDown(t *testing.T) {
	SetShift(defaultShift) // 2 MiB
	g := Size()

	if AlignUp(1) != g {
		t.Fatalf("AlignUp(1) = %d, want %d", AlignUp(1), g)
	}
	if AlignUp(g) != g {
		t.Fatalf("AlignUp(g) = %d, want %d (already aligned)", AlignUp(g), g)
	}
	if AlignDown(g+1) != g {
		t.Fatalf("AlignDown(g+1) = %d, want %d", AlignDown(g+1), g)
	}
	if !IsAligned(0) || !IsAligned(g) || IsAligned(1) {
		t.Fatalf("IsAligned inconsistent")
	}
}

func TestOffsetEndRoundTrip(t *testing.T) {
	o := Offset(10)
	e := o.End(20)
	if uint64(e) != 30 {
		t.Fatalf("End() = %d, want 30", e)
	}
	if e.Offset() != Offset(30) {
		t.Fatalf("Offset() = %v, want 30", e.Offset())
	}
}

func TestInvalidSentinels(t *testing.T) {
	if InvalidOffset.Valid() {
		t.Fatalf("InvalidOffset reported valid")
	}
	if InvalidEnd.Valid() {
		t.Fatalf("InvalidEnd reported valid")
	}
	if InvalidBackingIndex.Valid() {
		t.Fatalf("InvalidBackingIndex reported valid")
	}
	if InvalidBackingIndexEnd.Valid() {
		t.Fatalf("InvalidBackingIndexEnd reported valid")
	}
	if !Offset(0).Valid() {
		t.Fatalf("zero Offset incorrectly reported invalid")
	}
}

func TestMapGetSetAndSlice(t *testing.T) {
	SetShift(defaultShift)
	g := Size()
	m := NewMap[BackingIndex](g * 4)

	m.Set(Offset(0), BackingIndex(7))
	m.Set(Offset(g), BackingIndex(8))

	if m.Get(Offset(0)) != 7 || m.Get(Offset(g)) != 8 {
		t.Fatalf("Get after Set mismatched")
	}

	s := m.Slice(Offset(0), 2*g)
	if len(s) != 2 || s[0] != 7 || s[1] != 8 {
		t.Fatalf("Slice = %v, want [7 8]", s)
	}

	if m.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", m.Len())
	}
}
