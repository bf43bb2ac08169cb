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

import "sync"

// genSeq tracks the monotonic young/old generation sequence numbers spec
// §5 "Ordering guarantees" and §4.5.2 reference: snapshots taken at
// request creation establish a happens-before with subsequent GC-phase
// observations.
type genSeq struct {
	mu         sync.Mutex
	young, old uint64
	// majorClearedSoftRefs is set by AdvanceOld when the completed major
	// cycle cleared soft references, per spec §4.5.2's OOM trigger.
	majorClearedSoftRefs bool
}

func (g *genSeq) snapshot() (young, old uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.young, g.old
}

func (g *genSeq) advanceYoung() {
	g.mu.Lock()
	g.young++
	g.mu.Unlock()
}

func (g *genSeq) advanceOld(clearedSoftRefs bool) {
	g.mu.Lock()
	g.old++
	g.majorClearedSoftRefs = clearedSoftRefs
	g.mu.Unlock()
}

// enqueueStalledLocked appends pa to the FIFO under the allocator lock; caller
// must already hold a.mu.
func (a *Allocator) enqueueStalledLocked(pa *pageAllocation) {
	a.stalled = append(a.stalled, pa)
}

// satisfyStalledLocked attempts, in FIFO order, to claim physical memory
// for each stalled request; on the first request that cannot be
// satisfied it stops (spec §5 "head-of-line blocking is intentional",
// invariant P9). Caller must already hold a.mu. Returns the number of
// requests satisfied.
func (a *Allocator) satisfyStalledLocked() int {
	satisfied := 0
	for len(a.stalled) > 0 {
		pa := a.stalled[0]
		mas, err := a.claimPhysicalRoundRobinLocked(pa.numaID, pa.size)
		if err != nil {
			break
		}
		pa.allocs = mas
		a.stalled = a.stalled[1:]
		pa.latch.set(true)
		satisfied++
	}
	return satisfied
}

// notifyOutOfMemoryLocked releases every stalled request with satisfy(false)
// (spec §7 "OOM after full GC"). Caller must already hold a.mu.
func (a *Allocator) notifyOutOfMemoryLocked() {
	for _, pa := range a.stalled {
		pa.latch.set(false)
	}
	a.stalled = nil
}

// HandleAllocStallingForYoung restarts stalled allocations after a minor GC
// cycle completes (spec §6.1, §4.5.2).
func (a *Allocator) HandleAllocStallingForYoung() {
	a.seq.advanceYoung()
	a.mu.Lock()
	a.satisfyStalledLocked()
	a.mu.Unlock()
}

// HandleAllocStallingForOld restarts stalled allocations after a major GC
// cycle completes; if clearedSoftRefs and the stall queue's head request
// was created before this cycle, any request that still cannot be
// satisfied is released as out-of-memory (spec §6.1, §4.5.2, §7).
func (a *Allocator) HandleAllocStallingForOld(clearedSoftRefs bool) {
	a.seq.advanceOld(clearedSoftRefs)
	_, oldNow := a.seq.snapshot()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.satisfyStalledLocked()
	if clearedSoftRefs && len(a.stalled) > 0 && a.stalled[0].oldSeq < oldNow {
		a.notifyOutOfMemoryLocked()
	}
}

// restartGCForHeadLocked decides, per spec §4.5.2, what kind of GC cycle
// to request given the head of the stall FIFO: young-only if the head has
// not yet observed a young cycle since it was enqueued, else major if its
// old sequence number has advanced, else (a major cycle already observed
// and cleared soft refs) report OOM eligibility.
func (a *Allocator) restartGCForHeadLocked() {
	if len(a.stalled) == 0 {
		return
	}
	head := a.stalled[0]
	youngNow, oldNow := a.seq.snapshot()
	switch {
	case head.youngSeq == youngNow:
		a.gc.Minor()
	case head.oldSeq < oldNow:
		a.gc.Major()
	case a.seq.majorClearedSoftRefs:
		a.notifyOutOfMemoryLocked()
	default:
		a.gc.Major()
	}
}
