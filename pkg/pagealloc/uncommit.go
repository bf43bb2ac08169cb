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
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zpagealloc/zpagealloc/pkg/granule"
	"github.com/zpagealloc/zpagealloc/pkg/vmem"
	"github.com/zpagealloc/zpagealloc/pkg/zlog"
)

// startUncommitters launches one long-lived worker per NUMA node
// implementing spec §4.5.6. A semaphore weighted to the node count
// bounds how many nodes can be mid-tick (dropping the allocator lock for
// the OS unmap/uncommit calls) at once, matching the "cooperative-suspend
// join" the spec describes.
func (a *Allocator) startUncommitters() {
	ctx, cancel := context.WithCancel(context.Background())
	a.uncommitCtx = ctx
	a.uncommitCancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	a.uncommitGroup = g
	a.uncommitSem = semaphore.NewWeighted(int64(len(a.states)))

	for i := range a.states {
		numaID := i
		g.Go(func() error {
			a.uncommitLoop(gctx, numaID)
			return nil
		})
	}
}

func (a *Allocator) uncommitLoop(ctx context.Context, numaID int) {
	delay := time.Duration(a.cfg.UncommitDelaySeconds) * time.Second
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		next := a.uncommitTick(numaID, delay)
		if next <= 0 {
			next = delay
		}
		timer.Reset(next)
	}
}

// uncommitTick runs one pass of spec §4.5.6's nine-step algorithm and
// returns the delay until the next tick should run.
func (a *Allocator) uncommitTick(numaID int, delay time.Duration) time.Duration {
	if err := a.uncommitSem.Acquire(a.uncommitCtx, 1); err != nil {
		return delay
	}
	defer a.uncommitSem.Release(1)

	a.mu.Lock()
	state := a.states[numaID]

	sinceCommit := now().Sub(state.lastCommit)
	if sinceCommit < delay {
		a.mu.Unlock()
		return delay - sinceCommit
	}

	sinceUncommit := now().Sub(state.lastUncommit)
	if sinceUncommit < delay {
		a.mu.Unlock()
		return delay - sinceUncommit
	}

	toUncommit := state.cache.ResetMin()
	state.lastUncommit = now()

	nodeCount := uint64(len(a.states))
	limit := granuleAlignUp(state.currentMax / 128)
	if perNodeCap := (uint64(256) << 20) / nodeCount; perNodeCap < limit {
		limit = perNodeCap
	}

	retain := state.used
	if state.minCapacity > retain {
		retain = state.minCapacity
	}
	var release uint64
	if state.capacity > retain {
		release = state.capacity - retain
	}
	flush := release
	if limit < flush {
		flush = limit
	}
	if toUncommit < flush {
		flush = toUncommit
	}

	if flush == 0 {
		a.mu.Unlock()
		return delay
	}

	var drained []vmem.VirtualRange
	flushed := state.cache.RemoveFromMin(&drained, flush)
	a.mu.Unlock()

	for _, r := range drained {
		indices := append([]granule.BackingIndex(nil), a.gmap.Slice(r.Start(), r.Size())...)
		if err := a.backing.Unmap(r.Start(), r.Size(), a.vm.Translate); err != nil {
			zlog.With(zlog.Fields{"numa_id": numaID, "err": err}).Errorf("pagealloc: uncommitter: unmap failed")
			continue
		}
		if _, err := a.backing.Uncommit(indices, numaID); err != nil {
			zlog.With(zlog.Fields{"numa_id": numaID, "err": err}).Errorf("pagealloc: uncommitter: uncommit failed")
		}
		a.backing.Free(indices, numaID)
		a.vm.FreeToNode(r, numaID)
	}

	a.mu.Lock()
	state.capacity -= flushed
	a.mu.Unlock()

	return delay
}
